package session

import (
	"context"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/wfunc/room-sync/internal/protocol"
	"go.uber.org/zap"
)

// ElectTransmitter 判断self是否负责给joiner发送快照
//
// 在除joiner外的全部已知成员（含self）中，字典序最小者当选。
// 各成员基于同样的在线视图独立计算，无需协商。
func ElectTransmitter(self, joiner string, members []string) bool {
	if self == joiner {
		return false
	}
	ids := make([]string, 0, len(members)+1)
	seen := map[string]bool{self: true}
	ids = append(ids, self)
	for _, id := range members {
		if id == joiner || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids[0] == self
}

// jitter 在[0, StateSyncJitter]内均匀取值
func (s *Session) jitter() time.Duration {
	window := s.cfg.StateSyncJitter
	if window <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(window) + 1))
}

// scheduleStateSyncLocked 抖动后向target发送快照，调用方持有锁
func (s *Session) scheduleStateSyncLocked(target string) {
	s.syncSeq++
	id := s.syncSeq
	s.syncTimers[id] = s.clock.AfterFunc(s.jitter(), func() {
		s.sendStateSync(id, target)
	})
}

// sendStateSync 发送时读取当时的最新快照
func (s *Session) sendStateSync(id uint64, target string) {
	s.mu.Lock()
	if _, pending := s.syncTimers[id]; !pending {
		s.mu.Unlock()
		return
	}
	delete(s.syncTimers, id)
	if s.destroyed || s.state == nil || s.ch == nil {
		s.mu.Unlock()
		return
	}
	snapshot := s.state
	ch := s.ch
	s.mu.Unlock()

	payload, err := protocol.Encode(protocol.StateSync{State: snapshot, To: target, From: s.peerID})
	if err != nil {
		s.logger.Warn("状态同步编码失败", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()
	if err := ch.Publish(ctx, protocol.TopicStateSync, payload); err != nil {
		s.logger.Warn("发送状态同步失败", zap.String("to", target), zap.Error(err))
		return
	}
	s.logger.Info("已发送状态同步",
		zap.String("to", target),
		zap.Int("bytes", len(snapshot)),
	)
}
