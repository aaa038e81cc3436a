package session

import (
	"sort"
	"strings"

	"github.com/wfunc/room-sync/internal/protocol"
	"go.uber.org/zap"
)

// handleSync 用频道给出的全量快照重建在线表，自身总是在表中
func (s *Session) handleSync(presence map[string]protocol.PresenceEntry) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	table := make(map[string]protocol.PlayerInfo, len(presence)+1)
	table[s.peerID] = s.player
	for key, entry := range presence {
		if key == s.peerID {
			continue
		}
		table[key] = entry.Player
	}
	s.presence = table
	count := len(table)
	s.schedulePlayersLocked()
	s.mu.Unlock()

	s.countSaver.Request(count)
}

// handleJoin 记录新成员，并在当选时安排向其发送快照
func (s *Session) handleJoin(key string, entry protocol.PresenceEntry) {
	if key == s.peerID {
		return
	}

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.presence[key] = entry.Player
	count := len(s.presence)

	members := make([]string, 0, count)
	for id := range s.presence {
		members = append(members, id)
	}
	elected := ElectTransmitter(s.peerID, key, members)
	if elected && s.state != nil {
		s.scheduleStateSyncLocked(key)
	}
	s.schedulePlayersLocked()
	s.mu.Unlock()

	s.logger.Debug("成员加入",
		zap.String("member", key),
		zap.String("name", entry.Player.Name),
		zap.Bool("elected", elected),
	)
	s.countSaver.Request(count)
}

// handleLeave 移除成员
func (s *Session) handleLeave(key string) {
	if key == s.peerID {
		return
	}

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	if _, known := s.presence[key]; !known {
		s.mu.Unlock()
		return
	}
	delete(s.presence, key)
	count := len(s.presence)
	s.schedulePlayersLocked()
	s.mu.Unlock()

	s.logger.Debug("成员离开", zap.String("member", key))
	s.countSaver.Request(count)
}

// schedulePlayersLocked 玩家列表变化时重新开始防抖窗口，调用方持有锁
func (s *Session) schedulePlayersLocked() {
	if s.notifyTimer == nil && signature(s.playersLocked()) == s.lastSignature {
		return
	}
	if s.notifyTimer != nil {
		s.notifyTimer.Stop()
	}
	s.notifyGen++
	gen := s.notifyGen
	s.notifyTimer = s.clock.AfterFunc(s.cfg.PlayersDebounce, func() {
		s.notifyPlayers(gen)
	})
}

// notifyPlayers 防抖窗口结束，列表与上次通知不同时才回调
func (s *Session) notifyPlayers(gen uint64) {
	s.mu.Lock()
	if s.destroyed || gen != s.notifyGen {
		s.mu.Unlock()
		return
	}
	s.notifyTimer = nil
	players := s.playersLocked()
	sig := signature(players)
	if sig == s.lastSignature {
		s.mu.Unlock()
		return
	}
	s.lastSignature = sig
	connected := s.connected
	s.mu.Unlock()

	s.cb.playersChange(players)
	if connected {
		s.cb.connectionChange(true, len(players))
	}
}

// playersLocked 自身在前，其余按加入时间和标识排序
func (s *Session) playersLocked() []protocol.PlayerInfo {
	others := make([]protocol.PlayerInfo, 0, len(s.presence))
	for id, p := range s.presence {
		if id == s.peerID {
			continue
		}
		others = append(others, p)
	}
	sort.Slice(others, func(i, j int) bool {
		if others[i].JoinedAt != others[j].JoinedAt {
			return others[i].JoinedAt < others[j].JoinedAt
		}
		return others[i].ID < others[j].ID
	})
	return append([]protocol.PlayerInfo{s.presence[s.peerID]}, others...)
}

// signature 按标识排序后的 标识:名字 拼接
func signature(players []protocol.PlayerInfo) string {
	parts := make([]string, len(players))
	for i, p := range players {
		parts[i] = p.ID + ":" + p.Name
	}
	sort.Strings(parts)
	return strings.Join(parts, "|")
}
