package session

import (
	"context"

	"github.com/wfunc/room-sync/internal/errors"
	"github.com/wfunc/room-sync/internal/protocol"
	"go.uber.org/zap"
)

// DispatchAction 盖上时间戳和自身标识后广播动作，不等待确认
func (s *Session) DispatchAction(ctx context.Context, in protocol.ActionInput) error {
	if in.Type == "" {
		return errors.New(errors.ErrInvalidParam, "动作缺少type")
	}

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return errors.New(errors.ErrSessionClosed, s.roomID)
	}
	if !s.connected || s.ch == nil {
		s.mu.Unlock()
		return errors.New(errors.ErrSessionNotConnected, s.roomID)
	}
	ch := s.ch
	s.mu.Unlock()

	payload, err := protocol.Encode(protocol.Action{
		Type:      in.Type,
		Payload:   in.Payload,
		Timestamp: s.clock.Now().UnixMilli(),
		PlayerID:  s.peerID,
	})
	if err != nil {
		return err
	}
	if err := ch.Publish(ctx, protocol.TopicAction, payload); err != nil {
		return errors.Wrap(err, errors.ErrChannelPublish, protocol.TopicAction)
	}
	return nil
}

// handleMessage 入站广播在边界处解码为 Action 或 StateSync
func (s *Session) handleMessage(topic string, payload []byte) {
	msg, err := protocol.Decode(topic, payload)
	if err != nil {
		s.logger.Warn("丢弃无效消息", zap.String("topic", topic), zap.Error(err))
		return
	}

	switch m := msg.(type) {
	case protocol.Action:
		s.deliverAction(m)
	case protocol.StateSync:
		s.acceptStateSync(m)
	}
}

// deliverAction 转发他人的动作
func (s *Session) deliverAction(a protocol.Action) {
	if a.PlayerID == s.peerID {
		return
	}

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	waiting := !s.isCreator && !s.hasReceivedInitialState
	s.mu.Unlock()

	if waiting {
		s.logger.Debug("尚未收到状态同步，动作基于存储快照", zap.String("from", a.PlayerID))
	}
	s.cb.action(a)
}

// acceptStateSync 检查并接受发给自己的快照，检查与置位在同一临界区内完成
func (s *Session) acceptStateSync(m protocol.StateSync) {
	s.mu.Lock()
	if s.destroyed ||
		m.To != s.peerID ||
		s.isCreator ||
		s.hasReceivedInitialState ||
		m.From == s.peerID ||
		!protocol.ValidSnapshot(m.State) {
		s.mu.Unlock()
		return
	}
	s.hasReceivedInitialState = true
	s.state = clone(m.State)
	received := clone(m.State)
	s.mu.Unlock()

	s.logger.Info("已接受状态同步",
		zap.String("from", m.From),
		zap.Int("bytes", len(received)),
	)
	s.cb.stateReceived(received)
}
