// Package session 实现房间内的对等会话：引导、在线状态、状态同步与节流持久化。
//
// 一个 Session 对应一次连接尝试。会话的在线表、快照和协议标志只由自身持有，
// 所有修改都在同一把互斥锁内完成且不做I/O；存储调用、频道发布和外部回调
// 都在释放锁之后执行，回调中可以再次调用会话方法。
package session

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/wfunc/room-sync/internal/channel"
	"github.com/wfunc/room-sync/internal/clock"
	"github.com/wfunc/room-sync/internal/config"
	"github.com/wfunc/room-sync/internal/errors"
	"github.com/wfunc/room-sync/internal/protocol"
	"github.com/wfunc/room-sync/internal/store"
	"github.com/wfunc/room-sync/internal/throttle"
	"go.uber.org/zap"
)

// Callbacks 暴露给模拟层的回调，未设置的回调会被忽略
type Callbacks struct {
	OnConnectionChange func(connected bool, peerCount int)
	OnPlayersChange    func(players []protocol.PlayerInfo)
	OnAction           func(action protocol.Action)
	OnStateReceived    func(state json.RawMessage)
	OnError            func(message string)
}

// Options 会话参数
type Options struct {
	RoomID   string
	RoomName string
	// InitialState 非空表示以房主身份创建房间
	InitialState json.RawMessage
	Player       protocol.PlayerInfo

	Transport channel.Transport
	Store     store.Store
	Config    config.SyncConfig
	Clock     clock.Clock
	Logger    *zap.Logger
	Callbacks Callbacks
}

// Session 对等会话
type Session struct {
	roomID    string
	roomName  string
	peerID    string
	player    protocol.PlayerInfo
	isCreator bool

	transport channel.Transport
	store     store.Store
	cfg       config.SyncConfig
	clock     clock.Clock
	logger    *zap.Logger
	cb        Callbacks

	stateSaver *throttle.Throttler[json.RawMessage]
	countSaver *throttle.Throttler[int]

	mu                      sync.Mutex
	state                   json.RawMessage
	hasReceivedInitialState bool
	connecting              bool
	bootstrapped            bool
	connected               bool
	destroyed               bool
	ch                      channel.Channel
	presence                map[string]protocol.PlayerInfo

	// 玩家列表通知（尾部防抖）
	notifyTimer   clock.Timer
	notifyGen     uint64
	lastSignature string

	// 等待抖动结束的状态同步发送
	syncTimers map[uint64]clock.Timer
	syncSeq    uint64
}

// New 创建会话，不做任何I/O
func New(opts Options) *Session {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	cfg := withDefaults(opts.Config)

	peerID := uuid.NewString()
	player := opts.Player
	player.ID = peerID
	if player.JoinedAt == 0 {
		player.JoinedAt = opts.Clock.Now().UnixMilli()
	}

	s := &Session{
		roomID:     opts.RoomID,
		roomName:   opts.RoomName,
		peerID:     peerID,
		player:     player,
		isCreator:  opts.InitialState != nil,
		transport:  opts.Transport,
		store:      opts.Store,
		cfg:        cfg,
		clock:      opts.Clock,
		cb:         opts.Callbacks,
		presence:   map[string]protocol.PlayerInfo{peerID: player},
		syncTimers: make(map[uint64]clock.Timer),
		logger: opts.Logger.With(
			zap.String("room", opts.RoomID),
			zap.String("peer", peerID),
		),
	}

	if s.isCreator {
		s.state = clone(opts.InitialState)
		s.hasReceivedInitialState = true
	}

	s.stateSaver = throttle.New[json.RawMessage](throttle.Options{
		Name:         "state",
		Interval:     cfg.StateSaveInterval,
		WriteTimeout: cfg.WriteTimeout,
		Clock:        s.clock,
		Logger:       s.logger,
	}, func(ctx context.Context, state json.RawMessage) error {
		return s.store.Update(ctx, s.roomID, state)
	})
	s.countSaver = throttle.New[int](throttle.Options{
		Name:         "player_count",
		Interval:     cfg.PlayerCountInterval,
		WriteTimeout: cfg.WriteTimeout,
		Clock:        s.clock,
		Logger:       s.logger,
	}, func(ctx context.Context, count int) error {
		return s.store.UpdatePlayerCount(ctx, s.roomID, count)
	})

	return s
}

// withDefaults 补齐未设置的同步参数，抖动为0表示不抖动
func withDefaults(cfg config.SyncConfig) config.SyncConfig {
	def := config.Default().Sync
	if cfg.StateSaveInterval <= 0 {
		cfg.StateSaveInterval = def.StateSaveInterval
	}
	if cfg.PlayerCountInterval <= 0 {
		cfg.PlayerCountInterval = def.PlayerCountInterval
	}
	if cfg.PlayersDebounce <= 0 {
		cfg.PlayersDebounce = def.PlayersDebounce
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.StateSyncJitter < 0 {
		cfg.StateSyncJitter = 0
	}
	return cfg
}

// Connect 引导会话：房主写入初始快照，加入者读取快照，然后订阅频道并上报在线状态
//
// 引导失败是致命的，不会重试，错误同时通过 OnError 回调上报。
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case s.destroyed:
		s.mu.Unlock()
		return errors.New(errors.ErrSessionClosed, s.roomID)
	case s.connecting || s.connected:
		s.mu.Unlock()
		return errors.New(errors.ErrSessionConnected, s.roomID)
	}
	s.connecting = true
	initial := s.state
	s.mu.Unlock()

	if err := s.bootstrap(ctx, initial); err != nil {
		return s.failConnect(err)
	}

	ch := s.transport.Open(s.roomID, s.peerID)
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return s.failConnect(errors.New(errors.ErrSessionClosed, s.roomID))
	}
	s.ch = ch
	s.mu.Unlock()

	handlers := channel.Handlers{
		OnSync:    s.handleSync,
		OnJoin:    s.handleJoin,
		OnLeave:   s.handleLeave,
		OnMessage: s.handleMessage,
	}
	if err := ch.Subscribe(ctx, handlers); err != nil {
		return s.failConnect(errors.Wrap(err, errors.ErrChannelSubscribe, s.roomID))
	}
	if err := ch.Track(ctx, protocol.PresenceEntry{Player: s.player}); err != nil {
		return s.failConnect(errors.Wrap(err, errors.ErrChannelSubscribe, "上报在线状态失败"))
	}

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return errors.New(errors.ErrSessionClosed, s.roomID)
	}
	s.connecting = false
	s.connected = true
	count := len(s.presence)
	s.mu.Unlock()

	s.logger.Info("会话已连接",
		zap.Bool("creator", s.isCreator),
		zap.Int("peers", count),
	)
	s.cb.connectionChange(true, count)
	return nil
}

// bootstrap 房主创建房间，加入者读取快照
func (s *Session) bootstrap(ctx context.Context, initial json.RawMessage) error {
	if s.isCreator {
		if err := s.store.Create(ctx, s.roomID, s.roomName, initial); err != nil {
			return errors.Wrap(err, errors.ErrRoomCreate, s.roomID)
		}
		// 初始快照即为一次写入
		s.stateSaver.MarkWritten()
		s.mu.Lock()
		s.bootstrapped = true
		s.mu.Unlock()
		return nil
	}

	state, err := s.store.Load(ctx, s.roomID)
	if err != nil {
		if errors.GetCode(err) != 0 {
			return err
		}
		return errors.Wrap(err, errors.ErrDatabaseQuery, s.roomID)
	}
	if !protocol.ValidSnapshot(state) {
		return errors.New(errors.ErrRoomNotFound, s.roomID)
	}

	s.mu.Lock()
	s.state = clone(state)
	s.bootstrapped = true
	s.mu.Unlock()
	return nil
}

// failConnect 回滚连接尝试并上报错误
func (s *Session) failConnect(err error) error {
	s.mu.Lock()
	s.connecting = false
	ch := s.ch
	s.ch = nil
	s.mu.Unlock()

	if ch != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
		if uerr := ch.Unsubscribe(ctx); uerr != nil {
			s.logger.Warn("回滚订阅失败", zap.Error(uerr))
		}
		cancel()
	}

	s.logger.Error("会话引导失败", zap.Error(err))
	s.cb.error(err.Error())
	return err
}

// UpdateGameState 替换本地快照并提交节流写入
func (s *Session) UpdateGameState(state json.RawMessage) {
	if !protocol.ValidSnapshot(state) {
		s.logger.Warn("忽略无效快照")
		return
	}
	snapshot := clone(state)

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.state = snapshot
	// 引导完成前只更新内存
	persist := s.bootstrapped
	s.mu.Unlock()

	if persist {
		s.stateSaver.Request(snapshot)
	}
}

// Destroy 销毁会话，可重复调用
//
// 待写快照会立即发出（不等待完成），待写人数直接丢弃；
// 所有定时器被取消，之后不会再产生任何效果。
func (s *Session) Destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	wasConnected := s.connected
	s.connected = false
	ch := s.ch
	s.ch = nil

	if s.notifyTimer != nil {
		s.notifyTimer.Stop()
		s.notifyTimer = nil
	}
	for id, t := range s.syncTimers {
		t.Stop()
		delete(s.syncTimers, id)
	}
	s.mu.Unlock()

	s.stateSaver.Flush()
	s.stateSaver.Stop()
	s.countSaver.Stop()

	if ch != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
		if err := ch.Unsubscribe(ctx); err != nil {
			s.logger.Warn("取消订阅失败", zap.Error(err))
		}
		cancel()
	}

	s.logger.Info("会话已销毁")
	if wasConnected {
		s.cb.connectionChange(false, 0)
	}
}

// PeerID 自身标识
func (s *Session) PeerID() string {
	return s.peerID
}

// RoomID 房间号
func (s *Session) RoomID() string {
	return s.roomID
}

// IsCreator 是否为房主
func (s *Session) IsCreator() bool {
	return s.isCreator
}

// State 当前快照副本
func (s *Session) State() json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return clone(s.state)
}

// HasReceivedInitialState 是否已拿到权威快照
func (s *Session) HasReceivedInitialState() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasReceivedInitialState
}

// Connected 是否处于连接状态
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Players 当前在线玩家，自身排在第一位
func (s *Session) Players() []protocol.PlayerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playersLocked()
}

func clone(state json.RawMessage) json.RawMessage {
	if state == nil {
		return nil
	}
	out := make(json.RawMessage, len(state))
	copy(out, state)
	return out
}

func (c Callbacks) connectionChange(connected bool, peers int) {
	if c.OnConnectionChange != nil {
		c.OnConnectionChange(connected, peers)
	}
}

func (c Callbacks) playersChange(players []protocol.PlayerInfo) {
	if c.OnPlayersChange != nil {
		c.OnPlayersChange(players)
	}
}

func (c Callbacks) action(a protocol.Action) {
	if c.OnAction != nil {
		c.OnAction(a)
	}
}

func (c Callbacks) stateReceived(state json.RawMessage) {
	if c.OnStateReceived != nil {
		c.OnStateReceived(state)
	}
}

func (c Callbacks) error(message string) {
	if c.OnError != nil {
		c.OnError(message)
	}
}
