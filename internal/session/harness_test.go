package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/room-sync/internal/channel"
	"github.com/wfunc/room-sync/internal/clock"
	"github.com/wfunc/room-sync/internal/config"
	"github.com/wfunc/room-sync/internal/protocol"
	"github.com/wfunc/room-sync/internal/store"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

var testSync = config.SyncConfig{
	StateSaveInterval:   3 * time.Second,
	PlayerCountInterval: 5 * time.Second,
	StateSyncJitter:     150 * time.Millisecond,
	PlayersDebounce:     200 * time.Millisecond,
	WriteTimeout:        time.Second,
}

// published 一次频道发布
type published struct {
	from    string
	topic   string
	payload []byte
}

// spyTransport 记录发布与取消订阅
type spyTransport struct {
	inner channel.Transport

	mu           sync.Mutex
	publishes    []published
	unsubscribes map[string]int
}

func newSpyTransport(inner channel.Transport) *spyTransport {
	return &spyTransport{inner: inner, unsubscribes: make(map[string]int)}
}

func (t *spyTransport) Open(roomID, key string) channel.Channel {
	return &spyChannel{Channel: t.inner.Open(roomID, key), spy: t, key: key}
}

func (t *spyTransport) topicCount(topic string) map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int)
	for _, p := range t.publishes {
		if p.topic == topic {
			out[p.from]++
		}
	}
	return out
}

func (t *spyTransport) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.publishes = nil
}

func (t *spyTransport) unsubscribeCount(key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.unsubscribes[key]
}

type spyChannel struct {
	channel.Channel
	spy *spyTransport
	key string
}

func (c *spyChannel) Publish(ctx context.Context, topic string, payload []byte) error {
	c.spy.mu.Lock()
	c.spy.publishes = append(c.spy.publishes, published{from: c.key, topic: topic, payload: payload})
	c.spy.mu.Unlock()
	return c.Channel.Publish(ctx, topic, payload)
}

func (c *spyChannel) Unsubscribe(ctx context.Context) error {
	c.spy.mu.Lock()
	c.spy.unsubscribes[c.key]++
	c.spy.mu.Unlock()
	return c.Channel.Unsubscribe(ctx)
}

// stateWrite 一次快照写入
type stateWrite struct {
	state json.RawMessage
	at    time.Time
}

// recordingStore 记录快照写入的内存存储
type recordingStore struct {
	*store.MemoryStore
	clock clock.Clock

	mu      sync.Mutex
	updates []stateWrite
}

func (r *recordingStore) Update(ctx context.Context, roomID string, state json.RawMessage) error {
	r.mu.Lock()
	r.updates = append(r.updates, stateWrite{state: clone(state), at: r.clock.Now()})
	r.mu.Unlock()
	return r.MemoryStore.Update(ctx, roomID, state)
}

func (r *recordingStore) writes() []stateWrite {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]stateWrite(nil), r.updates...)
}

// mockStore 可注入失败的存储
type mockStore struct {
	mock.Mock
}

func (m *mockStore) Create(ctx context.Context, roomID, name string, state json.RawMessage) error {
	return m.Called(ctx, roomID, name, state).Error(0)
}

func (m *mockStore) Load(ctx context.Context, roomID string) (json.RawMessage, error) {
	args := m.Called(ctx, roomID)
	state, _ := args.Get(0).(json.RawMessage)
	return state, args.Error(1)
}

func (m *mockStore) Update(ctx context.Context, roomID string, state json.RawMessage) error {
	return m.Called(ctx, roomID, state).Error(0)
}

func (m *mockStore) UpdatePlayerCount(ctx context.Context, roomID string, count int) error {
	return m.Called(ctx, roomID, count).Error(0)
}

// callbackLog 记录会话回调
type callbackLog struct {
	mu          sync.Mutex
	connections []connectionEvent
	players     [][]protocol.PlayerInfo
	actions     []protocol.Action
	states      []json.RawMessage
	errors      []string
}

type connectionEvent struct {
	connected bool
	peers     int
}

func (l *callbackLog) callbacks() Callbacks {
	return Callbacks{
		OnConnectionChange: func(connected bool, peers int) {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.connections = append(l.connections, connectionEvent{connected, peers})
		},
		OnPlayersChange: func(players []protocol.PlayerInfo) {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.players = append(l.players, players)
		},
		OnAction: func(a protocol.Action) {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.actions = append(l.actions, a)
		},
		OnStateReceived: func(state json.RawMessage) {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.states = append(l.states, state)
		},
		OnError: func(msg string) {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.errors = append(l.errors, msg)
		},
	}
}

func (l *callbackLog) playerEvents() [][]protocol.PlayerInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][]protocol.PlayerInfo(nil), l.players...)
}

func (l *callbackLog) actionEvents() []protocol.Action {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]protocol.Action(nil), l.actions...)
}

func (l *callbackLog) stateEvents() []json.RawMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]json.RawMessage(nil), l.states...)
}

func (l *callbackLog) connectionEvents() []connectionEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]connectionEvent(nil), l.connections...)
}

func (l *callbackLog) errorEvents() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.errors...)
}

// harness 共享同一个时钟、广播中心和存储的多会话环境
type harness struct {
	t      *testing.T
	clock  *clock.Mock
	broker *channel.MemoryBroker
	spy    *spyTransport
	store  *recordingStore
}

func newHarness(t *testing.T) *harness {
	mockClock := clock.NewMock(epoch)
	broker := channel.NewMemoryBroker()
	return &harness{
		t:      t,
		clock:  mockClock,
		broker: broker,
		spy:    newSpyTransport(broker),
		store:  &recordingStore{MemoryStore: store.NewMemoryStore(), clock: mockClock},
	}
}

func (h *harness) newSession(name string, initial json.RawMessage, log *callbackLog) *Session {
	if log == nil {
		log = &callbackLog{}
	}
	return New(Options{
		RoomID:       "R1",
		RoomName:     "test room",
		InitialState: initial,
		Player:       protocol.PlayerInfo{Name: name, Color: "#fff"},
		Transport:    h.spy,
		Store:        h.store,
		Config:       testSync,
		Clock:        h.clock,
		Callbacks:    log.callbacks(),
	})
}

// connect 创建并连接会话
func (h *harness) connect(name string, initial json.RawMessage, log *callbackLog) *Session {
	s := h.newSession(name, initial, log)
	require.NoError(h.t, s.Connect(context.Background()))
	h.t.Cleanup(s.Destroy)
	return s
}

// raw 以非会话身份加入房间，用于注入消息
func (h *harness) raw(key string) channel.Channel {
	ch := h.broker.Open("R1", key)
	require.NoError(h.t, ch.Subscribe(context.Background(), channel.Handlers{}))
	return ch
}

func (h *harness) injectStateSync(ch channel.Channel, to, from, state string) {
	payload, err := json.Marshal(map[string]interface{}{
		"state": json.RawMessage(state),
		"to":    to,
		"from":  from,
	})
	require.NoError(h.t, err)
	require.NoError(h.t, ch.Publish(context.Background(), protocol.TopicStateSync, payload))
}
