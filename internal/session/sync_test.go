package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/room-sync/internal/errors"
	"github.com/wfunc/room-sync/internal/protocol"
)

func TestSession_JoinerReceivesCreatorsCurrentState(t *testing.T) {
	h := newHarness(t)
	a := h.connect("A", []byte(`{"s":0}`), nil)
	a.UpdateGameState(json.RawMessage(`{"s":1}`))

	bLog := &callbackLog{}
	b := h.connect("B", nil, bLog)
	assert.JSONEq(t, `{"s":0}`, string(b.State()), "存储中仍是初始快照")
	assert.False(t, b.HasReceivedInitialState())

	h.clock.Advance(testSync.StateSyncJitter)

	assert.True(t, b.HasReceivedInitialState())
	assert.JSONEq(t, `{"s":1}`, string(b.State()))
	states := bLog.stateEvents()
	require.Len(t, states, 1)
	assert.JSONEq(t, `{"s":1}`, string(states[0]))

	sends := h.spy.topicCount(protocol.TopicStateSync)
	assert.Equal(t, map[string]int{a.PeerID(): 1}, sends)
}

func TestSession_StateReadAtSendTime(t *testing.T) {
	h := newHarness(t)
	a := h.connect("A", []byte(`{"s":0}`), nil)
	b := h.connect("B", nil, nil)

	// 抖动期间的更新也会被发送
	a.UpdateGameState(json.RawMessage(`{"s":2}`))
	h.clock.Advance(testSync.StateSyncJitter)

	assert.JSONEq(t, `{"s":2}`, string(b.State()))
}

func TestSession_CreatorIgnoresStateSync(t *testing.T) {
	h := newHarness(t)
	aLog := &callbackLog{}
	a := h.connect("A", []byte(`{"s":0}`), aLog)

	intruder := h.raw("intruder")
	h.injectStateSync(intruder, a.PeerID(), "intruder", `{"s":"evil"}`)

	assert.JSONEq(t, `{"s":0}`, string(a.State()))
	assert.Empty(t, aLog.stateEvents())
}

func TestSession_InitialStateAcceptedOnce(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.Create(context.Background(), "R1", "room", []byte(`{"s":0}`)))

	bLog := &callbackLog{}
	b := h.connect("B", nil, bLog)

	x := h.raw("x")
	y := h.raw("y")
	h.injectStateSync(x, b.PeerID(), "x", `{"s":"first"}`)
	h.injectStateSync(y, b.PeerID(), "y", `{"s":"second"}`)

	assert.True(t, b.HasReceivedInitialState())
	assert.JSONEq(t, `{"s":"first"}`, string(b.State()))
	assert.Len(t, bLog.stateEvents(), 1)
}

func TestSession_StateSyncGuard(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.Create(context.Background(), "R1", "room", []byte(`{"s":0}`)))

	bLog := &callbackLog{}
	b := h.connect("B", nil, bLog)
	x := h.raw("x")

	// 发给别人的
	h.injectStateSync(x, "someone-else", "x", `{"s":1}`)
	// 冒充自己发出的
	h.injectStateSync(x, b.PeerID(), b.PeerID(), `{"s":2}`)
	// 空快照
	h.injectStateSync(x, b.PeerID(), "x", `null`)
	// 缺少字段
	require.NoError(t, x.Publish(context.Background(), protocol.TopicStateSync, []byte(`{"state":{"s":3}}`)))
	// 不是JSON
	require.NoError(t, x.Publish(context.Background(), protocol.TopicStateSync, []byte(`not json`)))

	assert.False(t, b.HasReceivedInitialState())
	assert.JSONEq(t, `{"s":0}`, string(b.State()))
	assert.Empty(t, bLog.stateEvents())
}

func TestSession_DispatchActionStampsAndBroadcasts(t *testing.T) {
	h := newHarness(t)
	aLog, bLog := &callbackLog{}, &callbackLog{}
	a := h.connect("A", []byte(`{}`), aLog)
	b := h.connect("B", nil, bLog)

	h.clock.Advance(time.Second)
	require.NoError(t, a.DispatchAction(context.Background(), protocol.ActionInput{
		Type:    "move",
		Payload: json.RawMessage(`{"x":1}`),
	}))

	actions := bLog.actionEvents()
	require.Len(t, actions, 1)
	assert.Equal(t, "move", actions[0].Type)
	assert.Equal(t, a.PeerID(), actions[0].PlayerID)
	assert.Equal(t, epoch.Add(time.Second).UnixMilli(), actions[0].Timestamp)
	assert.JSONEq(t, `{"x":1}`, string(actions[0].Payload))

	assert.Empty(t, aLog.actionEvents(), "发送者不会收到自己的动作")
	_ = b
}

func TestSession_DispatchActionRequiresConnection(t *testing.T) {
	h := newHarness(t)
	s := h.newSession("A", []byte(`{}`), nil)

	err := s.DispatchAction(context.Background(), protocol.ActionInput{Type: "move"})
	assert.True(t, errors.Is(err, errors.ErrSessionNotConnected))

	require.NoError(t, s.Connect(context.Background()))
	err = s.DispatchAction(context.Background(), protocol.ActionInput{})
	assert.True(t, errors.Is(err, errors.ErrInvalidParam))

	s.Destroy()
	err = s.DispatchAction(context.Background(), protocol.ActionInput{Type: "move"})
	assert.True(t, errors.Is(err, errors.ErrSessionClosed))
}

func TestSession_MalformedActionsDropped(t *testing.T) {
	h := newHarness(t)
	aLog := &callbackLog{}
	a := h.connect("A", []byte(`{}`), aLog)
	x := h.raw("x")
	ctx := context.Background()

	require.NoError(t, x.Publish(ctx, protocol.TopicAction, []byte(`{"type":"move","timestamp":1}`)))
	require.NoError(t, x.Publish(ctx, protocol.TopicAction, []byte(`{"playerId":"x","timestamp":1}`)))
	require.NoError(t, x.Publish(ctx, protocol.TopicAction, []byte(`{{{`)))
	require.NoError(t, x.Publish(ctx, "unknown-topic", []byte(`{}`)))

	// 伪装成自己发出的动作
	echo, err := json.Marshal(protocol.Action{Type: "move", PlayerID: a.PeerID(), Timestamp: 1})
	require.NoError(t, err)
	require.NoError(t, x.Publish(ctx, protocol.TopicAction, echo))

	assert.Empty(t, aLog.actionEvents())

	require.NoError(t, x.Publish(ctx, protocol.TopicAction, []byte(`{"type":"move","playerId":"x","timestamp":1}`)))
	assert.Len(t, aLog.actionEvents(), 1)
}

func TestSession_PlayersNotificationDebounced(t *testing.T) {
	h := newHarness(t)
	aLog := &callbackLog{}
	a := h.connect("A", []byte(`{}`), aLog)

	h.clock.Advance(testSync.PlayersDebounce)
	require.Len(t, aLog.playerEvents(), 1)

	b := h.connect("B", nil, nil)
	h.clock.Advance(100 * time.Millisecond)
	c := h.connect("C", nil, nil)
	h.clock.Advance(199 * time.Millisecond)
	assert.Len(t, aLog.playerEvents(), 1, "窗口内的变化合并为一次通知")

	h.clock.Advance(time.Millisecond)
	events := aLog.playerEvents()
	require.Len(t, events, 2)
	players := events[1]
	require.Len(t, players, 3)
	assert.Equal(t, a.PeerID(), players[0].ID, "自身排在第一位")
	assert.ElementsMatch(t, []string{b.PeerID(), c.PeerID()}, []string{players[1].ID, players[2].ID})

	conns := aLog.connectionEvents()
	assert.Equal(t, connectionEvent{true, 3}, conns[len(conns)-1])
}

func TestSession_UnchangedPlayerListNotRenotified(t *testing.T) {
	h := newHarness(t)
	aLog := &callbackLog{}
	a := h.connect("A", []byte(`{}`), aLog)
	b := h.connect("B", nil, nil)
	h.clock.Advance(time.Second)
	require.Len(t, aLog.playerEvents(), 1)

	// 重复的全量同步不改变列表
	a.handleSync(map[string]protocol.PresenceEntry{
		a.PeerID(): {Player: protocol.PlayerInfo{ID: a.PeerID(), Name: "A"}},
		b.PeerID(): {Player: protocol.PlayerInfo{ID: b.PeerID(), Name: "B"}},
	})
	h.clock.Advance(time.Second)
	assert.Len(t, aLog.playerEvents(), 1)

	// 抖动：离开又加入，最终列表不变
	entry := protocol.PresenceEntry{Player: protocol.PlayerInfo{ID: b.PeerID(), Name: "B"}}
	a.handleLeave(b.PeerID())
	a.handleJoin(b.PeerID(), entry)
	h.clock.Advance(time.Second)
	assert.Len(t, aLog.playerEvents(), 1)
}

func TestSession_SyncAlwaysKeepsSelf(t *testing.T) {
	h := newHarness(t)
	a := h.connect("A", []byte(`{}`), nil)

	a.handleSync(map[string]protocol.PresenceEntry{
		"other": {Player: protocol.PlayerInfo{ID: "other", Name: "O"}},
	})

	players := a.Players()
	require.Len(t, players, 2)
	assert.Equal(t, a.PeerID(), players[0].ID)
	assert.Equal(t, "A", players[0].Name)
}

func TestSession_SelfJoinIgnored(t *testing.T) {
	h := newHarness(t)
	a := h.connect("A", []byte(`{}`), nil)

	a.handleJoin(a.PeerID(), protocol.PresenceEntry{Player: protocol.PlayerInfo{ID: a.PeerID(), Name: "renamed"}})
	h.clock.Advance(time.Second)

	assert.Equal(t, "A", a.Players()[0].Name)
	assert.Empty(t, h.spy.topicCount(protocol.TopicStateSync))
}
