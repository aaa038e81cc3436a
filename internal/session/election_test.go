package session

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/room-sync/internal/protocol"
)

func TestElectTransmitter_SmallestExistingMemberWins(t *testing.T) {
	members := []string{"a", "b", "c", "d"}

	assert.True(t, ElectTransmitter("a", "d", members))
	assert.False(t, ElectTransmitter("b", "d", members))
	assert.False(t, ElectTransmitter("c", "d", members))

	// 新成员本身最小时不参与选举
	assert.True(t, ElectTransmitter("b", "a", members))
	assert.False(t, ElectTransmitter("a", "a", members))
}

func TestElectTransmitter_SelfMissingFromView(t *testing.T) {
	// 自身总是参与比较，即使在线视图尚未包含自身
	assert.True(t, ElectTransmitter("a", "z", []string{"b", "c"}))
	assert.False(t, ElectTransmitter("c", "z", []string{"b"}))
}

func TestElectTransmitter_ExactlyOneWinnerPerView(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for round := 0; round < 200; round++ {
		n := 1 + rng.IntN(8)
		members := make([]string, 0, n+1)
		for i := 0; i < n; i++ {
			members = append(members, fmt.Sprintf("peer-%03d", rng.IntN(1000)))
		}
		joiner := fmt.Sprintf("joiner-%03d", rng.IntN(1000))
		view := append(append([]string(nil), members...), joiner)

		winners := 0
		for _, self := range uniq(members) {
			if ElectTransmitter(self, joiner, view) {
				winners++
			}
		}
		assert.Equal(t, 1, winners, "view=%v joiner=%s", view, joiner)
	}
}

func uniq(ids []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func TestSession_OnlySmallestPeerSendsStateToJoiner(t *testing.T) {
	h := newHarness(t)

	a := h.connect("A", []byte(`{"tick":0}`), nil)
	b := h.connect("B", nil, nil)
	c := h.connect("C", nil, nil)
	h.clock.Advance(time.Second)
	require.True(t, b.HasReceivedInitialState())
	require.True(t, c.HasReceivedInitialState())

	h.spy.reset()
	dLog := &callbackLog{}
	d := h.connect("D", nil, dLog)
	h.clock.Advance(testSync.StateSyncJitter)

	ids := []string{a.PeerID(), b.PeerID(), c.PeerID()}
	sort.Strings(ids)

	sends := h.spy.topicCount(protocol.TopicStateSync)
	assert.Equal(t, map[string]int{ids[0]: 1}, sends)
	assert.True(t, d.HasReceivedInitialState())
	assert.Len(t, dLog.stateEvents(), 1)
}

func TestSession_ElectedPeerWithoutStateSendsNothing(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.Create(context.Background(), "R1", "room", []byte(`{"v":1}`)))

	b := h.connect("B", nil, nil)
	// 模拟一个没有快照的活跃会话
	b.mu.Lock()
	b.state = nil
	b.mu.Unlock()

	h.connect("C", nil, nil)
	h.clock.Advance(time.Second)

	assert.Empty(t, h.spy.topicCount(protocol.TopicStateSync))
}

func TestSession_JitterStaysWithinWindow(t *testing.T) {
	h := newHarness(t)
	s := h.newSession("A", []byte(`{}`), nil)

	for i := 0; i < 100; i++ {
		d := s.jitter()
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, testSync.StateSyncJitter)
	}

	s.cfg.StateSyncJitter = 0
	assert.Zero(t, s.jitter())
}
