package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/room-sync/internal/errors"
)

func TestDecode_Action(t *testing.T) {
	msg, err := Decode(TopicAction, []byte(`{"type":"move","payload":{"x":1},"timestamp":42,"playerId":"p1"}`))
	require.NoError(t, err)

	action, ok := msg.(Action)
	require.True(t, ok)
	assert.Equal(t, "move", action.Type)
	assert.Equal(t, "p1", action.PlayerID)
	assert.Equal(t, int64(42), action.Timestamp)
	assert.JSONEq(t, `{"x":1}`, string(action.Payload))
}

func TestDecode_ActionMissingFields(t *testing.T) {
	cases := map[string]string{
		"缺少playerId": `{"type":"move","timestamp":1}`,
		"缺少type":     `{"playerId":"p1","timestamp":1}`,
		"空type":      `{"type":"","playerId":"p1"}`,
		"非法JSON":     `{"type":`,
	}

	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(TopicAction, []byte(payload))
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrMessageFormat))
		})
	}
}

func TestDecode_StateSync(t *testing.T) {
	msg, err := Decode(TopicStateSync, []byte(`{"state":{"tick":7},"to":"b","from":"a"}`))
	require.NoError(t, err)

	sync, ok := msg.(StateSync)
	require.True(t, ok)
	assert.Equal(t, "b", sync.To)
	assert.Equal(t, "a", sync.From)
	assert.JSONEq(t, `{"tick":7}`, string(sync.State))
}

func TestDecode_StateSyncRejected(t *testing.T) {
	_, err := Decode(TopicStateSync, []byte(`{"state":null,"to":"b","from":"a"}`))
	assert.True(t, errors.Is(err, errors.ErrInvalidSnapshot))

	_, err = Decode(TopicStateSync, []byte(`{"to":"b","from":"a"}`))
	assert.True(t, errors.Is(err, errors.ErrInvalidSnapshot))

	_, err = Decode(TopicStateSync, []byte(`{"state":{},"from":"a"}`))
	assert.True(t, errors.Is(err, errors.ErrMessageFormat))
}

func TestDecode_UnknownTopic(t *testing.T) {
	_, err := Decode("chat", []byte(`{}`))
	assert.True(t, errors.Is(err, errors.ErrMessageFormat))
}

func TestEncode_RoundTripsThroughDecode(t *testing.T) {
	out := StateSync{State: json.RawMessage(`[1,2,3]`), To: "b", From: "a"}
	data, err := Encode(out)
	require.NoError(t, err)

	msg, err := Decode(out.Topic(), data)
	require.NoError(t, err)
	assert.Equal(t, TopicStateSync, msg.Topic())
}

func TestValidSnapshot(t *testing.T) {
	assert.True(t, ValidSnapshot(json.RawMessage(`{}`)))
	assert.True(t, ValidSnapshot(json.RawMessage(` [1] `)))
	assert.False(t, ValidSnapshot(nil))
	assert.False(t, ValidSnapshot(json.RawMessage(`null`)))
	assert.False(t, ValidSnapshot(json.RawMessage(`{"a":`)))
}
