package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	t.Run("result frame", func(t *testing.T) {
		msg, err := Decode([]byte(`{"type":"result","commandId":"a-1","command":"dir","success":true,"output":"ok"}`))
		require.NoError(t, err)
		assert.Equal(t, TypeResult, msg.Type)
		assert.Equal(t, "a-1", msg.CommandID)
		assert.True(t, msg.Success)
		assert.Equal(t, "ok", msg.Output)
	})

	t.Run("heartbeat keeps data raw", func(t *testing.T) {
		msg, err := Decode([]byte(`{"type":"heartbeat","data":{"cpu":12.5}}`))
		require.NoError(t, err)
		assert.JSONEq(t, `{"cpu":12.5}`, string(msg.Data))
	})

	t.Run("missing type", func(t *testing.T) {
		_, err := Decode([]byte(`{"data":{}}`))
		assert.ErrorIs(t, err, ErrMissingType)
	})

	t.Run("invalid json", func(t *testing.T) {
		_, err := Decode([]byte(`{`))
		assert.Error(t, err)
	})
}

func TestEncodeExecute(t *testing.T) {
	data, err := Encode(Execute("cmd-1", "ipconfig", false))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"execute","command":"ipconfig","commandId":"cmd-1"}`, string(data))

	data, err = Encode(RequestSystemInfo())
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"get_system_info"}`, string(data))
}
