package canonical

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBytes_FieldOrderIndependent(t *testing.T) {
	a := map[string]any{"b": 2, "a": 1, "c": "x"}
	b := map[string]any{"c": "x", "a": 1, "b": 2}

	ba, err := Bytes(a)
	require.NoError(t, err)
	bb, err := Bytes(b)
	require.NoError(t, err)

	assert.Equal(t, ba, bb)
	assert.Equal(t, `{"a":1,"b":2,"c":"x"}`, string(ba))
}

func TestHash_Deterministic(t *testing.T) {
	type payload struct {
		AgentID string  `json:"agent_id"`
		Value   float64 `json:"value"`
	}
	p := payload{AgentID: "momentum-1", Value: 0.42}

	h1, err := Hash(p)
	require.NoError(t, err)
	h2, err := Hash(p)
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestBytes_RejectsUnmarshalable(t *testing.T) {
	_, err := Bytes(make(chan int))
	assert.Error(t, err)
}
