package identity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func TestRegister_Idempotent(t *testing.T) {
	r := NewRegistry()

	first, err := r.Register("momentum-1")
	require.NoError(t, err)
	second, err := r.Register("momentum-1")
	require.NoError(t, err)

	assert.Equal(t, first.PublicKey, second.PublicKey, "re-registering an active agent must not regenerate keys")
	assert.Equal(t, StatusActive, second.Status)
}

func TestSignVerify_RoundTrip(t *testing.T) {
	r := NewRegistry()
	_, err := r.Register("momentum-1")
	require.NoError(t, err)

	payload := []byte(`{"action":"BUY","confidence":0.8}`)
	sig, err := r.Sign("momentum-1", payload)
	require.NoError(t, err)

	assert.True(t, r.Verify("momentum-1", payload, sig))

	// Any single-byte mutation must fail verification.
	mutated := append([]byte(nil), payload...)
	mutated[0] ^= 0x01
	assert.False(t, r.Verify("momentum-1", mutated, sig))
}

func TestVerify_FailsClosed(t *testing.T) {
	r := NewRegistry()
	_, err := r.Register("momentum-1")
	require.NoError(t, err)

	payload := []byte("payload")
	sig, err := r.Sign("momentum-1", payload)
	require.NoError(t, err)

	assert.False(t, r.Verify("unknown-agent", payload, sig))
	assert.False(t, r.Verify("momentum-1", payload, "not-hex"))
	assert.False(t, r.Verify("momentum-1", payload, "deadbeef")) // wrong length
}

func TestRevoke_Permanent(t *testing.T) {
	r := NewRegistry()
	_, err := r.Register("momentum-1")
	require.NoError(t, err)

	payload := []byte("payload")
	sig, err := r.Sign("momentum-1", payload)
	require.NoError(t, err)

	require.NoError(t, r.Revoke("momentum-1"))

	_, err = r.Sign("momentum-1", payload)
	assert.Error(t, err, "signing after revoke must fail")
	assert.False(t, r.Verify("momentum-1", payload, sig), "old signatures must fail after revoke")
}

func TestRegister_AfterRevoke_MintsFreshKey(t *testing.T) {
	r := NewRegistry()
	first, err := r.Register("momentum-1")
	require.NoError(t, err)
	require.NoError(t, r.Revoke("momentum-1"))

	second, err := r.Register("momentum-1")
	require.NoError(t, err)

	assert.NotEqual(t, first.PublicKey, second.PublicKey)
	assert.Equal(t, StatusActive, second.Status)
}

func TestRegistry_MirrorsKeyStore(t *testing.T) {
	store := NewMemoryKeyStore()
	clock := fixedClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	r := NewRegistry(WithKeyStore(store), WithClock(clock))

	_, err := r.Register("momentum-1")
	require.NoError(t, err)

	stored, ok, err := store.Get("momentum-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StatusActive, stored.Status)
	assert.Equal(t, clock.t, stored.RegisteredAt)

	require.NoError(t, r.Revoke("momentum-1"))
	stored, ok, err = store.Get("momentum-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StatusRevoked, stored.Status)
}

func TestRegister_EmptyID(t *testing.T) {
	r := NewRegistry()
	_, err := r.Register("")
	assert.Error(t, err)
}
