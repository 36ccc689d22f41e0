package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "0123456789abcdef0123456789abcdef"

func TestSealOpen(t *testing.T) {
	s, err := NewSealer(testKey)
	require.NoError(t, err)

	sealed, err := s.Seal([]byte(`{"txRef":"tx-1"}`), "chat-1")
	require.NoError(t, err)

	got, err := s.Open(sealed, "chat-1")
	require.NoError(t, err)
	assert.Equal(t, `{"txRef":"tx-1"}`, string(got))
}

func TestOpen_RejectsOtherOwner(t *testing.T) {
	s, err := NewSealer(testKey)
	require.NoError(t, err)
	sealed, err := s.Seal([]byte("secret"), "chat-1")
	require.NoError(t, err)

	_, err = s.Open(sealed, "chat-2")
	assert.ErrorIs(t, err, ErrTampered)

	_, err = s.Open("AAAA", "chat-1")
	assert.ErrorIs(t, err, ErrTampered)
}

func TestNewSealer_KeyLength(t *testing.T) {
	_, err := NewSealer("short")
	assert.Error(t, err)
}
