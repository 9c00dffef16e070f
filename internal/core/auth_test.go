package core

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKeySlot(t *testing.T) {
	for in, want := range map[string]KeySlot{"A": KeyA, "a": KeyA, " B ": KeyB, "b": KeyB} {
		got, err := ParseKeySlot(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseKeySlot("C")
	assert.ErrorIs(t, err, ErrInvalidKeyType)
	assert.Equal(t, KindInvalidInput, KindOf(err))
}

func TestParseKey(t *testing.T) {
	key, err := ParseKey("key", "A0A1A2A3A4A5")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xA0, 0xA1, 0xA2, 0xA3, 0xA4, 0xA5}, key)

	_, err = ParseKey("key", "zzzzzzzzzzzz")
	assert.ErrorIs(t, err, ErrInvalidHex)

	_, err = ParseKey("key", "FFFFFFFFFF")
	assert.ErrorIs(t, err, ErrInvalidKeyLength)
}

func TestConnectAndAuthenticateRejectsBadKeyWithoutHardware(t *testing.T) {
	keys := []string{
		"",
		"FF",
		"FFFFFFFFFF",
		"FFFFFFFFFFFFFF",
		"FFFFFFFFFFFFFFFFFFFFFFFF",
		"FFFFFFFFFFF",
		"not-hex-at-all",
		strings.Repeat("0", 100),
	}

	for _, key := range keys {
		t.Run(key, func(t *testing.T) {
			tr, ctx, factory := newTestTransport(NewMockCard("932bae0e"))

			s, err := ConnectAndAuthenticate(tr, testReader, 4, "A", key)
			require.Error(t, err)
			assert.Nil(t, s)
			assert.Equal(t, KindInvalidInput, KindOf(err))
			assert.Zero(t, ctx.hardwareCalls())
			assert.Zero(t, factory.calls)
		})
	}
}

func TestConnectAndAuthenticateRejectsBadKeyType(t *testing.T) {
	tr, ctx, _ := newTestTransport(NewMockCard("932bae0e"))

	_, err := ConnectAndAuthenticate(tr, testReader, 4, "X", "FFFFFFFFFFFF")
	require.ErrorIs(t, err, ErrInvalidKeyType)
	assert.Zero(t, ctx.hardwareCalls())
}

func TestConnectAndAuthenticate(t *testing.T) {
	card := NewMockCard("932bae0e")
	tr, _, _ := newTestTransport(card)

	s, err := ConnectAndAuthenticate(tr, testReader, 5, "a", "ffffffffffff")
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, []string{
		"ff82000006ffffffffffff",
		"ff860000050100056000",
	}, card.sent())
	assert.True(t, card.inTx)
	assert.Equal(t, 1, card.authSector)
}

func TestAuthenticateFailure(t *testing.T) {
	card := NewMockCard("932bae0e")
	tr, _, _ := newTestTransport(card)

	s, err := ConnectAndAuthenticate(tr, testReader, 7, "B", "A0A1A2A3A4A5")
	require.Error(t, err)
	assert.Nil(t, s)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
	assert.Equal(t, KindProtocolFailure, KindOf(err))

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, 7, statusErr.Block)
	assert.Equal(t, KeyB, statusErr.Slot)
	assert.Equal(t, []byte{0x63, 0x00}, statusErr.Response)
	assert.Contains(t, err.Error(), "block 7")
	assert.Contains(t, err.Error(), "key B")
	assert.Contains(t, err.Error(), "6300")

	// no partial state retained
	assert.True(t, card.disconnected)
	assert.False(t, card.inTx)
	assert.Equal(t, -1, card.authSector)
}

func TestLoadKeyFailure(t *testing.T) {
	card := NewMockCard("932bae0e").WithResponse("ff82000006ffffffffffff", []byte{0x63, 0x00})
	tr, _, _ := newTestTransport(card)

	_, err := ConnectAndAuthenticate(tr, testReader, 1, "A", "FFFFFFFFFFFF")
	require.ErrorIs(t, err, ErrKeyLoadFailed)
	assert.Contains(t, err.Error(), "6300")
	assert.Len(t, card.sent(), 1, "authenticate must not run after a failed key load")
	assert.True(t, card.disconnected)
}

func TestConnectAndAuthenticateNoCard(t *testing.T) {
	tr, _, _ := newTestTransport(nil)

	_, err := ConnectAndAuthenticate(tr, testReader, 1, "A", "FFFFFFFFFFFF")
	require.ErrorIs(t, err, ErrNoCard)
	assert.True(t, KindOf(err).Transient())
}
