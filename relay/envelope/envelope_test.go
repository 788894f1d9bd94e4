package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) Key {
	t.Helper()
	key, err := DeriveKey([]byte("shared-secret-material"), []byte("session-salt"), "round-aead")
	require.NoError(t, err)
	return key
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := testKey(t)
	plaintext := []byte("round 1 dkg message payload")

	sealed, err := Seal(key, "partyA", "partyB", 1, plaintext)
	require.NoError(t, err)

	got, err := Open(key, sealed)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestOpenRejectsTamperedRound(t *testing.T) {
	key := testKey(t)
	sealed, err := Seal(key, "partyA", "partyB", 1, []byte("payload"))
	require.NoError(t, err)

	sealed.Round = 2
	_, err = Open(key, sealed)
	assert.Error(t, err)
}

func TestOpenRejectsTamperedRecipient(t *testing.T) {
	key := testKey(t)
	sealed, err := Seal(key, "partyA", "partyB", 1, []byte("payload"))
	require.NoError(t, err)

	sealed.To = "partyC"
	_, err = Open(key, sealed)
	assert.Error(t, err)
}

func TestOpenWithWrongKeyFails(t *testing.T) {
	key := testKey(t)
	other, err := DeriveKey([]byte("different-secret"), []byte("session-salt"), "round-aead")
	require.NoError(t, err)

	sealed, err := Seal(key, "partyA", "partyB", 1, []byte("payload"))
	require.NoError(t, err)

	_, err = Open(other, sealed)
	assert.Error(t, err)
}

func TestChunkedCodecRoundTrip(t *testing.T) {
	data := make([]byte, 5*chunkSize+17)
	for i := range data {
		data[i] = byte(i % 251)
	}

	encoded, err := EncodeToString(data)
	require.NoError(t, err)

	decoded, err := DecodeString(encoded)
	require.NoError(t, err)
	assert.Equal(t, data, decoded)
}

func TestBroadcastRoundTrip(t *testing.T) {
	key := testKey(t)
	sealed, err := Seal(key, "partyA", Broadcast, 3, []byte("broadcast payload"))
	require.NoError(t, err)
	assert.Equal(t, Broadcast, sealed.To)

	got, err := Open(key, sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("broadcast payload"), got)
}
