package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zkrypt-crossbar/defishard-sdk/relay/envelope"
)

func TestKeyRingInstallRefusesOverwrite(t *testing.T) {
	ring := NewKeyRing()
	var k1, k2 envelope.Key
	k1[0] = 1
	k2[0] = 2

	require.NoError(t, ring.Install("sess-1", k1, false))
	err := ring.Install("sess-1", k2, false)
	assert.Error(t, err)

	got, ok := ring.Get("sess-1")
	require.True(t, ok)
	assert.Equal(t, k1, got)
}

func TestKeyRingInstallReplace(t *testing.T) {
	ring := NewKeyRing()
	var k1, k2 envelope.Key
	k1[0] = 1
	k2[0] = 2

	require.NoError(t, ring.Install("sess-1", k1, false))
	require.NoError(t, ring.Install("sess-1", k2, true))

	got, ok := ring.Get("sess-1")
	require.True(t, ok)
	assert.Equal(t, k2, got)
}

func TestKeyRingDrop(t *testing.T) {
	ring := NewKeyRing()
	var k1 envelope.Key
	k1[0] = 1
	require.NoError(t, ring.Install("sess-1", k1, false))
	assert.Equal(t, 1, ring.Len())

	ring.Drop("sess-1")
	_, ok := ring.Get("sess-1")
	assert.False(t, ok)
	assert.Equal(t, 0, ring.Len())

	ring.Drop("never-installed")
}
