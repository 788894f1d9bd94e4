package keystore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBackendRoundTrip(t *testing.T) {
	ks := New(NewMemoryBackend())
	name := Name("deadbeef", 0)

	_, ok, err := ks.Load(name)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, ks.Save(name, []byte("share-bytes")))
	got, ok, err := ks.Load(name)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("share-bytes"), got)

	names, err := ks.List()
	require.NoError(t, err)
	assert.Contains(t, names, name)

	require.NoError(t, ks.Remove(name))
	_, ok, err = ks.Load(name)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileBackendRoundTrip(t *testing.T) {
	backend, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)
	ks := New(backend)
	name := Name("cafebabe", 1)

	require.NoError(t, ks.Save(name, []byte("more-bytes")))
	got, ok, err := ks.Load(name)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("more-bytes"), got)
	assert.True(t, ks.IsAvailable())
}

func TestSealShareRoundTrip(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)
	key, err := DeriveKeyFromPassphrase("correct horse battery staple", salt)
	require.NoError(t, err)

	plaintext := []byte(`{"serialized":"AA==","publicKey":"02aa"}`)
	blob, err := SealShare(plaintext, salt, key)
	require.NoError(t, err)
	assert.Equal(t, blobMagic, string(blob[:4]))
	assert.Equal(t, blobVersion, blob[4])

	got, gotSalt, err := OpenShare(blob, key)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
	assert.Equal(t, salt, gotSalt)
}

func TestOpenShareRejectsWrongKey(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)
	key, err := DeriveKeyFromPassphrase("passphrase-one", salt)
	require.NoError(t, err)
	other, err := DeriveKeyFromPassphrase("passphrase-two", salt)
	require.NoError(t, err)

	blob, err := SealShare([]byte("share"), salt, key)
	require.NoError(t, err)

	_, _, err = OpenShare(blob, other)
	assert.Error(t, err)
}

type fakeKV struct {
	data map[string][]byte
	avail bool
}

func newFakeKV() *fakeKV { return &fakeKV{data: make(map[string][]byte), avail: true} }

func (k *fakeKV) Get(key string) ([]byte, bool, error) {
	v, ok := k.data[key]
	return v, ok, nil
}
func (k *fakeKV) Set(key string, value []byte) error { k.data[key] = value; return nil }
func (k *fakeKV) Delete(key string) error             { delete(k.data, key); return nil }
func (k *fakeKV) Keys() ([]string, error) {
	keys := make([]string, 0, len(k.data))
	for key := range k.data {
		keys = append(keys, key)
	}
	return keys, nil
}
func (k *fakeKV) Available() bool { return k.avail }

func TestBrowserLocalBackend(t *testing.T) {
	host := newFakeKV()
	backend := NewBrowserLocalBackend(host, "dkls:")
	ks := New(backend)
	name := Name("f00d", 2)

	require.NoError(t, ks.Save(name, []byte("x")))
	names, err := ks.List()
	require.NoError(t, err)
	assert.Equal(t, []string{name}, names)

	host.avail = false
	assert.False(t, ks.IsAvailable())
}
