package relay

import (
	"fmt"
	"sync"

	"github.com/zkrypt-crossbar/defishard-sdk/relay/envelope"
)

// KeyRing holds the per-group AEAD keys that Bootstrap installs when a group
// is created or joined; the Protocol Manager looks them up by group id for
// every run against that group. It is the client-side
// analogue of the teacher's session.Manager map+mutex pattern, narrowed to
// just "install a key, fetch a key, drop a key" since round state itself
// lives in the Round Processor, not here.
// Keys are held by pointer, not value: envelope.Key is a [32]byte array, and
// indexing a map[string]envelope.Key returns a copy, so zeroing "the value
// at that key" would only clear a stack copy and leave the original bytes
// live in the map's backing storage until GC. A pointer lets Install/Drop
// zero the one array actually holding the key material.
type KeyRing struct {
	mu   sync.RWMutex
	keys map[string]*envelope.Key
}

// NewKeyRing returns an empty key ring.
func NewKeyRing() *KeyRing {
	return &KeyRing{keys: make(map[string]*envelope.Key)}
}

// Install binds key to sessionID. It refuses to overwrite an
// existing entry unless replace is true, since a silent overwrite would
// let a stale or attacker-supplied bootstrap message rotate a session's
// key out from under an in-progress round. When replace is true and an
// entry already exists, the old key is zeroized before being overwritten.
func (r *KeyRing) Install(sessionID string, key envelope.Key, replace bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.keys[sessionID]; ok {
		if !replace {
			return fmt.Errorf("relay: session %s already has an installed key", sessionID)
		}
		zero(old)
	}
	stored := key
	r.keys[sessionID] = &stored
	return nil
}

// Get returns the key installed for sessionID, if any.
func (r *KeyRing) Get(sessionID string) (envelope.Key, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.keys[sessionID]
	if !ok {
		return envelope.Key{}, false
	}
	return *k, true
}

// Drop zeroizes and removes the key for sessionID. Safe to call on a
// session that was never installed.
func (r *KeyRing) Drop(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if k, ok := r.keys[sessionID]; ok {
		zero(k)
		delete(r.keys, sessionID)
	}
}

func zero(k *envelope.Key) {
	for i := range k {
		k[i] = 0
	}
}

// Len reports how many sessions currently have an installed key, mostly
// useful for tests and metrics.
func (r *KeyRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.keys)
}
