// Package keystore implements the Keystore (C4): a name -> opaque byte
// string mapping for persisted, already-sealed key-share blobs, with
// pluggable backends. The Keystore itself never sees cleartext share
// material; sealing happens in this package's SealShare/OpenShare helpers, called by
// the SDK Facade before Save and after Load.
package keystore

import (
	"fmt"
	"strconv"

	"github.com/zkrypt-crossbar/defishard-sdk/internal/metrics"
	"github.com/zkrypt-crossbar/defishard-sdk/sdkerr"
)

// Backend is the pluggable storage contract every keystore implementation
// honors: save/load/remove/list over opaque byte strings, keyed by name.
// Save must be atomic from a concurrent Load's perspective.
type Backend interface {
	Save(name string, data []byte) error
	Load(name string) ([]byte, bool, error)
	Remove(name string) error
	List() ([]string, error)
	// IsAvailable probes whether the backend can actually be used right
	// now (e.g. a browser-local backend running in private-mode storage).
	IsAvailable() bool
	// Kind names the backend for metrics labels ("memory", "filesystem",
	// "browser-local").
	Kind() string
}

// Keystore is the facade-facing wrapper around a Backend: it builds key
// names from (group id, party index) and records metrics.
type Keystore struct {
	backend Backend
}

// New wraps backend.
func New(backend Backend) *Keystore {
	return &Keystore{backend: backend}
}

// Name builds the canonical keystore entry name for a share.
func Name(groupIDHex string, partyIndex int) string {
	return "keyshare_" + groupIDHex + "_" + strconv.Itoa(partyIndex)
}

func (k *Keystore) observe(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.KeystoreOperations.WithLabelValues(k.backend.Kind(), op, result).Inc()
}

// Save persists data under name, overwriting any prior entry.
func (k *Keystore) Save(name string, data []byte) error {
	err := k.backend.Save(name, data)
	k.observe("save", err)
	if err != nil {
		return sdkerr.Wrap(sdkerr.Storage, fmt.Sprintf("save %s", name), err)
	}
	return nil
}

// Load returns the bytes stored under name, or ok == false if absent.
func (k *Keystore) Load(name string) (data []byte, ok bool, err error) {
	data, ok, err = k.backend.Load(name)
	k.observe("load", err)
	if err != nil {
		return nil, false, sdkerr.Wrap(sdkerr.Storage, fmt.Sprintf("load %s", name), err)
	}
	return data, ok, nil
}

// Remove deletes the entry under name. Removing an absent entry is not an error.
func (k *Keystore) Remove(name string) error {
	err := k.backend.Remove(name)
	k.observe("remove", err)
	if err != nil {
		return sdkerr.Wrap(sdkerr.Storage, fmt.Sprintf("remove %s", name), err)
	}
	return nil
}

// List returns every entry name currently stored.
func (k *Keystore) List() ([]string, error) {
	names, err := k.backend.List()
	k.observe("list", err)
	if err != nil {
		return nil, sdkerr.Wrap(sdkerr.Storage, "list", err)
	}
	return names, nil
}

// IsAvailable probes the backing store.
func (k *Keystore) IsAvailable() bool { return k.backend.IsAvailable() }
