package keystore

import "strings"

// KVHost is the minimal key-value capability a host environment (browser
// page, extension background, embedding app) injects for the
// "browser-local" backend. The SDK core never talks to a DOM or extension
// storage API directly — per the design notes on cyclic UI references and
// host-adapter boundaries, it only ever holds this narrow capability.
type KVHost interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
	Delete(key string) error
	Keys() ([]string, error)
	// Available reports whether the host's storage is currently usable
	// (e.g. false inside a private/incognito context that rejects writes).
	Available() bool
}

// BrowserLocalBackend adapts a host-provided KVHost to the Backend
// contract. It is the canonical third keystore backend alongside Memory
// and File: same contract, backed by whatever the host page
// or extension exposes as persistent key-value storage.
type BrowserLocalBackend struct {
	host   KVHost
	prefix string
}

// NewBrowserLocalBackend wraps host, namespacing every key under prefix so
// a single KVHost can be shared with unrelated host-application state.
func NewBrowserLocalBackend(host KVHost, prefix string) *BrowserLocalBackend {
	return &BrowserLocalBackend{host: host, prefix: prefix}
}

func (b *BrowserLocalBackend) Kind() string { return "browser-local" }

func (b *BrowserLocalBackend) IsAvailable() bool { return b.host.Available() }

func (b *BrowserLocalBackend) key(name string) string { return b.prefix + name }

func (b *BrowserLocalBackend) Save(name string, data []byte) error {
	return b.host.Set(b.key(name), data)
}

func (b *BrowserLocalBackend) Load(name string) ([]byte, bool, error) {
	return b.host.Get(b.key(name))
}

func (b *BrowserLocalBackend) Remove(name string) error {
	return b.host.Delete(b.key(name))
}

func (b *BrowserLocalBackend) List() ([]string, error) {
	keys, err := b.host.Keys()
	if err != nil {
		return nil, err
	}
	var names []string
	for _, k := range keys {
		if strings.HasPrefix(k, b.prefix) {
			names = append(names, strings.TrimPrefix(k, b.prefix))
		}
	}
	return names, nil
}
