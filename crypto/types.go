package crypto

import (
	"crypto"
	"errors"
)

// KeyType identifies the curve/algorithm backing a KeyPair.
type KeyType string

const (
	KeyTypeSecp256k1 KeyType = "Secp256k1"
)

// KeyPair is a Party's long-lived identity key, used to authenticate to the
// relay and to sign/verify handshake material. It is unrelated to the
// threshold key share an MpcEngine produces.
type KeyPair interface {
	// PublicKey returns the public key.
	PublicKey() crypto.PublicKey

	// PrivateKey returns the private key.
	PrivateKey() crypto.PrivateKey

	// Type returns the key type.
	Type() KeyType

	// Sign signs the given message.
	Sign(message []byte) ([]byte, error)

	// Verify verifies the signature.
	Verify(message, signature []byte) error

	// ID returns a unique identifier for this key pair, derived from the
	// public key.
	ID() string
}

// Common errors
var (
	ErrInvalidKeyType   = errors.New("invalid key type")
	ErrInvalidSignature = errors.New("invalid signature")
)
