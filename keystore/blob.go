package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/scrypt"
)

// Persisted key-share blob binary layout:
//
//	magic(4B="DSHD") || version(1B) || kdf_salt(16B) || nonce(12B) ||
//	aead_tag(16B) || ciphertext(rest)
const (
	blobMagic   = "DSHD"
	blobVersion = byte(1)
	saltLen     = 16
	nonceLen    = 12
	tagLen      = 16

	scryptN      = 1 << 15
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
)

// DeriveKeyFromPassphrase runs the memory-hard KDF passphrase-backed storage calls for,
// returning a 32-byte AES-256-GCM key bound to salt.
func DeriveKeyFromPassphrase(passphrase string, salt []byte) ([32]byte, error) {
	var key [32]byte
	raw, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return key, fmt.Errorf("keystore: scrypt: %w", err)
	}
	copy(key[:], raw)
	return key, nil
}

// NewSalt returns a fresh random KDF salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("keystore: generate salt: %w", err)
	}
	return salt, nil
}

// SealShare seals plaintext (the JSON share payload written to disk)
// under key, embedding salt in the blob header so Open can reconstruct the
// same key given the right passphrase. salt is caller-supplied so both the
// passphrase-derived and random-storage-key paths share one blob format:
// the passphrase path derives key from salt via DeriveKeyFromPassphrase;
// the no-passphrase path uses a random key it persists itself and may pass
// any salt value (it is never used to re-derive that key).
func SealShare(plaintext []byte, salt []byte, key [32]byte) ([]byte, error) {
	if len(salt) != saltLen {
		return nil, fmt.Errorf("keystore: salt must be %d bytes", saltLen)
	}
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("keystore: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("keystore: new gcm: %w", err)
	}
	nonce := make([]byte, nonceLen)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("keystore: nonce: %w", err)
	}
	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	ciphertext, tag := sealed[:len(sealed)-tagLen], sealed[len(sealed)-tagLen:]

	buf := make([]byte, 0, 4+1+saltLen+nonceLen+tagLen+len(ciphertext))
	buf = append(buf, []byte(blobMagic)...)
	buf = append(buf, blobVersion)
	buf = append(buf, salt...)
	buf = append(buf, nonce...)
	buf = append(buf, tag...)
	buf = append(buf, ciphertext...)
	return buf, nil
}

// OpenShare reverses SealShare given the same key used to seal it. The
// salt embedded in blob's header is returned so callers using the
// passphrase path can verify it matches what they expect, or re-derive the
// key for a passphrase lookup they didn't already know the salt for.
func OpenShare(blob []byte, key [32]byte) (plaintext []byte, salt []byte, err error) {
	const headerLen = 4 + 1 + saltLen + nonceLen + tagLen
	if len(blob) < headerLen {
		return nil, nil, fmt.Errorf("keystore: blob too short")
	}
	if string(blob[:4]) != blobMagic {
		return nil, nil, fmt.Errorf("keystore: bad magic")
	}
	if blob[4] != blobVersion {
		return nil, nil, fmt.Errorf("keystore: unsupported blob version %d", blob[4])
	}
	off := 5
	salt = blob[off : off+saltLen]
	off += saltLen
	nonce := blob[off : off+nonceLen]
	off += nonceLen
	tag := blob[off : off+tagLen]
	off += tagLen
	ciphertext := blob[off:]

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, nil, fmt.Errorf("keystore: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("keystore: new gcm: %w", err)
	}
	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)
	plaintext, err = gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("keystore: decrypt: %w", err)
	}
	return plaintext, salt, nil
}

// blobHeaderSize is exposed for tests asserting on layout without
// hardcoding the arithmetic twice.
func blobHeaderSize() int { return 4 + 1 + saltLen + nonceLen + tagLen }

// Salt extracts the KDF salt from a sealed blob's header without
// attempting to decrypt it, so a passphrase-based caller can derive the
// right key before calling OpenShare.
func Salt(blob []byte) ([]byte, error) {
	if len(blob) < blobHeaderSize() {
		return nil, fmt.Errorf("keystore: blob too short")
	}
	if string(blob[:4]) != blobMagic {
		return nil, fmt.Errorf("keystore: bad magic")
	}
	return blob[5 : 5+saltLen], nil
}
