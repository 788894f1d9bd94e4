// Package envelope implements the wire codec for messages exchanged through
// the relay: AEAD sealing with round-bound associated data, and the
// chunked/streaming base64 transport encoding. It does no I/O of its own.
package envelope

import (
	"bufio"
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// chunkSize bounds a single base64 encode pass so a pathologically large
// round message can't force one multi-megabyte allocation on the wire path.
// It must be a multiple of 3: base64 encodes in 3-byte groups, and only a
// 3-byte-aligned chunk boundary lets independently encoded chunks be
// concatenated into the same string DecodeStreaming decodes as one pass —
// an unaligned chunk would pad mid-stream and corrupt everything after it.
const chunkSize = 32*1024 - 32*1024%3

// Broadcast is the special "to" value meaning "every other party in the group".
const Broadcast = "*"

// Sealed is an opaque, relay-routable message. The relay only ever sees
// these fields; Ciphertext is meaningless to it.
type Sealed struct {
	From       string `json:"from"`
	To         string `json:"to"`
	Round      int    `json:"round"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// Key is a 32-byte AES-256-GCM key bound to one session/round-key-ring entry.
type Key [32]byte

// DeriveKey derives a per-session AEAD key from a shared secret (the
// DKLS/relay handshake's negotiated secret) and a session-scoped salt, using
// HKDF-SHA256. The info label binds the derived key to its role so the same
// shared secret never yields the same bytes for two different purposes.
func DeriveKey(sharedSecret, salt []byte, info string) (Key, error) {
	var key Key
	r := hkdf.New(sha256.New, sharedSecret, salt, []byte(info))
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return Key{}, fmt.Errorf("envelope: derive key: %w", err)
	}
	return key, nil
}

// associatedData binds from, to and round into the AEAD's authenticated
// data so a ciphertext cannot be replayed against a different round or
// redirected to a different recipient without detection.
func associatedData(from, to string, round int) []byte {
	buf := make([]byte, 0, len(from)+len(to)+4+2)
	buf = append(buf, []byte(from)...)
	buf = append(buf, 0)
	buf = append(buf, []byte(to)...)
	buf = append(buf, 0)
	var roundBytes [4]byte
	binary.BigEndian.PutUint32(roundBytes[:], uint32(round))
	buf = append(buf, roundBytes[:]...)
	return buf
}

// Seal encrypts plaintext under key, binding from/to/round as associated data.
func Seal(key Key, from, to string, round int, plaintext []byte) (*Sealed, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("envelope: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("envelope: new gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("envelope: nonce: %w", err)
	}
	ad := associatedData(from, to, round)
	ciphertext := gcm.Seal(nil, nonce, plaintext, ad)
	return &Sealed{
		From:       from,
		To:         to,
		Round:      round,
		Nonce:      nonce,
		Ciphertext: ciphertext,
	}, nil
}

// Open decrypts a Sealed envelope addressed to this party, verifying the
// from/to/round associated data matches what the sender claimed. The
// recipient in the associated data is s.To as received: a broadcast
// envelope (s.To == Broadcast) is opened against Broadcast, the value the
// sender sealed it under.
func Open(key Key, s *Sealed) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("envelope: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("envelope: new gcm: %w", err)
	}
	ad := associatedData(s.From, s.To, s.Round)
	plaintext, err := gcm.Open(nil, s.Nonce, s.Ciphertext, ad)
	if err != nil {
		return nil, fmt.Errorf("envelope: open: %w", err)
	}
	return plaintext, nil
}

// EncodeChunked base64-encodes data in bounded chunks, writing each chunk's
// encoded form immediately rather than building one encoder over the whole
// buffer. This keeps peak memory proportional to chunkSize regardless of
// message size, and was introduced after a stack-depth/chunk-boundary bug
// in a naive streaming encoder corrupted sufficiently large round messages.
func EncodeChunked(w io.Writer, data []byte) error {
	bw := bufio.NewWriter(w)
	for len(data) > 0 {
		n := chunkSize
		if n > len(data) {
			n = len(data)
		}
		chunk := data[:n]
		data = data[n:]
		enc := base64.StdEncoding.EncodeToString(chunk)
		if _, err := bw.WriteString(enc); err != nil {
			return fmt.Errorf("envelope: encode chunk: %w", err)
		}
	}
	return bw.Flush()
}

// DecodeStreaming decodes a full base64 stream in a single pass. It reads
// the whole stream before decoding; because chunkSize is a multiple of 3,
// the concatenated output of EncodeChunked decodes as one stream.
func DecodeStreaming(r io.Reader) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, fmt.Errorf("envelope: read stream: %w", err)
	}
	decoded, err := base64.StdEncoding.DecodeString(buf.String())
	if err != nil {
		return nil, fmt.Errorf("envelope: decode: %w", err)
	}
	return decoded, nil
}

// EncodeToString is a convenience wrapper around EncodeChunked for callers
// that want a string rather than a writer.
func EncodeToString(data []byte) (string, error) {
	var buf bytes.Buffer
	if err := EncodeChunked(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// DecodeString is a convenience wrapper around DecodeStreaming.
func DecodeString(s string) ([]byte, error) {
	return DecodeStreaming(bytes.NewReader([]byte(s)))
}
