// Package bootstrap implements the Session Bootstrap (C7): group
// creation/joining, party registration, handshake-blob production and
// parsing, and the party_id/party_index assignment authority the rest of
// the SDK defers to (Bootstrap is the only component that assigns or
// records party_index).
package bootstrap

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/zkrypt-crossbar/defishard-sdk/config"
	"github.com/zkrypt-crossbar/defishard-sdk/internal/logger"
	"github.com/zkrypt-crossbar/defishard-sdk/relay"
	"github.com/zkrypt-crossbar/defishard-sdk/relay/envelope"
	"github.com/zkrypt-crossbar/defishard-sdk/sdkerr"
)

// blobVersion is the only handshake blob schema version this SDK speaks.
const blobVersion = "1.0"

// Kind mirrors the handshake blob's "type" discriminant.
type Kind string

const (
	KindKeygen   Kind = "keygen"
	KindSign     Kind = "sign"
	KindRotation Kind = "rotation"
)

// Handshake is the canonical invite blob a creator hands a joiner out of
// band (QR, link, paste). Field names and casing match the
// wire schema exactly; this struct is what (de)serializes to/from that
// JSON, not an internal convenience type.
type Handshake struct {
	Type         Kind                   `json:"type"`
	Version      string                 `json:"version"`
	GroupID      string                 `json:"groupId"`
	Threshold    int                    `json:"threshold"`
	TotalParties int                    `json:"totalParties"`
	Timeout      int                    `json:"timeout"` // seconds
	Timestamp    int64                  `json:"timestamp"` // unix ms
	AESKey       string                 `json:"aesKey"`   // base64 of 32 random bytes
	MessageHash  string                 `json:"messageHash,omitempty"` // hex, sign only
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// Encode serializes the handshake to the UTF-8 JSON an out-of-band channel
// (QR encoder, link builder) carries.
func (h *Handshake) Encode() ([]byte, error) {
	raw, err := json.Marshal(h)
	if err != nil {
		return nil, sdkerr.Wrap(sdkerr.Invalid, "encode handshake blob", err)
	}
	return raw, nil
}

// ParseHandshake decodes and validates an invite blob's version and schema.
// Freshness (timestamp vs timeout) is validated separately by the joiner
// via Handshake.CheckFreshness, since "now" is an explicit input rather
// than a hidden clock call — easier to test, and honest about the fact
// that the engine has no "clock" capability of its own.
func ParseHandshake(raw []byte) (*Handshake, error) {
	var h Handshake
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, sdkerr.Wrap(sdkerr.Invalid, "parse handshake blob", err)
	}
	if h.Version != blobVersion {
		return nil, sdkerr.New(sdkerr.Invalid, fmt.Sprintf("unsupported handshake version %q", h.Version))
	}
	switch h.Type {
	case KindKeygen, KindSign, KindRotation:
	default:
		return nil, sdkerr.New(sdkerr.Invalid, fmt.Sprintf("unknown handshake type %q", h.Type))
	}
	if h.GroupID == "" {
		return nil, sdkerr.New(sdkerr.Invalid, "handshake blob missing groupId")
	}
	if h.Threshold < 1 || h.TotalParties < h.Threshold {
		return nil, sdkerr.New(sdkerr.Invalid, "handshake blob has invalid threshold/totalParties")
	}
	if _, err := base64.StdEncoding.DecodeString(h.AESKey); err != nil {
		return nil, sdkerr.Wrap(sdkerr.Invalid, "handshake blob has malformed aesKey", err)
	}
	return &h, nil
}

// CheckFreshness reports an error if the blob is older than its declared
// timeout, measured against now (caller-supplied so this stays pure).
func (h *Handshake) CheckFreshness(now time.Time) error {
	age := now.Sub(time.UnixMilli(h.Timestamp))
	if age < 0 || age > time.Duration(h.Timeout)*time.Second {
		return sdkerr.New(sdkerr.Invalid, "handshake blob is stale")
	}
	return nil
}

// SessionKey decodes the handshake's embedded AEAD key.
func (h *Handshake) SessionKey() (envelope.Key, error) {
	var key envelope.Key
	raw, err := base64.StdEncoding.DecodeString(h.AESKey)
	if err != nil {
		return key, sdkerr.Wrap(sdkerr.Invalid, "decode aesKey", err)
	}
	if len(raw) != len(key) {
		return key, sdkerr.New(sdkerr.Invalid, fmt.Sprintf("aesKey must be %d bytes, got %d", len(key), len(raw)))
	}
	copy(key[:], raw)
	return key, nil
}

// Bootstrap drives group formation and key-ring installation for both the
// creator and joiner roles, against one Relay Client and Key Ring owned by
// the SDK Facade.
type Bootstrap struct {
	client  *relay.Client
	keyring *relay.KeyRing
	cfg     config.BootstrapConfig
	log     logger.Logger

	registered bool
}

// New constructs a Bootstrap around an already-constructed Relay Client and
// Key Ring (the Facade owns both and passes them to every component that
// needs them, since only the creator's handshake carries the session key).
func New(client *relay.Client, keyring *relay.KeyRing, cfg config.BootstrapConfig, log logger.Logger) *Bootstrap {
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	return &Bootstrap{client: client, keyring: keyring, cfg: cfg, log: log}
}

func (b *Bootstrap) ensureRegistered(ctx context.Context) error {
	if b.registered {
		return nil
	}
	if err := b.client.RegisterParty(ctx); err != nil {
		return err
	}
	b.registered = true
	return nil
}

// CreateGroupParams bundles the creator-supplied group parameters for
// CreateGroup, rather than a long positional argument list.
type CreateGroupParams struct {
	Kind         Kind
	Threshold    int
	TotalParties int
	TimeoutSecs  int
	MessageHash  []byte                 // required when Kind == KindSign
	Metadata     map[string]interface{} // opaque UI fields, passed through verbatim
}

// CreateGroup runs the creator flow: register, create the
// group, generate and install a fresh session key, and produce the invite
// blob to hand joiners out of band. The creator is admitted as the group's
// first member (party_index 0); CreateGroup does not return that index.
func (b *Bootstrap) CreateGroup(ctx context.Context, p CreateGroupParams) (*Handshake, error) {
	if err := b.ensureRegistered(ctx); err != nil {
		return nil, err
	}
	groupID, err := b.client.CreateGroup(ctx, p.Threshold, p.TotalParties)
	if err != nil {
		return nil, err
	}

	key, err := newSessionKey()
	if err != nil {
		return nil, sdkerr.Wrap(sdkerr.Invalid, "generate session key", err).WithGroup(groupID)
	}
	if err := b.keyring.Install(groupID, key, false); err != nil {
		return nil, sdkerr.Wrap(sdkerr.Invalid, "install session key", err).WithGroup(groupID)
	}

	h := &Handshake{
		Type:         p.Kind,
		Version:      blobVersion,
		GroupID:      groupID,
		Threshold:    p.Threshold,
		TotalParties: p.TotalParties,
		Timeout:      p.TimeoutSecs,
		Timestamp:    unixMillis(),
		AESKey:       base64.StdEncoding.EncodeToString(key[:]),
		Metadata:     p.Metadata,
	}
	if p.Kind == KindSign {
		if len(p.MessageHash) != 32 {
			return nil, sdkerr.New(sdkerr.Invalid, "sign handshake requires a 32-byte messageHash").WithGroup(groupID)
		}
		h.MessageHash = hex.EncodeToString(p.MessageHash)
	}
	return h, nil
}

// JoinGroup runs the joiner flow: validate the blob, register,
// join the group to obtain a party_index, and install the session key it
// carried. now is the caller's clock reading, used for freshness checks.
func (b *Bootstrap) JoinGroup(ctx context.Context, h *Handshake, now time.Time) (partyIndex int, err error) {
	if err := h.CheckFreshness(now); err != nil {
		return 0, err
	}
	if err := b.ensureRegistered(ctx); err != nil {
		return 0, err
	}
	idx, err := b.client.JoinGroup(ctx, h.GroupID)
	if err != nil {
		return 0, err
	}
	key, err := h.SessionKey()
	if err != nil {
		return 0, err
	}
	if err := b.keyring.Install(h.GroupID, key, false); err != nil {
		return 0, sdkerr.Wrap(sdkerr.Invalid, "install session key", err).WithGroup(h.GroupID)
	}
	return idx, nil
}

// AwaitAdmission polls group/info until the group has totalParties members
// or the configured admission deadline elapses, using a 200ms base
// / 500ms cap / 60s deadline policy (sourced from cfg, not hardcoded, so
// callers can tune it).
func (b *Bootstrap) AwaitAdmission(ctx context.Context, groupID string, totalParties int) (*relay.GroupInfo, error) {
	deadline := time.Now().Add(b.cfg.AdmissionPollTimeout)
	delay := b.cfg.AdmissionPollInitial

	for {
		info, err := b.client.GroupInfo(ctx, groupID)
		if err != nil {
			return nil, err
		}
		admitted := 0
		for _, ok := range info.AdmittedAt {
			if ok {
				admitted++
			}
		}
		if admitted >= totalParties {
			return info, nil
		}
		if time.Now().After(deadline) {
			return nil, sdkerr.NewTimeout(sdkerr.ScopeAdmission, fmt.Sprintf("group %s did not fill within deadline", groupID)).WithGroup(groupID)
		}
		select {
		case <-ctx.Done():
			return nil, sdkerr.Wrap(sdkerr.Cancelled, "admission wait cancelled", ctx.Err()).WithGroup(groupID)
		case <-time.After(delay):
		}
		delay *= 2
		if delay > b.cfg.AdmissionPollMax {
			delay = b.cfg.AdmissionPollMax
		}
	}
}

// BindSession registers the relay routing token for one protocol run
// against groupID, so broadcast envelopes for this run resolve to the
// group's membership. The token is the group id itself: every party of the
// group binds and subscribes under the same token, so each party's
// subscription receives the frames its peers send. Consecutive runs in the
// same group reuse it, and the Key Ring's installed key stays keyed by
// group_id throughout the group's lifetime.
func (b *Bootstrap) BindSession(ctx context.Context, groupID string) (sessionID string, err error) {
	sessionID = groupID
	if err := b.client.BindSession(ctx, sessionID, groupID); err != nil {
		return "", err
	}
	return sessionID, nil
}

func newSessionKey() (envelope.Key, error) {
	var key envelope.Key
	if _, err := io.ReadFull(rand.Reader, key[:]); err != nil {
		return key, err
	}
	return key, nil
}

func unixMillis() int64 {
	return timeNowFunc().UnixMilli()
}

// timeNowFunc is a seam for tests that need a deterministic Timestamp;
// production code always uses the real wall clock.
var timeNowFunc = time.Now
