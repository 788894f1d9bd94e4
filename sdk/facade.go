// Package sdk implements the SDK Facade (C8): the sole public entry point
// the rest of this repository is internal to. It owns the Relay Client,
// Session Key Ring, Keystore and Protocol Manager exclusively,
// and exposes create_group / join_group / keygen / sign / rotate / recover
// plus an event subscription, translating component failures into the
// structured outcomes callers can branch on.
package sdk

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/zkrypt-crossbar/defishard-sdk/bootstrap"
	"github.com/zkrypt-crossbar/defishard-sdk/config"
	idcrypto "github.com/zkrypt-crossbar/defishard-sdk/crypto"
	"github.com/zkrypt-crossbar/defishard-sdk/crypto/keys"
	"github.com/zkrypt-crossbar/defishard-sdk/engine"
	"github.com/zkrypt-crossbar/defishard-sdk/engine/tsslib"
	"github.com/zkrypt-crossbar/defishard-sdk/internal/logger"
	"github.com/zkrypt-crossbar/defishard-sdk/internal/metrics"
	"github.com/zkrypt-crossbar/defishard-sdk/keystore"
	"github.com/zkrypt-crossbar/defishard-sdk/protocol"
	"github.com/zkrypt-crossbar/defishard-sdk/relay"
	"github.com/zkrypt-crossbar/defishard-sdk/sdkerr"
)

// KeyShare is the in-memory and persisted representation of a DKG/Rotation
// artifact; its JSON form is the plaintext sealed into the keystore
// blob: {serialized, publicKey, partyIndex, threshold,
// participants, groupId, token?}.
type KeyShare struct {
	Serialized   []byte   `json:"serialized"`
	PublicKey    [33]byte `json:"publicKey"`
	PartyIndex   int      `json:"partyIndex"`
	Threshold    int      `json:"threshold"`
	Participants []string `json:"participants"`
	GroupID      string   `json:"groupId"`
	Token        string   `json:"token,omitempty"`
}

func keyShareFromArtifact(groupID string, art *engine.KeyShareArtifact) *KeyShare {
	return &KeyShare{
		Serialized:   art.Serialized,
		PublicKey:    art.PublicKey,
		PartyIndex:   art.PartyIndex,
		Threshold:    art.Threshold,
		Participants: art.Participants,
		GroupID:      groupID,
	}
}

// Options constructs an SDK instance. EngineFactory defaults to the
// tss-lib-backed engine when nil; tests typically inject
// engine/simengine.New instead.
type Options struct {
	Config        config.Config
	KeystoreBackend keystore.Backend
	PartyKey      idcrypto.KeyPair
	EngineFactory engine.Factory
	Logger        logger.Logger
}

// SDK is the Facade. Components C1-C7 are unexported fields; nothing
// outside this package ever touches them directly.
type SDK struct {
	cfg       config.Config
	log       logger.Logger
	partyID   string
	partyKey  idcrypto.KeyPair
	engineNew engine.Factory

	client    *relay.Client
	keyring   *relay.KeyRing
	ks        *keystore.Keystore
	boot      *bootstrap.Bootstrap
	manager   *protocol.Manager
	metrics   *metrics.Server
}

// New constructs and connects an SDK instance. The returned instance owns
// a live relay connection; callers should defer Close.
func New(ctx context.Context, opts Options) (*SDK, error) {
	if opts.KeystoreBackend == nil {
		return nil, sdkerr.New(sdkerr.Invalid, "keystore backend is required")
	}
	if opts.PartyKey == nil {
		return nil, sdkerr.New(sdkerr.Invalid, "party key is required")
	}
	log := opts.Logger
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	engineNew := opts.EngineFactory
	if engineNew == nil {
		engineNew = tsslib.New
	}

	idBytes, err := keys.PartyID(opts.PartyKey)
	if err != nil {
		return nil, sdkerr.Wrap(sdkerr.Invalid, "derive party id", err)
	}
	partyID := hex.EncodeToString(idBytes)

	client := relay.NewClient(opts.Config.Relay, partyID)
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}

	keyring := relay.NewKeyRing()
	sdkInstance := &SDK{
		cfg:       opts.Config,
		log:       log,
		partyID:   partyID,
		partyKey:  opts.PartyKey,
		engineNew: engineNew,
		client:    client,
		keyring:   keyring,
		ks:        keystore.New(opts.KeystoreBackend),
		boot:      bootstrap.New(client, keyring, opts.Config.Bootstrap, log),
		manager:   protocol.New(client, keyring, log),
	}

	if opts.Config.Metrics.Enabled {
		srv := metrics.NewServer(opts.Config.Metrics.Addr, opts.Config.Metrics.Path)
		go func() {
			if err := <-srv.Start(); err != nil {
				log.Error("metrics server exited", logger.Error(err))
			}
		}()
		sdkInstance.metrics = srv
	}

	return sdkInstance, nil
}

// PartyID returns this instance's hex-encoded 33-byte relay identity.
func (s *SDK) PartyID() string { return s.partyID }

// Events returns the Protocol Manager's lifecycle event stream.
func (s *SDK) Events() <-chan protocol.Event { return s.manager.Events() }

// Close tears the SDK instance down: stops the optional metrics server and
// closes the relay connection. It does not drop the session keys installed
// in the Key Ring.
func (s *SDK) Close() error {
	if s.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.metrics.Stop(ctx)
	}
	return s.client.Close()
}

// CreateGroup runs the creator side of Bootstrap and returns the invite
// handshake to hand joiners out of band.
func (s *SDK) CreateGroup(ctx context.Context, p bootstrap.CreateGroupParams) (*bootstrap.Handshake, error) {
	return s.boot.CreateGroup(ctx, p)
}

// JoinGroup runs the joiner side of Bootstrap against a parsed handshake
// blob and returns the party_index the relay assigned.
func (s *SDK) JoinGroup(ctx context.Context, h *bootstrap.Handshake) (partyIndex int, err error) {
	return s.boot.JoinGroup(ctx, h, time.Now())
}

// AwaitAdmission blocks until groupID's membership is full or the
// admission deadline elapses.
func (s *SDK) AwaitAdmission(ctx context.Context, groupID string, totalParties int) (*relay.GroupInfo, error) {
	return s.boot.AwaitAdmission(ctx, groupID, totalParties)
}

// Keygen runs DKG to completion for this party's role in groupID. On
// success the resulting share is sealed and persisted under the group's
// canonical keystore name; on failure nothing is written.
func (s *SDK) Keygen(ctx context.Context, groupID string, partyIndex, threshold int, participants []string, passphrase string) (*KeyShare, error) {
	art, err := s.runSession(ctx, engine.KindDKG, groupID, engine.Params{
		Kind: engine.KindDKG, GroupID: groupID, SelfPartyID: s.partyID,
		PartyIndex: partyIndex, Threshold: threshold, Participants: participants,
	}, participants)
	if err != nil {
		return nil, err
	}
	share := keyShareFromArtifact(groupID, art.KeyShare)
	if err := s.saveShare(share, passphrase); err != nil {
		return nil, sdkerr.Wrap(sdkerr.Storage, "persist keyshare", err).WithGroup(groupID)
	}
	return share, nil
}

// Sign runs DSG to completion against an already-loaded share, returning
// a standard (r, s) ECDSA signature pair. The keystore is never touched.
func (s *SDK) Sign(ctx context.Context, share *KeyShare, digest [32]byte, participants []string) (r, sVal [32]byte, err error) {
	art, err := s.runSession(ctx, engine.KindDSG, share.GroupID, engine.Params{
		Kind: engine.KindDSG, GroupID: share.GroupID, SelfPartyID: s.partyID,
		PartyIndex: share.PartyIndex, Threshold: share.Threshold, Participants: participants,
		Digest: digest, PriorShare: share.Serialized,
	}, participants)
	if err != nil {
		return r, sVal, err
	}
	return art.Signature.R, art.Signature.S, nil
}

// Rotate runs Rotation to completion, refreshing share without changing
// the public key. The prior share is only overwritten
// in the keystore after the new share is confirmed to carry the same
// public key; a mismatch is treated as a fatal engine error, not persisted.
func (s *SDK) Rotate(ctx context.Context, share *KeyShare, participants []string, passphrase string) (*KeyShare, error) {
	art, err := s.runSession(ctx, engine.KindRotation, share.GroupID, engine.Params{
		Kind: engine.KindRotation, GroupID: share.GroupID, SelfPartyID: s.partyID,
		PartyIndex: share.PartyIndex, Threshold: share.Threshold, Participants: participants,
		PriorShare: share.Serialized, OldParticipants: share.Participants, OldThreshold: share.Threshold,
	}, participants)
	if err != nil {
		return nil, err
	}
	newShare := keyShareFromArtifact(share.GroupID, art.KeyShare)
	if newShare.PublicKey != share.PublicKey {
		return nil, sdkerr.New(sdkerr.Engine, "rotation produced a different public key").WithGroup(share.GroupID)
	}
	if err := s.saveShare(newShare, passphrase); err != nil {
		return nil, sdkerr.Wrap(sdkerr.Storage, "persist rotated keyshare", err).WithGroup(share.GroupID)
	}
	return newShare, nil
}

// Recover runs the Recovery protocol, reconstructing a replacement share
// for a party that lost its own, from a threshold of survivors' shares.
// This path is best-effort: it is wired at the interface level
// but not exercised by an end-to-end scenario in this SDK's test suite.
func (s *SDK) Recover(ctx context.Context, groupID string, survivorShare *KeyShare, oldParticipants, newParticipants []string, replacementIndex, threshold int, passphrase string) (*KeyShare, error) {
	art, err := s.runSession(ctx, engine.KindRecovery, groupID, engine.Params{
		Kind: engine.KindRecovery, GroupID: groupID, SelfPartyID: s.partyID,
		PartyIndex: replacementIndex, Threshold: threshold, Participants: newParticipants,
		PriorShare: survivorShare.Serialized, OldParticipants: oldParticipants, OldThreshold: survivorShare.Threshold,
	}, newParticipants)
	if err != nil {
		return nil, err
	}
	newShare := keyShareFromArtifact(groupID, art.KeyShare)
	if err := s.saveShare(newShare, passphrase); err != nil {
		return nil, sdkerr.Wrap(sdkerr.Storage, "persist recovered keyshare", err).WithGroup(groupID)
	}
	return newShare, nil
}

// LoadShare loads and decrypts a previously persisted share for
// (groupID, partyIndex). passphrase must match what Keygen/Rotate was
// called with; an empty passphrase only succeeds if the share was sealed
// under a storage-local random key.
func (s *SDK) LoadShare(groupID string, partyIndex int, passphrase string) (*KeyShare, error) {
	name := keystore.Name(groupID, partyIndex)
	blob, ok, err := s.ks.Load(name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, sdkerr.New(sdkerr.Storage, "no keyshare for "+name)
	}
	key, err := s.resolveKeyForLoad(name, blob, passphrase)
	if err != nil {
		return nil, err
	}
	plaintext, _, err := keystore.OpenShare(blob, key)
	if err != nil {
		return nil, sdkerr.Wrap(sdkerr.Decrypt, "open keyshare blob", err)
	}
	var share KeyShare
	if err := json.Unmarshal(plaintext, &share); err != nil {
		return nil, sdkerr.Wrap(sdkerr.Storage, "decode keyshare", err)
	}
	return &share, nil
}

// runSession starts a protocol session via the Protocol Manager, blocks on
// its own Events channel for that session's terminal event, and returns
// the completion artifact or the failure.
func (s *SDK) runSession(ctx context.Context, kind engine.Kind, groupID string, params engine.Params, participants []string) (engine.Artifact, error) {
	sessionID, err := s.boot.BindSession(ctx, groupID)
	if err != nil {
		return engine.Artifact{}, err
	}
	eng, err := s.engineNew(params)
	if err != nil {
		return engine.Artifact{}, sdkerr.Wrap(sdkerr.Engine, "construct engine", err).WithGroup(groupID)
	}
	if err := s.manager.StartSession(ctx, kind, groupID, sessionID, s.partyID, eng, participants); err != nil {
		return engine.Artifact{}, err
	}

	for {
		select {
		case ev := <-s.manager.Events():
			switch ev.Kind {
			case protocol.EventKeygenComplete, protocol.EventSignComplete:
				return ev.Artifact, nil
			case protocol.EventError:
				return engine.Artifact{}, ev.Err
			}
		case <-ctx.Done():
			s.manager.Cancel()
			return engine.Artifact{}, sdkerr.Wrap(sdkerr.Cancelled, "session cancelled", ctx.Err()).WithGroup(groupID)
		}
	}
}

// saveShare seals share's JSON form and writes it under its canonical
// keystore name, atomically superseding any prior entry for the same
// (group_id, party_index).
func (s *SDK) saveShare(share *KeyShare, passphrase string) error {
	plaintext, err := json.Marshal(share)
	if err != nil {
		return err
	}
	name := keystore.Name(share.GroupID, share.PartyIndex)
	salt, err := keystore.NewSalt()
	if err != nil {
		return err
	}
	key, err := s.resolveKeyForSave(name, passphrase, salt)
	if err != nil {
		return err
	}
	blob, err := keystore.SealShare(plaintext, salt, key)
	if err != nil {
		return err
	}
	return s.ks.Save(name, blob)
}

// resolveKeyForSave picks the AEAD key a fresh share blob will be sealed
// under. With a passphrase, the key is derived from salt via scrypt and
// nothing extra needs to be stored. Without one, a fresh random key is
// generated and persisted alongside the share under a sibling keystore
// entry, giving confidentiality only against an external filesystem
// reader.
func (s *SDK) resolveKeyForSave(name, passphrase string, salt []byte) ([32]byte, error) {
	if passphrase != "" {
		return keystore.DeriveKeyFromPassphrase(passphrase, salt)
	}
	var key [32]byte
	if _, err := rand.Read(key[:]); err != nil {
		return key, sdkerr.Wrap(sdkerr.Storage, "generate storage-local key", err)
	}
	if err := s.ks.Save(name+".key", append([]byte(nil), key[:]...)); err != nil {
		return key, err
	}
	return key, nil
}

// resolveKeyForLoad mirrors resolveKeyForSave for an already-persisted
// blob: with a passphrase it re-derives the key from the blob's embedded
// salt; without one it reads the sibling storage-local key entry.
func (s *SDK) resolveKeyForLoad(name string, blob []byte, passphrase string) ([32]byte, error) {
	var key [32]byte
	if passphrase != "" {
		salt, err := keystore.Salt(blob)
		if err != nil {
			return key, sdkerr.Wrap(sdkerr.Decrypt, "read blob salt", err)
		}
		return keystore.DeriveKeyFromPassphrase(passphrase, salt)
	}
	raw, ok, err := s.ks.Load(name + ".key")
	if err != nil {
		return key, err
	}
	if !ok || len(raw) != len(key) {
		return key, sdkerr.New(sdkerr.Storage, "no storage-local key for "+name)
	}
	copy(key[:], raw)
	return key, nil
}
