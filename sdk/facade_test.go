package sdk

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zkrypt-crossbar/defishard-sdk/bootstrap"
	"github.com/zkrypt-crossbar/defishard-sdk/config"
	"github.com/zkrypt-crossbar/defishard-sdk/crypto/keys"
	"github.com/zkrypt-crossbar/defishard-sdk/engine/simengine"
	"github.com/zkrypt-crossbar/defishard-sdk/internal/testrelay"
	"github.com/zkrypt-crossbar/defishard-sdk/keystore"
)

// testConfig points an SDK instance at srv with aggressive timeouts, so
// tests fail fast instead of riding out production-sized backoffs.
func testConfig(srv *testrelay.Server) config.Config {
	return config.Config{
		Relay: config.RelayConfig{
			HTTPBaseURL:       srv.URL(),
			WSBaseURL:         srv.WSURL(),
			DialTimeout:       2 * time.Second,
			RequestTimeout:    2 * time.Second,
			HeartbeatInterval: time.Second,
			ReconnectMinDelay: 100 * time.Millisecond,
			ReconnectMaxDelay: time.Second,
			MaxQueueDepth:     64,
		},
		Bootstrap: config.BootstrapConfig{
			AdmissionPollInitial: 10 * time.Millisecond,
			AdmissionPollMax:     50 * time.Millisecond,
			AdmissionPollTimeout: 5 * time.Second,
		},
		Keystore: config.KeystoreConfig{Backend: "memory"},
	}
}

// newTestSDK constructs a facade with a fresh secp256k1 identity, an
// in-memory keystore and simengine in place of the real tss-lib engine, so
// orchestration tests run fast and deterministically.
func newTestSDK(t *testing.T, srv *testrelay.Server) *SDK {
	t.Helper()
	kp, err := keys.GenerateSecp256k1KeyPair()
	require.NoError(t, err)

	s, err := New(context.Background(), Options{
		Config:          testConfig(srv),
		KeystoreBackend: keystore.NewMemoryBackend(),
		PartyKey:        kp,
		EngineFactory:   simengine.New,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// keygenResult collects one party's Keygen outcome from a goroutine.
type keygenResult struct {
	share *KeyShare
	err   error
}

func runKeygenConcurrently(ctx context.Context, parties []*SDK, groupID string, threshold int, participants []string) []keygenResult {
	results := make([]keygenResult, len(parties))
	done := make(chan int, len(parties))
	for i, p := range parties {
		i, p := i, p
		go func() {
			share, err := p.Keygen(ctx, groupID, i, threshold, participants, "")
			results[i] = keygenResult{share: share, err: err}
			done <- i
		}()
	}
	for range parties {
		<-done
	}
	return results
}

// TestKeygenTwoOfTwoHappyPath mirrors spec scenario S1: a creator and a
// joiner run DKG to completion and must end up holding shares with an
// identical public key.
func TestKeygenTwoOfTwoHappyPath(t *testing.T) {
	srv := testrelay.New()
	t.Cleanup(srv.Close)

	creator := newTestSDK(t, srv)
	joiner := newTestSDK(t, srv)
	ctx := context.Background()

	handshake, err := creator.CreateGroup(ctx, bootstrap.CreateGroupParams{
		Kind: bootstrap.KindKeygen, Threshold: 2, TotalParties: 2, TimeoutSecs: 60,
	})
	require.NoError(t, err)

	raw, err := handshake.Encode()
	require.NoError(t, err)
	parsed, err := bootstrap.ParseHandshake(raw)
	require.NoError(t, err)

	joinerIndex, err := joiner.JoinGroup(ctx, parsed)
	require.NoError(t, err)
	require.Equal(t, 1, joinerIndex)

	info, err := creator.AwaitAdmission(ctx, handshake.GroupID, 2)
	require.NoError(t, err)
	require.Equal(t, 2, len(info.PartyIDs))

	results := runKeygenConcurrently(ctx, []*SDK{creator, joiner}, handshake.GroupID, 2, info.PartyIDs)
	for _, r := range results {
		require.NoError(t, r.err)
		require.NotNil(t, r.share)
	}
	assert.Equal(t, results[0].share.PublicKey, results[1].share.PublicKey)
	assert.NotEqual(t, [33]byte{}, results[0].share.PublicKey)

	loaded, err := creator.LoadShare(handshake.GroupID, 0, "")
	require.NoError(t, err)
	assert.Equal(t, results[0].share.PublicKey, loaded.PublicKey)
}

// TestSignAfterKeygenProducesMatchingSignature mirrors S2: after DKG, both
// parties sign the same digest and must agree on the resulting (r, s).
func TestSignAfterKeygenProducesMatchingSignature(t *testing.T) {
	srv := testrelay.New()
	t.Cleanup(srv.Close)

	creator := newTestSDK(t, srv)
	joiner := newTestSDK(t, srv)
	ctx := context.Background()

	handshake, err := creator.CreateGroup(ctx, bootstrap.CreateGroupParams{
		Kind: bootstrap.KindKeygen, Threshold: 2, TotalParties: 2, TimeoutSecs: 60,
	})
	require.NoError(t, err)
	raw, err := handshake.Encode()
	require.NoError(t, err)
	parsed, err := bootstrap.ParseHandshake(raw)
	require.NoError(t, err)
	_, err = joiner.JoinGroup(ctx, parsed)
	require.NoError(t, err)
	info, err := creator.AwaitAdmission(ctx, handshake.GroupID, 2)
	require.NoError(t, err)

	shares := runKeygenConcurrently(ctx, []*SDK{creator, joiner}, handshake.GroupID, 2, info.PartyIDs)
	require.NoError(t, shares[0].err)
	require.NoError(t, shares[1].err)

	var digest [32]byte
	for i := range digest {
		digest[i] = byte(i)
	}

	type signResult struct {
		r, s [32]byte
		err  error
	}
	results := make([]signResult, 2)
	done := make(chan int, 2)
	sdks := []*SDK{creator, joiner}
	for i, p := range sdks {
		i, p := i, p
		go func() {
			r, s, err := p.Sign(ctx, shares[i].share, digest, info.PartyIDs)
			results[i] = signResult{r: r, s: s, err: err}
			done <- i
		}()
	}
	for range sdks {
		<-done
	}

	require.NoError(t, results[0].err)
	require.NoError(t, results[1].err)
	assert.Equal(t, results[0].r, results[1].r)
	assert.Equal(t, results[0].s, results[1].s)
}

// TestRotationPreservesPublicKey mirrors S5: rotation must produce a new
// share whose public key matches the pre-rotation share, and the facade
// must only persist the rotated share after that check passes.
func TestRotationPreservesPublicKey(t *testing.T) {
	srv := testrelay.New()
	t.Cleanup(srv.Close)

	creator := newTestSDK(t, srv)
	joiner := newTestSDK(t, srv)
	ctx := context.Background()

	handshake, err := creator.CreateGroup(ctx, bootstrap.CreateGroupParams{
		Kind: bootstrap.KindKeygen, Threshold: 2, TotalParties: 2, TimeoutSecs: 60,
	})
	require.NoError(t, err)
	raw, err := handshake.Encode()
	require.NoError(t, err)
	parsed, err := bootstrap.ParseHandshake(raw)
	require.NoError(t, err)
	_, err = joiner.JoinGroup(ctx, parsed)
	require.NoError(t, err)
	info, err := creator.AwaitAdmission(ctx, handshake.GroupID, 2)
	require.NoError(t, err)

	shares := runKeygenConcurrently(ctx, []*SDK{creator, joiner}, handshake.GroupID, 2, info.PartyIDs)
	require.NoError(t, shares[0].err)
	require.NoError(t, shares[1].err)

	type rotateResult struct {
		share *KeyShare
		err   error
	}
	results := make([]rotateResult, 2)
	done := make(chan int, 2)
	sdks := []*SDK{creator, joiner}
	for i, p := range sdks {
		i, p := i, p
		go func() {
			ns, err := p.Rotate(ctx, shares[i].share, info.PartyIDs, "")
			results[i] = rotateResult{share: ns, err: err}
			done <- i
		}()
	}
	for range sdks {
		<-done
	}

	require.NoError(t, results[0].err)
	require.NoError(t, results[1].err)
	assert.Equal(t, shares[0].share.PublicKey, results[0].share.PublicKey)
	assert.Equal(t, shares[1].share.PublicKey, results[1].share.PublicKey)

	loaded, err := creator.LoadShare(handshake.GroupID, 0, "")
	require.NoError(t, err)
	assert.Equal(t, results[0].share.Serialized, loaded.Serialized)
}

// TestKeygenWithPassphraseRoundTrips exercises the passphrase-derived
// keystore path end to end: a share sealed under a passphrase must load
// back byte-identical, and loading with the wrong passphrase must fail
// with a decrypt error rather than silently returning garbage.
func TestKeygenWithPassphraseRoundTrips(t *testing.T) {
	srv := testrelay.New()
	t.Cleanup(srv.Close)

	creator := newTestSDK(t, srv)
	joiner := newTestSDK(t, srv)
	ctx := context.Background()

	handshake, err := creator.CreateGroup(ctx, bootstrap.CreateGroupParams{
		Kind: bootstrap.KindKeygen, Threshold: 2, TotalParties: 2, TimeoutSecs: 60,
	})
	require.NoError(t, err)
	raw, err := handshake.Encode()
	require.NoError(t, err)
	parsed, err := bootstrap.ParseHandshake(raw)
	require.NoError(t, err)
	_, err = joiner.JoinGroup(ctx, parsed)
	require.NoError(t, err)
	info, err := creator.AwaitAdmission(ctx, handshake.GroupID, 2)
	require.NoError(t, err)

	passphrase := "correct horse battery staple"
	type keygenOutcome struct {
		share *KeyShare
		err   error
	}
	outcomes := make([]keygenOutcome, 2)
	done := make(chan int, 2)
	go func() {
		share, err := creator.Keygen(ctx, handshake.GroupID, 0, 2, info.PartyIDs, passphrase)
		outcomes[0] = keygenOutcome{share, err}
		done <- 0
	}()
	go func() {
		share, err := joiner.Keygen(ctx, handshake.GroupID, 1, 2, info.PartyIDs, "")
		outcomes[1] = keygenOutcome{share, err}
		done <- 1
	}()
	<-done
	<-done
	require.NoError(t, outcomes[0].err)
	require.NoError(t, outcomes[1].err)
	share := outcomes[0].share

	loaded, err := creator.LoadShare(handshake.GroupID, 0, passphrase)
	require.NoError(t, err)
	assert.Equal(t, share.Serialized, loaded.Serialized)

	_, err = creator.LoadShare(handshake.GroupID, 0, "wrong passphrase")
	assert.Error(t, err)
}
