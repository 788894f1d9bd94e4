package bootstrap

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zkrypt-crossbar/defishard-sdk/config"
	"github.com/zkrypt-crossbar/defishard-sdk/internal/testrelay"
	"github.com/zkrypt-crossbar/defishard-sdk/relay"
)

func testRelayConfig(srv *testrelay.Server) config.RelayConfig {
	return config.RelayConfig{
		HTTPBaseURL:       srv.URL(),
		WSBaseURL:         srv.WSURL(),
		DialTimeout:       2 * time.Second,
		RequestTimeout:    2 * time.Second,
		HeartbeatInterval: time.Second,
		ReconnectMinDelay: 100 * time.Millisecond,
		ReconnectMaxDelay: time.Second,
		MaxQueueDepth:     64,
	}
}

func testBootstrapConfig() config.BootstrapConfig {
	return config.BootstrapConfig{
		AdmissionPollInitial: 10 * time.Millisecond,
		AdmissionPollMax:     50 * time.Millisecond,
		AdmissionPollTimeout: 2 * time.Second,
	}
}

func TestCreateAndJoinGroupInstallsSameKey(t *testing.T) {
	srv := testrelay.New()
	t.Cleanup(srv.Close)

	creatorClient := relay.NewClient(testRelayConfig(srv), "party-a")
	creatorRing := relay.NewKeyRing()
	creator := New(creatorClient, creatorRing, testBootstrapConfig(), nil)

	ctx := context.Background()
	handshake, err := creator.CreateGroup(ctx, CreateGroupParams{
		Kind: KindKeygen, Threshold: 2, TotalParties: 2, TimeoutSecs: 60,
	})
	require.NoError(t, err)
	assert.Equal(t, blobVersion, handshake.Version)
	assert.NotEmpty(t, handshake.GroupID)

	raw, err := handshake.Encode()
	require.NoError(t, err)

	parsed, err := ParseHandshake(raw)
	require.NoError(t, err)
	require.NoError(t, parsed.CheckFreshness(time.Now()))

	joinerClient := relay.NewClient(testRelayConfig(srv), "party-b")
	joinerRing := relay.NewKeyRing()
	joiner := New(joinerClient, joinerRing, testBootstrapConfig(), nil)

	idx, err := joiner.JoinGroup(ctx, parsed, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, idx)

	creatorKey, ok := creatorRing.Get(handshake.GroupID)
	require.True(t, ok)
	joinerKey, ok := joinerRing.Get(handshake.GroupID)
	require.True(t, ok)
	assert.Equal(t, creatorKey, joinerKey)
}

func TestJoinGroupRejectsStaleHandshake(t *testing.T) {
	srv := testrelay.New()
	t.Cleanup(srv.Close)

	client := relay.NewClient(testRelayConfig(srv), "party-a")
	creator := New(client, relay.NewKeyRing(), testBootstrapConfig(), nil)

	h, err := creator.CreateGroup(context.Background(), CreateGroupParams{
		Kind: KindKeygen, Threshold: 2, TotalParties: 2, TimeoutSecs: 1,
	})
	require.NoError(t, err)

	future := time.UnixMilli(h.Timestamp).Add(10 * time.Second)
	_, err = creator.JoinGroup(context.Background(), h, future)
	assert.Error(t, err)
}

func TestParseHandshakeRejectsBadVersion(t *testing.T) {
	_, err := ParseHandshake([]byte(`{"type":"keygen","version":"9.9","groupId":"g","threshold":1,"totalParties":1,"aesKey":"AAAA"}`))
	assert.Error(t, err)
}

func TestAwaitAdmissionResolvesWhenFull(t *testing.T) {
	srv := testrelay.New()
	t.Cleanup(srv.Close)

	creatorClient := relay.NewClient(testRelayConfig(srv), "party-a")
	creator := New(creatorClient, relay.NewKeyRing(), testBootstrapConfig(), nil)
	ctx := context.Background()

	h, err := creator.CreateGroup(ctx, CreateGroupParams{Kind: KindKeygen, Threshold: 2, TotalParties: 2, TimeoutSecs: 60})
	require.NoError(t, err)

	joinerClient := relay.NewClient(testRelayConfig(srv), "party-b")
	joiner := New(joinerClient, relay.NewKeyRing(), testBootstrapConfig(), nil)
	_, err = joiner.JoinGroup(ctx, h, time.Now())
	require.NoError(t, err)

	info, err := creator.AwaitAdmission(ctx, h.GroupID, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"party-a", "party-b"}, info.PartyIDs)
}

func TestAwaitAdmissionTimesOut(t *testing.T) {
	srv := testrelay.New()
	t.Cleanup(srv.Close)

	client := relay.NewClient(testRelayConfig(srv), "party-a")
	cfg := testBootstrapConfig()
	cfg.AdmissionPollTimeout = 30 * time.Millisecond
	creator := New(client, relay.NewKeyRing(), cfg, nil)
	ctx := context.Background()

	h, err := creator.CreateGroup(ctx, CreateGroupParams{Kind: KindKeygen, Threshold: 2, TotalParties: 2, TimeoutSecs: 60})
	require.NoError(t, err)

	_, err = creator.AwaitAdmission(ctx, h.GroupID, 2)
	assert.Error(t, err)
}
