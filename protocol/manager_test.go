package protocol

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zkrypt-crossbar/defishard-sdk/config"
	"github.com/zkrypt-crossbar/defishard-sdk/engine"
	"github.com/zkrypt-crossbar/defishard-sdk/engine/simengine"
	"github.com/zkrypt-crossbar/defishard-sdk/internal/testrelay"
	"github.com/zkrypt-crossbar/defishard-sdk/relay"
	"github.com/zkrypt-crossbar/defishard-sdk/relay/envelope"
	"github.com/zkrypt-crossbar/defishard-sdk/sdkerr"
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

// harness wires a connected relay.Client + KeyRing + Manager for one party
// against a shared testrelay.Server and group, ready for StartSession.
type harness struct {
	client  *relay.Client
	keyring *relay.KeyRing
	manager *Manager
}

func newHarness(t *testing.T, srv *testrelay.Server, partyID string) *harness {
	t.Helper()
	client := relay.NewClient(testRelayConfig(srv), partyID)
	require.NoError(t, client.RegisterParty(context.Background()))
	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(func() { _ = client.Close() })

	ring := relay.NewKeyRing()
	return &harness{client: client, keyring: ring, manager: New(client, ring, nil)}
}

func waitForEvent(t *testing.T, m *Manager, timeout time.Duration) Event {
	t.Helper()
	select {
	case ev := <-m.Events():
		return ev
	case <-time.After(timeout):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestManagerTwoPartyDKGCompletes(t *testing.T) {
	srv := testrelay.New()
	t.Cleanup(srv.Close)

	ctx := context.Background()
	ha := newHarness(t, srv, "party-a")
	groupID, err := ha.client.CreateGroup(ctx, 2, 2)
	require.NoError(t, err)

	hb := newHarness(t, srv, "party-b")
	_, err = hb.client.JoinGroup(ctx, groupID)
	require.NoError(t, err)

	sessionID := relay.NewSessionID()
	require.NoError(t, ha.client.BindSession(ctx, sessionID, groupID))

	var key envelope.Key
	key[0] = 0x42
	require.NoError(t, ha.keyring.Install(groupID, key, false))
	require.NoError(t, hb.keyring.Install(groupID, key, false))

	peers := []string{"party-a", "party-b"}

	engA, err := simengine.New(engine.Params{
		Kind: engine.KindDKG, GroupID: groupID, SelfPartyID: "party-a",
		PartyIndex: 0, Threshold: 2, Participants: peers,
	})
	require.NoError(t, err)
	engB, err := simengine.New(engine.Params{
		Kind: engine.KindDKG, GroupID: groupID, SelfPartyID: "party-b",
		PartyIndex: 1, Threshold: 2, Participants: peers,
	})
	require.NoError(t, err)

	require.NoError(t, ha.manager.StartSession(ctx, engine.KindDKG, groupID, sessionID, "party-a", engA, peers))
	require.NoError(t, hb.manager.StartSession(ctx, engine.KindDKG, groupID, sessionID, "party-b", engB, peers))

	evA := waitForEventOfKind(t, ha.manager, EventKeygenComplete, 5*time.Second)
	evB := waitForEventOfKind(t, hb.manager, EventKeygenComplete, 5*time.Second)

	require.NotNil(t, evA.Artifact.KeyShare)
	require.NotNil(t, evB.Artifact.KeyShare)
	assert.Equal(t, evA.Artifact.KeyShare.PublicKey, evB.Artifact.KeyShare.PublicKey)
	assert.False(t, ha.manager.Busy())
	assert.False(t, hb.manager.Busy())
}

func waitForEventOfKind(t *testing.T, m *Manager, kind EventKind, timeout time.Duration) Event {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		ev := waitForEvent(t, m, timeout)
		if ev.Kind == kind {
			return ev
		}
		if ev.Kind == EventError {
			t.Fatalf("session reported error: %v", ev.Err)
		}
	}
	t.Fatalf("timed out waiting for event kind %s", kind)
	return Event{}
}

func TestManagerRejectsConcurrentSession(t *testing.T) {
	srv := testrelay.New()
	t.Cleanup(srv.Close)

	ctx := context.Background()
	ha := newHarness(t, srv, "party-a")
	groupID, err := ha.client.CreateGroup(ctx, 2, 2)
	require.NoError(t, err)

	sessionID := relay.NewSessionID()
	require.NoError(t, ha.client.BindSession(ctx, sessionID, groupID))
	var key envelope.Key
	require.NoError(t, ha.keyring.Install(groupID, key, false))

	peers := []string{"party-a", "party-b"}
	eng1, err := simengine.New(engine.Params{Kind: engine.KindDKG, GroupID: groupID, SelfPartyID: "party-a", PartyIndex: 0, Threshold: 2, Participants: peers})
	require.NoError(t, err)
	require.NoError(t, ha.manager.StartSession(ctx, engine.KindDKG, groupID, sessionID, "party-a", eng1, peers))

	eng2, err := simengine.New(engine.Params{Kind: engine.KindDKG, GroupID: groupID, SelfPartyID: "party-a", PartyIndex: 0, Threshold: 2, Participants: peers})
	require.NoError(t, err)
	err = ha.manager.StartSession(ctx, engine.KindDKG, groupID, relay.NewSessionID(), "party-a", eng2, peers)
	assert.ErrorIs(t, err, sdkerr.ErrBusy)
}
