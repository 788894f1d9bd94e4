// dklsctl is a reference, single-process demonstration of the SDK: it
// starts an in-process relay (internal/testrelay), stands up a small
// committee of simulated parties against it, and drives them through
// create-group -> join-group -> await-admission -> keygen -> sign ->
// rotate end to end, printing progress as it goes. It exists to exercise
// the Facade the way a real multi-process deployment would, not as a
// general-purpose operator tool.
package main

import (
	"context"
	"crypto/sha256"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/zkrypt-crossbar/defishard-sdk/bootstrap"
	"github.com/zkrypt-crossbar/defishard-sdk/config"
	"github.com/zkrypt-crossbar/defishard-sdk/crypto/keys"
	"github.com/zkrypt-crossbar/defishard-sdk/engine"
	"github.com/zkrypt-crossbar/defishard-sdk/engine/simengine"
	"github.com/zkrypt-crossbar/defishard-sdk/engine/tsslib"
	"github.com/zkrypt-crossbar/defishard-sdk/internal/testrelay"
	"github.com/zkrypt-crossbar/defishard-sdk/keystore"
	"github.com/zkrypt-crossbar/defishard-sdk/sdk"

	"golang.org/x/sync/errgroup"
)

func main() {
	parties := flag.Int("parties", 3, "committee size")
	threshold := flag.Int("threshold", 2, "signing threshold")
	useTSSLib := flag.Bool("real-engine", false, "drive the tss-lib-backed engine instead of the deterministic simulator")
	flag.Parse()

	if *threshold < 1 || *threshold > *parties {
		log.Fatalf("dklsctl: threshold must be between 1 and parties (got threshold=%d parties=%d)", *threshold, *parties)
	}

	relaySrv := testrelay.New()
	defer relaySrv.Close()
	fmt.Printf("relay listening at %s\n", relaySrv.URL())

	relayCfg := config.RelayConfig{
		HTTPBaseURL:       relaySrv.URL(),
		WSBaseURL:         relaySrv.WSURL(),
		DialTimeout:       5 * time.Second,
		RequestTimeout:    5 * time.Second,
		HeartbeatInterval: 15 * time.Second,
		ReconnectMinDelay: 200 * time.Millisecond,
		ReconnectMaxDelay: 5 * time.Second,
		MaxQueueDepth:     256,
	}
	bootCfg := config.BootstrapConfig{
		AdmissionPollInitial: 50 * time.Millisecond,
		AdmissionPollMax:     500 * time.Millisecond,
		AdmissionPollTimeout: 30 * time.Second,
	}
	cfg := config.Config{Relay: relayCfg, Bootstrap: bootCfg}

	engineFactory := simengine.New
	if *useTSSLib {
		engineFactory = tsslib.New
	}

	ctx := context.Background()
	sdks := make([]*sdk.SDK, *parties)
	for i := range sdks {
		partyKey, err := keys.GenerateSecp256k1KeyPair()
		if err != nil {
			log.Fatalf("dklsctl: generate identity key for party %d: %v", i, err)
		}
		instance, err := sdk.New(ctx, sdk.Options{
			Config:          cfg,
			KeystoreBackend: keystore.NewMemoryBackend(),
			PartyKey:        partyKey,
			EngineFactory:   engineFactory,
		})
		if err != nil {
			log.Fatalf("dklsctl: connect party %d: %v", i, err)
		}
		defer instance.Close()
		sdks[i] = instance
	}

	creator := sdks[0]
	fmt.Printf("creating group: %d-of-%d, creator=%s\n", *threshold, *parties, creator.PartyID())
	handshake, err := creator.CreateGroup(ctx, bootstrap.CreateGroupParams{
		Kind:         bootstrap.KindKeygen,
		Threshold:    *threshold,
		TotalParties: *parties,
		TimeoutSecs:  60,
	})
	if err != nil {
		log.Fatalf("dklsctl: create group: %v", err)
	}

	encoded, err := handshake.Encode()
	if err != nil {
		log.Fatalf("dklsctl: encode handshake: %v", err)
	}
	fmt.Printf("handshake blob (%d bytes) ready to hand joiners out of band\n", len(encoded))

	partyIndex := make([]int, *parties)
	for i := 1; i < *parties; i++ {
		decoded, err := bootstrap.ParseHandshake(encoded)
		if err != nil {
			log.Fatalf("dklsctl: decode handshake for party %d: %v", i, err)
		}
		idx, err := sdks[i].JoinGroup(ctx, decoded)
		if err != nil {
			log.Fatalf("dklsctl: join group for party %d: %v", i, err)
		}
		partyIndex[i] = idx
		fmt.Printf("party %d joined group %s at index %d\n", i, handshake.GroupID, idx)
	}

	info, err := creator.AwaitAdmission(ctx, handshake.GroupID, *parties)
	if err != nil {
		log.Fatalf("dklsctl: await admission: %v", err)
	}
	fmt.Printf("group %s fully admitted: %v\n", handshake.GroupID, info.PartyIDs)

	// Every party's Keygen call blocks on its own round fan-in, so all
	// parties must run their session concurrently, not one after another.
	shares := make([]*sdk.KeyShare, *parties)
	keygenGroup, keygenCtx := errgroup.WithContext(ctx)
	for i, instance := range sdks {
		i, instance := i, instance
		keygenGroup.Go(func() error {
			share, err := instance.Keygen(keygenCtx, handshake.GroupID, partyIndex[i], *threshold, info.PartyIDs, "")
			if err != nil {
				return fmt.Errorf("party %d: %w", i, err)
			}
			shares[i] = share
			fmt.Printf("party %d keygen complete, public key %x\n", i, share.PublicKey)
			return nil
		})
	}
	if err := keygenGroup.Wait(); err != nil {
		log.Fatalf("dklsctl: keygen: %v", err)
	}

	digest := sha256.Sum256([]byte("dklsctl demo message"))
	signers := shares[:*threshold]
	signerIDs := make([]string, len(signers))
	for i, s := range signers {
		signerIDs[i] = info.PartyIDs[s.PartyIndex]
	}
	sigs := make([][2][32]byte, len(signers))
	signGroup, signCtx := errgroup.WithContext(ctx)
	for i, s := range signers {
		i, s := i, s
		signGroup.Go(func() error {
			r, sVal, err := sdks[i].Sign(signCtx, s, digest, signerIDs)
			if err != nil {
				return fmt.Errorf("party %d: %w", i, err)
			}
			sigs[i] = [2][32]byte{r, sVal}
			return nil
		})
	}
	if err := signGroup.Wait(); err != nil {
		log.Fatalf("dklsctl: sign: %v", err)
	}
	fmt.Printf("signature produced: r=%x s=%x\n", sigs[0][0], sigs[0][1])

	rotated := make([]*sdk.KeyShare, *parties)
	rotateGroup, rotateCtx := errgroup.WithContext(ctx)
	for i, instance := range sdks {
		i, instance := i, instance
		rotateGroup.Go(func() error {
			newShare, err := instance.Rotate(rotateCtx, shares[i], info.PartyIDs, "")
			if err != nil {
				return fmt.Errorf("party %d: %w", i, err)
			}
			rotated[i] = newShare
			return nil
		})
	}
	if err := rotateGroup.Wait(); err != nil {
		log.Fatalf("dklsctl: rotate: %v", err)
	}
	fmt.Printf("rotation complete, public key unchanged: %x\n", rotated[0].PublicKey)
}
