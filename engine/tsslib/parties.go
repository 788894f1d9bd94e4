// Package tsslib backs the MpcEngine capability with bnb-chain/tss-lib's
// GG20 threshold-ECDSA rounds. The retrieval pack contains no DKLS-specific
// library; this is the closest real threshold-ECDSA-over-secp256k1 MPC
// implementation available, and callers only ever see the concrete primitive as
// an implementation detail behind the opaque MpcEngine interface —
// this package is what fills that slot, grounded in
// amijkko-Collider-Custody/mpc-signer's dkg_tss.go / signing_tss.go.
package tsslib

import (
	"fmt"
	"math/big"

	"github.com/bnb-chain/tss-lib/v2/tss"
)

// committee is the bookkeeping tss-lib needs for one set of parties: their
// sorted tss.PartyID list plus the bidirectional mapping between our wire
// identity (a hex-encoded 33-byte compressed pubkey) and tss-lib's internal
// moniker, since tss-lib parties are ordered by a big.Int key, not by the
// party identity strings the rest of this SDK uses.
type committee struct {
	ids     tss.SortedPartyIDs
	extToID map[string]*tss.PartyID
}

// newCommittee builds tss-lib PartyIDs for participants in order, using
// 1-indexed keys the way tss-lib examples in the pack do (tss-lib requires
// Key > 0). Each PartyID's Moniker carries our external party identity
// string, so routing can translate back without a second map.
func newCommittee(participants []string) (*committee, error) {
	if len(participants) == 0 {
		return nil, fmt.Errorf("tsslib: empty participant set")
	}
	raw := make([]*tss.PartyID, len(participants))
	extToID := make(map[string]*tss.PartyID, len(participants))
	for i, ext := range participants {
		id := tss.NewPartyID(fmt.Sprintf("party-%d", i), ext, big.NewInt(int64(i+1)))
		raw[i] = id
		extToID[ext] = id
	}
	sorted := tss.SortPartyIDs(raw)
	return &committee{ids: sorted, extToID: extToID}, nil
}

func (c *committee) byExternal(ext string) (*tss.PartyID, bool) {
	id, ok := c.extToID[ext]
	return id, ok
}

func (c *committee) external(id *tss.PartyID) string {
	return id.Moniker
}
