package tsslib

import (
	"fmt"

	"github.com/zkrypt-crossbar/defishard-sdk/engine"
)

// New is the engine.Factory for the tss-lib-backed engine: it dispatches to
// the DKG, DSG or resharing (Rotation/Recovery) constructor by p.Kind.
func New(p engine.Params) (engine.MpcEngine, error) {
	switch p.Kind {
	case engine.KindDKG:
		return NewDKG(p)
	case engine.KindDSG:
		return NewDSG(p)
	case engine.KindRotation:
		return NewRotation(p)
	case engine.KindRecovery:
		return NewRecovery(p)
	default:
		return nil, fmt.Errorf("tsslib: unknown kind %q", p.Kind)
	}
}
