// Package decoder implements the two caption decoder families. Both expose
// the same single-step contract:
//
//	Start(grid) (State, error)
//	Step(grid, state, token) (logits, State, error)
//
// States are immutable snapshots: Step never modifies its input state and
// always returns a fresh one, so a state may be handed to several beam
// candidates without copying.
package decoder

import (
	"errors"
	"fmt"

	"github.com/krau/konacaption/feature"
)

// Decoder family names as they appear in configuration.
const (
	FamilyRecurrent   = "lstm"
	FamilyTransformer = "transformer"
)

var (
	// ErrConfig is returned for an unusable decoder configuration.
	ErrConfig = errors.New("decoder: invalid configuration")
	// ErrFeatureDim is returned when a grid's dimension differs from the
	// dimension the decoder was built for.
	ErrFeatureDim = errors.New("decoder: feature dimension mismatch")
	// ErrNotStarted is returned when Step receives a state that did not
	// originate from Start.
	ErrNotStarted = errors.New("decoder: state was not produced by Start")
	// ErrSequenceTooLong is returned when a prefix outgrows the positional table.
	ErrSequenceTooLong = errors.New("decoder: sequence exceeds maximum length")
)

func checkGrid(g *feature.Grid, dim int) error {
	if err := g.Validate(); err != nil {
		return err
	}
	if g.Dim() != dim {
		return fmt.Errorf("%w: grid has %d, decoder expects %d", ErrFeatureDim, g.Dim(), dim)
	}
	return nil
}

func positive(name string, v int) error {
	if v <= 0 {
		return fmt.Errorf("%w: %s must be positive, got %d", ErrConfig, name, v)
	}
	return nil
}
