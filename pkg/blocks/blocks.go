// Package blocks turns planner decisions into executable block
// specifications and defines how block outcomes propagate to the run. The
// four block types form a closed set; every dispatch in this package is an
// exhaustive switch so a new type cannot be added silently.
package blocks

import (
	"context"
	"encoding/json"

	"github.com/entrhq/waypoint/pkg/types"
)

// Env is the mutable execution context shared by block generation and
// execution within one run: the run itself, its leased browser session, and
// the output bindings earlier blocks have produced.
type Env struct {
	Run       *types.Run
	SessionID string

	// Bindings maps output keys to the data the named block produced.
	Bindings map[string]json.RawMessage

	// seq numbers generated block labels within the run.
	seq int
}

// NewEnv creates an execution environment for a run.
func NewEnv(run *types.Run, sessionID string) *Env {
	return &Env{
		Run:       run,
		SessionID: sessionID,
		Bindings:  make(map[string]json.RawMessage),
	}
}

// Bind stores a block's output under its output key.
func (e *Env) Bind(key string, data json.RawMessage) {
	if key != "" {
		e.Bindings[key] = data
	}
}

// Runner executes one block against the environment's browser session.
type Runner interface {
	Execute(ctx context.Context, env *Env, spec *types.BlockSpec) (*types.BlockResult, error)
}

// Outcome is the loop-level consequence of one block's result.
type Outcome struct {
	// Continue means the planning loop proceeds to its next iteration.
	Continue bool

	// RunStatus is the terminal status the run must take when Continue is
	// false.
	RunStatus types.RunStatus
}

// Propagate maps a block result onto the run per the propagation rules:
// cancellation always stops the run as canceled; failure and termination
// stop the run with the matching status unless the block opted into
// continue-on-failure and more budget remains; success and skips continue.
func Propagate(result *types.BlockResult, spec *types.BlockSpec, lastStep bool) Outcome {
	switch result.Status {
	case types.BlockStatusCanceled:
		return Outcome{RunStatus: types.RunStatusCanceled}
	case types.BlockStatusFailed:
		if spec.ContinueOnFailure && !lastStep {
			return Outcome{Continue: true}
		}
		return Outcome{RunStatus: types.RunStatusFailed}
	case types.BlockStatusTerminated:
		if spec.ContinueOnFailure && !lastStep {
			return Outcome{Continue: true}
		}
		return Outcome{RunStatus: types.RunStatusTerminated}
	case types.BlockStatusSuccess, types.BlockStatusSkipped:
		return Outcome{Continue: true}
	default:
		return Outcome{RunStatus: types.RunStatusFailed}
	}
}
