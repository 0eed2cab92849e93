package particle

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

// CallRequest is a side effect the interpreter asked the host to perform.
//
// `CallIndex` is stable within a `Generation` and is used to match the
// result back to its slot.
type CallRequest struct {
	ParticleID string
	Origin     peer.ID
	Generation uint64
	CallIndex  uint32

	// Target is the peer expected to execute the call.
	Target   peer.ID
	Service  string
	Function string
	Args     []any

	// Deadline of the owning particle, the call must not run past it.
	Deadline time.Time
}

func (req CallRequest) Key() Key {
	return Key{Origin: req.Origin, ID: req.ParticleID}
}

// Result builds the `CallResult` answering this request.
func (req CallRequest) Result(from peer.ID, outcome Outcome) CallResult {
	return CallResult{
		ParticleID: req.ParticleID,
		Origin:     req.Origin,
		Generation: req.Generation,
		CallIndex:  req.CallIndex,
		From:       from,
		Outcome:    outcome,
	}
}

func (req CallRequest) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("particle_id", req.ParticleID),
		slog.Uint64("generation", req.Generation),
		slog.Uint64("call_index", uint64(req.CallIndex)),
		slog.String("target", req.Target.String()),
		slog.String("function", req.Service+"."+req.Function),
	)
}

// CallResult is the outcome of a `CallRequest`.
type CallResult struct {
	ParticleID string
	Origin     peer.ID
	Generation uint64
	CallIndex  uint32

	// From is the peer which executed the call. It is never read from the
	// wire but set by the receiving side from the authenticated connection.
	From    peer.ID
	Outcome Outcome
}

func (res CallResult) Key() Key {
	return Key{Origin: res.Origin, ID: res.ParticleID}
}

// Outcome is either success-with-value or failure-with-reason.
type Outcome struct {
	Value  any
	Failed bool
	Reason string
}

func Success(value any) Outcome {
	return Outcome{Value: value}
}

func Failure(format string, args ...any) Outcome {
	return Outcome{Failed: true, Reason: fmt.Sprintf(format, args...)}
}

func (o Outcome) String() string {
	if o.Failed {
		return "failure: " + o.Reason
	}
	return fmt.Sprintf("success: %v", o.Value)
}
