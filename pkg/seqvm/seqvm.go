// Package seqvm is a minimal deterministic interpreter running scripts made
// of a sequence of steps.
//
// A script is a JSON list:
//
//	[
//	  {"peer": "12D3Koo...", "service": "op", "function": "identity", "args": ["hi"]},
//	  {"peer": "12D3Koo..."},
//	  {"peer": "12D3Koo...", "mode": "call", "service": "peer", "function": "identify"}
//	]
//
// A step whose peer is another peer moves the particle there, unless its
// mode is "call" in which case the call is executed remotely while the
// particle stays put. A step without service only visits its peer. String
// arguments of the form "$N" are replaced by the result of step N.
//
// The data of a particle is the JSON document `{"step": n, "results": [...]}`.
// The script "identity", or an empty one, completes immediately.
package seqvm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/raskyld/particula/pkg/pipeline"
)

var (
	ErrMalformedScript = errors.New("seqvm: malformed script")
	ErrMalformedData   = errors.New("seqvm: malformed data")
	ErrBadReference    = errors.New("seqvm: invalid result reference")
)

const (
	ModeHop  = "hop"
	ModeCall = "call"
)

type Step struct {
	Peer     string `json:"peer,omitempty"`
	Mode     string `json:"mode,omitempty"`
	Service  string `json:"service,omitempty"`
	Function string `json:"function,omitempty"`
	Args     []any  `json:"args,omitempty"`
}

// State is the particle data.
type State struct {
	Step    int   `json:"step"`
	Results []any `json:"results"`
}

// FailureKey is the key of the object standing for a failed call in
// `State.Results`.
const FailureKey = "error"

// VM implements `pipeline.Interpreter`.
type VM struct{}

func New() *VM {
	return &VM{}
}

// Script encodes steps into a script.
func Script(steps ...Step) (string, error) {
	buf, err := json.Marshal(steps)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

// DecodeState parses particle data, empty data is the initial state.
func DecodeState(data []byte) (State, error) {
	st := State{Results: []any{}}
	if len(bytes.TrimSpace(data)) == 0 {
		return st, nil
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, fmt.Errorf("%w: %w", ErrMalformedData, err)
	}
	if st.Step < 0 {
		return State{}, fmt.Errorf("%w: negative step", ErrMalformedData)
	}
	if st.Results == nil {
		st.Results = []any{}
	}
	return st, nil
}

func parseScript(script string) ([]Step, error) {
	trimmed := strings.TrimSpace(script)
	if trimmed == "" || trimmed == "identity" {
		return nil, nil
	}
	var steps []Step
	if err := json.Unmarshal([]byte(trimmed), &steps); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedScript, err)
	}
	for i, s := range steps {
		if s.Mode != "" && s.Mode != ModeHop && s.Mode != ModeCall {
			return nil, fmt.Errorf("%w: step %d: unknown mode %q", ErrMalformedScript, i, s.Mode)
		}
		if s.Mode == ModeCall && s.Service == "" {
			return nil, fmt.Errorf("%w: step %d: call without service", ErrMalformedScript, i)
		}
	}
	return steps, nil
}

func (vm *VM) Interpret(_ context.Context, in pipeline.Input) (pipeline.Output, error) {
	steps, err := parseScript(in.Particle.Script)
	if err != nil {
		return pipeline.Output{}, err
	}
	if steps == nil {
		return pipeline.Output{Data: in.Particle.Data}, nil
	}

	st, err := DecodeState(in.Particle.Data)
	if err != nil {
		return pipeline.Output{}, err
	}

	// results always answer the call of the current step.
	if len(in.Results) > 0 {
		for _, res := range in.Results {
			if res.Outcome.Failed {
				st.Results = append(st.Results, map[string]any{FailureKey: res.Outcome.Reason})
			} else {
				st.Results = append(st.Results, res.Outcome.Value)
			}
		}
		st.Step++
	}

	out := pipeline.Output{}
	for st.Step < len(steps) {
		s := steps[st.Step]
		target := in.CurrentPeer
		if s.Peer != "" {
			if target, err = peer.Decode(s.Peer); err != nil {
				return pipeline.Output{}, fmt.Errorf("%w: step %d: %w", ErrMalformedScript, st.Step, err)
			}
		}

		if target != in.CurrentPeer && s.Mode != ModeCall {
			out.NextPeers = []peer.ID{target}
			break
		}
		if s.Service == "" {
			// visit of the current peer.
			st.Results = append(st.Results, nil)
			st.Step++
			continue
		}

		args, err := resolveArgs(s.Args, st.Results)
		if err != nil {
			return pipeline.Output{}, fmt.Errorf("step %d: %w", st.Step, err)
		}
		out.Calls = []pipeline.Call{{
			Peer:     target,
			Service:  s.Service,
			Function: s.Function,
			Args:     args,
		}}
		break
	}

	out.Data, err = json.Marshal(st)
	if err != nil {
		return pipeline.Output{}, err
	}
	return out, nil
}

func resolveArgs(args []any, results []any) ([]any, error) {
	resolved := make([]any, len(args))
	for i, arg := range args {
		s, ok := arg.(string)
		if !ok || !strings.HasPrefix(s, "$") {
			resolved[i] = arg
			continue
		}
		n, err := strconv.Atoi(s[1:])
		if err != nil || n < 0 || n >= len(results) {
			return nil, fmt.Errorf("%w: %q", ErrBadReference, s)
		}
		resolved[i] = results[n]
	}
	return resolved, nil
}
