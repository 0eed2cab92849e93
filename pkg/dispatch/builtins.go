package dispatch

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/mr-tron/base58"
	mh "github.com/multiformats/go-multihash"
	"github.com/raskyld/particula/pkg/particle"
)

// Version reported by `peer.identify`.
const Version = "particula/1"

// Router finds the peers closest to a key.
type Router interface {
	FindClosestPeers(key string, count int) []peer.ID
}

// Connectivity reports whether a live connection to a peer exists.
type Connectivity interface {
	IsConnected(peer.ID) bool
}

// Env gives builtins access to the node collaborators. Any of them may be
// nil, the builtins depending on it then fail.
type Env struct {
	LocalPeer    peer.ID
	Signer       particle.Signer
	Verifier     particle.Verifier
	Router       Router
	Connectivity Connectivity
	Now          func() time.Time
}

const defaultNeighborhood = 20

// Builtins returns the capability table of the services every node offers.
func Builtins(env Env) *Registry {
	if env.Now == nil {
		env.Now = time.Now
	}
	b := &builtins{env: env}
	r := NewRegistry()

	r.MustRegister("op", "noop", b.noop)
	r.MustRegister("op", "identity", b.identity)
	r.MustRegister("op", "array", b.array)
	r.MustRegister("op", "array_length", b.arrayLength)
	r.MustRegister("op", "concat", b.concat)
	r.MustRegister("op", "concat_strings", b.concatStrings)
	r.MustRegister("op", "string_to_b58", b.stringToB58)
	r.MustRegister("op", "string_from_b58", b.stringFromB58)
	r.MustRegister("op", "bytes_to_b58", b.bytesToB58)
	r.MustRegister("op", "bytes_from_b58", b.bytesFromB58)
	r.MustRegister("op", "sha256_string", b.sha256String)

	r.MustRegister("debug", "stringify", b.stringify)

	r.MustRegister("peer", "identify", b.identify)
	r.MustRegister("peer", "timestamp_ms", b.timestampMs)
	r.MustRegister("peer", "timestamp_sec", b.timestampSec)
	r.MustRegister("peer", "is_connected", b.isConnected)
	r.MustRegister("peer", "timeout", b.timeout)

	r.MustRegister("kad", "neighborhood", b.neighborhood)

	registerMath(r)
	registerArray(r)
	registerJSON(r)
	b.registerSig(r)
	return r
}

type builtins struct {
	env Env
}

func (b *builtins) noop(context.Context, particle.CallRequest) (any, error) {
	return nil, nil
}

func (b *builtins) identity(_ context.Context, req particle.CallRequest) (any, error) {
	switch len(req.Args) {
	case 0:
		return nil, nil
	case 1:
		return req.Args[0], nil
	}
	return nil, badArgs("identity takes at most one argument")
}

func (b *builtins) array(_ context.Context, req particle.CallRequest) (any, error) {
	arr := make([]any, len(req.Args))
	copy(arr, req.Args)
	return arr, nil
}

func (b *builtins) arrayLength(_ context.Context, req particle.CallRequest) (any, error) {
	if err := exactly(req.Args, 1); err != nil {
		return nil, err
	}
	arr, err := argArray(req.Args, 0)
	if err != nil {
		return nil, err
	}
	return float64(len(arr)), nil
}

func (b *builtins) concat(_ context.Context, req particle.CallRequest) (any, error) {
	out := []any{}
	for i := range req.Args {
		arr, err := argArray(req.Args, i)
		if err != nil {
			return nil, err
		}
		out = append(out, arr...)
	}
	return out, nil
}

func (b *builtins) concatStrings(_ context.Context, req particle.CallRequest) (any, error) {
	var sb strings.Builder
	for i := range req.Args {
		s, err := argString(req.Args, i)
		if err != nil {
			return nil, err
		}
		sb.WriteString(s)
	}
	return sb.String(), nil
}

func (b *builtins) stringToB58(_ context.Context, req particle.CallRequest) (any, error) {
	if err := exactly(req.Args, 1); err != nil {
		return nil, err
	}
	s, err := argString(req.Args, 0)
	if err != nil {
		return nil, err
	}
	return base58.Encode([]byte(s)), nil
}

func (b *builtins) stringFromB58(_ context.Context, req particle.CallRequest) (any, error) {
	if err := exactly(req.Args, 1); err != nil {
		return nil, err
	}
	s, err := argString(req.Args, 0)
	if err != nil {
		return nil, err
	}
	buf, err := base58.Decode(s)
	if err != nil {
		return nil, badArgs("invalid base58: %s", err)
	}
	return string(buf), nil
}

func (b *builtins) bytesToB58(_ context.Context, req particle.CallRequest) (any, error) {
	if err := exactly(req.Args, 1); err != nil {
		return nil, err
	}
	buf, err := argBytes(req.Args, 0)
	if err != nil {
		return nil, err
	}
	return base58.Encode(buf), nil
}

func (b *builtins) bytesFromB58(_ context.Context, req particle.CallRequest) (any, error) {
	if err := exactly(req.Args, 1); err != nil {
		return nil, err
	}
	s, err := argString(req.Args, 0)
	if err != nil {
		return nil, err
	}
	buf, err := base58.Decode(s)
	if err != nil {
		return nil, badArgs("invalid base58: %s", err)
	}
	return bytesToArray(buf), nil
}

// sha256String returns the base58 multihash of the argument.
func (b *builtins) sha256String(_ context.Context, req particle.CallRequest) (any, error) {
	if err := exactly(req.Args, 1); err != nil {
		return nil, err
	}
	s, err := argString(req.Args, 0)
	if err != nil {
		return nil, err
	}
	h, err := mh.Sum([]byte(s), mh.SHA2_256, -1)
	if err != nil {
		return nil, err
	}
	return h.B58String(), nil
}

func (b *builtins) stringify(_ context.Context, req particle.CallRequest) (any, error) {
	var v any = req.Args
	switch len(req.Args) {
	case 0:
		v = []any{}
	case 1:
		v = req.Args[0]
	}
	buf, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(buf), nil
}

func (b *builtins) identify(context.Context, particle.CallRequest) (any, error) {
	return map[string]any{
		"peer_id": b.env.LocalPeer.String(),
		"version": Version,
	}, nil
}

func (b *builtins) timestampMs(context.Context, particle.CallRequest) (any, error) {
	return float64(b.env.Now().UnixMilli()), nil
}

func (b *builtins) timestampSec(context.Context, particle.CallRequest) (any, error) {
	return float64(b.env.Now().Unix()), nil
}

func (b *builtins) isConnected(_ context.Context, req particle.CallRequest) (any, error) {
	if err := exactly(req.Args, 1); err != nil {
		return nil, err
	}
	s, err := argString(req.Args, 0)
	if err != nil {
		return nil, err
	}
	id, err := peer.Decode(s)
	if err != nil {
		return nil, badArgs("invalid peer id: %s", err)
	}
	if id == b.env.LocalPeer {
		return true, nil
	}
	if b.env.Connectivity == nil {
		return false, nil
	}
	return b.env.Connectivity.IsConnected(id), nil
}

// timeout waits for the given milliseconds and returns the optional
// second argument.
func (b *builtins) timeout(ctx context.Context, req particle.CallRequest) (any, error) {
	if len(req.Args) == 0 || len(req.Args) > 2 {
		return nil, badArgs("timeout takes a duration and an optional value")
	}
	ms, err := argNumber(req.Args, 0)
	if err != nil {
		return nil, err
	}
	var value any = "timeout"
	if len(req.Args) == 2 {
		value = req.Args[1]
	}

	timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-timer.C:
		return value, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *builtins) neighborhood(_ context.Context, req particle.CallRequest) (any, error) {
	if len(req.Args) == 0 || len(req.Args) > 2 {
		return nil, badArgs("neighborhood takes a key and an optional count")
	}
	key, err := argString(req.Args, 0)
	if err != nil {
		return nil, err
	}
	count := defaultNeighborhood
	if len(req.Args) == 2 {
		n, err := argNumber(req.Args, 1)
		if err != nil {
			return nil, err
		}
		count = int(n)
	}

	out := []any{}
	if b.env.Router == nil {
		return out, nil
	}
	for _, id := range b.env.Router.FindClosestPeers(key, count) {
		out = append(out, id.String())
	}
	return out, nil
}
