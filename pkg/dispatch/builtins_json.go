package dispatch

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/mr-tron/base58"
	"github.com/raskyld/particula/pkg/particle"
)

func registerJSON(r *Registry) {
	r.MustRegister("json", "obj", func(_ context.Context, req particle.CallRequest) (any, error) {
		if len(req.Args)%2 != 0 {
			return nil, badArgs("obj takes key/value pairs")
		}
		obj := make(map[string]any, len(req.Args)/2)
		for i := 0; i < len(req.Args); i += 2 {
			k, err := argString(req.Args, i)
			if err != nil {
				return nil, err
			}
			obj[k] = req.Args[i+1]
		}
		return obj, nil
	})

	r.MustRegister("json", "parse", func(_ context.Context, req particle.CallRequest) (any, error) {
		if err := exactly(req.Args, 1); err != nil {
			return nil, err
		}
		s, err := argString(req.Args, 0)
		if err != nil {
			return nil, err
		}
		var v any
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			return nil, badArgs("invalid json: %s", err)
		}
		return v, nil
	})

	r.MustRegister("json", "stringify", func(_ context.Context, req particle.CallRequest) (any, error) {
		if err := exactly(req.Args, 1); err != nil {
			return nil, err
		}
		buf, err := json.Marshal(req.Args[0])
		if err != nil {
			return nil, badArgs("cannot stringify: %s", err)
		}
		return string(buf), nil
	})
}

var ErrNoSigner = errors.New("dispatch: node has no signer")

func (b *builtins) registerSig(r *Registry) {
	r.MustRegister("sig", "get_peer_id", func(context.Context, particle.CallRequest) (any, error) {
		return b.env.LocalPeer.String(), nil
	})

	r.MustRegister("sig", "sign", func(_ context.Context, req particle.CallRequest) (any, error) {
		if err := exactly(req.Args, 1); err != nil {
			return nil, err
		}
		if b.env.Signer == nil {
			return nil, ErrNoSigner
		}
		data, err := argBytes(req.Args, 0)
		if err != nil {
			return nil, err
		}
		sig, err := b.env.Signer.Sign(data)
		if err != nil {
			return nil, err
		}
		return base58.Encode(sig), nil
	})

	// verify(signature, data[, peer_id]) checks a signature produced by
	// `sig.sign`, by default on this peer.
	r.MustRegister("sig", "verify", func(_ context.Context, req particle.CallRequest) (any, error) {
		if len(req.Args) < 2 || len(req.Args) > 3 {
			return nil, badArgs("verify takes a signature, data and an optional peer id")
		}
		if b.env.Verifier == nil {
			return nil, ErrNoSigner
		}
		encoded, err := argString(req.Args, 0)
		if err != nil {
			return nil, err
		}
		sig, err := base58.Decode(encoded)
		if err != nil {
			return nil, badArgs("invalid base58 signature: %s", err)
		}
		data, err := argBytes(req.Args, 1)
		if err != nil {
			return nil, err
		}
		signer := b.env.LocalPeer
		if len(req.Args) == 3 {
			s, err := argString(req.Args, 2)
			if err != nil {
				return nil, err
			}
			if signer, err = peer.Decode(s); err != nil {
				return nil, badArgs("invalid peer id: %s", err)
			}
		}
		return b.env.Verifier.Verify(signer, data, sig) == nil, nil
	})
}
