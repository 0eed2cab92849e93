package codec

import (
	"fmt"
	"time"

	"github.com/raskyld/particula/pkg/particle"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	fieldFrameParticle    protowire.Number = 1
	fieldFrameCallRequest protowire.Number = 2
	fieldFrameCallResult  protowire.Number = 3
)

const (
	fieldCallParticleID protowire.Number = 1
	fieldCallOrigin     protowire.Number = 2
	fieldCallGeneration protowire.Number = 3
	fieldCallIndex      protowire.Number = 4
	fieldCallTarget     protowire.Number = 5
	fieldCallService    protowire.Number = 6
	fieldCallFunction   protowire.Number = 7
	fieldCallArgs       protowire.Number = 8
	fieldCallDeadline   protowire.Number = 9
)

const (
	fieldResultParticleID protowire.Number = 1
	fieldResultOrigin     protowire.Number = 2
	fieldResultGeneration protowire.Number = 3
	fieldResultIndex      protowire.Number = 4
	fieldResultFailed     protowire.Number = 5
	fieldResultReason     protowire.Number = 6
	fieldResultValue      protowire.Number = 7
)

// Frame is the unit exchanged between peers, it carries exactly one of
// its fields.
type Frame struct {
	Particle    *particle.Particle
	CallRequest *particle.CallRequest
	CallResult  *particle.CallResult
}

func (f *Frame) Kind() string {
	switch {
	case f.Particle != nil:
		return "particle"
	case f.CallRequest != nil:
		return "call_request"
	case f.CallResult != nil:
		return "call_result"
	default:
		return "empty"
	}
}

func (f *Frame) valid() bool {
	set := 0
	if f.Particle != nil {
		set++
	}
	if f.CallRequest != nil {
		set++
	}
	if f.CallResult != nil {
		set++
	}
	return set == 1
}

func (c *Codec) EncodeFrame(f *Frame) ([]byte, error) {
	if f == nil || !f.valid() {
		return nil, ErrInvalidFrame
	}

	var (
		num   protowire.Number
		inner []byte
		err   error
	)
	switch {
	case f.Particle != nil:
		num, inner = fieldFrameParticle, appendParticle(nil, f.Particle)
	case f.CallRequest != nil:
		num = fieldFrameCallRequest
		inner, err = appendCallRequest(nil, f.CallRequest)
	case f.CallResult != nil:
		num = fieldFrameCallResult
		inner, err = appendCallResult(nil, f.CallResult)
	}
	if err != nil {
		return nil, err
	}

	buf := protowire.AppendTag(nil, num, protowire.BytesType)
	buf = protowire.AppendBytes(buf, inner)
	if err := c.checkSize(len(buf)); err != nil {
		return nil, err
	}
	return buf, nil
}

func (c *Codec) DecodeFrame(buf []byte) (*Frame, error) {
	if err := c.checkSize(len(buf)); err != nil {
		return nil, err
	}

	f := &Frame{}
	err := walk(buf, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var inner []byte
		switch num {
		case fieldFrameParticle, fieldFrameCallRequest, fieldFrameCallResult:
			if typ != protowire.BytesType {
				return 0, wrongType(protowire.BytesType, typ)
			}
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return 0, fmt.Errorf("%w: %w", ErrParse, protowire.ParseError(n))
			}
			inner = v
			var err error
			switch num {
			case fieldFrameParticle:
				f.Particle, err = consumeParticle(inner)
			case fieldFrameCallRequest:
				f.CallRequest, err = consumeCallRequest(inner)
			case fieldFrameCallResult:
				f.CallResult, err = consumeCallResult(inner)
			}
			return n, err
		}
		return skip(num, typ, b)
	})
	if err != nil {
		return nil, err
	}
	if !f.valid() {
		return nil, fmt.Errorf("%w: %w", ErrParse, ErrInvalidFrame)
	}
	return f, nil
}

func appendCallRequest(b []byte, req *particle.CallRequest) ([]byte, error) {
	b = appendString(b, fieldCallParticleID, req.ParticleID)
	b = appendString(b, fieldCallOrigin, req.Origin.String())
	b = appendVarint(b, fieldCallGeneration, req.Generation)
	b = appendVarint(b, fieldCallIndex, uint64(req.CallIndex))
	b = appendString(b, fieldCallTarget, req.Target.String())
	b = appendString(b, fieldCallService, req.Service)
	b = appendString(b, fieldCallFunction, req.Function)
	if len(req.Args) > 0 {
		list, err := structpb.NewList(req.Args)
		if err != nil {
			return nil, fmt.Errorf("%w: args: %w", ErrUnencodable, err)
		}
		raw, err := proto.Marshal(list)
		if err != nil {
			return nil, fmt.Errorf("%w: args: %w", ErrUnencodable, err)
		}
		b = appendBytes(b, fieldCallArgs, raw)
	}
	if !req.Deadline.IsZero() {
		b = appendVarint(b, fieldCallDeadline, uint64(req.Deadline.UnixMilli()))
	}
	return b, nil
}

func consumeCallRequest(buf []byte) (*particle.CallRequest, error) {
	req := &particle.CallRequest{}
	var (
		origin, target string
		index, dl      uint64
		args           []byte
	)
	err := walk(buf, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldCallParticleID:
			return consumeString(typ, b, &req.ParticleID)
		case fieldCallOrigin:
			return consumeString(typ, b, &origin)
		case fieldCallGeneration:
			return consumeVarint(typ, b, &req.Generation)
		case fieldCallIndex:
			return consumeVarint(typ, b, &index)
		case fieldCallTarget:
			return consumeString(typ, b, &target)
		case fieldCallService:
			return consumeString(typ, b, &req.Service)
		case fieldCallFunction:
			return consumeString(typ, b, &req.Function)
		case fieldCallArgs:
			return consumeBytes(typ, b, &args)
		case fieldCallDeadline:
			return consumeVarint(typ, b, &dl)
		}
		return skip(num, typ, b)
	})
	if err != nil {
		return nil, err
	}

	if req.ParticleID == "" {
		return nil, fmt.Errorf("%w: call request without particle id", ErrParse)
	}
	if index > uint64(^uint32(0)) {
		return nil, fmt.Errorf("%w: call index overflow", ErrParse)
	}
	req.CallIndex = uint32(index)
	if req.Origin, err = decodePeer(origin); err != nil {
		return nil, fmt.Errorf("%w: origin: %w", ErrParse, err)
	}
	if req.Target, err = decodePeer(target); err != nil {
		return nil, fmt.Errorf("%w: target: %w", ErrParse, err)
	}
	if dl != 0 {
		req.Deadline = time.UnixMilli(int64(dl))
	}
	if len(args) > 0 {
		var list structpb.ListValue
		if err := proto.Unmarshal(args, &list); err != nil {
			return nil, fmt.Errorf("%w: args: %w", ErrParse, err)
		}
		req.Args = list.AsSlice()
	}
	return req, nil
}

func appendCallResult(b []byte, res *particle.CallResult) ([]byte, error) {
	b = appendString(b, fieldResultParticleID, res.ParticleID)
	b = appendString(b, fieldResultOrigin, res.Origin.String())
	b = appendVarint(b, fieldResultGeneration, res.Generation)
	b = appendVarint(b, fieldResultIndex, uint64(res.CallIndex))
	if res.Outcome.Failed {
		b = appendVarint(b, fieldResultFailed, protowire.EncodeBool(true))
		b = appendString(b, fieldResultReason, res.Outcome.Reason)
		return b, nil
	}

	val, err := structpb.NewValue(res.Outcome.Value)
	if err != nil {
		return nil, fmt.Errorf("%w: outcome: %w", ErrUnencodable, err)
	}
	raw, err := proto.Marshal(val)
	if err != nil {
		return nil, fmt.Errorf("%w: outcome: %w", ErrUnencodable, err)
	}
	return appendBytes(b, fieldResultValue, raw), nil
}

func consumeCallResult(buf []byte) (*particle.CallResult, error) {
	res := &particle.CallResult{}
	var (
		origin        string
		index, failed uint64
		value         []byte
	)
	err := walk(buf, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldResultParticleID:
			return consumeString(typ, b, &res.ParticleID)
		case fieldResultOrigin:
			return consumeString(typ, b, &origin)
		case fieldResultGeneration:
			return consumeVarint(typ, b, &res.Generation)
		case fieldResultIndex:
			return consumeVarint(typ, b, &index)
		case fieldResultFailed:
			return consumeVarint(typ, b, &failed)
		case fieldResultReason:
			return consumeString(typ, b, &res.Outcome.Reason)
		case fieldResultValue:
			return consumeBytes(typ, b, &value)
		}
		return skip(num, typ, b)
	})
	if err != nil {
		return nil, err
	}

	if res.ParticleID == "" {
		return nil, fmt.Errorf("%w: call result without particle id", ErrParse)
	}
	if index > uint64(^uint32(0)) {
		return nil, fmt.Errorf("%w: call index overflow", ErrParse)
	}
	res.CallIndex = uint32(index)
	if res.Origin, err = decodePeer(origin); err != nil {
		return nil, fmt.Errorf("%w: origin: %w", ErrParse, err)
	}
	res.Outcome.Failed = protowire.DecodeBool(failed)
	if len(value) > 0 {
		var v structpb.Value
		if err := proto.Unmarshal(value, &v); err != nil {
			return nil, fmt.Errorf("%w: outcome: %w", ErrParse, err)
		}
		res.Outcome.Value = v.AsInterface()
	}
	return res, nil
}
