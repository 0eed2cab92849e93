package codec

import (
	"bufio"
	"bytes"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/raskyld/particula/pkg/identity"
	"github.com/raskyld/particula/pkg/particle"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func newParticle(t *testing.T, data []byte) *particle.Particle {
	t.Helper()
	kp, err := identity.Generate()
	require.NoError(t, err)
	p, err := particle.New(kp, `{"steps":[]}`, data, time.Minute)
	require.NoError(t, err)
	return p
}

func TestCodec_Particle(t *testing.T) {
	c := New(0)
	p := newParticle(t, []byte("opaque"))

	buf, err := c.EncodeParticle(p)
	require.NoError(t, err)

	decoded, err := c.DecodeParticle(buf)
	require.NoError(t, err)
	require.True(t, p.Equal(decoded), "decoded particle differs: %v", decoded)
	require.NoError(t, decoded.Verify(identity.Verifier{}))

	t.Run("empty data", func(t *testing.T) {
		p := newParticle(t, nil)
		buf, err := c.EncodeParticle(p)
		require.NoError(t, err)
		decoded, err := c.DecodeParticle(buf)
		require.NoError(t, err)
		require.Empty(t, decoded.Data)
	})

	t.Run("decoded data does not alias the buffer", func(t *testing.T) {
		decoded, err := c.DecodeParticle(buf)
		require.NoError(t, err)
		for i := range buf {
			buf[i] = 0
		}
		require.Equal(t, []byte("opaque"), decoded.Data)
	})

	t.Run("unknown fields are skipped", func(t *testing.T) {
		buf, err := c.EncodeParticle(p)
		require.NoError(t, err)
		buf = protowire.AppendTag(buf, 99, protowire.VarintType)
		buf = protowire.AppendVarint(buf, 7)
		decoded, err := c.DecodeParticle(buf)
		require.NoError(t, err)
		require.True(t, p.Equal(decoded))
	})
}

func TestCodec_Oversized(t *testing.T) {
	c := New(256)
	p := newParticle(t, bytes.Repeat([]byte{'x'}, 512))

	_, err := c.EncodeParticle(p)
	require.ErrorIs(t, err, ErrOversized)

	_, err = c.DecodeParticle(make([]byte, 257))
	require.ErrorIs(t, err, ErrOversized)

	_, err = c.EncodeFrame(&Frame{Particle: p})
	require.ErrorIs(t, err, ErrOversized)
}

func TestCodec_Malformed(t *testing.T) {
	c := New(0)
	valid, err := c.EncodeParticle(newParticle(t, []byte("data")))
	require.NoError(t, err)

	cases := map[string][]byte{
		"truncated":      valid[:len(valid)-3],
		"garbage tag":    {0xff, 0xff, 0xff},
		"missing id":     protowire.AppendString(protowire.AppendTag(nil, fieldParticleScript, protowire.BytesType), "x"),
		"bad origin":     append(protowire.AppendString(protowire.AppendTag(nil, fieldParticleID, protowire.BytesType), "id"), protowire.AppendString(protowire.AppendTag(nil, fieldParticleOrigin, protowire.BytesType), "not-a-peer")...),
		"wrong ttl type": append(bytes.Clone(valid), protowire.AppendString(protowire.AppendTag(nil, fieldParticleTTL, protowire.BytesType), "1")...),
	}
	for name, buf := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := c.DecodeParticle(buf)
			require.ErrorIs(t, err, ErrParse)
		})
	}
}

func TestCodec_Frames(t *testing.T) {
	c := New(0)
	p := newParticle(t, []byte("data"))

	req := &particle.CallRequest{
		ParticleID: p.ID,
		Origin:     p.Origin,
		Generation: 2,
		CallIndex:  1,
		Target:     p.Origin,
		Service:    "math",
		Function:   "add",
		Args:       []any{1.0, 2.5, "three", map[string]any{"k": true}},
		Deadline:   time.UnixMilli(p.Deadline().UnixMilli()),
	}
	success := req.Result("", particle.Success([]any{"a", 1.0}))
	failure := req.Result("", particle.Failure("no such function"))

	t.Run("particle", func(t *testing.T) {
		buf, err := c.EncodeFrame(&Frame{Particle: p})
		require.NoError(t, err)
		f, err := c.DecodeFrame(buf)
		require.NoError(t, err)
		require.Equal(t, "particle", f.Kind())
		require.True(t, p.Equal(f.Particle))
	})

	t.Run("call request", func(t *testing.T) {
		buf, err := c.EncodeFrame(&Frame{CallRequest: req})
		require.NoError(t, err)
		f, err := c.DecodeFrame(buf)
		require.NoError(t, err)
		require.Equal(t, "call_request", f.Kind())
		require.Equal(t, req, f.CallRequest)
	})

	t.Run("call result", func(t *testing.T) {
		for _, res := range []particle.CallResult{success, failure} {
			buf, err := c.EncodeFrame(&Frame{CallResult: &res})
			require.NoError(t, err)
			f, err := c.DecodeFrame(buf)
			require.NoError(t, err)
			require.Equal(t, "call_result", f.Kind())
			require.Equal(t, res, *f.CallResult)
		}
	})

	t.Run("exactly one message", func(t *testing.T) {
		_, err := c.EncodeFrame(&Frame{})
		require.ErrorIs(t, err, ErrInvalidFrame)
		_, err = c.EncodeFrame(&Frame{Particle: p, CallRequest: req})
		require.ErrorIs(t, err, ErrInvalidFrame)
		_, err = c.DecodeFrame(nil)
		require.ErrorIs(t, err, ErrParse)
	})

	t.Run("unencodable args", func(t *testing.T) {
		bad := *req
		bad.Args = []any{make(chan int)}
		_, err := c.EncodeFrame(&Frame{CallRequest: &bad})
		require.ErrorIs(t, err, ErrUnencodable)
	})
}

func TestCodec_Stream(t *testing.T) {
	c := New(64)

	var stream bytes.Buffer
	require.NoError(t, c.WriteFrame(&stream, []byte("first")))
	require.NoError(t, c.WriteFrame(&stream, nil))
	require.NoError(t, c.WriteFrame(&stream, []byte(strings.Repeat("y", 64))))
	require.ErrorIs(t, c.WriteFrame(&stream, make([]byte, 65)), ErrOversized)

	r := bufio.NewReader(&stream)
	msg, err := c.ReadFrame(r)
	require.NoError(t, err)
	require.Equal(t, "first", string(msg))

	msg, err = c.ReadFrame(r)
	require.NoError(t, err)
	require.Empty(t, msg)

	msg, err = c.ReadFrame(r)
	require.NoError(t, err)
	require.Len(t, msg, 64)

	_, err = c.ReadFrame(r)
	require.ErrorIs(t, err, io.EOF)

	t.Run("announced size over the limit", func(t *testing.T) {
		buf := protowire.AppendVarint(nil, 1<<30)
		_, err := c.ReadFrame(bufio.NewReader(bytes.NewReader(buf)))
		require.ErrorIs(t, err, ErrOversized)
	})

	t.Run("truncated payload", func(t *testing.T) {
		buf := append(protowire.AppendVarint(nil, 10), "abc"...)
		_, err := c.ReadFrame(bufio.NewReader(bytes.NewReader(buf)))
		require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})

	t.Run("prefix overflow", func(t *testing.T) {
		buf := bytes.Repeat([]byte{0xff}, 12)
		_, err := c.ReadFrame(bufio.NewReader(bytes.NewReader(buf)))
		require.ErrorIs(t, err, ErrParse)
	})
}
