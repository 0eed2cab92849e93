// Package dispatch executes the calls requested by the interpreter.
//
// Calls addressed to the local peer are resolved against the capability
// table, falling back to an external `Invoker`, and complete synchronously
// within a bounded time. Calls addressed to another peer are handed to a
// `RemoteCaller` and reported as pending: their result is fed back to the
// pipeline asynchronously.
//
// The dispatcher holds no particle state between calls.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	iradix "github.com/hashicorp/go-immutable-radix"
	"github.com/hashicorp/go-metrics"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/raskyld/particula/pkg/particle"
	"github.com/raskyld/particula/pkg/telemetry"
)

const DefaultCallTimeout = 10 * time.Second

var (
	ErrCallTimeout     = errors.New("dispatch: call timed out")
	ErrServiceNotFound = errors.New("dispatch: service not found")
	ErrCallPanicked    = errors.New("dispatch: call panicked")
	ErrNoLocalPeer     = errors.New("dispatch: LocalPeer is required")
)

// Invoker executes calls the capability table does not know about.
type Invoker interface {
	Invoke(ctx context.Context, req particle.CallRequest) particle.Outcome
}

// InvokerFunc adapts a function to `Invoker`.
type InvokerFunc func(ctx context.Context, req particle.CallRequest) particle.Outcome

func (f InvokerFunc) Invoke(ctx context.Context, req particle.CallRequest) particle.Outcome {
	return f(ctx, req)
}

// RemoteCaller forwards a call to `req.Target`. A nil error means the result
// will eventually be delivered to the pipeline.
type RemoteCaller interface {
	CallRemote(ctx context.Context, req particle.CallRequest) error
}

type Config struct {
	LocalPeer peer.ID

	// Registry is snapshotted by `New`.
	Registry *Registry

	// Invoker is optional.
	Invoker Invoker

	// Remote is optional, without it remote calls fail immediately.
	Remote RemoteCaller

	CallTimeout time.Duration

	LogHandler   slog.Handler
	MetricSink   metrics.MetricSink
	MetricLabels []metrics.Label
}

type Dispatcher struct {
	local   peer.ID
	table   *iradix.Tree
	invoker Invoker
	remote  RemoteCaller
	timeout time.Duration

	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label
}

func New(cfg *Config) (*Dispatcher, error) {
	if cfg.LocalPeer == "" {
		return nil, ErrNoLocalPeer
	}

	d := &Dispatcher{
		local:   cfg.LocalPeer,
		table:   iradix.New(),
		invoker: cfg.Invoker,
		remote:  cfg.Remote,
		timeout: cfg.CallTimeout,
		logger:  telemetry.Logger(cfg.LogHandler),
		msink:   telemetry.Sink(cfg.MetricSink),
		labels:  cfg.MetricLabels,
	}
	if cfg.Registry != nil {
		d.table = cfg.Registry.tree
	}
	if d.timeout <= 0 {
		d.timeout = DefaultCallTimeout
	}
	return d, nil
}

// IsLocal reports whether `target` designates the local peer.
func (d *Dispatcher) IsLocal(target peer.ID) bool {
	return target == "" || target == d.local
}

// Dispatch executes `req`. When `pending` is true, the returned result is
// meaningless and the actual one will be delivered asynchronously.
func (d *Dispatcher) Dispatch(ctx context.Context, req particle.CallRequest) (res particle.CallResult, pending bool) {
	if d.IsLocal(req.Target) {
		return d.Execute(ctx, req), false
	}

	mLabels := telemetry.With(d.labels, telemetry.LabelService.M(req.Service))
	if d.remote == nil {
		d.msink.IncrCounterWithLabels(MetricDispatchRemoteErrorCount, 1.0, mLabels)
		return req.Result(d.local, particle.Failure("no route to remote peer %s", req.Target)), false
	}
	if err := d.remote.CallRemote(ctx, req); err != nil {
		d.logger.Debug("remote call could not be forwarded",
			slog.Any("call", req),
			telemetry.LabelError.L(err),
		)
		d.msink.IncrCounterWithLabels(MetricDispatchRemoteErrorCount, 1.0, mLabels)
		return req.Result(d.local, particle.Failure("remote call to %s: %s", req.Target, err)), false
	}
	d.msink.IncrCounterWithLabels(MetricDispatchRemoteCount, 1.0, mLabels)
	return particle.CallResult{}, true
}

// Execute runs `req` on the local peer regardless of its target. It never
// takes longer than the call timeout or the request deadline.
func (d *Dispatcher) Execute(ctx context.Context, req particle.CallRequest) particle.CallResult {
	start := time.Now()
	timeout := d.timeout
	if !req.Deadline.IsZero() {
		if left := time.Until(req.Deadline); left < timeout {
			timeout = left
		}
	}

	var outcome particle.Outcome
	if timeout <= 0 {
		outcome = particle.Failure("%s", particle.ErrExpired)
	} else {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		outcome = d.run(callCtx, req, timeout)
		cancel()
	}

	result := "success"
	if outcome.Failed {
		result = "failure"
	}
	mLabels := telemetry.With(d.labels,
		telemetry.LabelService.M(req.Service),
		telemetry.LabelFunction.M(req.Function),
		telemetry.LabelReason.M(result),
	)
	d.msink.IncrCounterWithLabels(MetricDispatchCallCount, 1.0, mLabels)
	d.msink.AddSampleWithLabels(MetricDispatchCallDuration, float32(time.Since(start).Milliseconds()), mLabels)
	return req.Result(d.local, outcome)
}

func (d *Dispatcher) run(ctx context.Context, req particle.CallRequest, timeout time.Duration) particle.Outcome {
	done := make(chan particle.Outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("service call panicked",
					slog.Any("call", req),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				done <- particle.Failure("%s: %v", ErrCallPanicked, r)
			}
		}()
		done <- d.invoke(ctx, req)
	}()

	select {
	case outcome := <-done:
		return outcome
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return particle.Failure("%s", fmt.Errorf("%w: %s.%s after %s", ErrCallTimeout, req.Service, req.Function, timeout))
		}
		return particle.Failure("%s", ctx.Err())
	}
}

func (d *Dispatcher) invoke(ctx context.Context, req particle.CallRequest) particle.Outcome {
	if h, ok := lookup(d.table, req.Service, req.Function); ok {
		v, err := h(ctx, req)
		if err != nil {
			return particle.Failure("%s", err)
		}
		return particle.Success(v)
	}
	if d.invoker != nil {
		return d.invoker.Invoke(ctx, req)
	}
	return particle.Failure("%s: %s.%s", ErrServiceNotFound, req.Service, req.Function)
}
