// Package telemetry holds the label helpers shared by every component to
// emit structured logs and metrics with consistent keys.
package telemetry

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

type Label string

var (
	LabelError      Label = "error"
	LabelPeer       Label = "peer"
	LabelPeerAddr   Label = "peer_addr"
	LabelParticleID Label = "particle_id"
	LabelOrigin     Label = "origin"
	LabelState      Label = "state"
	LabelService    Label = "service"
	LabelFunction   Label = "function"
	LabelReason     Label = "reason"
	LabelStreamID   Label = "stream_id"
	LabelFrame      Label = "frame"
)

func (lab Label) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab Label) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}

// With returns a fresh slice holding `base` followed by `extra`, so that
// static labels shared between goroutines are never appended in place.
func With(base []metrics.Label, extra ...metrics.Label) []metrics.Label {
	out := make([]metrics.Label, 0, len(base)+len(extra))
	out = append(out, base...)
	return append(out, extra...)
}

// Logger returns a logger for `handler`, or the default one.
func Logger(handler slog.Handler) *slog.Logger {
	if handler == nil {
		return slog.Default()
	}
	return slog.New(handler)
}

// Sink returns `ms`, or the global sink.
func Sink(ms metrics.MetricSink) metrics.MetricSink {
	if ms == nil {
		return metrics.Default()
	}
	return ms
}
