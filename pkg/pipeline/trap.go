package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/raskyld/particula/pkg/codec"
	"github.com/raskyld/particula/pkg/particle"
	"github.com/raskyld/particula/pkg/pool"
	"github.com/raskyld/particula/pkg/telemetry"
)

// TrapReportScript is the script of particles reporting a trap to the
// origin of a failed particle. Nodes handle them out of the pipeline.
const TrapReportScript = "particula:trap-report"

// TrapReport is the data of a trap report particle.
type TrapReport struct {
	ParticleID string `json:"particle_id"`
	Peer       string `json:"peer"`
	Error      string `json:"error"`
}

// TrapPolicy decides whether a failed particle is reported to its origin.
// Returning a nil particle means no report.
type TrapPolicy interface {
	Report(ctx context.Context, failed *particle.Particle, trap error) (*particle.Particle, error)
}

// NoReport never reports traps.
type NoReport struct{}

func (NoReport) Report(context.Context, *particle.Particle, error) (*particle.Particle, error) {
	return nil, nil
}

// ReportToOrigin sends a signed trap report particle to the origin.
type ReportToOrigin struct {
	Signer particle.Signer

	// TTL of the report, defaults to 10s.
	TTL time.Duration
}

func (r ReportToOrigin) Report(_ context.Context, failed *particle.Particle, trap error) (*particle.Particle, error) {
	if failed.Origin == r.Signer.PeerID() {
		return nil, nil
	}
	data, err := json.Marshal(TrapReport{
		ParticleID: failed.ID,
		Peer:       r.Signer.PeerID().String(),
		Error:      trap.Error(),
	})
	if err != nil {
		return nil, err
	}
	ttl := r.TTL
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return particle.New(r.Signer, TrapReportScript, data, ttl)
}

// DecodeTrapReport parses the data of a trap report particle.
func DecodeTrapReport(p *particle.Particle) (TrapReport, error) {
	var report TrapReport
	err := json.Unmarshal(p.Data, &report)
	return report, err
}

func (pl *Pipeline) reportTrap(failed *particle.Particle, trap error) {
	ctx, cancel := context.WithTimeout(pl.ctx, ledgerTimeout)
	defer cancel()

	report, err := pl.cfg.TrapPolicy.Report(ctx, failed, trap)
	if err != nil {
		pl.logger.Warn("could not build trap report",
			telemetry.LabelParticleID.L(failed.ID),
			telemetry.LabelError.L(err),
		)
		return
	}
	if report == nil {
		return
	}

	payload, err := pl.cfg.Codec.EncodeFrame(&codec.Frame{Particle: report})
	if err != nil {
		pl.logger.Warn("could not encode trap report",
			telemetry.LabelParticleID.L(failed.ID),
			telemetry.LabelError.L(err),
		)
		return
	}
	msg := pool.Message{Payload: payload, Tag: report.Key().String(), Expires: report.Deadline()}
	if err := pl.send(ctx, failed.Origin, msg); err == nil {
		pl.msink.IncrCounterWithLabels(MetricPipelineTrapReportCount, 1.0, pl.cfg.MetricLabels)
	}
}
