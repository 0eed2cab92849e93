package particula

import (
	"crypto/tls"
	"log/slog"
	"time"

	leg_metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/raskyld/particula/pkg/dispatch"
	"github.com/raskyld/particula/pkg/identity"
	"github.com/raskyld/particula/pkg/ledger"
	"github.com/raskyld/particula/pkg/particle"
	"github.com/raskyld/particula/pkg/pipeline"
)

type config struct {
	identity   *identity.KeyPair
	mlCfg      *memberlist.Config
	trCfg      TransportConfig
	gossip     bool
	neighbours []string
	limits     Limits

	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label

	interpreter pipeline.Interpreter
	invoker     dispatch.Invoker
	services    *dispatch.Registry
	ledger      ledger.Ledger
	trapPolicy  pipeline.TrapPolicy
	// trapReportTTL enables `pipeline.ReportToOrigin` once the identity
	// is known.
	trapReportTTL time.Duration
	onTerminal    func(particle.Key, particle.State)
	onTrapReport  func(from peer.ID, report pipeline.TrapReport)
}

// Option to pass to `Create`
type Option func(*config) error

// WithIdentity sets the key pair of the node, a fresh one is generated
// otherwise.
func WithIdentity(kp *identity.KeyPair) Option {
	return func(c *config) error {
		if kp == nil {
			return ErrNoIdentity
		}
		c.identity = kp
		return nil
	}
}

// WithListenOn specifies which UDP interface must be used by the node.
// Gossip and particles share the same QUIC endpoint.
func WithListenOn(addr string, port int) Option {
	return func(c *config) error {
		c.mlCfg.BindAddr = addr
		c.mlCfg.BindPort = port
		c.trCfg.BindAddr = addr
		c.trCfg.BindPort = port
		return nil
	}
}

// WithAdvertiseAddr specifies the IP other peers must use to reach us.
func WithAdvertiseAddr(addr string) Option {
	return func(c *config) error {
		c.mlCfg.AdvertiseAddr = addr
		c.trCfg.AdvertiseAddr = addr
		return nil
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		c.trCfg.LogHandler = handler
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the Node.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		c.trCfg.MetricLabels = labels

		// memberlist still emits through the armon flavour.
		c.mlCfg.MetricLabels = make([]leg_metrics.Label, len(labels))
		for i, label := range labels {
			c.mlCfg.MetricLabels[i] = leg_metrics.Label{
				Name:  label.Name,
				Value: label.Value,
			}
		}
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// your `Node`.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		c.trCfg.MetricSink = ms
		return nil
	}
}

// WithTlsConfig overrides the `tls.Config` derived from the identity. The
// peer certificate common name MUST still be the peer id.
func WithTlsConfig(tlsConf *tls.Config) Option {
	return func(c *config) error {
		if tlsConf == nil {
			return ErrNoTLSConfig
		}
		c.trCfg.TlsConfig = tlsConf.Clone()
		return nil
	}
}

// WithHintMaxStreams gives an indication of the maximum number of streams
// a peer may open concurrently with us.
func WithHintMaxStreams(hint int64) Option {
	return func(c *config) error {
		if hint == 0 {
			hint = 1000
		}
		c.trCfg.HintMaxStreams = hint
		return nil
	}
}

// WithDialTimeout controls how much time we are willing to wait for a
// remote node to answer.
func WithDialTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout == 0 {
			timeout = 10 * time.Second
		}
		c.trCfg.DialTimeout = timeout
		return nil
	}
}

// WithGracePeriod controls how much time we wait on Shutdown for QUIC
// streams to flush.
func WithGracePeriod(period time.Duration) Option {
	return func(c *config) error {
		c.trCfg.GracePeriod = period
		return nil
	}
}

// WithGossip enables the memberlist based membership, `neighbours` are
// tried initially to join the cluster.
func WithGossip(neighbours []string) Option {
	return func(c *config) error {
		c.gossip = true
		c.neighbours = neighbours
		return nil
	}
}

// WithLimits sets the resource bounds, zero fields keep their default.
func WithLimits(limits Limits) Option {
	return func(c *config) error {
		c.limits = c.limits.merge(limits)
		return c.limits.validate()
	}
}

// WithInterpreter sets the interpreter driving particle scripts, the
// `seqvm` one is used otherwise.
func WithInterpreter(interpreter pipeline.Interpreter) Option {
	return func(c *config) error {
		c.interpreter = interpreter
		return nil
	}
}

// WithInvoker sets the fallback for services which are not builtins.
func WithInvoker(invoker dispatch.Invoker) Option {
	return func(c *config) error {
		c.invoker = invoker
		return nil
	}
}

// WithServices adds services to the capability table. They cannot shadow a
// builtin.
func WithServices(services *dispatch.Registry) Option {
	return func(c *config) error {
		c.services = services
		return nil
	}
}

// WithLedger sets where terminal particles are recorded.
func WithLedger(l ledger.Ledger) Option {
	return func(c *config) error {
		c.ledger = l
		return nil
	}
}

// WithTrapReports makes the node report interpreter traps to the origin of
// failed particles.
func WithTrapReports(ttl time.Duration) Option {
	return func(c *config) error {
		c.trapPolicy = nil
		c.trapReportTTL = max(ttl, time.Millisecond)
		return nil
	}
}

// WithTrapPolicy sets a custom trap policy.
func WithTrapPolicy(policy pipeline.TrapPolicy) Option {
	return func(c *config) error {
		c.trapPolicy = policy
		c.trapReportTTL = 0
		return nil
	}
}

// OnTerminal registers a hook called once per particle reaching a
// terminal state on this node.
func OnTerminal(hook func(particle.Key, particle.State)) Option {
	return func(c *config) error {
		c.onTerminal = hook
		return nil
	}
}

// OnTrapReport registers a hook receiving the trap reports sent to us.
func OnTrapReport(hook func(from peer.ID, report pipeline.TrapReport)) Option {
	return func(c *config) error {
		c.onTrapReport = hook
		return nil
	}
}
