package particula

import (
	"time"

	"github.com/raskyld/particula/pkg/codec"
	"github.com/raskyld/particula/pkg/dispatch"
	"github.com/raskyld/particula/pkg/pipeline"
	"github.com/raskyld/particula/pkg/pool"
)

// Limits are the resource bounds of a `Node`. Zero values mean the default
// of the component enforcing the limit.
type Limits struct {
	MaxParticleDataSize    int           `yaml:"max_particle_data_size" mapstructure:"max_particle_data_size"`
	MaxTTL                 time.Duration `yaml:"max_ttl" mapstructure:"max_ttl"`
	MinTTL                 time.Duration `yaml:"min_ttl" mapstructure:"min_ttl"`
	MaxQueueLenPerPeer     int           `yaml:"max_queue_len_per_peer" mapstructure:"max_queue_len_per_peer"`
	MaxReconnectAttempts   int           `yaml:"max_reconnect_attempts" mapstructure:"max_reconnect_attempts"`
	CallTimeout            time.Duration `yaml:"call_timeout" mapstructure:"call_timeout"`
	MaxConcurrentParticles int64         `yaml:"max_concurrent_particles" mapstructure:"max_concurrent_particles"`
	IdleTimeout            time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`
	BackoffBase            time.Duration `yaml:"backoff_base" mapstructure:"backoff_base"`
	BackoffMax             time.Duration `yaml:"backoff_max" mapstructure:"backoff_max"`
	MaxFrameSize           int           `yaml:"max_frame_size" mapstructure:"max_frame_size"`
}

// DefaultLimits returns the limits applied when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxParticleDataSize:    pipeline.DefaultMaxParticleDataSize,
		MaxTTL:                 2 * time.Minute,
		MaxQueueLenPerPeer:     pool.DefaultMaxQueueLen,
		MaxReconnectAttempts:   pool.DefaultMaxReconnectAttempts,
		CallTimeout:            dispatch.DefaultCallTimeout,
		MaxConcurrentParticles: pipeline.DefaultMaxConcurrentParticles,
		IdleTimeout:            pool.DefaultIdleTimeout,
		BackoffBase:            pool.DefaultBackoffBase,
		BackoffMax:             pool.DefaultBackoffMax,
		MaxFrameSize:           codec.DefaultMaxSize,
	}
}

// merge overrides the limits of `l` with the non-zero ones of `other`.
func (l Limits) merge(other Limits) Limits {
	if other.MaxParticleDataSize > 0 {
		l.MaxParticleDataSize = other.MaxParticleDataSize
	}
	if other.MaxTTL > 0 {
		l.MaxTTL = other.MaxTTL
	}
	if other.MinTTL > 0 {
		l.MinTTL = other.MinTTL
	}
	if other.MaxQueueLenPerPeer > 0 {
		l.MaxQueueLenPerPeer = other.MaxQueueLenPerPeer
	}
	if other.MaxReconnectAttempts > 0 {
		l.MaxReconnectAttempts = other.MaxReconnectAttempts
	}
	if other.CallTimeout > 0 {
		l.CallTimeout = other.CallTimeout
	}
	if other.MaxConcurrentParticles > 0 {
		l.MaxConcurrentParticles = other.MaxConcurrentParticles
	}
	if other.IdleTimeout > 0 {
		l.IdleTimeout = other.IdleTimeout
	}
	if other.BackoffBase > 0 {
		l.BackoffBase = other.BackoffBase
	}
	if other.BackoffMax > 0 {
		l.BackoffMax = other.BackoffMax
	}
	if other.MaxFrameSize > 0 {
		l.MaxFrameSize = other.MaxFrameSize
	}
	return l
}

func (l Limits) validate() error {
	switch {
	case l.MinTTL > 0 && l.MaxTTL > 0 && l.MinTTL > l.MaxTTL:
		return errLimit("min_ttl is above max_ttl")
	case l.BackoffMax < l.BackoffBase:
		return errLimit("backoff_max is below backoff_base")
	case l.MaxParticleDataSize >= l.MaxFrameSize:
		return errLimit("max_particle_data_size must leave room for the envelope in max_frame_size")
	}
	return nil
}

type errLimit string

func (e errLimit) Error() string {
	return "limits: " + string(e)
}
