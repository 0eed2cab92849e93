package particula

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimitsMerge(t *testing.T) {
	defaults := DefaultLimits()
	require.NoError(t, defaults.validate())

	merged := defaults.merge(Limits{
		MaxTTL:      time.Minute,
		BackoffBase: time.Second,
		BackoffMax:  time.Minute,
	})
	assert.Equal(t, time.Minute, merged.MaxTTL)
	assert.Equal(t, time.Second, merged.BackoffBase)
	assert.Equal(t, time.Minute, merged.BackoffMax)

	// zero values keep the defaults.
	assert.Equal(t, defaults.MaxParticleDataSize, merged.MaxParticleDataSize)
	assert.Equal(t, defaults.MaxQueueLenPerPeer, merged.MaxQueueLenPerPeer)
	assert.Equal(t, defaults.MaxFrameSize, merged.MaxFrameSize)
	assert.Equal(t, defaults, defaults.merge(Limits{}))
}

func TestWithLimits(t *testing.T) {
	var cfg config
	cfg.limits = DefaultLimits()
	require.NoError(t, WithLimits(Limits{MinTTL: time.Second, MaxQueueLenPerPeer: 8})(&cfg))
	assert.Equal(t, time.Second, cfg.limits.MinTTL)
	assert.Equal(t, 8, cfg.limits.MaxQueueLenPerPeer)
	assert.Equal(t, 2*time.Minute, cfg.limits.MaxTTL)

	tcs := map[string]Limits{
		"min ttl above max ttl": {MinTTL: time.Hour},
		"backoff max below base": {
			BackoffBase: time.Minute,
			BackoffMax:  time.Second,
		},
		"no room for the envelope": {
			MaxParticleDataSize: 1024,
			MaxFrameSize:        1024,
		},
	}
	for name, limits := range tcs {
		t.Run(name, func(t *testing.T) {
			var cfg config
			cfg.limits = DefaultLimits()
			err := WithLimits(limits)(&cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "limits: ")
		})
	}
}
