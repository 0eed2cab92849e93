package main

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := LoadConfig("")
		require.NoError(t, err)
		assert.Equal(t, defaultConfig(), cfg)
		assert.Equal(t, 6174, cfg.Listen.Port)
	})

	t.Run("file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "particled.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
identity: /var/lib/particled/key
listen:
  port: 7000
advertise_addr: 10.0.0.1
gossip:
  enabled: true
  neighbours: [10.0.0.2:7000, 10.0.0.3:7000]
redis:
  addr: localhost:6379
  prefix: particled
log:
  level: debug
  format: json
grace_period: 500ms
trap_report_ttl: 10s
limits:
  max_ttl: 1m
  max_queue_len_per_peer: "32"
  max_concurrent_particles: 64
`), 0o600))

		cfg, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, "/var/lib/particled/key", cfg.Identity)
		assert.Equal(t, "0.0.0.0", cfg.Listen.Addr, "unset keys keep their default")
		assert.Equal(t, 7000, cfg.Listen.Port)
		assert.Equal(t, "10.0.0.1", cfg.AdvertiseAddr)
		assert.True(t, cfg.Gossip.Enabled)
		assert.Equal(t, []string{"10.0.0.2:7000", "10.0.0.3:7000"}, cfg.Gossip.Neighbours)
		assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
		assert.Equal(t, "particled", cfg.Redis.Prefix)
		assert.Equal(t, "debug", cfg.Log.Level)
		assert.Equal(t, "json", cfg.Log.Format)
		assert.Equal(t, 500*time.Millisecond, cfg.GracePeriod)
		assert.Equal(t, 10*time.Second, cfg.TrapReportTTL)
		assert.Equal(t, time.Minute, cfg.Limits.MaxTTL)
		assert.Equal(t, 32, cfg.Limits.MaxQueueLenPerPeer)
		assert.Equal(t, int64(64), cfg.Limits.MaxConcurrentParticles)
	})

	t.Run("comma separated neighbours", func(t *testing.T) {
		cfg, err := decodeConfig([]byte("gossip:\n  neighbours: a:1,b:2\n"), defaultConfig())
		require.NoError(t, err)
		assert.Equal(t, []string{"a:1", "b:2"}, cfg.Gossip.Neighbours)
	})

	t.Run("unknown key", func(t *testing.T) {
		_, err := decodeConfig([]byte("listen:\n  prot: 7000\n"), defaultConfig())
		require.ErrorContains(t, err, "prot")
	})

	t.Run("invalid duration", func(t *testing.T) {
		_, err := decodeConfig([]byte("grace_period: soon\n"), defaultConfig())
		require.Error(t, err)
	})

	t.Run("invalid yaml", func(t *testing.T) {
		_, err := decodeConfig([]byte("listen: [\n"), defaultConfig())
		require.ErrorContains(t, err, "failed to parse config")
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
		require.ErrorContains(t, err, "failed to read config")
	})
}

func TestNewLogHandler(t *testing.T) {
	var buf bytes.Buffer
	handler, err := newLogHandler(&buf, "warn", "json")
	require.NoError(t, err)

	logger := slog.New(handler)
	logger.Info("hidden")
	logger.Warn("shown", "error", "boom")
	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"err":"boom"`)

	_, err = newLogHandler(&buf, "loud", "")
	require.Error(t, err)
	_, err = newLogHandler(&buf, "", "xml")
	require.Error(t, err)
}

func TestMetricsRouter(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "particled_test_total"})
	reg.MustRegister(counter)
	counter.Inc()

	srv := httptest.NewServer(metricsRouter(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "particled_test_total 1")
}
