package main

import (
	"fmt"
	"os"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/raskyld/particula"
	"gopkg.in/yaml.v3"
)

// Config is the content of the node configuration file.
type Config struct {
	// Identity is the path of the marshalled private key, generated on
	// first start.
	Identity string `mapstructure:"identity"`

	Listen struct {
		Addr string `mapstructure:"addr"`
		Port int    `mapstructure:"port"`
	} `mapstructure:"listen"`
	AdvertiseAddr string `mapstructure:"advertise_addr"`

	Gossip struct {
		Enabled    bool     `mapstructure:"enabled"`
		Neighbours []string `mapstructure:"neighbours"`
	} `mapstructure:"gossip"`

	Metrics struct {
		// Addr of the HTTP server exposing `/metrics`, disabled when empty.
		Addr string `mapstructure:"addr"`
	} `mapstructure:"metrics"`

	Redis struct {
		// Addr of the Redis ledger, the in-memory one is used when empty.
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
		Prefix   string `mapstructure:"prefix"`
	} `mapstructure:"redis"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`

	GracePeriod time.Duration `mapstructure:"grace_period"`

	// TrapReportTTL enables trap reports to the origin of failed particles.
	TrapReportTTL time.Duration `mapstructure:"trap_report_ttl"`

	Limits particula.Limits `mapstructure:"limits"`
}

func defaultConfig() Config {
	var cfg Config
	cfg.Identity = "particled.key"
	cfg.Listen.Addr = "0.0.0.0"
	cfg.Listen.Port = 6174
	cfg.Log.Level = "info"
	cfg.GracePeriod = 2 * time.Second
	return cfg
}

// LoadConfig reads a YAML file on top of the defaults. An empty path means
// defaults only.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	return decodeConfig(data, cfg)
}

func decodeConfig(data []byte, cfg Config) (Config, error) {
	raw := map[string]any{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		Result:           &cfg,
	})
	if err != nil {
		return Config{}, err
	}
	if err := dec.Decode(raw); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
