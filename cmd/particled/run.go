package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hashicorp/go-metrics"
	promsink "github.com/hashicorp/go-metrics/prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/raskyld/particula"
	"github.com/raskyld/particula/pkg/identity"
	"github.com/raskyld/particula/pkg/ledger"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a node",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		cfg, err := LoadConfig(path)
		if err != nil {
			return err
		}
		if level, _ := cmd.Flags().GetString("log-level"); level != "" {
			cfg.Log.Level = level
		}
		return run(cfg)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringP("config", "c", "", "Path of the YAML configuration file")
}

func run(cfg Config) error {
	handler, err := newLogHandler(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	logger := slog.New(handler)

	kp, err := identity.LoadOrGenerate(cfg.Identity)
	if err != nil {
		return fmt.Errorf("failed to load identity: %w", err)
	}

	reg := prometheus.NewRegistry()
	sink, err := promsink.NewPrometheusSinkFrom(promsink.PrometheusOpts{
		Registerer: reg,
		Expiration: 10 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("failed to create metric sink: %w", err)
	}

	opts := []particula.Option{
		particula.WithIdentity(kp),
		particula.WithListenOn(cfg.Listen.Addr, cfg.Listen.Port),
		particula.WithLog(handler),
		particula.WithMetricSink(sink),
		particula.WithMetricLabels([]metrics.Label{{Name: "peer_id", Value: kp.PeerID().String()}}),
		particula.WithGracePeriod(cfg.GracePeriod),
		particula.WithLimits(cfg.Limits),
	}
	if cfg.AdvertiseAddr != "" {
		opts = append(opts, particula.WithAdvertiseAddr(cfg.AdvertiseAddr))
	}
	if cfg.Gossip.Enabled {
		opts = append(opts, particula.WithGossip(cfg.Gossip.Neighbours))
	}
	if cfg.TrapReportTTL > 0 {
		opts = append(opts, particula.WithTrapReports(cfg.TrapReportTTL))
	}

	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := client.Ping(ctx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("failed to reach redis ledger: %w", err)
		}
		opts = append(opts, particula.WithLedger(ledger.NewRedis(client, cfg.Redis.Prefix)))
		logger.Info("using redis ledger", slog.String("addr", cfg.Redis.Addr))
	}

	node, err := particula.Create(opts...)
	if err != nil {
		return err
	}
	if err := node.JoinCluster(); err != nil {
		logger.Warn("could not join the cluster, running alone", "error", err)
	}

	serverErrors := make(chan error, 1)
	var srv *http.Server
	if cfg.Metrics.Addr != "" {
		srv = &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           metricsRouter(reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("serving metrics", slog.String("addr", srv.Addr))
			serverErrors <- srv.ListenAndServe()
		}()
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("metrics server: %w", err)
		}
	case sig := <-shutdown:
		logger.Info("received signal", slog.String("signal", sig.String()))
	}

	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
		}
		cancel()
	}
	return errors.Join(runErr, node.Shutdown())
}

func metricsRouter(reg *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return r
}
