// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package main runs the LwM2M carrier client as a daemon with metrics
// and health endpoints.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/absmach/lwm2m-carrier/examples/simple"
	"github.com/absmach/lwm2m-carrier/pkg/client"
	"github.com/absmach/lwm2m-carrier/pkg/errors"
	"github.com/absmach/lwm2m-carrier/pkg/health"
	"github.com/absmach/lwm2m-carrier/pkg/lwm2m"
	"github.com/absmach/lwm2m-carrier/pkg/metrics"
	"github.com/absmach/lwm2m-carrier/pkg/operator"
	"github.com/absmach/lwm2m-carrier/pkg/storage"
	"github.com/absmach/lwm2m-carrier/pkg/transport/coap"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

const envPrefix = "LWM2M_"

// Config holds the daemon configuration.
type Config struct {
	Operator     string `env:"OPERATOR"      envDefault:"generic"`
	EndpointName string `env:"ENDPOINT_NAME"`
	ProfileFile  string `env:"PROFILE_FILE"`

	// Identity
	IMEI            string `env:"IMEI"             envDefault:"490154203237518"`
	ICCID           string `env:"ICCID"`
	Manufacturer    string `env:"MANUFACTURER"     envDefault:"Abstract Machines"`
	Model           string `env:"MODEL"            envDefault:"lwm2m-carrier"`
	FirmwareVersion string `env:"FIRMWARE_VERSION" envDefault:"1.0.0"`

	// Operator overrides
	BootstrapURI      string        `env:"BOOTSTRAP_URI"`
	BootstrapPSK      string        `env:"BOOTSTRAP_PSK"`
	ConInterval       time.Duration `env:"CON_INTERVAL"`
	MotiveBridgeQuirk bool          `env:"MOTIVE_BRIDGE_QUIRK"`

	QueueSize int                  `env:"QUEUE_SIZE" envDefault:"32"`
	Store     storage.SQLiteConfig `envPrefix:"STORE_"`

	// Observability
	MetricsPort int    `env:"METRICS_PORT" envDefault:"9090"`
	HealthPort  int    `env:"HEALTH_PORT"  envDefault:"8080"`
	LogLevel    string `env:"LOG_LEVEL"    envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT"   envDefault:"json"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "lwm2m-carrier: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var envFile, profileName string
	flagSet := pflag.NewFlagSet("lwm2m-carrier", pflag.ContinueOnError)
	flagSet.StringVar(&envFile, "config-env", "", "path to a .env file with LWM2M_ settings")
	flagSet.StringVar(&profileName, "profile", "", "operator profile: verizon, att or generic (overrides LWM2M_OPERATOR)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	cfg, err := loadConfig(envFile)
	if err != nil {
		return err
	}
	if profileName != "" {
		cfg.Operator = profileName
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	profile, err := loadProfile(cfg)
	if err != nil {
		return err
	}
	logger.Info("starting lwm2m carrier client",
		slog.String("operator", profile.ID.String()),
		slog.String("imei", cfg.IMEI))

	cfg.Store.Logger = logger
	kv, err := storage.OpenSQLite(cfg.Store)
	if err != nil {
		return err
	}
	defer kv.Close()

	reg := prometheus.NewRegistry()
	m := metrics.New("lwm2m", reg)

	host := simple.New(lwm2m.Identity{
		IMEI:             cfg.IMEI,
		ICCID:            cfg.ICCID,
		Manufacturer:     cfg.Manufacturer,
		Model:            cfg.Model,
		FirmwareVersion:  cfg.FirmwareVersion,
		SupportedBinding: profile.Binding,
	}, logger)
	tr := coap.New(coap.Config{Logger: logger})
	defer tr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := client.New(ctx, client.Config{
		Profile:     profile,
		Endpoint:    cfg.EndpointName,
		Transport:   tr,
		Host:        host,
		KV:          kv,
		Downloader:  coap.NewDownloader(coap.DownloaderConfig{Logger: logger}),
		Metrics:     m,
		QueueSize:   cfg.QueueSize,
		ConInterval: cfg.ConInterval,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	tr.Attach(c)
	host.Attach(c)
	host.OnReboot(func(reason string) {
		logger.Info("client requested reboot, stopping", slog.String("reason", reason))
		cancel()
	})

	checker := health.NewChecker(5 * time.Second)
	checker.RegisterCritical("client", func(context.Context) error {
		if st := c.State(); st == client.StateError {
			return fmt.Errorf("client in %s state: %v", st, c.Err())
		}
		return nil
	})
	checker.Register("registration", func(context.Context) error {
		if c.Registered() == 0 {
			return fmt.Errorf("no server registered: %w", errors.ErrUnreachable)
		}
		return nil
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		logger.Info("client stopped", slog.String("state", c.State().String()))
		return nil
	})
	g.Go(func() error {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", m.Handler())
		return serveHTTP(ctx, "metrics", cfg.MetricsPort, metricsMux, logger)
	})
	g.Go(func() error {
		return serveHTTP(ctx, "health", cfg.HealthPort, checker.Mux(), logger)
	})
	g.Go(func() error {
		return stopSignalHandler(ctx, c, cfg.ShutdownTimeout, cancel, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error("lwm2m carrier client terminated with error", slog.Any("error", err))
		return err
	}
	logger.Info("lwm2m carrier client stopped")
	return nil
}

func loadConfig(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	} else {
		// .env in the working directory is optional.
		_ = godotenv.Load()
	}

	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// loadProfile resolves the operator profile and applies the file and
// environment overrides in that order.
func loadProfile(cfg Config) (operator.Profile, error) {
	p, err := operator.ByName(cfg.Operator)
	if err != nil {
		return p, err
	}
	if cfg.ProfileFile != "" {
		if p, err = operator.LoadFile(cfg.ProfileFile, p); err != nil {
			return p, err
		}
	}
	if cfg.BootstrapURI != "" {
		p.BootstrapURI = cfg.BootstrapURI
	}
	if cfg.BootstrapPSK != "" {
		p.BootstrapPSK = cfg.BootstrapPSK
	}
	if cfg.MotiveBridgeQuirk {
		p.MotiveBridgeQuirk = true
	}
	return p, p.Validate()
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	if format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func serveHTTP(ctx context.Context, name string, port int, h http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      h,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting "+name+" server", slog.String("address", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("%s server: %w", name, err)
	}
}

// stopSignalHandler deregisters from every server on SIGINT or SIGTERM
// and stops the daemon once the client is done or the timeout expires.
func stopSignalHandler(ctx context.Context, c *client.Client, timeout time.Duration, cancel context.CancelFunc, logger *slog.Logger) error {
	sig := make(chan os.Signal, 2)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)

	select {
	case s := <-sig:
		logger.Info("received shutdown signal", slog.String("signal", s.String()))
	case <-ctx.Done():
		return nil
	}

	c.OnShutdown()
	select {
	case <-c.Done():
	case <-time.After(timeout):
		logger.Warn("shutdown timeout exceeded, stopping without deregistration")
	case <-sig:
		logger.Warn("second signal received, stopping without deregistration")
	}
	cancel()
	return nil
}
