// Command server runs the federated learning round coordinator.
//
// Devices submit signed model updates to POST /v1/updateModel. Once the
// configured number of distinct devices has contributed, or the iteration
// window elapses, the updates are averaged weighted by data size and the
// signed global model is served at POST /v1/getModel.
//
// # Usage
//
//	go run ./cmd/server --config=server.yaml
//	go run ./cmd/server --addr=:8080 --threshold=5 --window=2m
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flashbots/fedround/api/httpserver"
	"github.com/flashbots/fedround/cmd/common"
	"github.com/flashbots/fedround/protocol"
	"github.com/flashbots/fedround/services"
	"golang.org/x/sync/errgroup"
)

func main() {
	var (
		configPath    = flag.String("config", "", "Path to YAML config file")
		addr          = flag.String("addr", "", "HTTP listen address")
		metricsAddr   = flag.String("metrics-addr", "", "Metrics listen address")
		threshold     = flag.Uint("threshold", 0, "Distinct devices that close an iteration")
		window        = flag.Duration("window", 0, "Iteration window")
		expiryPolicy  = flag.String("expiry-policy", "", "On window expiry: aggregate or fail")
		registry      = flag.String("registry", "", "Device registry backend: memory or postgres")
		signingKeyHex = flag.String("signing-key", "", "Ed25519 model signing key (hex, generates if empty)")
		logJSON       = flag.Bool("log-json", false, "Log as JSON")
		logDebug      = flag.Bool("log-debug", false, "Log debug messages")
	)
	flag.Parse()

	cfg, err := loadConfiguration(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}

	if *addr != "" {
		cfg.HTTPAddr = *addr
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}
	if *threshold != 0 {
		cfg.Round.Threshold = uint32(*threshold)
	}
	if *window != 0 {
		cfg.Round.IterationWindow = *window
	}
	if *expiryPolicy != "" {
		cfg.Round.ExpiryPolicy = protocol.ExpiryPolicy(*expiryPolicy)
	}
	if *registry != "" {
		cfg.Registry.Backend = *registry
	}
	if *signingKeyHex != "" {
		cfg.Keys.SigningKey = *signingKeyHex
	}
	cfg.Log.JSON = cfg.Log.JSON || *logJSON
	cfg.Log.Debug = cfg.Log.Debug || *logDebug

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}

	log := common.NewLogger(os.Stdout, cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("Server failed", "err", err)
		os.Exit(1)
	}
}

func loadConfiguration(configPath string) (*common.Config, error) {
	if configPath != "" {
		return common.LoadConfig(configPath)
	}
	return common.DefaultConfig(), nil
}

func run(ctx context.Context, cfg *common.Config, log *slog.Logger) error {
	signingKey, err := common.LoadOrGenerateSigningKey(cfg.Keys.SigningKey)
	if err != nil {
		return err
	}
	pubKey, err := signingKey.PublicKey()
	if err != nil {
		return err
	}
	log.Info("Model signing key loaded", "publicKey", pubKey.String())

	registry, err := common.NewDeviceRegistry(ctx, &cfg.Registry)
	if err != nil {
		return fmt.Errorf("device registry: %w", err)
	}
	defer registry.Close()

	store := protocol.NewModelStore()
	trigger, err := protocol.NewAggregationTrigger(protocol.NewFedAvgAggregator(), log, store)
	if err != nil {
		return err
	}

	round := cfg.Round
	coordinator, err := protocol.NewCoordinator(&round, registry, trigger, protocol.WithLogger(log))
	if err != nil {
		return err
	}

	srv, err := httpserver.New(&httpserver.HTTPServerConfig{
		ListenAddr:               cfg.HTTPAddr,
		MetricsAddr:              cfg.MetricsAddr,
		EnablePprof:              cfg.EnablePprof,
		CORSOrigins:              cfg.CORSOrigins,
		Log:                      log,
		DrainDuration:            cfg.Shutdown.Drain,
		GracefulShutdownDuration: cfg.Shutdown.Graceful,
		ReadTimeout:              30 * time.Second,
		WriteTimeout:             30 * time.Second,
	}, services.NewRoundHandler(coordinator, store, signingKey, log))
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return coordinator.Run(ctx)
	})
	g.Go(func() error {
		return srv.Run(ctx)
	})
	if evicter, ok := registry.DeviceRegistry.(protocol.IdleEvicter); ok && cfg.Registry.DeviceTTL > 0 {
		g.Go(func() error {
			evictIdleDevices(ctx, evicter, cfg.Registry.DeviceTTL, log)
			return nil
		})
	}

	return g.Wait()
}
