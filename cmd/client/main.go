// Command client simulates a fleet of devices training against a round
// server.
//
// Each simulated device holds its own Ed25519 key and identity. Every
// iteration the devices submit a random update of the given shape, wait for
// the iteration to close and fetch the signed global model.
//
// # Usage
//
//	go run ./cmd/client --server=http://localhost:8080 --devices=5 --iterations=3
//	go run ./cmd/client --server=http://localhost:8080 --server-key=<hex>
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flashbots/fedround/cmd/common"
	"github.com/flashbots/fedround/crypto"
	"github.com/flashbots/fedround/protocol"
	"github.com/flashbots/fedround/services"
	"golang.org/x/sync/errgroup"
)

func main() {
	var (
		serverURL    = flag.String("server", "http://localhost:8080", "Round server URL")
		serverKeyHex = flag.String("server-key", "", "Expected model signing key (hex, any if empty)")
		devices      = flag.Int("devices", 3, "Number of simulated devices")
		iterations   = flag.Int("iterations", 1, "Iterations to take part in")
		featureSize  = flag.Int("feature-size", 8, "Values per feature")
		logJSON      = flag.Bool("log-json", false, "Log as JSON")
	)
	flag.Parse()

	log := common.NewLogger(os.Stdout, common.LogConfig{JSON: *logJSON})

	var serverKey crypto.PublicKey
	if *serverKeyHex != "" {
		var err error
		serverKey, err = crypto.NewPublicKeyFromString(*serverKeyHex)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid server key: %v\n", err)
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < *devices; i++ {
		_, signingKey, err := crypto.GenerateKeyPair()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Key generation failed: %v\n", err)
			os.Exit(1)
		}

		client, err := services.NewClient(&services.ClientConfig{
			ServerURL:       *serverURL,
			Identity:        fmt.Sprintf("sim-device-%d", i),
			SigningKey:      signingKey,
			ServerPublicKey: serverKey,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Client error: %v\n", err)
			os.Exit(1)
		}

		device := &simulatedDevice{
			client:      client,
			log:         log.With("device", i),
			dataSize:    uint64(10 + rand.IntN(90)),
			featureSize: *featureSize,
		}
		g.Go(func() error {
			return device.train(ctx, *iterations)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Simulation failed", "err", err)
		os.Exit(1)
	}
}

type simulatedDevice struct {
	client      *services.Client
	log         *slog.Logger
	dataSize    uint64
	featureSize int
}

func (d *simulatedDevice) features() protocol.FeatureMap {
	kernel := make([]float64, d.featureSize)
	for i := range kernel {
		kernel[i] = rand.NormFloat64()
	}
	return protocol.FeatureMap{
		"dense/kernel": kernel,
		"dense/bias":   {rand.NormFloat64()},
	}
}

func (d *simulatedDevice) train(ctx context.Context, iterations int) error {
	for done := 0; done < iterations; {
		status, err := d.client.Iteration(ctx)
		if err != nil {
			return err
		}

		resp, err := d.client.SubmitUpdate(ctx, status.Iteration, d.dataSize, d.features())
		var respErr *services.ResponseError
		if errors.As(err, &respErr) {
			d.log.Info("Update rejected, retrying", "status", respErr.Response.Status, "reason", respErr.Response.Reason)
			if err := sleepUntil(ctx, respErr.RetryAt()); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
		d.log.Info("Update submitted", "iteration", resp.Iteration, "status", resp.Status, "count", resp.Count)

		model, err := d.awaitModel(ctx, status.Iteration, time.UnixMilli(resp.NextRequestTime))
		if err != nil {
			return err
		}
		d.log.Info("Global model received",
			"iteration", model.Iteration,
			"outcome", model.Outcome,
			"participants", model.Participants)
		done++
	}
	return nil
}

func (d *simulatedDevice) awaitModel(ctx context.Context, iteration uint64, retryAt time.Time) (*protocol.GlobalModel, error) {
	for {
		if err := sleepUntil(ctx, retryAt); err != nil {
			return nil, err
		}

		model, err := d.client.GetModel(ctx, iteration)
		var respErr *services.ResponseError
		if errors.As(err, &respErr) && respErr.Response.Status == protocol.StatusNotReady {
			retryAt = respErr.RetryAt()
			continue
		}
		return model, err
	}
}

func sleepUntil(ctx context.Context, at time.Time) error {
	wait := max(time.Until(at), 100*time.Millisecond)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}
