// Package common provides helpers shared by the fedround commands: YAML
// configuration, key loading, logger setup and device registry construction.
package common

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/flashbots/fedround/crypto"
	"github.com/flashbots/fedround/protocol"
	"github.com/flashbots/fedround/services"
)

// LoadOrGenerateSigningKey loads an Ed25519 private key from a hex string,
// or generates a new key pair if hexKey is empty.
func LoadOrGenerateSigningKey(hexKey string) (crypto.PrivateKey, error) {
	if hexKey != "" {
		key, err := crypto.NewPrivateKeyFromString(hexKey)
		if err != nil {
			return nil, fmt.Errorf("invalid signing key: %w", err)
		}
		return key, nil
	}
	_, privKey, err := crypto.GenerateKeyPair()
	return privKey, err
}

// NewLogger creates the process logger.
func NewLogger(w io.Writer, cfg LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if cfg.Debug {
		opts.Level = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler).With("service", "fedround")
}

// Registry is a device registry with the resources it holds.
type Registry struct {
	protocol.DeviceRegistry

	// Postgres is set when the postgres backend is used.
	Postgres *services.PostgresStore
}

// Close releases the backend.
func (r *Registry) Close() error {
	if r.Postgres != nil {
		return r.Postgres.Close()
	}
	return nil
}

// NewDeviceRegistry creates the configured registry backend, wrapped in an
// LRU cache when CacheSize is positive.
func NewDeviceRegistry(ctx context.Context, cfg *RegistryConfig) (*Registry, error) {
	registry := &Registry{}

	switch cfg.Backend {
	case RegistryPostgres:
		store, err := services.NewPostgresStore(ctx, &cfg.Postgres)
		if err != nil {
			return nil, err
		}
		registry.Postgres = store
		registry.DeviceRegistry = store
	case RegistryMemory, "":
		registry.DeviceRegistry = protocol.NewMemoryDeviceRegistry()
	default:
		return nil, fmt.Errorf("unknown registry backend %q", cfg.Backend)
	}

	if cfg.CacheSize > 0 {
		cached, err := protocol.NewCachedDeviceRegistry(registry.DeviceRegistry, cfg.CacheSize)
		if err != nil {
			registry.Close()
			return nil, err
		}
		registry.DeviceRegistry = cached
	}

	return registry, nil
}
