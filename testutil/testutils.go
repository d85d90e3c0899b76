package testutil

import (
	"fmt"
	"time"

	"github.com/flashbots/fedround/crypto"
	"github.com/flashbots/fedround/protocol"
)

// TestConfigOption modifies a test round configuration.
type TestConfigOption func(*protocol.RoundConfig)

// WithThreshold sets the participation threshold.
func WithThreshold(threshold uint32) TestConfigOption {
	return func(c *protocol.RoundConfig) {
		c.Threshold = threshold
		if c.MinPartial > threshold {
			c.MinPartial = threshold
		}
	}
}

// WithIterationWindow sets the iteration window.
func WithIterationWindow(window time.Duration) TestConfigOption {
	return func(c *protocol.RoundConfig) {
		c.IterationWindow = window
	}
}

// WithSignatureTolerance sets the token freshness tolerance.
func WithSignatureTolerance(tolerance time.Duration) TestConfigOption {
	return func(c *protocol.RoundConfig) {
		c.SignatureTolerance = tolerance
	}
}

// WithoutSignatures disables signature verification.
func WithoutSignatures() TestConfigOption {
	return func(c *protocol.RoundConfig) {
		c.VerifySignatures = false
	}
}

// WithExpiryPolicy sets the expiry policy.
func WithExpiryPolicy(policy protocol.ExpiryPolicy) TestConfigOption {
	return func(c *protocol.RoundConfig) {
		c.ExpiryPolicy = policy
	}
}

// WithMinPartial sets the minimum participation for partial aggregation.
func WithMinPartial(n uint32) TestConfigOption {
	return func(c *protocol.RoundConfig) {
		c.MinPartial = n
	}
}

// WithTickInterval sets the window timer interval.
func WithTickInterval(interval time.Duration) TestConfigOption {
	return func(c *protocol.RoundConfig) {
		c.TickInterval = interval
	}
}

// NewTestConfig creates a round config for tests. Defaults: threshold 3,
// one minute window and tolerance, aggregate on expiry, 10ms ticks.
func NewTestConfig(options ...TestConfigOption) *protocol.RoundConfig {
	config := protocol.DefaultRoundConfig()
	config.TickInterval = 10 * time.Millisecond
	config.AggregationTimeout = 5 * time.Second

	for _, option := range options {
		option(config)
	}
	return config
}

// GenerateTestKeyPair generates a new Ed25519 key pair, panicking on failure.
func GenerateTestKeyPair() (crypto.PublicKey, crypto.PrivateKey) {
	pub, priv, err := crypto.GenerateKeyPair()
	if err != nil {
		panic(fmt.Sprintf("generating key pair: %v", err))
	}
	return pub, priv
}

// TestClient is a device identity with its signing key.
type TestClient struct {
	Identity   string
	PublicKey  crypto.PublicKey
	PrivateKey crypto.PrivateKey
}

// NewTestClient creates a client with a fresh key.
func NewTestClient(identity string) *TestClient {
	pub, priv := GenerateTestKeyPair()
	return &TestClient{
		Identity:   identity,
		PublicKey:  pub,
		PrivateKey: priv,
	}
}

// NewTestClients creates count clients named device-0 to device-(count-1).
func NewTestClients(count int) []*TestClient {
	clients := make([]*TestClient, count)
	for i := range clients {
		clients[i] = NewTestClient(fmt.Sprintf("device-%d", i))
	}
	return clients
}

type updateOptions struct {
	iteration uint64
	dataSize  uint64
	features  protocol.FeatureMap
	signedAt  time.Time
	unsigned  bool
	signer    crypto.PrivateKey
}

// UpdateOption modifies a generated update.
type UpdateOption func(*updateOptions)

// WithIteration pins the update to an iteration.
func WithIteration(iteration uint64) UpdateOption {
	return func(o *updateOptions) {
		o.iteration = iteration
	}
}

// WithDataSize sets the declared data size.
func WithDataSize(size uint64) UpdateOption {
	return func(o *updateOptions) {
		o.dataSize = size
	}
}

// WithFeatures sets the feature map.
func WithFeatures(features protocol.FeatureMap) UpdateOption {
	return func(o *updateOptions) {
		o.features = features
	}
}

// WithSignedAt sets the token timestamp.
func WithSignedAt(at time.Time) UpdateOption {
	return func(o *updateOptions) {
		o.signedAt = at
	}
}

// WithSigner signs with a key other than the client's.
func WithSigner(key crypto.PrivateKey) UpdateOption {
	return func(o *updateOptions) {
		o.signer = key
	}
}

// Unsigned leaves the token empty.
func Unsigned() UpdateOption {
	return func(o *updateOptions) {
		o.unsigned = true
	}
}

// Update creates an update from the client. Defaults: iteration 1, data
// size 10 and a two-feature map, signed now.
func (c *TestClient) Update(options ...UpdateOption) *protocol.ClientUpdate {
	opts := &updateOptions{
		dataSize: 10,
		features: protocol.FeatureMap{
			"dense/kernel": {0.5, -0.25, 1},
			"dense/bias":   {0.1},
		},
		signedAt:  time.Now(),
		signer:    c.PrivateKey,
		iteration: 1,
	}
	for _, option := range options {
		option(opts)
	}

	update := &protocol.ClientUpdate{
		Identity:  c.Identity,
		Iteration: opts.iteration,
		DataSize:  opts.dataSize,
		Features:  opts.features.Clone(),
	}
	if opts.unsigned {
		return update
	}

	if err := update.Sign(opts.signer, opts.signedAt); err != nil {
		panic(fmt.Sprintf("signing update: %v", err))
	}
	return update
}
