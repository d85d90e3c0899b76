package protocol

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/flashbots/fedround/crypto"
	"github.com/stretchr/testify/require"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type testDevice struct {
	identity string
	pubkey   crypto.PublicKey
	privkey  crypto.PrivateKey
}

func newTestDevice(t *testing.T, identity string) *testDevice {
	pub, priv, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	return &testDevice{identity: identity, pubkey: pub, privkey: priv}
}

func newTestDevices(t *testing.T, n int) []*testDevice {
	devices := make([]*testDevice, n)
	for i := range devices {
		devices[i] = newTestDevice(t, fmt.Sprintf("device-%d", i))
	}
	return devices
}

// update builds an update for the first iteration.
func (d *testDevice) update(t *testing.T, signedAt time.Time) *ClientUpdate {
	return d.updateAt(t, 1, signedAt)
}

func (d *testDevice) updateAt(t *testing.T, iteration uint64, signedAt time.Time) *ClientUpdate {
	return d.build(t, iteration, signedAt, 10, FeatureMap{"w": {1, 2, 3}, "b": {0.5}})
}

func (d *testDevice) updateWith(t *testing.T, signedAt time.Time, dataSize uint64, features FeatureMap) *ClientUpdate {
	return d.build(t, 1, signedAt, dataSize, features)
}

func (d *testDevice) build(t *testing.T, iteration uint64, signedAt time.Time, dataSize uint64, features FeatureMap) *ClientUpdate {
	u := &ClientUpdate{
		Identity:  d.identity,
		Iteration: iteration,
		DataSize:  dataSize,
		Features:  features,
	}
	require.NoError(t, u.Sign(d.privkey, signedAt))
	return u
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingAggregator runs FedAvg and remembers every input.
type recordingAggregator struct {
	mu     sync.Mutex
	inputs []*AggregationInput
	err    error
}

func (a *recordingAggregator) Aggregate(ctx context.Context, input *AggregationInput) (FeatureMap, error) {
	a.mu.Lock()
	a.inputs = append(a.inputs, input)
	err := a.err
	a.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return NewFedAvgAggregator().Aggregate(ctx, input)
}

func (a *recordingAggregator) Inputs() []*AggregationInput {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*AggregationInput(nil), a.inputs...)
}

func testRoundConfig(mods ...func(*RoundConfig)) *RoundConfig {
	config := DefaultRoundConfig()
	config.TickInterval = 5 * time.Millisecond
	config.AggregationTimeout = 5 * time.Second
	for _, mod := range mods {
		mod(config)
	}
	return config
}

type coordinatorFixture struct {
	coordinator *Coordinator
	aggregator  *recordingAggregator
	store       *ModelStore
	registry    *MemoryDeviceRegistry
}

func newCoordinatorFixture(t *testing.T, config *RoundConfig, opts ...CoordinatorOption) *coordinatorFixture {
	f := &coordinatorFixture{
		aggregator: &recordingAggregator{},
		store:      NewModelStore(),
		registry:   NewMemoryDeviceRegistry(),
	}

	trigger, err := NewAggregationTrigger(f.aggregator, discardLogger, f.store)
	require.NoError(t, err)

	opts = append([]CoordinatorOption{WithLogger(discardLogger)}, opts...)
	f.coordinator, err = NewCoordinator(config, f.registry, trigger, opts...)
	require.NoError(t, err)
	return f
}
