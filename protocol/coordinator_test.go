package protocol

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/goleak"
)

func submitConcurrently(t *testing.T, c *Coordinator, updates []*ClientUpdate) ([]*Ack, []error) {
	acks := make([]*Ack, len(updates))
	errs := make([]error, len(updates))

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i, u := range updates {
		wg.Add(1)
		go func(i int, u *ClientUpdate) {
			defer wg.Done()
			<-start
			acks[i], errs[i] = c.Submit(context.Background(), u)
		}(i, u)
	}
	close(start)
	wg.Wait()
	return acks, errs
}

func TestThresholdReachedFiresOnce(t *testing.T) {
	for run := 0; run < 50; run++ {
		f := newCoordinatorFixture(t, testRoundConfig())
		devices := newTestDevices(t, 3)

		updates := make([]*ClientUpdate, len(devices))
		for i, d := range devices {
			updates[i] = d.update(t, time.Now())
		}

		acks, errs := submitConcurrently(t, f.coordinator, updates)
		for i := range updates {
			require.NoError(t, errs[i])
			require.Equal(t, StatusAccepted, acks[i].Status)
			require.Equal(t, uint64(1), acks[i].Iteration)
		}

		inputs := f.aggregator.Inputs()
		require.Len(t, inputs, 1)
		require.Len(t, inputs[0].Features, 3)
		require.Equal(t, uint64(30), inputs[0].DataSizeSum)

		status := f.coordinator.Status()
		require.Equal(t, uint64(2), status.Iteration)
		require.Equal(t, uint32(0), status.Count)
		require.Equal(t, StateCollecting, status.State)

		history := f.coordinator.History()
		require.Len(t, history, 1)
		require.Equal(t, OutcomeAggregated, history[0].Outcome)
		require.Equal(t, triggerThreshold, history[0].Trigger)
		require.Equal(t, uint32(3), history[0].Participants)

		latest, ok := f.store.Latest()
		require.True(t, ok)
		require.Equal(t, uint64(1), latest.Iteration)
	}
}

func TestOversubscribedIterationsFireOncePerIteration(t *testing.T) {
	f := newCoordinatorFixture(t, testRoundConfig())
	devices := newTestDevices(t, 20)

	updates := make([]*ClientUpdate, len(devices))
	for i, d := range devices {
		updates[i] = d.update(t, time.Now())
	}

	_, errs := submitConcurrently(t, f.coordinator, updates)
	for _, err := range errs {
		if err != nil {
			require.ErrorIs(t, err, ErrRoundClosed)
		}
	}

	seen := map[uint64]bool{}
	for _, input := range f.aggregator.Inputs() {
		require.False(t, seen[input.Iteration], "iteration %d aggregated twice", input.Iteration)
		seen[input.Iteration] = true
		require.Len(t, input.Features, 3)
	}
	require.NotEmpty(t, seen)
}

func TestDuplicateUpdateIsCountedOnce(t *testing.T) {
	f := newCoordinatorFixture(t, testRoundConfig())
	device := newTestDevice(t, "device-1")

	ack, err := f.coordinator.Submit(context.Background(), device.update(t, time.Now()))
	require.NoError(t, err)
	require.Equal(t, StatusAccepted, ack.Status)
	require.Equal(t, uint32(1), ack.Count)

	ack, err = f.coordinator.Submit(context.Background(), device.updateWith(t, time.Now(), 99, FeatureMap{"w": {9, 9, 9}, "b": {9}}))
	require.NoError(t, err)
	require.Equal(t, StatusAlreadyCounted, ack.Status)
	require.Equal(t, StatusAlreadyCounted.Code(), CodeSucceed)
	require.Equal(t, uint32(1), ack.Count)

	require.Equal(t, uint32(1), f.coordinator.Status().Count)
	require.Empty(t, f.aggregator.Inputs())

	snapshot, updates := f.coordinator.iteration.Collected()
	require.Len(t, updates, 1)
	require.Equal(t, uint64(10), snapshot.DataSizeSum)
}

func TestConcurrentDuplicatesAcceptOne(t *testing.T) {
	f := newCoordinatorFixture(t, testRoundConfig())
	device := newTestDevice(t, "device-1")

	updates := make([]*ClientUpdate, 25)
	for i := range updates {
		updates[i] = device.update(t, time.Now())
	}

	acks, errs := submitConcurrently(t, f.coordinator, updates)

	accepted := 0
	for i := range acks {
		require.NoError(t, errs[i])
		if acks[i].Status == StatusAccepted {
			accepted++
		} else {
			require.Equal(t, StatusAlreadyCounted, acks[i].Status)
		}
	}
	require.Equal(t, 1, accepted)
	require.Equal(t, uint32(1), f.coordinator.Status().Count)
}

func TestStaleSignatureRejected(t *testing.T) {
	clock := newTestClock()
	f := newCoordinatorFixture(t, testRoundConfig(func(c *RoundConfig) {
		c.SignatureTolerance = 60 * time.Second
	}), WithClock(clock.Now))
	device := newTestDevice(t, "device-1")

	ack, err := f.coordinator.Submit(context.Background(), device.update(t, clock.Now().Add(-61*time.Second)))
	require.ErrorIs(t, err, ErrSignatureTimeout)
	require.Equal(t, StatusSignatureTimeout, ack.Status)
	require.Equal(t, uint32(0), f.coordinator.Status().Count)
	require.Equal(t, 0, f.registry.Len())
}

func TestInvalidSignatureRejected(t *testing.T) {
	f := newCoordinatorFixture(t, testRoundConfig())
	device := newTestDevice(t, "device-1")
	impostor := newTestDevice(t, "device-1")

	update := device.update(t, time.Now())
	update.Token.Signature = impostor.update(t, time.Now()).Token.Signature

	ack, err := f.coordinator.Submit(context.Background(), update)
	require.ErrorIs(t, err, ErrSignatureFailed)
	require.Equal(t, CodeSignatureError, ack.Status.Code())
	require.Equal(t, uint32(0), f.coordinator.Status().Count)
}

func TestEnrolledKeyIsEnforced(t *testing.T) {
	f := newCoordinatorFixture(t, testRoundConfig(func(c *RoundConfig) {
		c.Threshold = 1
		c.MinPartial = 1
	}))
	device := newTestDevice(t, "device-1")
	impostor := newTestDevice(t, "device-1")

	_, err := f.coordinator.Submit(context.Background(), device.update(t, time.Now()))
	require.NoError(t, err)

	meta, found, err := f.registry.Lookup(context.Background(), "device-1")
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, meta.PublicKey.Equal(device.pubkey))
	require.Equal(t, uint64(1), meta.LastIteration)
	require.Equal(t, VerificationVerified, meta.Verification)

	// Iteration 2 is open. A validly signed update under another key is refused.
	_, err = f.coordinator.Submit(context.Background(), impostor.updateAt(t, 2, time.Now()))
	require.ErrorIs(t, err, ErrSignatureFailed)

	_, err = f.coordinator.Submit(context.Background(), device.updateAt(t, 2, time.Now()))
	require.NoError(t, err)

	meta, _, err = f.registry.Lookup(context.Background(), "device-1")
	require.NoError(t, err)
	require.Equal(t, uint64(2), meta.LastIteration)
}

func TestMalformedUpdateDoesNotTouchState(t *testing.T) {
	f := newCoordinatorFixture(t, testRoundConfig())
	device := newTestDevice(t, "device-1")
	other := newTestDevice(t, "device-2")

	for name, update := range map[string]*ClientUpdate{
		"nil":           nil,
		"no identity":   {DataSize: 1, Features: FeatureMap{"w": {1}}},
		"no data size":  {Identity: "x", Features: FeatureMap{"w": {1}}},
		"no features":   {Identity: "x", DataSize: 1},
		"empty feature": {Identity: "x", DataSize: 1, Features: FeatureMap{"w": {}}},
	} {
		ack, err := f.coordinator.Submit(context.Background(), update)
		require.ErrorIs(t, err, ErrParse, name)
		require.Equal(t, CodeRequestError, ack.Status.Code(), name)
	}

	_, err := f.coordinator.Submit(context.Background(), device.update(t, time.Now()))
	require.NoError(t, err)

	_, err = f.coordinator.Submit(context.Background(), other.updateWith(t, time.Now(), 10, FeatureMap{"w": {1}}))
	require.ErrorIs(t, err, ErrParse)
	require.Equal(t, uint32(1), f.coordinator.Status().Count)
}

func TestPinnedIterationMismatchIsRoundClosed(t *testing.T) {
	f := newCoordinatorFixture(t, testRoundConfig())
	device := newTestDevice(t, "device-1")

	update := &ClientUpdate{Identity: device.identity, Iteration: 5, DataSize: 1, Features: FeatureMap{"w": {1}}}
	require.NoError(t, update.Sign(device.privkey, time.Now()))

	ack, err := f.coordinator.Submit(context.Background(), update)
	require.ErrorIs(t, err, ErrRoundClosed)
	require.Equal(t, CodeOutOfTime, ack.Status.Code())
	require.False(t, ack.NextRequestTime.IsZero())
}

func TestReplayedUpdateIsNotCountedInNextIteration(t *testing.T) {
	clock := newTestClock()
	f := newCoordinatorFixture(t, testRoundConfig(func(c *RoundConfig) {
		c.Threshold = 1
	}), WithClock(clock.Now))
	device := newTestDevice(t, "device-1")

	raw := mustMarshal(t, device.update(t, clock.Now()))
	update, err := UnmarshalMessage[ClientUpdate](raw)
	require.NoError(t, err)
	ack, err := f.coordinator.Submit(context.Background(), update)
	require.NoError(t, err)
	require.Equal(t, uint64(1), ack.Iteration)

	clock.Advance(10 * time.Second)

	replay, err := UnmarshalMessage[ClientUpdate](raw)
	require.NoError(t, err)
	ack, err = f.coordinator.Submit(context.Background(), replay)
	require.ErrorIs(t, err, ErrRoundClosed)
	require.Equal(t, uint64(2), ack.Iteration)

	// The iteration is signed, so the replay cannot be moved forward.
	replay.Iteration = 2
	_, err = f.coordinator.Submit(context.Background(), replay)
	require.ErrorIs(t, err, ErrSignatureFailed)

	require.Len(t, f.aggregator.Inputs(), 1)
	require.Equal(t, uint32(0), f.coordinator.Status().Count)
}

func TestUnpinnedUpdateNeedsDisabledSignatures(t *testing.T) {
	f := newCoordinatorFixture(t, testRoundConfig())
	device := newTestDevice(t, "device-1")

	ack, err := f.coordinator.Submit(context.Background(), device.updateAt(t, 0, time.Now()))
	require.ErrorIs(t, err, ErrParse)
	require.Equal(t, CodeRequestError, ack.Status.Code())
	require.Equal(t, uint32(0), f.coordinator.Status().Count)

	unsigned := newCoordinatorFixture(t, testRoundConfig(func(c *RoundConfig) {
		c.VerifySignatures = false
	}))
	ack, err = unsigned.coordinator.Submit(context.Background(), &ClientUpdate{
		Identity: "device-1",
		DataSize: 1,
		Features: FeatureMap{"w": {1}},
	})
	require.NoError(t, err)
	require.Equal(t, StatusAccepted, ack.Status)
}

type failingLookupRegistry struct {
	DeviceRegistry
}

func (r *failingLookupRegistry) Lookup(context.Context, string) (*DeviceMeta, bool, error) {
	return nil, false, errors.New("connection refused")
}

func TestRegistryLookupFailureIsInternal(t *testing.T) {
	trigger, err := NewAggregationTrigger(NewFedAvgAggregator(), discardLogger)
	require.NoError(t, err)
	coordinator, err := NewCoordinator(testRoundConfig(), &failingLookupRegistry{NewMemoryDeviceRegistry()}, trigger, WithLogger(discardLogger))
	require.NoError(t, err)

	ack, err := coordinator.Submit(context.Background(), newTestDevice(t, "device-1").update(t, time.Now()))
	require.ErrorIs(t, err, ErrInternal)
	require.ErrorContains(t, err, "connection refused")
	require.Equal(t, CodeSystemError, ack.Status.Code())
	require.Equal(t, uint32(0), coordinator.Status().Count)
}

// closeHook calls onClose each time the coordinator logs a closed iteration.
type closeHook struct {
	slog.Handler
	onClose func()
}

func (h *closeHook) Handle(_ context.Context, r slog.Record) error {
	if r.Message == "Iteration closed" {
		h.onClose()
	}
	return nil
}

func TestSubmitWhileClosingReachesNextIteration(t *testing.T) {
	var (
		f         *coordinatorFixture
		fired     = atomic.NewBool(false)
		nestedAck *Ack
		nestedErr error
	)
	next := newTestDevice(t, "device-2")
	hook := &closeHook{Handler: discardLogger.Handler(), onClose: func() {
		if fired.CompareAndSwap(false, true) {
			nestedAck, nestedErr = f.coordinator.Submit(context.Background(), next.updateAt(t, 2, time.Now()))
		}
	}}

	f = newCoordinatorFixture(t, testRoundConfig(func(c *RoundConfig) {
		c.Threshold = 1
	}), WithLogger(slog.New(hook)))

	ack, err := f.coordinator.Submit(context.Background(), newTestDevice(t, "device-1").update(t, time.Now()))
	require.NoError(t, err)
	require.Equal(t, uint64(1), ack.Iteration)

	require.NoError(t, nestedErr)
	require.Equal(t, StatusAccepted, nestedAck.Status)
	require.Equal(t, uint64(2), nestedAck.Iteration)

	require.Len(t, f.aggregator.Inputs(), 2)
	require.Len(t, f.coordinator.History(), 2)
	status := f.coordinator.Status()
	require.Equal(t, uint64(3), status.Iteration)
	require.Equal(t, StateCollecting, status.State)

	ack, err = f.coordinator.Submit(context.Background(), next.updateAt(t, 3, time.Now()))
	require.NoError(t, err)
	require.Equal(t, uint64(3), ack.Iteration)
}

func TestWindowExpiryAggregatesPartial(t *testing.T) {
	clock := newTestClock()
	config := testRoundConfig()
	f := newCoordinatorFixture(t, config, WithClock(clock.Now))
	device := newTestDevice(t, "device-1")
	late := newTestDevice(t, "device-2")

	_, err := f.coordinator.Submit(context.Background(), device.update(t, clock.Now()))
	require.NoError(t, err)

	require.False(t, f.coordinator.CheckWindow(clock.Now()))

	clock.Advance(config.IterationWindow)

	// Past the deadline, before the timer notices: no more increments.
	ack, err := f.coordinator.Submit(context.Background(), late.update(t, clock.Now()))
	require.ErrorIs(t, err, ErrRoundClosed)
	require.Equal(t, uint64(1), ack.Iteration)

	require.True(t, f.coordinator.CheckWindow(clock.Now()))
	require.False(t, f.coordinator.CheckWindow(clock.Now()))

	inputs := f.aggregator.Inputs()
	require.Len(t, inputs, 1)
	require.Len(t, inputs[0].Features, 1)

	history := f.coordinator.History()
	require.Len(t, history, 1)
	require.Equal(t, OutcomePartial, history[0].Outcome)
	require.Equal(t, triggerWindow, history[0].Trigger)

	status := f.coordinator.Status()
	require.Equal(t, uint64(2), status.Iteration)
	require.Equal(t, uint32(0), status.Count)
	require.Equal(t, clock.Now().Add(config.IterationWindow), status.Deadline)

	latest, ok := f.store.Latest()
	require.True(t, ok)
	require.Equal(t, OutcomePartial, latest.Outcome)
}

func TestWindowExpiryFailPolicy(t *testing.T) {
	clock := newTestClock()
	config := testRoundConfig(func(c *RoundConfig) {
		c.ExpiryPolicy = ExpiryFailIteration
	})
	f := newCoordinatorFixture(t, config, WithClock(clock.Now))

	_, err := f.coordinator.Submit(context.Background(), newTestDevice(t, "device-1").update(t, clock.Now()))
	require.NoError(t, err)

	clock.Advance(config.IterationWindow + time.Second)
	require.True(t, f.coordinator.CheckWindow(clock.Now()))

	require.Empty(t, f.aggregator.Inputs())
	history := f.coordinator.History()
	require.Len(t, history, 1)
	require.Equal(t, OutcomeFailed, history[0].Outcome)
	require.Contains(t, history[0].Reason, string(StatusThresholdNotReached))
	require.Equal(t, uint64(2), f.coordinator.Status().Iteration)

	_, ok := f.store.Latest()
	require.False(t, ok)
}

func TestWindowExpiryBelowMinPartial(t *testing.T) {
	clock := newTestClock()
	config := testRoundConfig(func(c *RoundConfig) {
		c.MinPartial = 2
	})
	f := newCoordinatorFixture(t, config, WithClock(clock.Now))

	_, err := f.coordinator.Submit(context.Background(), newTestDevice(t, "device-1").update(t, clock.Now()))
	require.NoError(t, err)

	clock.Advance(config.IterationWindow)
	require.True(t, f.coordinator.CheckWindow(clock.Now()))

	require.Empty(t, f.aggregator.Inputs())
	require.Equal(t, OutcomeFailed, f.coordinator.History()[0].Outcome)
}

func TestEmptyIterationExpires(t *testing.T) {
	clock := newTestClock()
	config := testRoundConfig()
	f := newCoordinatorFixture(t, config, WithClock(clock.Now))

	for i := 0; i < 3; i++ {
		clock.Advance(config.IterationWindow)
		require.True(t, f.coordinator.CheckWindow(clock.Now()))
	}

	require.Empty(t, f.aggregator.Inputs())
	require.Equal(t, uint64(4), f.coordinator.Status().Iteration)
	for _, summary := range f.coordinator.History() {
		require.Equal(t, OutcomeFailed, summary.Outcome)
	}
}

func TestThresholdRacesWindowExpiry(t *testing.T) {
	for run := 0; run < 50; run++ {
		clock := newTestClock()
		config := testRoundConfig()
		f := newCoordinatorFixture(t, config, WithClock(clock.Now))
		devices := newTestDevices(t, 3)

		for _, d := range devices[:2] {
			_, err := f.coordinator.Submit(context.Background(), d.update(t, clock.Now()))
			require.NoError(t, err)
		}

		last := devices[2].update(t, clock.Now())
		deadline := clock.Now().Add(config.IterationWindow)
		// Keeps the next iteration's deadline after the one the timer checks.
		clock.Advance(time.Millisecond)

		var wg sync.WaitGroup
		start := make(chan struct{})
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			_, _ = f.coordinator.Submit(context.Background(), last)
		}()
		go func() {
			defer wg.Done()
			<-start
			f.coordinator.CheckWindow(deadline)
		}()
		close(start)
		wg.Wait()

		require.Len(t, f.aggregator.Inputs(), 1)
		require.Len(t, f.coordinator.History(), 1)
		require.Equal(t, uint64(2), f.coordinator.Status().Iteration)
	}
}

func TestResetClearsIteration(t *testing.T) {
	f := newCoordinatorFixture(t, testRoundConfig(func(c *RoundConfig) {
		c.Threshold = 2
	}))
	devices := newTestDevices(t, 2)

	for _, d := range devices {
		_, err := f.coordinator.Submit(context.Background(), d.update(t, time.Now()))
		require.NoError(t, err)
	}

	snapshot := f.coordinator.iteration.Snapshot()
	require.Equal(t, uint64(2), snapshot.Number)
	require.Empty(t, snapshot.Identities)
	require.Zero(t, snapshot.DataSizeSum)

	// Identities counted in the previous iteration are admitted again.
	ack, err := f.coordinator.Submit(context.Background(), devices[0].updateAt(t, 2, time.Now()))
	require.NoError(t, err)
	require.Equal(t, StatusAccepted, ack.Status)
	require.Equal(t, uint64(2), ack.Iteration)
	require.Equal(t, uint32(1), ack.Count)
}

func TestAggregationFailureAdvancesIteration(t *testing.T) {
	f := newCoordinatorFixture(t, testRoundConfig(func(c *RoundConfig) {
		c.Threshold = 1
	}))
	f.aggregator.err = errors.New("out of memory")

	_, err := f.coordinator.Submit(context.Background(), newTestDevice(t, "device-1").update(t, time.Now()))
	require.NoError(t, err)

	history := f.coordinator.History()
	require.Len(t, history, 1)
	require.Equal(t, OutcomeFailed, history[0].Outcome)
	require.Contains(t, history[0].Reason, "out of memory")
	require.Equal(t, uint64(2), f.coordinator.Status().Iteration)
}

func TestHistoryIsBounded(t *testing.T) {
	clock := newTestClock()
	config := testRoundConfig(func(c *RoundConfig) {
		c.HistorySize = 2
	})
	f := newCoordinatorFixture(t, config, WithClock(clock.Now))

	for i := 0; i < 5; i++ {
		clock.Advance(config.IterationWindow)
		require.True(t, f.coordinator.CheckWindow(clock.Now()))
	}

	history := f.coordinator.History()
	require.Len(t, history, 2)
	require.Equal(t, uint64(4), history[0].Iteration)
	require.Equal(t, uint64(5), history[1].Iteration)
}

func TestRunClosesExpiredWindow(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newCoordinatorFixture(t, testRoundConfig(func(c *RoundConfig) {
		c.IterationWindow = 50 * time.Millisecond
		c.TickInterval = 5 * time.Millisecond
	}))

	_, err := f.coordinator.Submit(context.Background(), newTestDevice(t, "device-1").update(t, time.Now()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- f.coordinator.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return len(f.coordinator.History()) > 0
	}, 2*time.Second, 5*time.Millisecond)

	require.Error(t, f.coordinator.Run(ctx), "second Run must refuse to start")

	cancel()
	require.NoError(t, <-done)

	require.Equal(t, OutcomePartial, f.coordinator.History()[0].Outcome)
}

func TestNewCoordinatorRejectsInvalidConfig(t *testing.T) {
	trigger, err := NewAggregationTrigger(NewFedAvgAggregator(), discardLogger)
	require.NoError(t, err)

	_, err = NewCoordinator(testRoundConfig(func(c *RoundConfig) { c.Threshold = 0 }), NewMemoryDeviceRegistry(), trigger)
	require.Error(t, err)

	_, err = NewCoordinator(testRoundConfig(func(c *RoundConfig) { c.ExpiryPolicy = "drop" }), NewMemoryDeviceRegistry(), trigger)
	require.Error(t, err)

	_, err = NewCoordinator(testRoundConfig(), nil, trigger)
	require.Error(t, err)
}

func TestRoundStateText(t *testing.T) {
	for _, s := range []RoundState{StateCollecting, StateThresholdReached, StateWindowExpired, StateResetting} {
		text, err := s.MarshalText()
		require.NoError(t, err)

		var decoded RoundState
		require.NoError(t, decoded.UnmarshalText(text))
		require.Equal(t, s, decoded)
	}
	var s RoundState
	require.Error(t, s.UnmarshalText([]byte("paused")))
}
