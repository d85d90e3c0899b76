package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flashbots/fedround/metrics"
	"go.uber.org/atomic"
)

// RoundState is the phase of the iteration state machine.
type RoundState int32

const (
	StateCollecting RoundState = iota
	StateThresholdReached
	StateWindowExpired
	StateResetting
)

func (s RoundState) String() string {
	switch s {
	case StateCollecting:
		return "collecting"
	case StateThresholdReached:
		return "threshold_reached"
	case StateWindowExpired:
		return "window_expired"
	case StateResetting:
		return "resetting"
	}
	return "unknown"
}

func (s RoundState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *RoundState) UnmarshalText(text []byte) error {
	for _, candidate := range []RoundState{StateCollecting, StateThresholdReached, StateWindowExpired, StateResetting} {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown round state %q", text)
}

const (
	triggerThreshold = "threshold"
	triggerWindow    = "window"
)

// Ack is the coordinator's answer to a submitted update. It is returned
// alongside rejections too, so the caller always has a retry hint.
type Ack struct {
	Status          Status
	Iteration       uint64
	Count           uint32
	NextRequestTime time.Time
}

// IterationSummary records how a closed iteration ended.
type IterationSummary struct {
	Iteration    uint64    `json:"iteration"`
	Outcome      Outcome   `json:"outcome"`
	Trigger      string    `json:"trigger"`
	Participants uint32    `json:"participants"`
	DataSizeSum  uint64    `json:"data_size_sum"`
	StartedAt    time.Time `json:"started_at"`
	ClosedAt     time.Time `json:"closed_at"`
	Reason       string    `json:"reason,omitempty"`
}

// CoordinatorOption configures optional Coordinator behavior.
type CoordinatorOption func(*Coordinator)

// WithClock replaces the wall clock. Used in tests.
func WithClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) {
		c.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		c.log = log
	}
}

// Coordinator drives the iteration state machine. Updates are admitted
// concurrently; only the identity check-and-insert and the closing
// transition are serialized.
type Coordinator struct {
	config   *RoundConfig
	log      *slog.Logger
	now      func() time.Time
	registry DeviceRegistry
	verifier *SignatureVerifier
	trigger  *AggregationTrigger

	iteration *IterationState
	counter   *ThresholdCounter

	state   *atomic.Int32
	running *atomic.Bool

	// closedThrough is the last iteration whose close has started.
	closedThrough *atomic.Uint64

	mu      sync.RWMutex
	history []IterationSummary
}

// NewCoordinator creates a coordinator whose first iteration starts now.
func NewCoordinator(config *RoundConfig, registry DeviceRegistry, trigger *AggregationTrigger, opts ...CoordinatorOption) (*Coordinator, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid round config: %w", err)
	}
	if registry == nil {
		return nil, errors.New("device registry cannot be nil")
	}
	if trigger == nil {
		return nil, errors.New("aggregation trigger cannot be nil")
	}

	c := &Coordinator{
		config:        config,
		log:           slog.Default(),
		now:           time.Now,
		registry:      registry,
		verifier:      NewSignatureVerifier(config.SignatureTolerance, config.VerifySignatures),
		trigger:       trigger,
		state:         atomic.NewInt32(int32(StateCollecting)),
		running:       atomic.NewBool(false),
		closedThrough: atomic.NewUint64(0),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.iteration = NewIterationState(1, c.now(), config.IterationWindow)
	c.counter = NewThresholdCounter(c.iteration, config.Threshold)
	metrics.SetIteration(1)
	metrics.SetParticipants(0)
	return c, nil
}

// State returns the current phase of the state machine.
func (c *Coordinator) State() RoundState {
	return RoundState(c.state.Load())
}

// Config returns the round configuration.
func (c *Coordinator) Config() *RoundConfig {
	return c.config
}

// Status describes the iteration currently collecting updates.
func (c *Coordinator) Status() *IterationStatus {
	snapshot := c.iteration.Snapshot()
	return &IterationStatus{
		Iteration: snapshot.Number,
		State:     c.State(),
		Count:     snapshot.Participants,
		Threshold: c.counter.Threshold(),
		StartedAt: snapshot.StartedAt,
		Deadline:  snapshot.Deadline(),
	}
}

// History returns the summaries of recently closed iterations, oldest first.
func (c *Coordinator) History() []IterationSummary {
	c.mu.RLock()
	defer c.mu.RUnlock()

	history := make([]IterationSummary, len(c.history))
	copy(history, c.history)
	return history
}

// Submit processes one client update. Rejections are returned as a
// *KernelError together with an Ack carrying the retry hint. A duplicate
// from an already counted identity is acknowledged with StatusAlreadyCounted
// and a nil error; its payload is discarded.
func (c *Coordinator) Submit(ctx context.Context, update *ClientUpdate) (*Ack, error) {
	now := c.now()
	snapshot := c.iteration.Snapshot()
	ack := &Ack{
		Iteration:       snapshot.Number,
		Count:           snapshot.Participants,
		NextRequestTime: now.Add(c.config.TickInterval),
	}

	if err := update.Validate(); err != nil {
		return c.reject(ack, err)
	}

	// The signature binds the iteration only when it is pinned.
	if update.Iteration == 0 && c.verifier.Enabled() {
		return c.reject(ack, newKernelError(StatusParseError, "signed updates must name an iteration"))
	}
	if update.Iteration != 0 && update.Iteration != snapshot.Number {
		return c.reject(ack, newKernelError(StatusRoundClosed, "update for iteration %d, collecting iteration %d", update.Iteration, snapshot.Number))
	}
	if state := c.State(); state != StateCollecting {
		return c.reject(ack, newKernelError(StatusRoundClosed, "iteration %d is %s, retry next iteration", snapshot.Number, state))
	}
	if snapshot.Sealed || !now.Before(snapshot.Deadline()) {
		return c.reject(ack, newKernelError(StatusRoundClosed, "iteration %d no longer accepts updates", snapshot.Number))
	}

	meta, found, err := c.registry.Lookup(ctx, update.Identity)
	if err != nil {
		return c.reject(ack, wrapKernelError(StatusInternal, "device lookup", err))
	}
	if !found {
		meta = nil
	}

	switch c.verifier.Verify(update, meta, now) {
	case VerifyFailed:
		c.log.Warn("Rejected update with invalid signature", "fl_id", update.Identity, "iteration", snapshot.Number)
		return c.reject(ack, newKernelError(StatusSignatureFailed, "signature does not match"))
	case VerifyTimeout:
		c.log.Warn("Rejected update with stale signature",
			"fl_id", update.Identity,
			"iteration", snapshot.Number,
			"age", now.Sub(update.Token.Time()))
		return c.reject(ack, newKernelError(StatusSignatureTimeout, "signature timestamp outside %s tolerance", c.config.SignatureTolerance))
	}

	result := c.counter.TryIncrement(snapshot.Number, update)
	ack.Count = result.Count

	switch result.Status {
	case CountClosed:
		return c.reject(ack, newKernelError(StatusRoundClosed, "iteration %d closed, retry next iteration", snapshot.Number))
	case CountShapeMismatch:
		return c.reject(ack, newKernelError(StatusParseError, "feature shape does not match iteration %d", snapshot.Number))
	case CountAlreadyCounted:
		c.log.Debug("Duplicate update discarded", "fl_id", update.Identity, "iteration", snapshot.Number)
		ack.Status = StatusAlreadyCounted
		ack.NextRequestTime = snapshot.Deadline()
		metrics.RecordUpdate(string(ack.Status))
		return ack, nil
	}

	c.enroll(ctx, update, meta, snapshot.Number, now)
	metrics.SetParticipants(result.Count)

	ack.Status = StatusAccepted
	ack.NextRequestTime = snapshot.Deadline()
	metrics.RecordUpdate(string(ack.Status))

	c.log.Debug("Update accepted",
		"fl_id", update.Identity,
		"iteration", snapshot.Number,
		"count", result.Count,
		"threshold", c.config.Threshold)

	if result.Reached {
		c.closeIteration(ctx, StateThresholdReached, triggerThreshold)
		// The result of this iteration is available once the close returns.
		ack.NextRequestTime = c.now()
	}
	return ack, nil
}

func (c *Coordinator) reject(ack *Ack, err error) (*Ack, error) {
	ack.Status = StatusOf(err)
	metrics.RecordUpdate(string(ack.Status))
	return ack, err
}

// enroll records the device after an accepted update. A registry failure
// does not revoke the update, which is already counted.
func (c *Coordinator) enroll(ctx context.Context, update *ClientUpdate, prev *DeviceMeta, iteration uint64, now time.Time) {
	meta := &DeviceMeta{
		Identity:      update.Identity,
		DataSize:      update.DataSize,
		EnrolledAt:    now,
		LastSeen:      now,
		LastIteration: iteration,
		Verification:  VerificationSkipped,
	}
	if prev != nil {
		meta.EnrolledAt = prev.EnrolledAt
		meta.PublicKey = prev.PublicKey
	}
	if c.verifier.Enabled() {
		meta.PublicKey = update.Token.PublicKey
		meta.Verification = VerificationVerified
	}

	if err := c.registry.Upsert(ctx, update.Identity, meta); err != nil {
		c.log.Error("Failed to record device", "fl_id", update.Identity, "err", err)
	}
}

// CheckWindow closes the current iteration if its window has elapsed at now.
// It returns true if this call closed it.
func (c *Coordinator) CheckWindow(now time.Time) bool {
	if !c.iteration.SealIfExpired(now) {
		return false
	}
	c.closeIteration(context.Background(), StateWindowExpired, triggerWindow)
	return true
}

// Run checks the iteration window every tick until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	if c.running.Swap(true) {
		return errors.New("coordinator already running")
	}
	defer c.running.Store(false)

	c.log.Info("Round coordinator started",
		"threshold", c.config.Threshold,
		"window", c.config.IterationWindow,
		"expiryPolicy", c.config.ExpiryPolicy)

	ticker := time.NewTicker(c.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.log.Info("Round coordinator stopped")
			return nil
		case <-ticker.C:
			c.CheckWindow(c.now())
		}
	}
}

// closeIteration runs the closing transition of a sealed iteration. Both the
// threshold path and the window path only get here after sealing. Each
// iteration number is claimed once, so a close of the next iteration can
// start while this one is still finishing.
func (c *Coordinator) closeIteration(ctx context.Context, state RoundState, trigger string) {
	snapshot, updates := c.iteration.Collected()
	if !snapshot.Sealed || !c.closedThrough.CompareAndSwap(snapshot.Number-1, snapshot.Number) {
		return
	}

	c.state.Store(int32(state))

	outcome, reason := c.aggregate(ctx, state, snapshot, updates)

	c.state.Store(int32(StateResetting))
	closedAt := c.now()

	c.recordSummary(IterationSummary{
		Iteration:    snapshot.Number,
		Outcome:      outcome,
		Trigger:      trigger,
		Participants: snapshot.Participants,
		DataSizeSum:  snapshot.DataSizeSum,
		StartedAt:    snapshot.StartedAt,
		ClosedAt:     closedAt,
		Reason:       reason,
	})

	next := c.iteration.Advance(closedAt)

	metrics.RecordIteration(string(outcome), trigger)
	metrics.SetIteration(next)
	metrics.SetParticipants(0)

	// A window close of the next iteration may already own the state.
	c.state.CompareAndSwap(int32(StateResetting), int32(StateCollecting))

	c.log.Info("Iteration closed",
		"iteration", snapshot.Number,
		"outcome", outcome,
		"trigger", trigger,
		"participants", snapshot.Participants,
		"next", next)
}

func (c *Coordinator) aggregate(ctx context.Context, state RoundState, snapshot IterationSnapshot, updates []*ClientUpdate) (Outcome, string) {
	outcome := OutcomeAggregated
	if state == StateWindowExpired {
		notReached := newKernelError(StatusThresholdNotReached, "%d of %d participants", snapshot.Participants, c.config.Threshold)
		if c.config.ExpiryPolicy == ExpiryFailIteration {
			return OutcomeFailed, notReached.Error()
		}
		if snapshot.Participants == 0 || snapshot.Participants < c.config.MinPartial {
			return OutcomeFailed, fmt.Sprintf("%s, below minimum %d", notReached.Error(), c.config.MinPartial)
		}
		outcome = OutcomePartial
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.AggregationTimeout)
	defer cancel()

	start := time.Now()
	result, err := c.trigger.Fire(ctx, snapshot, updates, outcome)
	metrics.ObserveAggregation(time.Since(start))

	if err != nil {
		if result == nil {
			c.log.Error("Aggregation failed", "iteration", snapshot.Number, "err", err)
			return OutcomeFailed, err.Error()
		}
		return outcome, err.Error()
	}
	return outcome, ""
}

func (c *Coordinator) recordSummary(summary IterationSummary) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.history = append(c.history, summary)
	if limit := c.config.HistorySize; limit > 0 && len(c.history) > limit {
		c.history = c.history[len(c.history)-limit:]
	}
}
