package protocol

import (
	"errors"
	"fmt"
	"time"
)

// ExpiryPolicy decides what happens when an iteration window elapses below threshold.
type ExpiryPolicy string

const (
	// ExpiryAggregatePartial aggregates whatever was collected.
	ExpiryAggregatePartial ExpiryPolicy = "aggregate"
	// ExpiryFailIteration discards the collected updates and advances.
	ExpiryFailIteration ExpiryPolicy = "fail"
)

// Valid returns true if the policy is recognized.
func (p ExpiryPolicy) Valid() bool {
	switch p {
	case ExpiryAggregatePartial, ExpiryFailIteration:
		return true
	}
	return false
}

// RoundConfig provides the parameters of the round coordinator.
type RoundConfig struct {
	// Threshold is the number of distinct clients that closes an iteration.
	Threshold uint32 `json:"threshold" yaml:"threshold"`

	// IterationWindow bounds how long an iteration collects updates.
	IterationWindow time.Duration `json:"iteration_window" yaml:"iteration_window"`

	// SignatureTolerance is the maximum age (and future skew) of an update token.
	SignatureTolerance time.Duration `json:"signature_tolerance" yaml:"signature_tolerance"`

	// VerifySignatures disables signature checks when false. Only for trusted deployments.
	VerifySignatures bool `json:"verify_signatures" yaml:"verify_signatures"`

	// ExpiryPolicy applies when the window elapses below threshold.
	ExpiryPolicy ExpiryPolicy `json:"expiry_policy" yaml:"expiry_policy"`

	// MinPartial is the minimum participation for partial aggregation.
	MinPartial uint32 `json:"min_partial" yaml:"min_partial"`

	// TickInterval is how often the window timer checks for expiry.
	TickInterval time.Duration `json:"tick_interval" yaml:"tick_interval"`

	// AggregationTimeout bounds a single aggregation and publication.
	AggregationTimeout time.Duration `json:"aggregation_timeout" yaml:"aggregation_timeout"`

	// HistorySize is the number of closed iteration summaries kept.
	HistorySize int `json:"history_size" yaml:"history_size"`
}

// DefaultRoundConfig returns a configuration suitable for small deployments.
func DefaultRoundConfig() *RoundConfig {
	return &RoundConfig{
		Threshold:          3,
		IterationWindow:    time.Minute,
		SignatureTolerance: time.Minute,
		VerifySignatures:   true,
		ExpiryPolicy:       ExpiryAggregatePartial,
		MinPartial:         1,
		TickInterval:       time.Second,
		AggregationTimeout: 30 * time.Second,
		HistorySize:        64,
	}
}

// Validate checks the configuration for values the coordinator cannot run with.
func (c *RoundConfig) Validate() error {
	if c == nil {
		return errors.New("round config cannot be nil")
	}
	if c.Threshold == 0 {
		return errors.New("threshold must be positive")
	}
	if c.IterationWindow <= 0 {
		return errors.New("iteration window must be positive")
	}
	if c.VerifySignatures && c.SignatureTolerance <= 0 {
		return errors.New("signature tolerance must be positive")
	}
	if !c.ExpiryPolicy.Valid() {
		return fmt.Errorf("unknown expiry policy %q", c.ExpiryPolicy)
	}
	if c.MinPartial > c.Threshold {
		return fmt.Errorf("min partial %d exceeds threshold %d", c.MinPartial, c.Threshold)
	}
	if c.TickInterval <= 0 {
		return errors.New("tick interval must be positive")
	}
	if c.AggregationTimeout <= 0 {
		return errors.New("aggregation timeout must be positive")
	}
	return nil
}
