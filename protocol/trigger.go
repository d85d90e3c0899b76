package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"
)

// Outcome is how an iteration ended.
type Outcome string

const (
	// OutcomeAggregated means the threshold was reached and the updates were combined.
	OutcomeAggregated Outcome = "aggregated"
	// OutcomePartial means the window elapsed and the partial participation was combined.
	OutcomePartial Outcome = "partial"
	// OutcomeFailed means the iteration advanced without a model.
	OutcomeFailed Outcome = "failed"
)

// AggregationInput is what an Aggregator receives for one iteration.
type AggregationInput struct {
	Iteration uint64

	// Features holds each participant's feature map keyed by identity.
	Features map[string]FeatureMap

	// Weights holds each participant's declared data size keyed by identity.
	Weights     map[string]uint64
	DataSizeSum uint64
}

// Aggregator combines the updates of an iteration into a model delta.
type Aggregator interface {
	Aggregate(ctx context.Context, input *AggregationInput) (FeatureMap, error)
}

// AggregatorFunc adapts a function to the Aggregator interface.
type AggregatorFunc func(ctx context.Context, input *AggregationInput) (FeatureMap, error)

func (f AggregatorFunc) Aggregate(ctx context.Context, input *AggregationInput) (FeatureMap, error) {
	return f(ctx, input)
}

// AggregationResult is the final state of an iteration handed to publishers.
type AggregationResult struct {
	Iteration    uint64
	Outcome      Outcome
	Participants uint32
	DataSizeSum  uint64
	Identities   []string
	Model        FeatureMap
	StartedAt    time.Time
	CompletedAt  time.Time
}

// GlobalModel returns the wire form of the result.
func (r *AggregationResult) GlobalModel() *GlobalModel {
	return &GlobalModel{
		Iteration:    r.Iteration,
		Outcome:      r.Outcome,
		Participants: r.Participants,
		DataSizeSum:  r.DataSizeSum,
		Features:     r.Model,
	}
}

// Publisher distributes the result of an aggregated iteration.
type Publisher interface {
	Publish(ctx context.Context, result *AggregationResult) error
}

// AggregationTrigger hands a closed iteration to the aggregator and
// publishes the outcome. The coordinator guarantees at most one Fire per
// iteration; the trigger itself keeps no iteration state.
type AggregationTrigger struct {
	aggregator Aggregator
	publishers []Publisher
	log        *slog.Logger
	now        func() time.Time
}

// NewAggregationTrigger creates a trigger delegating to aggregator.
func NewAggregationTrigger(aggregator Aggregator, log *slog.Logger, publishers ...Publisher) (*AggregationTrigger, error) {
	if aggregator == nil {
		return nil, errors.New("aggregator cannot be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &AggregationTrigger{
		aggregator: aggregator,
		publishers: publishers,
		log:        log,
		now:        time.Now,
	}, nil
}

// Fire aggregates the updates of a sealed iteration and publishes the result.
// A publish failure does not undo the aggregation: the result is returned
// together with the combined publish errors.
func (t *AggregationTrigger) Fire(ctx context.Context, snapshot IterationSnapshot, updates []*ClientUpdate, outcome Outcome) (*AggregationResult, error) {
	input := &AggregationInput{
		Iteration: snapshot.Number,
		Features:  make(map[string]FeatureMap, len(updates)),
		Weights:   make(map[string]uint64, len(updates)),
	}
	for _, u := range updates {
		input.Features[u.Identity] = u.Features
		input.Weights[u.Identity] = u.DataSize
		input.DataSizeSum += u.DataSize
	}

	if len(input.Features) == 0 {
		return nil, newKernelError(StatusAggregationFailed, "iteration %d has no updates", snapshot.Number)
	}

	model, err := t.aggregator.Aggregate(ctx, input)
	if err != nil {
		return nil, wrapKernelError(StatusAggregationFailed, fmt.Sprintf("aggregating iteration %d", snapshot.Number), err)
	}

	result := &AggregationResult{
		Iteration:    snapshot.Number,
		Outcome:      outcome,
		Participants: snapshot.Participants,
		DataSizeSum:  input.DataSizeSum,
		Identities:   snapshot.Identities,
		Model:        model,
		StartedAt:    snapshot.StartedAt,
		CompletedAt:  t.now(),
	}

	var publishErr error
	for _, p := range t.publishers {
		if err := p.Publish(ctx, result); err != nil {
			publishErr = multierror.Append(publishErr, err)
		}
	}
	if publishErr != nil {
		t.log.Error("Publishing iteration result failed", "iteration", snapshot.Number, "err", publishErr)
		return result, fmt.Errorf("publishing iteration %d: %w", snapshot.Number, publishErr)
	}

	t.log.Info("Iteration aggregated",
		"iteration", snapshot.Number,
		"outcome", outcome,
		"participants", snapshot.Participants,
		"dataSizeSum", input.DataSizeSum)
	return result, nil
}
