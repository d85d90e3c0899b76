package protocol

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"gonum.org/v1/gonum/floats"
)

// FedAvgAggregator averages feature maps weighted by declared data size.
type FedAvgAggregator struct{}

// NewFedAvgAggregator creates a federated averaging aggregator.
func NewFedAvgAggregator() *FedAvgAggregator {
	return &FedAvgAggregator{}
}

// Aggregate returns sum(w_i * x_i) / sum(w_i) per feature.
func (a *FedAvgAggregator) Aggregate(ctx context.Context, input *AggregationInput) (FeatureMap, error) {
	if len(input.Features) == 0 {
		return nil, errors.New("no updates to aggregate")
	}

	identities := make([]string, 0, len(input.Features))
	for id := range input.Features {
		identities = append(identities, id)
	}
	// Sorted order keeps floating point summation deterministic.
	slices.Sort(identities)

	var total float64
	for _, id := range identities {
		total += float64(input.Weights[id])
	}
	if total == 0 {
		return nil, errors.New("total data size is zero")
	}

	shape := input.Features[identities[0]].Shape()
	out := make(FeatureMap, len(shape))
	for name, n := range shape {
		out[name] = make([]float64, n)
	}

	for _, id := range identities {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		features := input.Features[id]
		if !features.MatchesShape(shape) {
			return nil, fmt.Errorf("update from %s does not match the model shape", id)
		}

		weight := float64(input.Weights[id])
		for name, values := range features {
			floats.AddScaled(out[name], weight, values)
		}
	}

	for _, values := range out {
		floats.Scale(1/total, values)
	}
	return out, nil
}
