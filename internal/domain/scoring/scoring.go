// Package scoring turns the stored stamps of passports into scores.
package scoring

import (
	"context"
	"errors"
	"fmt"

	"github.com/okian/passport-registry/internal/domain/model"
	"github.com/shopspring/decimal"
)

// ErrUnknownScorer is returned for a community with an unsupported scorer type.
var ErrUnknownScorer = errors.New("unknown scorer type")

// Scorer computes one score per passport ID, in the order given.
type Scorer interface {
	ComputeScore(ctx context.Context, passportIDs []int64) ([]decimal.Decimal, error)
}

// StampSource reads the stored stamps of passports.
type StampSource interface {
	StampsForPassports(ctx context.Context, passportIDs []int64) (map[int64][]model.Stamp, error)
}

// Option applies a configuration option to the WeightedScorer.
type Option func(*WeightedScorer)

// WithWeights sets per-provider weights and the weight of unlisted providers.
// Negative weights are ignored.
func WithWeights(weights map[string]decimal.Decimal, defaultWeight decimal.Decimal) Option {
	return func(s *WeightedScorer) {
		s.weights = make(map[string]decimal.Decimal, len(weights))
		for provider, w := range weights {
			if !w.IsNegative() {
				s.weights[provider] = w
			}
		}
		if !defaultWeight.IsNegative() {
			s.defaultWeight = defaultWeight
		}
	}
}

// WithBinaryThreshold turns the scorer into a pass/fail scorer: 1 when the
// weighted sum reaches threshold, else 0.
func WithBinaryThreshold(threshold decimal.Decimal) Option {
	return func(s *WeightedScorer) {
		s.binary = true
		s.threshold = threshold
	}
}

// WeightedScorer sums provider weights over the distinct providers of a
// passport's stamps.
type WeightedScorer struct {
	stamps        StampSource
	weights       map[string]decimal.Decimal
	defaultWeight decimal.Decimal
	binary        bool
	threshold     decimal.Decimal
}

// NewWeighted creates a WeightedScorer reading stamps from src.
func NewWeighted(src StampSource, opts ...Option) *WeightedScorer {
	s := &WeightedScorer{
		stamps:        src,
		weights:       map[string]decimal.Decimal{},
		defaultWeight: decimal.Zero,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ForCommunity builds the scorer configured for a community.
func ForCommunity(cfg model.ScorerConfig, src StampSource) (Scorer, error) {
	switch cfg.Type {
	case model.ScorerWeighted, "":
		return NewWeighted(src, WithWeights(cfg.Weights, cfg.DefaultWeight)), nil
	case model.ScorerWeightedBinary:
		return NewWeighted(src,
			WithWeights(cfg.Weights, cfg.DefaultWeight),
			WithBinaryThreshold(cfg.Threshold),
		), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownScorer, cfg.Type)
	}
}

// ComputeScore implements Scorer.
func (s *WeightedScorer) ComputeScore(ctx context.Context, passportIDs []int64) ([]decimal.Decimal, error) {
	if len(passportIDs) == 0 {
		return nil, nil
	}
	byPassport, err := s.stamps.StampsForPassports(ctx, passportIDs)
	if err != nil {
		return nil, fmt.Errorf("load stamps: %w", err)
	}

	out := make([]decimal.Decimal, len(passportIDs))
	for i, id := range passportIDs {
		out[i] = s.score(byPassport[id])
	}
	return out, nil
}

// Weight returns the weight applied to provider.
func (s *WeightedScorer) Weight(provider string) decimal.Decimal {
	if w, ok := s.weights[provider]; ok {
		return w
	}
	return s.defaultWeight
}

func (s *WeightedScorer) score(stamps []model.Stamp) decimal.Decimal {
	sum := decimal.Zero
	seen := make(map[string]struct{}, len(stamps))
	for _, st := range stamps {
		if _, dup := seen[st.Provider]; dup {
			continue
		}
		seen[st.Provider] = struct{}{}
		sum = sum.Add(s.Weight(st.Provider))
	}
	if !s.binary {
		return sum
	}
	if sum.GreaterThanOrEqual(s.threshold) {
		return decimal.NewFromInt(1)
	}
	return decimal.Zero
}
