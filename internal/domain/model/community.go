package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ScorerType selects how a community turns stamps into a score.
type ScorerType string

const (
	ScorerWeighted       ScorerType = "WEIGHTED"
	ScorerWeightedBinary ScorerType = "WEIGHTED_BINARY"
)

// Valid reports whether t is a known scorer type.
func (t ScorerType) Valid() bool {
	return t == ScorerWeighted || t == ScorerWeightedBinary
}

// ScorerConfig is the per-community scoring setup.
type ScorerConfig struct {
	Type          ScorerType                 `json:"type"`
	Weights       map[string]decimal.Decimal `json:"weights"`
	DefaultWeight decimal.Decimal            `json:"default_weight"`
	// Threshold only applies to WEIGHTED_BINARY.
	Threshold decimal.Decimal `json:"threshold"`
	// ExcludeFromWeightUpdates keeps the community out of bulk rescoring.
	ExcludeFromWeightUpdates bool `json:"exclude_from_weight_updates"`
}

// Community scopes passports and scores and owns a scorer configuration.
type Community struct {
	ID          int64
	AccountID   int64
	Name        string
	Description string
	Scorer      ScorerConfig
	CreatedAt   time.Time
}

// Account owns communities and API keys.
type Account struct {
	ID        int64
	Address   string
	CreatedAt time.Time
}

// APIKey authenticates calls on behalf of an Account. Only the hash of the
// secret half is ever stored.
type APIKey struct {
	ID         string
	AccountID  int64
	Name       string
	Prefix     string
	SecretHash []byte
	CreatedAt  time.Time
}
