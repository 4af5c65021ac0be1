// Package repository persists accounts, communities, passports, stamps,
// scores and rescore requests. It provides an in-memory store and a SQL
// store for postgres and sqlite.
package repository

import (
	"context"

	"github.com/okian/passport-registry/internal/domain/ingest"
	"github.com/okian/passport-registry/internal/domain/model"
)

// Store is the full storage surface of the registry.
type Store interface {
	ingest.Store
	FindScore(ctx context.Context, passportID int64) (model.Score, bool, error)

	CreateAccount(ctx context.Context, address string) (model.Account, error)
	CreateAPIKey(ctx context.Context, key model.APIKey) (model.APIKey, error)
	APIKeyByPrefix(ctx context.Context, prefix string) (model.APIKey, bool, error)

	CreateCommunity(ctx context.Context, c model.Community) (model.Community, error)
	ListCommunities(ctx context.Context, accountID int64) ([]model.Community, error)

	// ListPassports returns the passports of a community ordered by ID.
	ListPassports(ctx context.Context, communityID int64) ([]model.Passport, error)
	StampsForPassports(ctx context.Context, passportIDs []int64) (map[int64][]model.Stamp, error)

	CreateRescoreRequest(ctx context.Context, r model.RescoreRequest) (model.RescoreRequest, error)
	GetRescoreRequest(ctx context.Context, id string) (model.RescoreRequest, bool, error)
	// MarkCommunityRescored counts one processed community. The request
	// becomes FAILED on the first failure and SUCCESS once every community
	// succeeded.
	MarkCommunityRescored(ctx context.Context, id string, failed bool) (model.RescoreRequest, error)

	// Reader returns the store used for score reads, a replica when one is
	// configured.
	Reader() ingest.ScoreSource

	Ping(ctx context.Context) error
	Close() error
}
