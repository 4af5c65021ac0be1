package ingest

import (
	"context"
	"time"

	"github.com/okian/passport-registry/internal/domain/credential"
	"github.com/okian/passport-registry/internal/domain/dedupe"
	"github.com/okian/passport-registry/internal/domain/model"
	"github.com/okian/passport-registry/internal/domain/scoring"
)

// SignerRecoverer recovers the address that produced a signature.
type SignerRecoverer interface {
	Recover(signature string) (string, error)
}

// DocumentFetcher loads the passport document published for a DID.
type DocumentFetcher interface {
	FetchPassport(ctx context.Context, did string) (model.Document, error)
}

// CredentialValidator validates one stamp credential.
type CredentialValidator interface {
	Validate(ctx context.Context, did string, cred model.Credential, now time.Time) (credential.Result, error)
}

// Reader is the read side shared by the store and its transactions.
type Reader interface {
	FindPassport(ctx context.Context, address string, communityID int64) (model.Passport, bool, error)
	// StampOwners maps each known hash to its owning passport. Inside a Tx
	// the returned ownership is locked until commit, including for hashes
	// that have no owner yet.
	StampOwners(ctx context.Context, hashes []string) (dedupe.Index, error)
}

// Tx is one atomic unit of passport persistence.
type Tx interface {
	Reader
	RemoveStamps(ctx context.Context, removals []dedupe.Removal) error
	UpsertPassport(ctx context.Context, p model.Passport) (model.Passport, error)
	ReplaceStamps(ctx context.Context, passportID int64, stamps []model.Stamp) ([]model.Stamp, error)
}

// Store is what the pipeline needs from storage.
type Store interface {
	Reader
	FindCommunity(ctx context.Context, communityID, accountID int64) (model.Community, bool, error)
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	SaveScore(ctx context.Context, score model.Score) (model.Score, error)
}

// ScorerFactory returns the scorer configured for a community.
type ScorerFactory func(c model.Community) (scoring.Scorer, error)
