package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/okian/passport-registry/internal/domain/model"
	"github.com/okian/passport-registry/pkg/logger"
	"github.com/okian/passport-registry/pkg/metrics"
)

// ScoreSource is the read side needed to resolve a score.
type ScoreSource interface {
	FindCommunity(ctx context.Context, communityID, accountID int64) (model.Community, bool, error)
	FindPassport(ctx context.Context, address string, communityID int64) (model.Passport, bool, error)
	FindScore(ctx context.Context, passportID int64) (model.Score, bool, error)
}

// ScoreReader resolves (community, address) to a stored score.
type ScoreReader struct {
	src ScoreSource
	log logger.Logger
}

// NewScoreReader creates a ScoreReader. A nil log uses the global logger.
func NewScoreReader(src ScoreSource, log logger.Logger) *ScoreReader {
	if log == nil {
		log = logger.Named("score")
	}
	return &ScoreReader{src: src, log: log}
}

var (
	errNoCommunity = errors.New("no such community for account")
	errNoPassport  = errors.New("no passport")
	errNoScore     = errors.New("not scored yet")
)

// GetScore returns the score of address in the community owned by accountID.
// Every failure, including a missing community, passport or score, is
// reported as ErrScoreRequest.
func (q *ScoreReader) GetScore(ctx context.Context, communityID, accountID int64, address string) (model.Score, error) {
	score, err := q.lookup(ctx, communityID, accountID, model.NormalizeAddress(address))
	if err != nil {
		metrics.RecordScoreRequest("error")
		q.log.Error(ctx, "error when getting passport score",
			logger.String("address", address),
			logger.Int64("community_id", communityID),
			logger.Error(err),
		)
		return model.Score{}, fmt.Errorf("%w: %w", ErrScoreRequest, err)
	}
	metrics.RecordScoreRequest("ok")
	return score, nil
}

func (q *ScoreReader) lookup(ctx context.Context, communityID, accountID int64, address string) (model.Score, error) {
	community, found, err := q.src.FindCommunity(ctx, communityID, accountID)
	if err != nil {
		return model.Score{}, err
	}
	if !found {
		return model.Score{}, errNoCommunity
	}
	passport, found, err := q.src.FindPassport(ctx, address, community.ID)
	if err != nil {
		return model.Score{}, err
	}
	if !found {
		return model.Score{}, errNoPassport
	}
	score, found, err := q.src.FindScore(ctx, passport.ID)
	if err != nil {
		return model.Score{}, err
	}
	if !found {
		return model.Score{}, errNoScore
	}
	score.Address = passport.Address
	return score, nil
}
