package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/okian/passport-registry/internal/adapters/mq/queue"
	"github.com/okian/passport-registry/internal/adapters/mq/worker"
	"github.com/okian/passport-registry/internal/domain/model"
	"github.com/okian/passport-registry/pkg/logger"
	"github.com/okian/passport-registry/pkg/metrics"
)

var _ worker.Processor = (*Service)(nil)

// RequestRescore queues a recomputation of every community of accountID
// that does not opt out of weight updates.
func (s *Service) RequestRescore(ctx context.Context, accountID int64) (model.RescoreRequest, error) {
	if err := s.ready(); err != nil {
		return model.RescoreRequest{}, err
	}
	communities, err := s.store.ListCommunities(ctx, accountID)
	if err != nil {
		return model.RescoreRequest{}, fmt.Errorf("list communities: %w", err)
	}
	var targets []model.Community
	for _, c := range communities {
		if !c.Scorer.ExcludeFromWeightUpdates {
			targets = append(targets, c)
		}
	}

	req := model.RescoreRequest{
		ID:                   uuid.NewString(),
		AccountID:            accountID,
		Status:               model.RescoreRunning,
		CommunitiesRequested: len(targets),
	}
	if len(targets) == 0 {
		req.Status = model.RescoreSuccess
	}
	req, err = s.store.CreateRescoreRequest(ctx, req)
	if err != nil {
		return model.RescoreRequest{}, fmt.Errorf("create rescore request: %w", err)
	}

	for _, c := range targets {
		if err := s.queue.Enqueue(ctx, queue.Job{RequestID: req.ID, CommunityID: c.ID}); err != nil {
			s.logger.Error(ctx, "failed to enqueue rescore job",
				logger.String("request_id", req.ID),
				logger.Int64("community_id", c.ID),
				logger.Error(err),
			)
			marked, merr := s.store.MarkCommunityRescored(ctx, req.ID, true)
			if merr != nil {
				return req, fmt.Errorf("mark rescore failed: %w", merr)
			}
			req = marked
			if errors.Is(err, queue.ErrFull) {
				return req, fmt.Errorf("%w: %w", ErrQueueFull, err)
			}
			return req, err
		}
	}

	s.logger.Info(ctx, "rescore requested",
		logger.String("request_id", req.ID),
		logger.Int64("account_id", accountID),
		logger.Int("communities", len(targets)),
	)
	return req, nil
}

// GetRescore returns the rescore request id when it belongs to accountID.
func (s *Service) GetRescore(ctx context.Context, accountID int64, id string) (model.RescoreRequest, error) {
	req, found, err := s.store.GetRescoreRequest(ctx, id)
	if err != nil {
		return model.RescoreRequest{}, err
	}
	if !found || req.AccountID != accountID {
		return model.RescoreRequest{}, fmt.Errorf("%w: rescore request %s", ErrNotFound, id)
	}
	return req, nil
}

// ProcessRescore recomputes and persists the score of every passport of one
// community, then records the outcome on the rescore request.
func (s *Service) ProcessRescore(ctx context.Context, job queue.Job) error {
	start := time.Now()
	n, err := s.rescoreCommunity(ctx, job)
	failed := err != nil

	if _, merr := s.store.MarkCommunityRescored(ctx, job.RequestID, failed); merr != nil {
		s.logger.Error(ctx, "failed to record rescore progress",
			logger.String("request_id", job.RequestID),
			logger.Error(merr),
		)
		if err == nil {
			err = merr
		}
	}

	if failed {
		metrics.RecordCommunityRescored("failed")
		s.logger.Error(ctx, "community rescore failed",
			logger.String("request_id", job.RequestID),
			logger.Int64("community_id", job.CommunityID),
			logger.Error(err),
		)
		return err
	}
	metrics.RecordCommunityRescored("success")
	metrics.RecordPassportsRescored(n)
	s.logger.Debug(ctx, "community rescored",
		logger.String("request_id", job.RequestID),
		logger.Int64("community_id", job.CommunityID),
		logger.Int("passports", n),
		logger.Duration("took", time.Since(start)),
	)
	return err
}

func (s *Service) rescoreCommunity(ctx context.Context, job queue.Job) (int, error) {
	req, found, err := s.store.GetRescoreRequest(ctx, job.RequestID)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, fmt.Errorf("%w: rescore request %s", ErrNotFound, job.RequestID)
	}
	community, found, err := s.store.FindCommunity(ctx, job.CommunityID, req.AccountID)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, fmt.Errorf("%w: community %d", ErrNotFound, job.CommunityID)
	}

	passports, err := s.store.ListPassports(ctx, community.ID)
	if err != nil {
		return 0, fmt.Errorf("list passports: %w", err)
	}
	if len(passports) == 0 {
		return 0, nil
	}
	ids := make([]int64, len(passports))
	for i, p := range passports {
		ids[i] = p.ID
	}
	scorer, err := s.scorerFor(community)
	if err != nil {
		return 0, err
	}
	values, err := scorer.ComputeScore(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("compute scores: %w", err)
	}
	if len(values) != len(passports) {
		return 0, fmt.Errorf("scorer returned %d scores for %d passports", len(values), len(passports))
	}

	now := s.now()
	for i, p := range passports {
		saved, err := s.store.SaveScore(ctx, model.Score{
			PassportID:         p.ID,
			Address:            p.Address,
			Value:              values[i],
			LastScoreTimestamp: now,
		})
		if err != nil {
			return i, fmt.Errorf("save score of passport %d: %w", p.ID, err)
		}
		if err := s.cache.Set(ctx, community.ID, saved); err != nil {
			s.logger.Warn(ctx, "failed to cache score", logger.Error(err))
		}
	}
	return len(passports), nil
}
