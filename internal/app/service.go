// Package service wires storage, the ingestion pipeline, score reads, API
// keys and asynchronous rescoring behind one object the HTTP layer uses.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/okian/passport-registry/internal/adapters/cache"
	"github.com/okian/passport-registry/internal/adapters/mq/queue"
	"github.com/okian/passport-registry/internal/adapters/mq/worker"
	"github.com/okian/passport-registry/internal/adapters/repository"
	"github.com/okian/passport-registry/internal/domain/credential"
	"github.com/okian/passport-registry/internal/domain/dedupe"
	"github.com/okian/passport-registry/internal/domain/ingest"
	"github.com/okian/passport-registry/internal/domain/model"
	"github.com/okian/passport-registry/internal/domain/scoring"
	"github.com/okian/passport-registry/internal/domain/signature"
	"github.com/okian/passport-registry/pkg/logger"
	"github.com/okian/passport-registry/pkg/metrics"
	gocache "github.com/patrickmn/go-cache"
)

const (
	defaultSigningMessage = "I authorize the passport scorer to validate my account"
	defaultWorkerCount    = 4
	defaultQueueSize      = 1000
	defaultAPIKeyTTL      = time.Minute
)

// Service is the registry application. Construct it with New, then Start it
// before serving requests.
type Service struct {
	mu      sync.RWMutex
	started bool

	store    repository.Store
	cache    cache.ScoreCache
	fetcher  ingest.DocumentFetcher
	verifier credential.Verifier

	signingMessage string
	documentIssuer string
	stampIssuers   []string
	policy         dedupe.Policy
	workerCount    int
	queueSize      int
	apiKeyTTL      time.Duration
	now            func() time.Time
	logger         logger.Logger

	pipeline *ingest.Pipeline
	scores   *ingest.ScoreReader
	queue    queue.Queue
	pool     *worker.Pool
	apiKeys  *gocache.Cache
	cancel   context.CancelFunc
}

// New creates a Service. Nothing runs until Start.
func New(opts ...Option) *Service {
	s := &Service{
		cache:          cache.Noop{},
		signingMessage: defaultSigningMessage,
		policy:         dedupe.LIFO,
		workerCount:    defaultWorkerCount,
		queueSize:      defaultQueueSize,
		apiKeyTTL:      defaultAPIKeyTTL,
		now:            func() time.Time { return time.Now().UTC() },
		logger:         logger.Get().Named("service"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.store == nil {
		s.store = repository.NewMemoryStore(repository.WithMemoryClock(s.now))
	}
	return s
}

// Start builds the pipeline and starts the rescore workers.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	if s.fetcher == nil {
		return ErrMissingFetcher
	}

	pipeline, err := ingest.New(ingest.Deps{
		Signers:   signature.NewRecoverer(s.signingMessage),
		Fetcher:   s.fetcher,
		Validator: credential.New(s.stampIssuers, s.verifier),
		Store:     s.store,
		Scorers:   s.scorerFor,
	},
		ingest.WithEngine(dedupe.New(dedupe.WithPolicy(s.policy))),
		ingest.WithDocumentIssuer(s.documentIssuer),
		ingest.WithClock(s.now),
		ingest.WithLogger(s.logger.Named("ingest")),
	)
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}
	s.pipeline = pipeline
	s.scores = ingest.NewScoreReader(s.store.Reader(), s.logger.Named("score"))
	s.apiKeys = gocache.New(s.apiKeyTTL, 2*s.apiKeyTTL)

	s.queue = queue.NewInMemoryQueue(queue.WithCapacity(s.queueSize))
	s.pool = worker.NewPool(s.workerCount, s.queue, s)
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.pool.Start(runCtx)

	s.started = true
	s.logger.Info(ctx, "service started",
		logger.String("dedup_policy", string(s.policy)),
		logger.Int("workers", s.pool.Size()),
		logger.Int("queue_size", s.queueSize),
	)
	return nil
}

// Stop closes the rescore queue and stops the workers. The store and cache
// stay open; their owner closes them.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	ctx := context.Background()
	if err := s.pool.Shutdown(ctx); err != nil {
		s.logger.Warn(ctx, "rescore workers did not stop cleanly", logger.Error(err))
	}
	s.cancel()
	s.started = false
	s.logger.Info(ctx, "service stopped")
}

func (s *Service) ready() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started {
		return ErrNotStarted
	}
	return nil
}

func (s *Service) scorerFor(c model.Community) (scoring.Scorer, error) {
	return scoring.ForCommunity(c.Scorer, s.store)
}

// SubmitPassport ingests the passport of address into the community owned
// by accountID. Errors carry one of the ingest error kinds.
func (s *Service) SubmitPassport(ctx context.Context, accountID, communityID int64, address, sig string) (ingest.Result, error) {
	if err := s.ready(); err != nil {
		return ingest.Result{}, err
	}
	res, err := s.pipeline.Submit(ctx, ingest.Submission{
		Address:     address,
		Signature:   sig,
		CommunityID: communityID,
		AccountID:   accountID,
	})
	if err != nil {
		return res, err
	}
	if err := s.cache.Set(ctx, communityID, res.Score); err != nil {
		s.logger.Warn(ctx, "failed to cache score",
			logger.Int64("community_id", communityID),
			logger.String("address", res.Score.Address),
			logger.Error(err),
		)
	}
	return res, nil
}

// GetScore returns the stored score of address. The cache is only consulted
// once the community is known to belong to accountID. Every failure is
// reported as ingest.ErrScoreRequest.
func (s *Service) GetScore(ctx context.Context, accountID, communityID int64, address string) (model.Score, error) {
	if err := s.ready(); err != nil {
		return model.Score{}, fmt.Errorf("%w: %w", ingest.ErrScoreRequest, err)
	}
	address = model.NormalizeAddress(address)

	_, found, err := s.store.Reader().FindCommunity(ctx, communityID, accountID)
	if err == nil && found {
		score, hit, cerr := s.cache.Get(ctx, communityID, address)
		if cerr != nil {
			s.logger.Warn(ctx, "score cache read failed", logger.Error(cerr))
		}
		if hit {
			return score, nil
		}
	}

	score, err := s.scores.GetScore(ctx, communityID, accountID, address)
	if err != nil {
		return model.Score{}, err
	}
	if err := s.cache.Set(ctx, communityID, score); err != nil {
		s.logger.Warn(ctx, "failed to cache score", logger.Error(err))
	}
	return score, nil
}

// ListStamps returns the stored stamps of the passport of address. Errors
// collapse like GetScore.
func (s *Service) ListStamps(ctx context.Context, accountID, communityID int64, address string) ([]model.Stamp, error) {
	if err := s.ready(); err != nil {
		return nil, fmt.Errorf("%w: %w", ingest.ErrScoreRequest, err)
	}
	stamps, err := s.listStamps(ctx, accountID, communityID, model.NormalizeAddress(address))
	if err != nil {
		s.logger.Error(ctx, "error when listing stamps",
			logger.String("address", address),
			logger.Int64("community_id", communityID),
			logger.Error(err),
		)
		return nil, fmt.Errorf("%w: %w", ingest.ErrScoreRequest, err)
	}
	return stamps, nil
}

func (s *Service) listStamps(ctx context.Context, accountID, communityID int64, address string) ([]model.Stamp, error) {
	_, found, err := s.store.FindCommunity(ctx, communityID, accountID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: community %d", ErrNotFound, communityID)
	}
	passport, found, err := s.store.FindPassport(ctx, address, communityID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: passport %s", ErrNotFound, address)
	}
	byPassport, err := s.store.StampsForPassports(ctx, []int64{passport.ID})
	if err != nil {
		return nil, err
	}
	return byPassport[passport.ID], nil
}

// CreateCommunity creates a community owned by accountID.
func (s *Service) CreateCommunity(ctx context.Context, accountID int64, c model.Community) (model.Community, error) {
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		return model.Community{}, fmt.Errorf("%w: community name is required", ErrInvalidRequest)
	}
	if c.Scorer.Type == "" {
		c.Scorer.Type = model.ScorerWeighted
	}
	if !c.Scorer.Type.Valid() {
		return model.Community{}, fmt.Errorf("%w: %s", ErrInvalidRequest, scoring.ErrUnknownScorer)
	}
	for provider, w := range c.Scorer.Weights {
		if w.IsNegative() {
			return model.Community{}, fmt.Errorf("%w: negative weight for %s", ErrInvalidRequest, provider)
		}
	}
	c.AccountID = accountID
	created, err := s.store.CreateCommunity(ctx, c)
	if err != nil {
		return model.Community{}, fmt.Errorf("create community: %w", err)
	}
	s.logger.Info(ctx, "community created",
		logger.Int64("community_id", created.ID),
		logger.Int64("account_id", accountID),
		logger.String("scorer", string(created.Scorer.Type)),
	)
	return created, nil
}

// ListCommunities returns the communities owned by accountID.
func (s *Service) ListCommunities(ctx context.Context, accountID int64) ([]model.Community, error) {
	return s.store.ListCommunities(ctx, accountID)
}

// QueueLen is the number of rescore jobs waiting for a worker.
func (s *Service) QueueLen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.queue == nil {
		return 0
	}
	return s.queue.Len()
}

// Health reports whether the store and the cache are reachable.
func (s *Service) Health(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		metrics.RecordErrorByComponent("store", "ping")
		return fmt.Errorf("store: %w", err)
	}
	if err := s.cache.Ping(ctx); err != nil {
		metrics.RecordErrorByComponent("cache", "ping")
		return fmt.Errorf("cache: %w", err)
	}
	return nil
}

// IsNotFound reports whether err means a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, repository.ErrNotFound)
}
