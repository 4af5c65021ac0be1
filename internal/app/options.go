package service

import (
	"time"

	"github.com/okian/passport-registry/internal/adapters/cache"
	"github.com/okian/passport-registry/internal/adapters/repository"
	"github.com/okian/passport-registry/internal/domain/credential"
	"github.com/okian/passport-registry/internal/domain/dedupe"
	"github.com/okian/passport-registry/internal/domain/ingest"
	"github.com/okian/passport-registry/pkg/logger"
)

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithStore sets the backing store. The default is an in-memory store.
func WithStore(st repository.Store) Option {
	return func(s *Service) {
		if st != nil {
			s.store = st
		}
	}
}

// WithScoreCache sets the score read cache. The default never hits.
func WithScoreCache(c cache.ScoreCache) Option {
	return func(s *Service) {
		if c != nil {
			s.cache = c
		}
	}
}

// WithFetcher sets the passport document source.
func WithFetcher(f ingest.DocumentFetcher) Option {
	return func(s *Service) { s.fetcher = f }
}

// WithVerifier sets the external proof verifier. Nil skips proof checks.
func WithVerifier(v credential.Verifier) Option {
	return func(s *Service) { s.verifier = v }
}

// WithSigningMessage sets the text wallets sign to authorize a submission.
func WithSigningMessage(msg string) Option {
	return func(s *Service) {
		if msg != "" {
			s.signingMessage = msg
		}
	}
}

// WithIssuers sets the only accepted document issuer and the stamp issuer
// allow-list.
func WithIssuers(documentIssuer string, stampIssuers []string) Option {
	return func(s *Service) {
		s.documentIssuer = documentIssuer
		s.stampIssuers = stampIssuers
	}
}

// WithDedupPolicy sets the stamp ownership policy.
func WithDedupPolicy(p dedupe.Policy) Option {
	return func(s *Service) {
		if p == dedupe.LIFO || p == dedupe.FIFO {
			s.policy = p
		}
	}
}

// WithWorkerCount sets the number of rescore workers.
func WithWorkerCount(count int) Option {
	return func(s *Service) {
		if count > 0 {
			s.workerCount = count
		}
	}
}

// WithQueueSize sets the capacity of the rescore queue.
func WithQueueSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.queueSize = size
		}
	}
}

// WithAPIKeyCacheTTL sets how long resolved API keys are remembered.
func WithAPIKeyCacheTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.apiKeyTTL = ttl
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}
