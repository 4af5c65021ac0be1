package ingest

import (
	"time"

	"github.com/okian/passport-registry/internal/domain/dedupe"
	"github.com/okian/passport-registry/pkg/logger"
)

// Option applies a configuration option to the Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger used for failures and dropped stamps.
func WithLogger(l logger.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.log = l
		}
	}
}

// WithClock overrides the time source used for expiration checks.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// WithEngine sets the deduplication engine.
func WithEngine(e *dedupe.Engine) Option {
	return func(p *Pipeline) {
		if e != nil {
			p.engine = e
		}
	}
}

// WithDocumentIssuer sets the only issuer accepted on passport documents.
func WithDocumentIssuer(issuer string) Option {
	return func(p *Pipeline) {
		p.documentIssuer = issuer
	}
}
