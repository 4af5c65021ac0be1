// Package ingest runs passport submissions through an explicit state machine:
// signature check, document fetch, deduplication, credential validation,
// persistence and scoring.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/okian/passport-registry/internal/domain/credential"
	"github.com/okian/passport-registry/internal/domain/dedupe"
	"github.com/okian/passport-registry/internal/domain/model"
	"github.com/okian/passport-registry/internal/domain/signature"
	"github.com/okian/passport-registry/pkg/logger"
	"github.com/okian/passport-registry/pkg/metrics"
	"github.com/okian/passport-registry/pkg/tracing"
	"go.opentelemetry.io/otel/trace"
)

// Drop reasons added on top of the dedupe ones.
const (
	ReasonExpired      = "expired"
	ReasonInvalid      = "invalid"
	ReasonNotValidated = "not validated"
)

// Submission is a signed request to ingest the passport of Address.
type Submission struct {
	Address     string
	Signature   string
	CommunityID int64
	// AccountID is the authenticated caller; it must own the community.
	AccountID int64
}

// Dropped describes a stamp of the document that was not stored.
type Dropped struct {
	Provider string
	Hash     string
	Reason   string
	Errors   []string
}

// Result is the outcome of a completed submission.
type Result struct {
	Passport model.Passport
	Stamps   []model.Stamp
	Score    model.Score
	// Removals is the number of hashes taken from previous owners.
	Removals int
	Dropped  []Dropped
	Trace    []State
}

// Deps are the collaborators a Pipeline cannot run without.
type Deps struct {
	Signers   SignerRecoverer
	Fetcher   DocumentFetcher
	Validator CredentialValidator
	Store     Store
	Scorers   ScorerFactory
}

// Pipeline ingests submissions. It is safe for concurrent use.
type Pipeline struct {
	deps           Deps
	engine         *dedupe.Engine
	documentIssuer string
	now            func() time.Time
	log            logger.Logger
	tracer         trace.Tracer
}

// New builds a Pipeline.
func New(deps Deps, opts ...Option) (*Pipeline, error) {
	if deps.Signers == nil || deps.Fetcher == nil || deps.Validator == nil || deps.Store == nil || deps.Scorers == nil {
		return nil, errors.New("ingest: missing dependency")
	}
	p := &Pipeline{
		deps:   deps,
		engine: dedupe.New(),
		now:    func() time.Time { return time.Now().UTC() },
		tracer: tracing.Tracer("registry/ingest"),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.log == nil {
		p.log = logger.Named("ingest")
	}
	return p, nil
}

// run carries one submission through the transitions.
type run struct {
	sub       Submission
	address   string
	did       string
	now       time.Time
	doc       model.Document
	community model.Community
	decision  dedupe.Decision
	validated map[string]credential.Result
	passport  model.Passport
	stamps    []model.Stamp
	score     model.Score
	dropped   []Dropped
}

type transition struct {
	to State
	fn func(p *Pipeline, ctx context.Context, r *run) error
}

// transitions are applied in order; any error moves the run to StateFailed.
var transitions = [...]transition{
	{StateSignatureVerified, (*Pipeline).verifySignature},
	{StateFetched, (*Pipeline).fetch},
	{StateDeduplicated, (*Pipeline).deduplicate},
	{StateValidated, (*Pipeline).validate},
	{StatePersisted, (*Pipeline).persist},
	{StateScored, (*Pipeline).scoreStep},
}

// Submit runs sub to completion. Returned errors are *StepError values whose
// kind is one of the package's public errors.
func (p *Pipeline) Submit(ctx context.Context, sub Submission) (Result, error) {
	ctx, span := p.tracer.Start(ctx, "ingest.submit", trace.WithAttributes(
		tracing.Int64("community_id", sub.CommunityID),
	))

	r := &run{sub: sub, now: p.now()}
	states := []State{StateReceived}

	for _, t := range transitions {
		start := time.Now()
		err := p.apply(ctx, t, r)
		metrics.RecordStepDuration(t.to.String(), float64(time.Since(start).Milliseconds()))
		if err != nil {
			se := asStepError(t.to, err)
			states = append(states, StateFailed)
			p.logFailure(ctx, sub, se)
			metrics.RecordSubmission(KindName(se))
			tracing.End(span, se)
			return Result{Trace: states}, se
		}
		states = append(states, t.to)
	}
	states = append(states, StateComplete)

	p.logDropped(ctx, r)
	metrics.RecordSubmission("success")
	metrics.RecordStampsAccepted(len(r.stamps))
	metrics.RecordStampTakeovers(len(r.decision.Removals))
	tracing.End(span, nil)

	return Result{
		Passport: r.passport,
		Stamps:   r.stamps,
		Score:    r.score,
		Removals: len(r.decision.Removals),
		Dropped:  r.dropped,
		Trace:    states,
	}, nil
}

func (p *Pipeline) apply(ctx context.Context, t transition, r *run) error {
	ctx, span := p.tracer.Start(ctx, "ingest."+t.to.String())
	err := t.fn(p, ctx, r)
	tracing.End(span, err)
	return err
}

func reject(kind, err error) error {
	return &StepError{Kind: kind, Err: err}
}

// asStepError stamps the failing state and defaults the kind to the generic
// creation error.
func asStepError(state State, err error) *StepError {
	var se *StepError
	if errors.As(err, &se) {
		se.State = state
		return se
	}
	return &StepError{State: state, Kind: ErrPassportCreation, Err: err}
}

func (p *Pipeline) verifySignature(_ context.Context, r *run) error {
	signer, err := p.deps.Signers.Recover(r.sub.Signature)
	if err != nil {
		return reject(ErrInvalidSigner, err)
	}
	if !signature.SameAddress(signer, r.sub.Address) {
		return reject(ErrInvalidSigner, fmt.Errorf("signature recovers to %s", signer))
	}
	r.address = model.NormalizeAddress(r.sub.Address)
	r.did = signature.DID(r.address)
	return nil
}

func (p *Pipeline) fetch(ctx context.Context, r *run) error {
	doc, err := p.deps.Fetcher.FetchPassport(ctx, r.did)
	if err != nil {
		return fmt.Errorf("fetch passport %s: %w", r.did, err)
	}
	if doc.Issuer != p.documentIssuer {
		return reject(ErrInvalidSigner, fmt.Errorf("untrusted document issuer %q", doc.Issuer))
	}
	r.doc = doc

	community, found, err := p.deps.Store.FindCommunity(ctx, r.sub.CommunityID, r.sub.AccountID)
	if err != nil {
		return fmt.Errorf("load community: %w", err)
	}
	if !found {
		return reject(ErrCommunityNotFound, fmt.Errorf("community %d for account %d", r.sub.CommunityID, r.sub.AccountID))
	}
	r.community = community
	return nil
}

// deduplicate computes an advisory decision from an unlocked snapshot. It
// selects which stamps to validate; persist re-decides under lock.
func (p *Pipeline) deduplicate(ctx context.Context, r *run) error {
	owners, err := p.deps.Store.StampOwners(ctx, nonEmpty(r.doc.Hashes()))
	if err != nil {
		return fmt.Errorf("read stamp owners: %w", err)
	}
	existing, _, err := p.deps.Store.FindPassport(ctx, r.address, r.community.ID)
	if err != nil {
		return fmt.Errorf("read passport: %w", err)
	}
	r.decision = p.engine.DeduplicateFor(existing.ID, r.doc.Stamps, owners)
	return nil
}

func (p *Pipeline) validate(ctx context.Context, r *run) error {
	r.validated = make(map[string]credential.Result, len(r.decision.Accepted))
	for _, s := range r.decision.Accepted {
		res, err := p.deps.Validator.Validate(ctx, r.did, s.Credential, r.now)
		if err != nil {
			return fmt.Errorf("validate %s stamp %s: %w", s.Provider, s.Hash(), err)
		}
		r.validated[s.Hash()] = res
	}
	return nil
}

func (p *Pipeline) persist(ctx context.Context, r *run) error {
	hashes := nonEmpty(r.doc.Hashes())
	var (
		decision dedupe.Decision
		passport model.Passport
		stored   []model.Stamp
	)
	err := p.deps.Store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		existing, _, err := tx.FindPassport(ctx, r.address, r.community.ID)
		if err != nil {
			return fmt.Errorf("read passport: %w", err)
		}
		owners, err := tx.StampOwners(ctx, hashes)
		if err != nil {
			return fmt.Errorf("lock stamp owners: %w", err)
		}
		decision = p.engine.DeduplicateFor(existing.ID, r.doc.Stamps, owners)

		if err := tx.RemoveStamps(ctx, decision.Removals); err != nil {
			return fmt.Errorf("remove stamps: %w", err)
		}
		passport, err = tx.UpsertPassport(ctx, model.Passport{
			Address:     r.address,
			CommunityID: r.community.ID,
			Document:    model.Document{Issuer: r.doc.Issuer, Stamps: decision.Accepted},
			UpdatedAt:   r.now,
		})
		if err != nil {
			return fmt.Errorf("upsert passport: %w", err)
		}
		stored, err = tx.ReplaceStamps(ctx, passport.ID, p.storable(decision, r))
		if err != nil {
			return fmt.Errorf("replace stamps: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.decision = decision
	r.passport = passport
	r.stamps = stored
	r.dropped = dropsOf(decision, r.validated)
	return nil
}

// storable keeps accepted stamps that validated without errors and are not
// expired.
func (p *Pipeline) storable(d dedupe.Decision, r *run) []model.Stamp {
	out := make([]model.Stamp, 0, len(d.Accepted))
	for _, s := range d.Accepted {
		res, ok := r.validated[s.Hash()]
		if !ok || !res.Accepted() {
			continue
		}
		out = append(out, model.Stamp{
			Hash:       s.Hash(),
			Provider:   s.Provider,
			Credential: s.Credential,
			CreatedAt:  r.now,
		})
	}
	return out
}

func (p *Pipeline) scoreStep(ctx context.Context, r *run) error {
	scorer, err := p.deps.Scorers(r.community)
	if err != nil {
		return fmt.Errorf("scorer for community %d: %w", r.community.ID, err)
	}
	scores, err := scorer.ComputeScore(ctx, []int64{r.passport.ID})
	if err != nil {
		return fmt.Errorf("compute score: %w", err)
	}
	if len(scores) != 1 {
		return fmt.Errorf("scorer returned %d scores for one passport", len(scores))
	}
	saved, err := p.deps.Store.SaveScore(ctx, model.Score{
		PassportID:         r.passport.ID,
		Address:            r.passport.Address,
		Value:              scores[0],
		LastScoreTimestamp: r.now,
	})
	if err != nil {
		return fmt.Errorf("save score: %w", err)
	}
	r.score = saved
	return nil
}

func dropsOf(d dedupe.Decision, validated map[string]credential.Result) []Dropped {
	var out []Dropped
	for _, drop := range d.Dropped {
		out = append(out, Dropped{Provider: drop.Stamp.Provider, Hash: drop.Stamp.Hash(), Reason: drop.Reason})
	}
	for _, s := range d.Accepted {
		res, ok := validated[s.Hash()]
		switch {
		case !ok:
			out = append(out, Dropped{Provider: s.Provider, Hash: s.Hash(), Reason: ReasonNotValidated})
		case len(res.Errors) > 0:
			out = append(out, Dropped{Provider: s.Provider, Hash: s.Hash(), Reason: ReasonInvalid, Errors: res.Reasons()})
		case res.Expired:
			out = append(out, Dropped{Provider: s.Provider, Hash: s.Hash(), Reason: ReasonExpired})
		}
	}
	return out
}

func (p *Pipeline) logDropped(ctx context.Context, r *run) {
	for _, d := range r.dropped {
		metrics.RecordStampDropped(d.Reason)
		p.log.Debug(ctx, "stamp not stored",
			logger.String("address", r.address),
			logger.String("provider", d.Provider),
			logger.String("hash", d.Hash),
			logger.String("reason", d.Reason),
			logger.Strings("errors", d.Errors),
		)
	}
}

func (p *Pipeline) logFailure(ctx context.Context, sub Submission, se *StepError) {
	fields := []logger.Field{
		logger.String("state", se.State.String()),
		logger.String("kind", KindName(se)),
		logger.String("address", sub.Address),
		logger.String("signature", sub.Signature),
		logger.Int64("community_id", sub.CommunityID),
		logger.Int64("account_id", sub.AccountID),
		logger.Error(se.Err),
	}
	if errors.Is(se, ErrPassportCreation) {
		p.log.Error(ctx, "passport submission failed", fields...)
		return
	}
	p.log.Warn(ctx, "passport submission rejected", fields...)
}

func nonEmpty(hashes []string) []string {
	out := hashes[:0:0]
	for _, h := range hashes {
		if strings.TrimSpace(h) != "" {
			out = append(out, h)
		}
	}
	return out
}
