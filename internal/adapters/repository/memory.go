package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/okian/passport-registry/internal/domain/dedupe"
	"github.com/okian/passport-registry/internal/domain/ingest"
	"github.com/okian/passport-registry/internal/domain/model"
)

type passportKey struct {
	address     string
	communityID int64
}

// MemoryStore keeps everything in process. A single RWMutex serializes
// writers, which makes every transaction trivially atomic.
type MemoryStore struct {
	mu sync.RWMutex

	nextID int64
	now    func() time.Time

	accounts    map[int64]model.Account
	apiKeys     map[string]model.APIKey // by prefix
	communities map[int64]model.Community
	passports   map[int64]model.Passport
	passportIdx map[passportKey]int64
	stamps      map[int64][]model.Stamp // by passport
	hashOwner   map[string]int64
	scores      map[int64]model.Score
	rescores    map[string]model.RescoreRequest
}

// MemoryOption applies a configuration option to the MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryClock overrides the clock used for created/updated timestamps.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		now:         func() time.Time { return time.Now().UTC() },
		accounts:    map[int64]model.Account{},
		apiKeys:     map[string]model.APIKey{},
		communities: map[int64]model.Community{},
		passports:   map[int64]model.Passport{},
		passportIdx: map[passportKey]int64{},
		stamps:      map[int64][]model.Stamp{},
		hashOwner:   map[string]int64{},
		scores:      map[int64]model.Score{},
		rescores:    map[string]model.RescoreRequest{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) id() int64 {
	s.nextID++
	return s.nextID
}

// Ping implements Store.
func (s *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

// Reader implements Store.
func (s *MemoryStore) Reader() ingest.ScoreSource { return s }

// CreateAccount implements Store.
func (s *MemoryStore) CreateAccount(_ context.Context, address string) (model.Account, error) {
	address = model.NormalizeAddress(address)
	if address == "" {
		return model.Account{}, fmt.Errorf("%w: empty address", ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.accounts {
		if a.Address == address {
			return model.Account{}, fmt.Errorf("%w: account %s", ErrConflict, address)
		}
	}
	a := model.Account{ID: s.id(), Address: address, CreatedAt: s.now()}
	s.accounts[a.ID] = a
	return a, nil
}

// CreateAPIKey implements Store.
func (s *MemoryStore) CreateAPIKey(_ context.Context, key model.APIKey) (model.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[key.AccountID]; !ok {
		return model.APIKey{}, fmt.Errorf("%w: account %d", ErrNotFound, key.AccountID)
	}
	if _, dup := s.apiKeys[key.Prefix]; dup {
		return model.APIKey{}, fmt.Errorf("%w: key prefix", ErrConflict)
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = s.now()
	}
	s.apiKeys[key.Prefix] = key
	return key, nil
}

// APIKeyByPrefix implements Store.
func (s *MemoryStore) APIKeyByPrefix(_ context.Context, prefix string) (model.APIKey, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.apiKeys[prefix]
	return k, ok, nil
}

// CreateCommunity implements Store.
func (s *MemoryStore) CreateCommunity(_ context.Context, c model.Community) (model.Community, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[c.AccountID]; !ok {
		return model.Community{}, fmt.Errorf("%w: account %d", ErrNotFound, c.AccountID)
	}
	c.ID = s.id()
	c.CreatedAt = s.now()
	s.communities[c.ID] = c
	return c, nil
}

// ListCommunities implements Store.
func (s *MemoryStore) ListCommunities(_ context.Context, accountID int64) ([]model.Community, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Community
	for _, c := range s.communities {
		if c.AccountID == accountID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// FindCommunity implements ingest.Store.
func (s *MemoryStore) FindCommunity(_ context.Context, communityID, accountID int64) (model.Community, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.communities[communityID]
	if !ok || c.AccountID != accountID {
		return model.Community{}, false, nil
	}
	return c, true, nil
}

// FindPassport implements ingest.Reader.
func (s *MemoryStore) FindPassport(_ context.Context, address string, communityID int64) (model.Passport, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findPassport(address, communityID)
}

func (s *MemoryStore) findPassport(address string, communityID int64) (model.Passport, bool, error) {
	id, ok := s.passportIdx[passportKey{model.NormalizeAddress(address), communityID}]
	if !ok {
		return model.Passport{}, false, nil
	}
	return s.passports[id], true, nil
}

// StampOwners implements ingest.Reader.
func (s *MemoryStore) StampOwners(_ context.Context, hashes []string) (dedupe.Index, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stampOwners(hashes), nil
}

func (s *MemoryStore) stampOwners(hashes []string) dedupe.Index {
	idx := make(dedupe.Index, len(hashes))
	for _, h := range hashes {
		if owner, ok := s.hashOwner[h]; ok {
			idx[h] = owner
		}
	}
	return idx
}

// ListPassports implements Store.
func (s *MemoryStore) ListPassports(_ context.Context, communityID int64) ([]model.Passport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Passport
	for _, p := range s.passports {
		if p.CommunityID == communityID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// StampsForPassports implements Store.
func (s *MemoryStore) StampsForPassports(_ context.Context, passportIDs []int64) (map[int64][]model.Stamp, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int64][]model.Stamp, len(passportIDs))
	for _, id := range passportIDs {
		if st := s.stamps[id]; len(st) > 0 {
			out[id] = append([]model.Stamp(nil), st...)
		}
	}
	return out, nil
}

// SaveScore implements ingest.Store.
func (s *MemoryStore) SaveScore(_ context.Context, score model.Score) (model.Score, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.passports[score.PassportID]
	if !ok {
		return model.Score{}, fmt.Errorf("%w: passport %d", ErrNotFound, score.PassportID)
	}
	score.Address = p.Address
	score.Value = score.Value.Round(model.ScoreDecimals)
	s.scores[score.PassportID] = score
	return score, nil
}

// FindScore implements Store.
func (s *MemoryStore) FindScore(_ context.Context, passportID int64) (model.Score, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.scores[passportID]
	return sc, ok, nil
}

// CreateRescoreRequest implements Store.
func (s *MemoryStore) CreateRescoreRequest(_ context.Context, r model.RescoreRequest) (model.RescoreRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		return model.RescoreRequest{}, fmt.Errorf("%w: empty rescore id", ErrInvalidArgument)
	}
	now := s.now()
	r.CreatedAt, r.UpdatedAt = now, now
	if r.Status == "" {
		r.Status = model.RescoreRunning
	}
	s.rescores[r.ID] = r
	return r, nil
}

// GetRescoreRequest implements Store.
func (s *MemoryStore) GetRescoreRequest(_ context.Context, id string) (model.RescoreRequest, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rescores[id]
	return r, ok, nil
}

// MarkCommunityRescored implements Store.
func (s *MemoryStore) MarkCommunityRescored(_ context.Context, id string, failed bool) (model.RescoreRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rescores[id]
	if !ok {
		return model.RescoreRequest{}, fmt.Errorf("%w: rescore %s", ErrNotFound, id)
	}
	r.CommunitiesProcessed++
	r.Status = nextRescoreStatus(r, failed)
	r.UpdatedAt = s.now()
	s.rescores[id] = r
	return r, nil
}

func nextRescoreStatus(r model.RescoreRequest, failed bool) model.RescoreStatus {
	switch {
	case r.Status == model.RescoreFailed || failed:
		return model.RescoreFailed
	case r.CommunitiesProcessed >= r.CommunitiesRequested:
		return model.RescoreSuccess
	default:
		return model.RescoreRunning
	}
}

// RunInTx implements ingest.Store. fn runs under the write lock; on error
// every change it made is undone.
func (s *MemoryStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx ingest.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{s: s}
	if err := fn(ctx, tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

// memTx mutates the store directly and journals an undo step per write.
type memTx struct {
	s    *MemoryStore
	undo []func()
}

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
}

func (t *memTx) FindPassport(_ context.Context, address string, communityID int64) (model.Passport, bool, error) {
	return t.s.findPassport(address, communityID)
}

func (t *memTx) StampOwners(_ context.Context, hashes []string) (dedupe.Index, error) {
	return t.s.stampOwners(hashes), nil
}

func (t *memTx) RemoveStamps(_ context.Context, removals []dedupe.Removal) error {
	for _, r := range removals {
		owner, ok := t.s.hashOwner[r.Hash]
		if !ok || owner != r.PassportID {
			continue
		}
		prev := t.s.stamps[owner]
		kept := make([]model.Stamp, 0, len(prev))
		for _, st := range prev {
			if st.Hash != r.Hash {
				kept = append(kept, st)
			}
		}
		t.s.stamps[owner] = kept
		delete(t.s.hashOwner, r.Hash)

		hash := r.Hash
		t.undo = append(t.undo, func() {
			t.s.stamps[owner] = prev
			t.s.hashOwner[hash] = owner
		})
	}
	return nil
}

func (t *memTx) UpsertPassport(_ context.Context, p model.Passport) (model.Passport, error) {
	p.Address = model.NormalizeAddress(p.Address)
	key := passportKey{p.Address, p.CommunityID}
	if _, ok := t.s.communities[p.CommunityID]; !ok {
		return model.Passport{}, fmt.Errorf("%w: community %d", ErrNotFound, p.CommunityID)
	}

	if id, ok := t.s.passportIdx[key]; ok {
		prev := t.s.passports[id]
		p.ID = id
		t.s.passports[id] = p
		t.undo = append(t.undo, func() { t.s.passports[id] = prev })
		return p, nil
	}

	p.ID = t.s.id()
	t.s.passports[p.ID] = p
	t.s.passportIdx[key] = p.ID
	id := p.ID
	t.undo = append(t.undo, func() {
		delete(t.s.passports, id)
		delete(t.s.passportIdx, key)
	})
	return p, nil
}

func (t *memTx) ReplaceStamps(_ context.Context, passportID int64, stamps []model.Stamp) ([]model.Stamp, error) {
	for _, st := range stamps {
		if owner, ok := t.s.hashOwner[st.Hash]; ok && owner != passportID {
			return nil, fmt.Errorf("%w: hash %s owned by passport %d", ErrConflict, st.Hash, owner)
		}
	}

	prev := t.s.stamps[passportID]
	for _, st := range prev {
		delete(t.s.hashOwner, st.Hash)
	}
	stored := make([]model.Stamp, len(stamps))
	for i, st := range stamps {
		st.ID = t.s.id()
		st.PassportID = passportID
		stored[i] = st
		t.s.hashOwner[st.Hash] = passportID
	}
	t.s.stamps[passportID] = stored

	t.undo = append(t.undo, func() {
		for _, st := range stored {
			delete(t.s.hashOwner, st.Hash)
		}
		for _, st := range prev {
			t.s.hashOwner[st.Hash] = passportID
		}
		t.s.stamps[passportID] = prev
	})
	return append([]model.Stamp(nil), stored...), nil
}
