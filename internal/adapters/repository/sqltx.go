package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/okian/passport-registry/internal/domain/dedupe"
	"github.com/okian/passport-registry/internal/domain/model"
)

// sqlTx implements ingest.Tx on top of a database transaction.
type sqlTx struct {
	q queryer
	d dialect
}

// FindPassport locks the (address, community) identity before reading it so
// concurrent submissions of the same passport apply one after the other.
func (t *sqlTx) FindPassport(ctx context.Context, address string, communityID int64) (model.Passport, bool, error) {
	address = model.NormalizeAddress(address)
	if t.d.lockHashes != nil {
		key := "passport:" + address + ":" + strconv.FormatInt(communityID, 10)
		if err := t.d.lockHashes(ctx, t.q, []string{key}); err != nil {
			return model.Passport{}, false, fmt.Errorf("lock passport: %w", err)
		}
	}
	return findPassport(ctx, t.q, t.d, address, communityID, t.d.forUpdate)
}

// StampOwners locks every hash, owned or not, then reads the owners.
func (t *sqlTx) StampOwners(ctx context.Context, hashes []string) (dedupe.Index, error) {
	if t.d.lockHashes != nil {
		if err := t.d.lockHashes(ctx, t.q, hashes); err != nil {
			return nil, fmt.Errorf("lock stamp hashes: %w", err)
		}
	}
	return stampOwners(ctx, t.q, t.d, hashes, t.d.forUpdate)
}

func (t *sqlTx) RemoveStamps(ctx context.Context, removals []dedupe.Removal) error {
	for _, r := range removals {
		if _, err := t.q.ExecContext(ctx, t.d.rebind(
			`DELETE FROM stamps WHERE passport_id = ? AND hash = ?`), r.PassportID, r.Hash); err != nil {
			return fmt.Errorf("delete stamp %s of passport %d: %w", r.Hash, r.PassportID, err)
		}
	}
	return nil
}

func (t *sqlTx) UpsertPassport(ctx context.Context, p model.Passport) (model.Passport, error) {
	p.Address = model.NormalizeAddress(p.Address)
	p.UpdatedAt = fromMillis(toMillis(p.UpdatedAt))
	doc, err := json.Marshal(p.Document)
	if err != nil {
		return model.Passport{}, fmt.Errorf("encode document: %w", err)
	}
	err = t.q.QueryRowContext(ctx, t.d.rebind(`
INSERT INTO passports (address, community_id, document, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT (address, community_id) DO UPDATE SET
    document = excluded.document,
    updated_at = excluded.updated_at
RETURNING id`),
		p.Address, p.CommunityID, string(doc), toMillis(p.UpdatedAt),
	).Scan(&p.ID)
	if err != nil {
		return model.Passport{}, mapErr(err)
	}
	return p, nil
}

func (t *sqlTx) ReplaceStamps(ctx context.Context, passportID int64, stamps []model.Stamp) ([]model.Stamp, error) {
	if _, err := t.q.ExecContext(ctx, t.d.rebind(`DELETE FROM stamps WHERE passport_id = ?`), passportID); err != nil {
		return nil, fmt.Errorf("clear stamps of passport %d: %w", passportID, err)
	}
	stored := make([]model.Stamp, 0, len(stamps))
	for _, st := range stamps {
		cred, err := json.Marshal(st.Credential)
		if err != nil {
			return nil, fmt.Errorf("encode credential %s: %w", st.Hash, err)
		}
		st.PassportID = passportID
		st.CreatedAt = fromMillis(toMillis(st.CreatedAt))
		err = t.q.QueryRowContext(ctx, t.d.rebind(`
INSERT INTO stamps (passport_id, hash, provider, credential, created_at) VALUES (?, ?, ?, ?, ?)
RETURNING id`),
			passportID, st.Hash, st.Provider, string(cred), toMillis(st.CreatedAt),
		).Scan(&st.ID)
		if err != nil {
			return nil, fmt.Errorf("insert stamp %s: %w", st.Hash, mapErr(err))
		}
		stored = append(stored, st)
	}
	return stored, nil
}
