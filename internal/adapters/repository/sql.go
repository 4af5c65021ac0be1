package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/okian/passport-registry/internal/domain/dedupe"
	"github.com/okian/passport-registry/internal/domain/ingest"
	"github.com/okian/passport-registry/internal/domain/model"
	"github.com/okian/passport-registry/pkg/logger"

	// database/sql drivers
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const defaultTxTimeout = 10 * time.Second

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLStore persists the registry in postgres or sqlite.
type SQLStore struct {
	db      *sql.DB
	replica *sql.DB
	d       dialect
	now     func() time.Time
	log     logger.Logger

	txTimeout time.Duration
}

var _ Store = (*SQLStore)(nil)

// SQLOption applies a configuration option to the SQLStore.
type SQLOption func(*sqlOptions)

type sqlOptions struct {
	migrate   bool
	replica   string
	txTimeout time.Duration
	now       func() time.Time
	log       logger.Logger
}

// WithMigrations applies the embedded schema migrations on open.
func WithMigrations(enabled bool) SQLOption {
	return func(o *sqlOptions) { o.migrate = enabled }
}

// WithReadReplica routes score reads to a second database.
func WithReadReplica(dsn string) SQLOption {
	return func(o *sqlOptions) { o.replica = strings.TrimSpace(dsn) }
}

// WithTxTimeout bounds every transaction. Zero keeps the default.
func WithTxTimeout(d time.Duration) SQLOption {
	return func(o *sqlOptions) {
		if d > 0 {
			o.txTimeout = d
		}
	}
}

// WithSQLClock overrides the clock used for created/updated timestamps.
func WithSQLClock(now func() time.Time) SQLOption {
	return func(o *sqlOptions) {
		if now != nil {
			o.now = now
		}
	}
}

// WithSQLLogger sets the store logger.
func WithSQLLogger(l logger.Logger) SQLOption {
	return func(o *sqlOptions) {
		if l != nil {
			o.log = l
		}
	}
}

// Open returns the store for driver. dsn is ignored for the memory driver.
func Open(ctx context.Context, driver, dsn string, opts ...SQLOption) (Store, error) {
	switch driver {
	case DriverMemory, "":
		return NewMemoryStore(), nil
	case DriverSQLite, DriverPostgres:
		return OpenSQL(ctx, driver, dsn, opts...)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
}

// OpenSQL opens a postgres or sqlite store and pings it.
func OpenSQL(ctx context.Context, driver, dsn string, opts ...SQLOption) (*SQLStore, error) {
	o := sqlOptions{
		txTimeout: defaultTxTimeout,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logger.Named("repository")
	}

	var d dialect
	switch driver {
	case DriverPostgres:
		d = postgresDialect
	case DriverSQLite:
		d = sqliteDialect
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("%w: empty %s dsn", ErrInvalidArgument, driver)
	}

	db, err := openDB(ctx, d, dsn)
	if err != nil {
		return nil, err
	}
	if o.migrate {
		if err := migrate(ctx, db, d); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	s := &SQLStore{db: db, d: d, now: o.now, log: o.log, txTimeout: o.txTimeout}
	if o.replica != "" {
		replica, err := openDB(ctx, d, o.replica)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("open read replica: %w", err)
		}
		s.replica = replica
	}
	s.log.Info(ctx, "store opened",
		logger.String("driver", d.name),
		logger.Bool("replica", s.replica != nil),
		logger.Bool("migrated", o.migrate),
	)
	return s, nil
}

func openDB(ctx context.Context, d dialect, dsn string) (*sql.DB, error) {
	db, err := sql.Open(d.name, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s db: %w", d.name, err)
	}
	if d.name == DriverSQLite {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s db: %w", d.name, err)
	}
	if d.name == DriverSQLite {
		if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("enable sqlite foreign keys: %w", err)
		}
	}
	return db, nil
}

// Ping implements Store.
func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return err
	}
	if s.replica != nil {
		return s.replica.PingContext(ctx)
	}
	return nil
}

// Close implements Store.
func (s *SQLStore) Close() error {
	err := s.db.Close()
	if s.replica != nil {
		err = errors.Join(err, s.replica.Close())
	}
	return err
}

// Reader implements Store.
func (s *SQLStore) Reader() ingest.ScoreSource {
	if s.replica == nil {
		return s
	}
	return &sqlReader{q: s.replica, d: s.d}
}

// RunInTx implements ingest.Store. The transaction rolls back unless fn
// returns nil and the commit succeeds.
func (s *SQLStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx ingest.Tx) error) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.txTimeout)
		defer cancel()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(ctx, &sqlTx{q: tx, d: s.d}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", mapErr(err))
	}
	return nil
}

func mapErr(err error) error {
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %w", ErrConflict, err)
	}
	return err
}

// FindPassport implements ingest.Reader.
func (s *SQLStore) FindPassport(ctx context.Context, address string, communityID int64) (model.Passport, bool, error) {
	return findPassport(ctx, s.db, s.d, address, communityID, "")
}

// StampOwners implements ingest.Reader.
func (s *SQLStore) StampOwners(ctx context.Context, hashes []string) (dedupe.Index, error) {
	return stampOwners(ctx, s.db, s.d, hashes, "")
}

// FindCommunity implements ingest.Store.
func (s *SQLStore) FindCommunity(ctx context.Context, communityID, accountID int64) (model.Community, bool, error) {
	return findCommunity(ctx, s.db, s.d, communityID, accountID)
}

// FindScore implements Store.
func (s *SQLStore) FindScore(ctx context.Context, passportID int64) (model.Score, bool, error) {
	return findScore(ctx, s.db, s.d, passportID)
}

// SaveScore implements ingest.Store.
func (s *SQLStore) SaveScore(ctx context.Context, score model.Score) (model.Score, error) {
	var address string
	err := s.db.QueryRowContext(ctx, s.d.rebind(`SELECT address FROM passports WHERE id = ?`), score.PassportID).Scan(&address)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Score{}, fmt.Errorf("%w: passport %d", ErrNotFound, score.PassportID)
	}
	if err != nil {
		return model.Score{}, fmt.Errorf("load passport: %w", err)
	}
	score.Address = address
	score.Value = score.Value.Round(model.ScoreDecimals)
	_, err = s.db.ExecContext(ctx, s.d.rebind(`
INSERT INTO scores (passport_id, value, last_score_timestamp) VALUES (?, ?, ?)
ON CONFLICT (passport_id) DO UPDATE SET
    value = excluded.value,
    last_score_timestamp = excluded.last_score_timestamp`),
		score.PassportID, score.Value.StringFixed(model.ScoreDecimals), toMillis(score.LastScoreTimestamp),
	)
	if err != nil {
		return model.Score{}, fmt.Errorf("save score: %w", mapErr(err))
	}
	score.LastScoreTimestamp = fromMillis(toMillis(score.LastScoreTimestamp))
	return score, nil
}

// CreateAccount implements Store.
func (s *SQLStore) CreateAccount(ctx context.Context, address string) (model.Account, error) {
	address = model.NormalizeAddress(address)
	if address == "" {
		return model.Account{}, fmt.Errorf("%w: empty address", ErrInvalidArgument)
	}
	a := model.Account{Address: address, CreatedAt: fromMillis(toMillis(s.now()))}
	err := s.db.QueryRowContext(ctx, s.d.rebind(
		`INSERT INTO accounts (address, created_at) VALUES (?, ?) RETURNING id`),
		a.Address, toMillis(a.CreatedAt),
	).Scan(&a.ID)
	if err != nil {
		return model.Account{}, fmt.Errorf("create account: %w", mapErr(err))
	}
	return a, nil
}

// CreateAPIKey implements Store.
func (s *SQLStore) CreateAPIKey(ctx context.Context, key model.APIKey) (model.APIKey, error) {
	if key.CreatedAt.IsZero() {
		key.CreatedAt = s.now()
	}
	key.CreatedAt = fromMillis(toMillis(key.CreatedAt))
	if err := s.accountExists(ctx, key.AccountID); err != nil {
		return model.APIKey{}, err
	}
	_, err := s.db.ExecContext(ctx, s.d.rebind(
		`INSERT INTO api_keys (id, account_id, name, prefix, secret_hash, created_at) VALUES (?, ?, ?, ?, ?, ?)`),
		key.ID, key.AccountID, key.Name, key.Prefix, key.SecretHash, toMillis(key.CreatedAt),
	)
	if err != nil {
		return model.APIKey{}, fmt.Errorf("create api key: %w", mapErr(err))
	}
	return key, nil
}

// APIKeyByPrefix implements Store.
func (s *SQLStore) APIKeyByPrefix(ctx context.Context, prefix string) (model.APIKey, bool, error) {
	var (
		k       model.APIKey
		created int64
	)
	err := s.db.QueryRowContext(ctx, s.d.rebind(
		`SELECT id, account_id, name, prefix, secret_hash, created_at FROM api_keys WHERE prefix = ?`), prefix,
	).Scan(&k.ID, &k.AccountID, &k.Name, &k.Prefix, &k.SecretHash, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return model.APIKey{}, false, nil
	}
	if err != nil {
		return model.APIKey{}, false, fmt.Errorf("load api key: %w", err)
	}
	k.CreatedAt = fromMillis(created)
	return k, true, nil
}

func (s *SQLStore) accountExists(ctx context.Context, accountID int64) error {
	var one int
	err := s.db.QueryRowContext(ctx, s.d.rebind(`SELECT 1 FROM accounts WHERE id = ?`), accountID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: account %d", ErrNotFound, accountID)
	}
	return err
}

// CreateCommunity implements Store.
func (s *SQLStore) CreateCommunity(ctx context.Context, c model.Community) (model.Community, error) {
	if err := s.accountExists(ctx, c.AccountID); err != nil {
		return model.Community{}, err
	}
	scorer, err := json.Marshal(c.Scorer)
	if err != nil {
		return model.Community{}, fmt.Errorf("encode scorer: %w", err)
	}
	c.CreatedAt = fromMillis(toMillis(s.now()))
	err = s.db.QueryRowContext(ctx, s.d.rebind(`
INSERT INTO communities (account_id, name, description, scorer, created_at)
VALUES (?, ?, ?, ?, ?) RETURNING id`),
		c.AccountID, c.Name, c.Description, string(scorer), toMillis(c.CreatedAt),
	).Scan(&c.ID)
	if err != nil {
		return model.Community{}, fmt.Errorf("create community: %w", mapErr(err))
	}
	return c, nil
}

// ListCommunities implements Store.
func (s *SQLStore) ListCommunities(ctx context.Context, accountID int64) ([]model.Community, error) {
	rows, err := s.db.QueryContext(ctx, s.d.rebind(
		`SELECT `+communityColumns+` FROM communities WHERE account_id = ? ORDER BY id`), accountID)
	if err != nil {
		return nil, fmt.Errorf("list communities: %w", err)
	}
	defer rows.Close()
	var out []model.Community
	for rows.Next() {
		c, err := scanCommunity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListPassports implements Store.
func (s *SQLStore) ListPassports(ctx context.Context, communityID int64) ([]model.Passport, error) {
	rows, err := s.db.QueryContext(ctx, s.d.rebind(
		`SELECT `+passportColumns+` FROM passports WHERE community_id = ? ORDER BY id`), communityID)
	if err != nil {
		return nil, fmt.Errorf("list passports: %w", err)
	}
	defer rows.Close()
	var out []model.Passport
	for rows.Next() {
		p, err := scanPassport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// StampsForPassports implements Store.
func (s *SQLStore) StampsForPassports(ctx context.Context, passportIDs []int64) (map[int64][]model.Stamp, error) {
	out := make(map[int64][]model.Stamp, len(passportIDs))
	if len(passportIDs) == 0 {
		return out, nil
	}
	args := make([]any, len(passportIDs))
	for i, id := range passportIDs {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, s.d.rebind(
		`SELECT id, passport_id, hash, provider, credential, created_at FROM stamps
		  WHERE passport_id IN (`+placeholders(len(args))+`) ORDER BY id`), args...)
	if err != nil {
		return nil, fmt.Errorf("load stamps: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		st, err := scanStamp(rows)
		if err != nil {
			return nil, err
		}
		out[st.PassportID] = append(out[st.PassportID], st)
	}
	return out, rows.Err()
}

// CreateRescoreRequest implements Store.
func (s *SQLStore) CreateRescoreRequest(ctx context.Context, r model.RescoreRequest) (model.RescoreRequest, error) {
	if r.ID == "" {
		return model.RescoreRequest{}, fmt.Errorf("%w: empty rescore id", ErrInvalidArgument)
	}
	if r.Status == "" {
		r.Status = model.RescoreRunning
	}
	now := fromMillis(toMillis(s.now()))
	r.CreatedAt, r.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx, s.d.rebind(`
INSERT INTO rescore_requests (id, account_id, status, communities_requested, communities_processed, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`),
		r.ID, r.AccountID, string(r.Status), r.CommunitiesRequested, r.CommunitiesProcessed, toMillis(now), toMillis(now),
	)
	if err != nil {
		return model.RescoreRequest{}, fmt.Errorf("create rescore request: %w", mapErr(err))
	}
	return r, nil
}

const rescoreColumns = `id, account_id, status, communities_requested, communities_processed, created_at, updated_at`

// GetRescoreRequest implements Store.
func (s *SQLStore) GetRescoreRequest(ctx context.Context, id string) (model.RescoreRequest, bool, error) {
	r, err := scanRescore(s.db.QueryRowContext(ctx, s.d.rebind(
		`SELECT `+rescoreColumns+` FROM rescore_requests WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.RescoreRequest{}, false, nil
	}
	if err != nil {
		return model.RescoreRequest{}, false, fmt.Errorf("load rescore request: %w", err)
	}
	return r, true, nil
}

// MarkCommunityRescored implements Store. The whole state change is a single
// statement, so concurrent workers cannot lose updates.
func (s *SQLStore) MarkCommunityRescored(ctx context.Context, id string, failed bool) (model.RescoreRequest, error) {
	r, err := scanRescore(s.db.QueryRowContext(ctx, s.d.rebind(`
UPDATE rescore_requests SET
    communities_processed = communities_processed + 1,
    status = CASE
        WHEN status = 'FAILED' OR ? = 1 THEN 'FAILED'
        WHEN communities_processed + 1 >= communities_requested THEN 'SUCCESS'
        ELSE 'RUNNING'
    END,
    updated_at = ?
WHERE id = ?
RETURNING `+rescoreColumns),
		boolInt(failed), toMillis(s.now()), id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return model.RescoreRequest{}, fmt.Errorf("%w: rescore %s", ErrNotFound, id)
	}
	if err != nil {
		return model.RescoreRequest{}, fmt.Errorf("mark community rescored: %w", err)
	}
	return r, nil
}

// sqlReader serves score reads from a replica.
type sqlReader struct {
	q queryer
	d dialect
}

func (r *sqlReader) FindCommunity(ctx context.Context, communityID, accountID int64) (model.Community, bool, error) {
	return findCommunity(ctx, r.q, r.d, communityID, accountID)
}

func (r *sqlReader) FindPassport(ctx context.Context, address string, communityID int64) (model.Passport, bool, error) {
	return findPassport(ctx, r.q, r.d, address, communityID, "")
}

func (r *sqlReader) FindScore(ctx context.Context, passportID int64) (model.Score, bool, error) {
	return findScore(ctx, r.q, r.d, passportID)
}

// shared queries

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

const (
	communityColumns = `id, account_id, name, description, scorer, created_at`
	passportColumns  = `id, address, community_id, document, updated_at`
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommunity(row rowScanner) (model.Community, error) {
	var (
		c       model.Community
		scorer  string
		created int64
	)
	if err := row.Scan(&c.ID, &c.AccountID, &c.Name, &c.Description, &scorer, &created); err != nil {
		return model.Community{}, err
	}
	if err := json.Unmarshal([]byte(scorer), &c.Scorer); err != nil {
		return model.Community{}, fmt.Errorf("decode scorer of community %d: %w", c.ID, err)
	}
	c.CreatedAt = fromMillis(created)
	return c, nil
}

func scanPassport(row rowScanner) (model.Passport, error) {
	var (
		p       model.Passport
		doc     string
		updated int64
	)
	if err := row.Scan(&p.ID, &p.Address, &p.CommunityID, &doc, &updated); err != nil {
		return model.Passport{}, err
	}
	if err := json.Unmarshal([]byte(doc), &p.Document); err != nil {
		return model.Passport{}, fmt.Errorf("decode document of passport %d: %w", p.ID, err)
	}
	p.UpdatedAt = fromMillis(updated)
	return p, nil
}

func scanStamp(row rowScanner) (model.Stamp, error) {
	var (
		st      model.Stamp
		cred    string
		created int64
	)
	if err := row.Scan(&st.ID, &st.PassportID, &st.Hash, &st.Provider, &cred, &created); err != nil {
		return model.Stamp{}, err
	}
	if err := json.Unmarshal([]byte(cred), &st.Credential); err != nil {
		return model.Stamp{}, fmt.Errorf("decode credential of stamp %d: %w", st.ID, err)
	}
	st.CreatedAt = fromMillis(created)
	return st, nil
}

func scanRescore(row rowScanner) (model.RescoreRequest, error) {
	var (
		r                model.RescoreRequest
		status           string
		created, updated int64
	)
	if err := row.Scan(&r.ID, &r.AccountID, &status, &r.CommunitiesRequested, &r.CommunitiesProcessed, &created, &updated); err != nil {
		return model.RescoreRequest{}, err
	}
	r.Status = model.RescoreStatus(status)
	r.CreatedAt, r.UpdatedAt = fromMillis(created), fromMillis(updated)
	return r, nil
}

func findCommunity(ctx context.Context, q queryer, d dialect, communityID, accountID int64) (model.Community, bool, error) {
	c, err := scanCommunity(q.QueryRowContext(ctx, d.rebind(
		`SELECT `+communityColumns+` FROM communities WHERE id = ? AND account_id = ?`), communityID, accountID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Community{}, false, nil
	}
	if err != nil {
		return model.Community{}, false, fmt.Errorf("load community: %w", err)
	}
	return c, true, nil
}

func findPassport(ctx context.Context, q queryer, d dialect, address string, communityID int64, suffix string) (model.Passport, bool, error) {
	p, err := scanPassport(q.QueryRowContext(ctx, d.rebind(
		`SELECT `+passportColumns+` FROM passports WHERE address = ? AND community_id = ?`+suffix),
		model.NormalizeAddress(address), communityID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Passport{}, false, nil
	}
	if err != nil {
		return model.Passport{}, false, fmt.Errorf("load passport: %w", err)
	}
	return p, true, nil
}

func findScore(ctx context.Context, q queryer, d dialect, passportID int64) (model.Score, bool, error) {
	var (
		sc model.Score
		ts int64
	)
	sc.PassportID = passportID
	err := q.QueryRowContext(ctx, d.rebind(`
SELECT s.value, s.last_score_timestamp, p.address
  FROM scores s JOIN passports p ON p.id = s.passport_id
 WHERE s.passport_id = ?`), passportID).Scan(&sc.Value, &ts, &sc.Address)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Score{}, false, nil
	}
	if err != nil {
		return model.Score{}, false, fmt.Errorf("load score: %w", err)
	}
	sc.LastScoreTimestamp = fromMillis(ts)
	return sc, true, nil
}

func stampOwners(ctx context.Context, q queryer, d dialect, hashes []string, suffix string) (dedupe.Index, error) {
	idx := make(dedupe.Index, len(hashes))
	if len(hashes) == 0 {
		return idx, nil
	}
	args := make([]any, len(hashes))
	for i, h := range hashes {
		args[i] = h
	}
	rows, err := q.QueryContext(ctx, d.rebind(
		`SELECT hash, passport_id FROM stamps WHERE hash IN (`+placeholders(len(args))+`)`+suffix), args...)
	if err != nil {
		return nil, fmt.Errorf("load stamp owners: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			hash  string
			owner int64
		)
		if err := rows.Scan(&hash, &owner); err != nil {
			return nil, err
		}
		idx[hash] = owner
	}
	return idx, rows.Err()
}
