package repository

import (
	"context"
	"errors"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/lib/pq"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// Supported store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// pgUniqueViolation is the SQLSTATE of unique_violation.
const pgUniqueViolation = "23505"

// dialect captures what differs between postgres and sqlite. Queries are
// written with ? placeholders and rebound per dialect.
type dialect struct {
	name   string
	dollar bool
	// lockHashes serializes concurrent writers on the given stamp hashes
	// for the rest of the transaction. Nil when the engine serializes
	// writers on its own.
	lockHashes func(ctx context.Context, q queryer, hashes []string) error
	// forUpdate is appended to row reads inside a transaction.
	forUpdate string
}

var (
	postgresDialect = dialect{
		name:       DriverPostgres,
		dollar:     true,
		lockHashes: pgLockHashes,
		forUpdate:  " FOR UPDATE",
	}
	// sqlite runs on a single connection so transactions never interleave.
	sqliteDialect = dialect{name: DriverSQLite}
)

func (d dialect) rebind(query string) string {
	if !d.dollar {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// pgLockHashes takes transaction scoped advisory locks in sorted order so
// that two submissions sharing hashes cannot deadlock. It also covers hashes
// that have no stamp row yet. The locks are taken in array order.
func pgLockHashes(ctx context.Context, q queryer, hashes []string) error {
	keys := sortedUnique(hashes)
	if len(keys) == 0 {
		return nil
	}
	rows, err := q.QueryContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended(k.h, 0))
		   FROM unnest($1::text[]) WITH ORDINALITY AS k(h, n)`, pq.Array(keys))
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
	}
	return rows.Err()
}

func sortedUnique(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return slices.Compact(out)
}

// isUniqueViolation reports whether err is a uniqueness failure in either
// engine.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == pgUniqueViolation
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
