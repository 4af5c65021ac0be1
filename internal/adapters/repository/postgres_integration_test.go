//go:build integration

package repository_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/okian/passport-registry/internal/adapters/repository"
	"github.com/okian/passport-registry/internal/domain/model"
	"github.com/shopspring/decimal"
	. "github.com/smartystreets/goconvey/convey"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
)

const truncateAll = `TRUNCATE accounts, api_keys, communities, passports, stamps, scores, rescore_requests RESTART IDENTITY CASCADE`

func TestPostgresStore(t *testing.T) {
	ctx := context.Background()
	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("registry"),
		tcpostgres.WithUsername("registry"),
		tcpostgres.WithPassword("registry"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("postgres connection string: %v", err)
	}

	open := func(t *testing.T, opts ...repository.SQLOption) *repository.SQLStore {
		opts = append([]repository.SQLOption{
			repository.WithMigrations(true),
			repository.WithSQLClock(func() time.Time { return fixedNow }),
		}, opts...)
		s, err := repository.OpenSQL(ctx, repository.DriverPostgres, dsn, opts...)
		if err != nil {
			t.Fatalf("open postgres: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })

		db, err := sql.Open(repository.DriverPostgres, dsn)
		if err != nil {
			t.Fatalf("open cleanup connection: %v", err)
		}
		defer func() { _ = db.Close() }()
		if _, err := db.ExecContext(ctx, truncateAll); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		return s
	}
	postgres := storeFactory{"postgres", func(t *testing.T) repository.Store { return open(t) }}

	runStoreSuite(t, postgres)
	runConcurrentTakeover(t, postgres)

	Convey("Given a postgres store reading scores from a replica", t, func() {
		s := open(t, repository.WithReadReplica(dsn))
		acct, c := seedCommunity(ctx, s, "0xreplica")
		p, err := writePassport(ctx, s, "0xABC", c.ID, stampOf("Google", "h-replica"))
		So(err, ShouldBeNil)
		_, err = s.SaveScore(ctx, model.Score{PassportID: p.ID, Value: decimal.RequireFromString("2.5"), LastScoreTimestamp: fixedNow})
		So(err, ShouldBeNil)

		Convey("Then the numeric score is read back through the replica", func() {
			r := s.Reader()
			So(r, ShouldNotHaveSameTypeAs, s)
			_, found, err := r.FindCommunity(ctx, c.ID, acct.ID)
			So(err, ShouldBeNil)
			So(found, ShouldBeTrue)
			sc, found, err := r.FindScore(ctx, p.ID)
			So(err, ShouldBeNil)
			So(found, ShouldBeTrue)
			So(sc.Formatted(), ShouldEqual, "2.500000000")
			So(sc.Address, ShouldEqual, "0xabc")
		})
	})
}
