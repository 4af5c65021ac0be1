package ingest_test

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/okian/passport-registry/internal/adapters/repository"
	"github.com/okian/passport-registry/internal/domain/credential"
	"github.com/okian/passport-registry/internal/domain/dedupe"
	"github.com/okian/passport-registry/internal/domain/ingest"
	"github.com/okian/passport-registry/internal/domain/model"
	"github.com/okian/passport-registry/internal/domain/scoring"
	"github.com/okian/passport-registry/internal/domain/signature"
	"github.com/okian/passport-registry/pkg/logger"
	"github.com/shopspring/decimal"
	. "github.com/smartystreets/goconvey/convey"
)

func init() {
	logger.Init()
}

const (
	authMessage   = "I authorize the passport scorer to validate my account"
	docIssuer     = "did:key:iam"
	stampIssuer   = "did:key:iam"
	farFuture     = "2099-01-01T00:00:00Z"
	alreadyPassed = "2020-01-01T00:00:00Z"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fetcher struct {
	mu   sync.Mutex
	docs map[string]model.Document
	err  error
}

func (f *fetcher) FetchPassport(_ context.Context, did string) (model.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return model.Document{}, f.err
	}
	doc, ok := f.docs[did]
	if !ok {
		return model.Document{}, errors.New("no document")
	}
	return doc, nil
}

func (f *fetcher) set(did string, doc model.Document) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[did] = doc
}

type wallet struct {
	key     *ecdsa.PrivateKey
	address string
	did     string
	sig     string
}

func newWallet() wallet {
	key, err := crypto.GenerateKey()
	So(err, ShouldBeNil)
	sig, err := signature.Sign(key, authMessage)
	So(err, ShouldBeNil)
	addr := crypto.PubkeyToAddress(key.PublicKey).Hex()
	return wallet{key: key, address: addr, did: signature.DID(addr), sig: sig}
}

func stampFor(w wallet, provider, hash, expires string) model.DocumentStamp {
	return model.DocumentStamp{
		Provider: provider,
		Credential: model.Credential{
			Issuer:         stampIssuer,
			ExpirationDate: expires,
			CredentialSubject: model.CredentialSubject{
				ID:       w.did,
				Hash:     hash,
				Provider: provider,
			},
			Proof: json.RawMessage(`{"type":"EthereumEip712Signature2021"}`),
		},
	}
}

type fixture struct {
	store     *repository.MemoryStore
	fetcher   *fetcher
	account   model.Account
	community model.Community
	pipeline  *ingest.Pipeline
}

func newFixture(opts ...ingest.Option) *fixture {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	acct, err := store.CreateAccount(ctx, "0xowner")
	So(err, ShouldBeNil)
	community, err := store.CreateCommunity(ctx, model.Community{
		AccountID: acct.ID,
		Name:      "main",
		Scorer: model.ScorerConfig{
			Type: model.ScorerWeighted,
			Weights: map[string]decimal.Decimal{
				"Google":  decimal.RequireFromString("1.5"),
				"Twitter": decimal.NewFromInt(2),
			},
		},
	})
	So(err, ShouldBeNil)

	f := &fetcher{docs: map[string]model.Document{}}
	base := []ingest.Option{
		ingest.WithClock(func() time.Time { return now }),
		ingest.WithDocumentIssuer(docIssuer),
	}
	p, err := ingest.New(ingest.Deps{
		Signers:   signature.NewRecoverer(authMessage),
		Fetcher:   f,
		Validator: credential.New([]string{stampIssuer}, nil),
		Store:     store,
		Scorers: func(c model.Community) (scoring.Scorer, error) {
			return scoring.ForCommunity(c.Scorer, store)
		},
	}, append(base, opts...)...)
	So(err, ShouldBeNil)
	return &fixture{store: store, fetcher: f, account: acct, community: community, pipeline: p}
}

func (fx *fixture) submit(w wallet) (ingest.Result, error) {
	return fx.pipeline.Submit(context.Background(), ingest.Submission{
		Address:     w.address,
		Signature:   w.sig,
		CommunityID: fx.community.ID,
		AccountID:   fx.account.ID,
	})
}

func (fx *fixture) owners(hashes ...string) dedupe.Index {
	idx, err := fx.store.StampOwners(context.Background(), hashes)
	So(err, ShouldBeNil)
	return idx
}

func (fx *fixture) passportOf(w wallet) (model.Passport, bool) {
	p, found, err := fx.store.FindPassport(context.Background(), w.address, fx.community.ID)
	So(err, ShouldBeNil)
	return p, found
}

func TestSubmit(t *testing.T) {
	Convey("Given a community and a signed wallet", t, func() {
		fx := newFixture()
		w := newWallet()

		Convey("A fresh stamp is stored and scored", func() {
			fx.fetcher.set(w.did, model.Document{Issuer: docIssuer, Stamps: []model.DocumentStamp{
				stampFor(w, "Google", "h1", farFuture),
			}})

			res, err := fx.submit(w)
			So(err, ShouldBeNil)
			So(res.Passport.Address, ShouldEqual, strings.ToLower(w.address))
			So(res.Score.Formatted(), ShouldEqual, "1.500000000")
			So(res.Score.Address, ShouldEqual, strings.ToLower(w.address))
			So(len(res.Stamps), ShouldEqual, 1)
			So(res.Stamps[0].Hash, ShouldEqual, "h1")
			So(res.Dropped, ShouldBeEmpty)
			So(res.Trace, ShouldResemble, []ingest.State{
				ingest.StateReceived,
				ingest.StateSignatureVerified,
				ingest.StateFetched,
				ingest.StateDeduplicated,
				ingest.StateValidated,
				ingest.StatePersisted,
				ingest.StateScored,
				ingest.StateComplete,
			})
			So(fx.owners("h1"), ShouldResemble, dedupe.Index{"h1": res.Passport.ID})

			Convey("And resubmitting the same document changes nothing", func() {
				again, err := fx.submit(w)
				So(err, ShouldBeNil)
				So(again.Passport.ID, ShouldEqual, res.Passport.ID)
				So(again.Score.Formatted(), ShouldEqual, "1.500000000")
				So(again.Removals, ShouldEqual, 1)
				So(fx.owners("h1"), ShouldResemble, dedupe.Index{"h1": res.Passport.ID})
			})
		})

		Convey("A signature from another wallet is rejected", func() {
			other := newWallet()
			fx.fetcher.set(w.did, model.Document{Issuer: docIssuer})
			_, err := fx.pipeline.Submit(context.Background(), ingest.Submission{
				Address:     w.address,
				Signature:   other.sig,
				CommunityID: fx.community.ID,
				AccountID:   fx.account.ID,
			})
			So(errors.Is(err, ingest.ErrInvalidSigner), ShouldBeTrue)
			_, found := fx.passportOf(w)
			So(found, ShouldBeFalse)
		})

		Convey("An untrusted document issuer writes nothing", func() {
			fx.fetcher.set(w.did, model.Document{Issuer: "did:key:mallory", Stamps: []model.DocumentStamp{
				stampFor(w, "Google", "h1", farFuture),
			}})
			res, err := fx.submit(w)
			So(errors.Is(err, ingest.ErrInvalidSigner), ShouldBeTrue)
			So(res.Trace[len(res.Trace)-1], ShouldEqual, ingest.StateFailed)

			var se *ingest.StepError
			So(errors.As(err, &se), ShouldBeTrue)
			So(se.State, ShouldEqual, ingest.StateFetched)

			_, found := fx.passportOf(w)
			So(found, ShouldBeFalse)
			So(fx.owners("h1"), ShouldBeEmpty)
		})

		Convey("Expired and invalid stamps are not stored", func() {
			bad := stampFor(w, "Discord", "h3", farFuture)
			bad.Credential.Issuer = "did:key:unknown"
			fx.fetcher.set(w.did, model.Document{Issuer: docIssuer, Stamps: []model.DocumentStamp{
				stampFor(w, "Google", "h1", farFuture),
				stampFor(w, "Twitter", "h2", alreadyPassed),
				bad,
			}})

			res, err := fx.submit(w)
			So(err, ShouldBeNil)
			So(len(res.Stamps), ShouldEqual, 1)
			So(res.Score.Formatted(), ShouldEqual, "1.500000000")

			reasons := map[string]string{}
			for _, d := range res.Dropped {
				reasons[d.Hash] = d.Reason
			}
			So(reasons, ShouldResemble, map[string]string{"h2": ingest.ReasonExpired, "h3": ingest.ReasonInvalid})
			So(fx.owners("h1", "h2", "h3"), ShouldResemble, dedupe.Index{"h1": res.Passport.ID})
		})

		Convey("A malformed expiration date fails the submission before any write", func() {
			fx.fetcher.set(w.did, model.Document{Issuer: docIssuer, Stamps: []model.DocumentStamp{
				stampFor(w, "Google", "h1", farFuture),
				stampFor(w, "Twitter", "h2", "2099-01-01T00:00:00.000Z"),
			}})
			_, err := fx.submit(w)
			So(errors.Is(err, ingest.ErrPassportCreation), ShouldBeTrue)

			var se *ingest.StepError
			So(errors.As(err, &se), ShouldBeTrue)
			So(se.State, ShouldEqual, ingest.StateValidated)
			So(errors.Is(err, credential.ErrMalformedExpiration), ShouldBeTrue)

			_, found := fx.passportOf(w)
			So(found, ShouldBeFalse)
		})

		Convey("A community of another account is not found", func() {
			fx.fetcher.set(w.did, model.Document{Issuer: docIssuer})
			_, err := fx.pipeline.Submit(context.Background(), ingest.Submission{
				Address:     w.address,
				Signature:   w.sig,
				CommunityID: fx.community.ID,
				AccountID:   fx.account.ID + 100,
			})
			So(errors.Is(err, ingest.ErrCommunityNotFound), ShouldBeTrue)
			So(ingest.KindName(err), ShouldEqual, "community_not_found")
		})

		Convey("A fetch failure is a creation error", func() {
			fx.fetcher.err = errors.New("ceramic down")
			_, err := fx.submit(w)
			So(errors.Is(err, ingest.ErrPassportCreation), ShouldBeTrue)
			So(err.Error(), ShouldContainSubstring, "ceramic down")
		})

		Convey("Duplicate hashes inside one document keep the last one", func() {
			fx.fetcher.set(w.did, model.Document{Issuer: docIssuer, Stamps: []model.DocumentStamp{
				stampFor(w, "Google", "h1", farFuture),
				stampFor(w, "Twitter", "h1", farFuture),
			}})
			res, err := fx.submit(w)
			So(err, ShouldBeNil)
			So(len(res.Stamps), ShouldEqual, 1)
			So(res.Stamps[0].Provider, ShouldEqual, "Twitter")
			So(res.Score.Formatted(), ShouldEqual, "2.000000000")
		})
	})
}

func TestSubmitTakeover(t *testing.T) {
	Convey("Given two wallets presenting the same credential hash", t, func() {
		a, b := newWallet(), newWallet()

		setup := func(fx *fixture) {
			fx.fetcher.set(a.did, model.Document{Issuer: docIssuer, Stamps: []model.DocumentStamp{
				stampFor(a, "Google", "h1", farFuture),
				stampFor(a, "Twitter", "h2", farFuture),
			}})
			fx.fetcher.set(b.did, model.Document{Issuer: docIssuer, Stamps: []model.DocumentStamp{
				stampFor(b, "Google", "h1", farFuture),
			}})
		}

		Convey("Under LIFO the latest submitter takes the stamp", func() {
			fx := newFixture()
			setup(fx)
			first, err := fx.submit(a)
			So(err, ShouldBeNil)
			second, err := fx.submit(b)
			So(err, ShouldBeNil)
			So(second.Removals, ShouldEqual, 1)
			So(second.Score.Formatted(), ShouldEqual, "1.500000000")

			So(fx.owners("h1", "h2"), ShouldResemble, dedupe.Index{"h1": second.Passport.ID, "h2": first.Passport.ID})
		})

		Convey("Under FIFO the first owner keeps it", func() {
			fx := newFixture(ingest.WithEngine(dedupe.New(dedupe.WithPolicy(dedupe.FIFO))))
			setup(fx)
			first, err := fx.submit(a)
			So(err, ShouldBeNil)
			second, err := fx.submit(b)
			So(err, ShouldBeNil)
			So(second.Stamps, ShouldBeEmpty)
			So(second.Score.Formatted(), ShouldEqual, "0.000000000")
			So(len(second.Dropped), ShouldEqual, 1)
			So(second.Dropped[0].Reason, ShouldEqual, dedupe.ReasonOwned)

			So(fx.owners("h1"), ShouldResemble, dedupe.Index{"h1": first.Passport.ID})
		})
	})
}

func TestSubmitConcurrent(t *testing.T) {
	Convey("Given many wallets racing for one hash", t, func() {
		fx := newFixture()
		wallets := make([]wallet, 8)
		for i := range wallets {
			wallets[i] = newWallet()
			fx.fetcher.set(wallets[i].did, model.Document{Issuer: docIssuer, Stamps: []model.DocumentStamp{
				stampFor(wallets[i], "Google", "shared", farFuture),
				stampFor(wallets[i], "Twitter", fmt.Sprintf("own-%d", i), farFuture),
			}})
		}

		var wg sync.WaitGroup
		errs := make([]error, len(wallets))
		for i := range wallets {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = fx.submit(wallets[i])
			}(i)
		}
		wg.Wait()

		Convey("Every submission succeeds and the hash has one owner", func() {
			for _, err := range errs {
				So(err, ShouldBeNil)
			}
			owners := fx.owners("shared")
			So(len(owners), ShouldEqual, 1)

			stamps, err := fx.store.StampsForPassports(context.Background(), []int64{owners["shared"]})
			So(err, ShouldBeNil)
			So(len(stamps[owners["shared"]]), ShouldEqual, 2)
		})
	})
}
