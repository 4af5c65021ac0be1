package passportsim_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/okian/passport-registry/internal/adapters/ceramic"
	"github.com/okian/passport-registry/internal/adapters/http/api"
	service "github.com/okian/passport-registry/internal/app"
	"github.com/okian/passport-registry/internal/domain/signature"
	"github.com/okian/passport-registry/internal/passportsim"
	"github.com/okian/passport-registry/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

const (
	message = "I authorize the passport scorer to validate my account"
	issuer  = "did:key:sim"
)

func init() {
	_ = logger.Init()
}

func TestWallets(t *testing.T) {
	Convey("Given generated wallets with one foreign signature", t, func() {
		wallets, err := passportsim.GenerateWallets(context.Background(), 3, 1, message)
		So(err, ShouldBeNil)
		So(len(wallets), ShouldEqual, 3)
		rec := signature.NewRecoverer(message)

		Convey("Then only the honest wallets recover to themselves", func() {
			signer, err := rec.Recover(wallets[0].Signature)
			So(err, ShouldBeNil)
			So(signature.SameAddress(signer, wallets[0].Address), ShouldBeFalse)

			for _, w := range wallets[1:] {
				signer, err := rec.Recover(w.Signature)
				So(err, ShouldBeNil)
				So(signature.SameAddress(signer, w.Address), ShouldBeTrue)
			}
		})

		Convey("Then documents carry one stamp per provider bound to the DID", func() {
			now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
			doc := wallets[1].Document(issuer, []string{"Google", "Github"}, true, now)
			So(doc.Issuer, ShouldEqual, issuer)
			So(len(doc.Stamps), ShouldEqual, 2)
			So(doc.Stamps[0].Hash(), ShouldEqual, passportsim.SharedHash)
			So(doc.Stamps[1].Credential.CredentialSubject.ID, ShouldEqual, wallets[1].DID)
			So(doc.Stamps[1].Credential.ExpirationDate, ShouldEqual, "2024-07-30T00:00:00Z")

			again := wallets[1].Document(issuer, []string{"Google", "Github"}, false, now)
			So(again.Stamps[1].Hash(), ShouldEqual, doc.Stamps[1].Hash())
			So(again.Stamps[0].Hash(), ShouldNotEqual, passportsim.SharedHash)
		})
	})
}

func TestDocumentNode(t *testing.T) {
	Convey("Given a document node with one document", t, func() {
		node := passportsim.NewDocumentNode()
		w, err := passportsim.NewWallet(message)
		So(err, ShouldBeNil)
		node.Put(w.DID, w.Document(issuer, []string{"Google"}, false, time.Now()))
		srv := httptest.NewServer(node.Handler())
		defer srv.Close()

		client, err := ceramic.New(srv.URL, ceramic.WithMissTTL(0))
		So(err, ShouldBeNil)

		Convey("Then the document client reads it back", func() {
			doc, err := client.FetchPassport(context.Background(), w.DID)
			So(err, ShouldBeNil)
			So(len(doc.Stamps), ShouldEqual, 1)
			So(node.Len(), ShouldEqual, 1)
		})

		Convey("Then an unknown DID is not found", func() {
			_, err := client.FetchPassport(context.Background(), "did:pkh:eip155:1:0xnobody")
			So(errors.Is(err, ceramic.ErrPassportNotFound), ShouldBeTrue)
		})
	})
}

func TestRun(t *testing.T) {
	Convey("Given a registry reading documents from a simulated node", t, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		node := passportsim.NewDocumentNode()
		nodeSrv := httptest.NewServer(node.Handler())
		defer nodeSrv.Close()

		fetcher, err := ceramic.New(nodeSrv.URL, ceramic.WithMissTTL(0))
		So(err, ShouldBeNil)
		svc := service.New(
			service.WithFetcher(fetcher),
			service.WithIssuers(issuer, []string{issuer}),
			service.WithSigningMessage(message),
		)
		So(svc.Start(ctx), ShouldBeNil)
		defer svc.Stop()
		_, err = svc.Bootstrap(ctx, "0xadmin", "sim.secret")
		So(err, ShouldBeNil)

		registry := httptest.NewServer(api.NewServer(svc).Router())
		defer registry.Close()

		cfg := &passportsim.Config{
			BaseURL:   registry.URL,
			APIKey:    "sim.secret",
			Wallets:   8,
			Workers:   4,
			Timeout:   5 * time.Second,
			Message:   message,
			Issuer:    issuer,
			Providers: []string{"Google", "Github"},
		}

		Convey("When wallets share a stamp and some signatures are foreign", func() {
			cfg.Shared = true
			cfg.BadSignatures = 2
			stats, err := passportsim.Run(ctx, cfg, node)

			Convey("Then honest wallets are scored and the rest are rejected as invalid signers", func() {
				So(err, ShouldBeNil)
				So(stats.WalletsGenerated, ShouldEqual, 8)
				So(stats.Submitted, ShouldEqual, 8)
				So(stats.Count(passportsim.CodeOK), ShouldEqual, 6)
				So(stats.Count("invalid_signer"), ShouldEqual, 2)
				So(stats.ByStatus[http.StatusBadRequest], ShouldEqual, 2)
				So(stats.ScoresRetrieved, ShouldEqual, 6)
				So(node.Len(), ShouldEqual, 8)
			})
		})

		Convey("When the API key is unknown", func() {
			cfg.APIKey = "nobody.secret"
			_, err := passportsim.Run(ctx, cfg, node)

			Convey("Then the run stops at community setup", func() {
				So(err, ShouldNotBeNil)
				So(err.Error(), ShouldContainSubstring, "401")
			})
		})

		Convey("When the registry is unreachable", func() {
			down := httptest.NewServer(http.NotFoundHandler())
			cfg.BaseURL = down.URL
			down.Close()
			_, err := passportsim.Run(ctx, cfg, node)

			Convey("Then the health check fails", func() {
				So(errors.Is(err, passportsim.ErrUnhealthy), ShouldBeTrue)
			})
		})
	})
}
