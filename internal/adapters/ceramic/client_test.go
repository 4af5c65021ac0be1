package ceramic_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/okian/passport-registry/internal/adapters/ceramic"
	. "github.com/smartystreets/goconvey/convey"
)

const (
	knownDID = "did:pkh:eip155:1:0xaaa"
	lateDID  = "did:pkh:eip155:1:0xlate"
)

const document = `{
  "issuer": "did:key:iam",
  "stamps": [
    {"provider": "Google", "credential": {
      "issuer": "did:key:iam",
      "expirationDate": "2099-01-01T00:00:00Z",
      "credentialSubject": {"id": "did:pkh:eip155:1:0xaaa", "hash": "h1"},
      "proof": {"type": "EthereumEip712Signature2021"}
    }}
  ]
}`

func TestFetchPassport(t *testing.T) {
	Convey("Given a ceramic node", t, func() {
		var (
			calls     atomic.Int32
			published atomic.Bool
		)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			did := strings.TrimPrefix(r.URL.Path, "/api/v0/passport/")
			switch {
			case did == knownDID, did == lateDID && published.Load():
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(document))
			case did == "did:pkh:eip155:1:0xboom":
				http.Error(w, "upstream exploded", http.StatusBadGateway)
			default:
				http.NotFound(w, r)
			}
		}))
		defer srv.Close()

		c, err := ceramic.New(srv.URL + "/")
		So(err, ShouldBeNil)
		ctx := context.Background()

		Convey("A published document is decoded with its raw credentials", func() {
			doc, err := c.FetchPassport(ctx, knownDID)
			So(err, ShouldBeNil)
			So(doc.Issuer, ShouldEqual, "did:key:iam")
			So(doc.Hashes(), ShouldResemble, []string{"h1"})
			So(doc.Stamps[0].Provider, ShouldEqual, "Google")
			So(string(doc.Stamps[0].Credential.Raw), ShouldContainSubstring, "EthereumEip712Signature2021")
		})

		Convey("A document published right after a miss is fetched on the next call", func() {
			_, err := c.FetchPassport(ctx, lateDID)
			So(errors.Is(err, ceramic.ErrPassportNotFound), ShouldBeTrue)

			published.Store(true)
			doc, err := c.FetchPassport(ctx, lateDID)
			So(err, ShouldBeNil)
			So(doc.Issuer, ShouldEqual, "did:key:iam")
			So(calls.Load(), ShouldEqual, 2)
		})

		Convey("Misses are remembered when a miss TTL is set", func() {
			c, err := ceramic.New(srv.URL, ceramic.WithMissTTL(time.Minute), ceramic.WithTimeout(time.Second))
			So(err, ShouldBeNil)
			_, err = c.FetchPassport(ctx, "did:pkh:eip155:1:0xnobody")
			So(errors.Is(err, ceramic.ErrPassportNotFound), ShouldBeTrue)
			_, err = c.FetchPassport(ctx, "did:pkh:eip155:1:0xnobody")
			So(errors.Is(err, ceramic.ErrPassportNotFound), ShouldBeTrue)
			So(calls.Load(), ShouldEqual, 1)
		})

		Convey("Upstream failures carry the status", func() {
			_, err := c.FetchPassport(ctx, "did:pkh:eip155:1:0xboom")
			So(err, ShouldNotBeNil)
			So(errors.Is(err, ceramic.ErrPassportNotFound), ShouldBeFalse)
			So(err.Error(), ShouldContainSubstring, "502")
		})
	})

	Convey("An unusable base url is rejected", t, func() {
		_, err := ceramic.New("not a url")
		So(err, ShouldNotBeNil)
	})
}
