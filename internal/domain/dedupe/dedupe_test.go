package dedupe_test

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/okian/passport-registry/internal/domain/dedupe"
	"github.com/okian/passport-registry/internal/domain/model"
	. "github.com/smartystreets/goconvey/convey"
)

func stamp(provider, hash string) model.DocumentStamp {
	s := model.DocumentStamp{Provider: provider}
	s.Credential.CredentialSubject.Hash = hash
	return s
}

func providers(ss []model.DocumentStamp) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = s.Provider
	}
	return out
}

func TestEngineLIFO(t *testing.T) {
	Convey("Given a LIFO engine", t, func() {
		e := dedupe.New()
		So(e.Policy(), ShouldEqual, dedupe.LIFO)

		Convey("An empty submission yields nothing", func() {
			d := e.Deduplicate(nil, dedupe.Index{"h1": 1})
			So(d.Accepted, ShouldBeEmpty)
			So(d.Removals, ShouldBeEmpty)
		})

		Convey("Stamps without collisions pass through unchanged", func() {
			in := []model.DocumentStamp{stamp("A", "h1"), stamp("B", "h2"), stamp("C", "h3")}
			d := e.Deduplicate(in, dedupe.Index{"other": 9})
			So(d.Accepted, ShouldResemble, in)
			So(d.Removals, ShouldBeEmpty)
			So(d.Dropped, ShouldBeEmpty)
		})

		Convey("The later of two sibling duplicates wins and order is preserved", func() {
			in := []model.DocumentStamp{stamp("A", "h1"), stamp("B", "h2"), stamp("C", "h1"), stamp("D", "h3")}
			d := e.Deduplicate(in, nil)
			So(providers(d.Accepted), ShouldResemble, []string{"B", "C", "D"})
			So(d.Dropped, ShouldHaveLength, 1)
			So(d.Dropped[0].Stamp.Provider, ShouldEqual, "A")
			So(d.Dropped[0].Reason, ShouldEqual, dedupe.ReasonSuperseded)
		})

		Convey("A hash owned by another passport is taken over", func() {
			in := []model.DocumentStamp{stamp("A", "h1")}
			d := e.DeduplicateFor(2, in, dedupe.Index{"h1": 1})
			So(d.Accepted, ShouldResemble, in)
			So(d.Removals, ShouldResemble, []dedupe.Removal{{PassportID: 1, Hash: "h1"}})
		})

		Convey("A hash owned by the same passport is also scheduled for removal", func() {
			d := e.DeduplicateFor(1, []model.DocumentStamp{stamp("A", "h1")}, dedupe.Index{"h1": 1})
			So(d.Removals, ShouldResemble, []dedupe.Removal{{PassportID: 1, Hash: "h1"}})
		})

		Convey("An all-duplicate submission keeps every stamp and removes every old owner", func() {
			in := []model.DocumentStamp{stamp("A", "h1"), stamp("B", "h2")}
			d := e.Deduplicate(in, dedupe.Index{"h1": 1, "h2": 3})
			So(d.Accepted, ShouldResemble, in)
			So(d.Removals, ShouldResemble, []dedupe.Removal{{PassportID: 1, Hash: "h1"}, {PassportID: 3, Hash: "h2"}})
			So(d.Hashes(), ShouldResemble, []string{"h1", "h2"})
		})

		Convey("Stamps without a hash are dropped", func() {
			d := e.Deduplicate([]model.DocumentStamp{stamp("A", ""), stamp("B", "h2")}, nil)
			So(providers(d.Accepted), ShouldResemble, []string{"B"})
			So(d.Dropped[0].Reason, ShouldEqual, dedupe.ReasonNoHash)
		})
	})
}

func TestEngineFIFO(t *testing.T) {
	Convey("Given a FIFO engine", t, func() {
		e := dedupe.New(dedupe.WithPolicy(dedupe.FIFO))

		Convey("Foreign owners keep their hashes", func() {
			in := []model.DocumentStamp{stamp("A", "h1"), stamp("B", "h2")}
			d := e.DeduplicateFor(2, in, dedupe.Index{"h1": 1})
			So(providers(d.Accepted), ShouldResemble, []string{"B"})
			So(d.Removals, ShouldBeEmpty)
			So(d.Dropped[0].Reason, ShouldEqual, dedupe.ReasonOwned)
		})

		Convey("A resubmission keeps its own hashes", func() {
			in := []model.DocumentStamp{stamp("A", "h1")}
			d := e.DeduplicateFor(1, in, dedupe.Index{"h1": 1})
			So(d.Accepted, ShouldResemble, in)
		})

		Convey("The first sibling duplicate wins", func() {
			d := e.Deduplicate([]model.DocumentStamp{stamp("A", "h1"), stamp("B", "h1")}, nil)
			So(providers(d.Accepted), ShouldResemble, []string{"A"})
		})

		Convey("Unknown policies leave the default in place", func() {
			So(dedupe.New(dedupe.WithPolicy("random")).Policy(), ShouldEqual, dedupe.LIFO)
		})
	})
}

func TestEngineLIFOProperties(t *testing.T) {
	Convey("For random submissions under LIFO", t, func() {
		rng := rand.New(rand.NewSource(7))
		e := dedupe.New()

		for round := 0; round < 200; round++ {
			n := rng.Intn(12)
			in := make([]model.DocumentStamp, n)
			for i := range in {
				in[i] = stamp(fmt.Sprintf("p%d", i), fmt.Sprintf("h%d", rng.Intn(8)))
			}
			index := dedupe.Index{}
			for h := 0; h < 8; h++ {
				if rng.Intn(3) == 0 {
					index[fmt.Sprintf("h%d", h)] = int64(rng.Intn(4) + 1)
				}
			}

			d := e.Deduplicate(in, index)

			// every accepted hash is unique and is the last occurrence
			seen := map[string]bool{}
			for _, s := range d.Accepted {
				So(seen[s.Hash()], ShouldBeFalse)
				seen[s.Hash()] = true
				last := -1
				for i, c := range in {
					if c.Hash() == s.Hash() {
						last = i
					}
				}
				So(in[last].Provider, ShouldEqual, s.Provider)
			}
			// accepted keeps submission order
			prev := -1
			for _, s := range d.Accepted {
				var idx int
				_, _ = fmt.Sscanf(s.Provider, "p%d", &idx)
				So(idx, ShouldBeGreaterThan, prev)
				prev = idx
			}
			// one removal per accepted hash that had an owner
			owned := 0
			for _, s := range d.Accepted {
				if _, ok := index[s.Hash()]; ok {
					owned++
				}
			}
			So(d.Removals, ShouldHaveLength, owned)
			So(len(d.Accepted)+len(d.Dropped), ShouldEqual, n)
		}
	})
}
