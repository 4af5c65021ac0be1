// Package dedupe decides which stamps of an incoming passport survive
// against the global index of already accepted stamp hashes.
//
// The engine is pure: it never touches storage. It returns a Decision that
// the caller applies inside its own unit of work.
package dedupe

import "github.com/okian/passport-registry/internal/domain/model"

// Policy names a conflict resolution rule for hash ownership.
type Policy string

const (
	// LIFO: the latest submission takes the hash from its previous owner.
	LIFO Policy = "lifo"
	// FIFO: the first owner keeps the hash, later submitters lose the stamp.
	FIFO Policy = "fifo"
)

// Index maps an accepted stamp hash to the ID of the passport owning it.
type Index map[string]int64

// Removal strips Hash from the passport that currently owns it.
type Removal struct {
	PassportID int64
	Hash       string
}

// Drop is an incoming stamp that did not survive, with the reason.
type Drop struct {
	Stamp  model.DocumentStamp
	Reason string
}

// Drop reasons.
const (
	ReasonSuperseded = "superseded within submission"
	ReasonOwned      = "hash owned by another passport"
	ReasonNoHash     = "missing hash"
)

// Decision is the outcome of one deduplication run.
type Decision struct {
	// Accepted keeps the submission order of the surviving stamps.
	Accepted []model.DocumentStamp
	// Removals lists previous owners to strip, in Accepted order.
	Removals []Removal
	Dropped  []Drop
}

// Hashes returns the hashes of the accepted stamps in order.
func (d Decision) Hashes() []string {
	out := make([]string, len(d.Accepted))
	for i, s := range d.Accepted {
		out[i] = s.Hash()
	}
	return out
}

// Engine applies a Policy to incoming stamps.
type Engine struct {
	policy Policy
}

// New returns an Engine, LIFO unless configured otherwise.
func New(opts ...Option) *Engine {
	e := &Engine{policy: LIFO}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy reports the configured policy.
func (e *Engine) Policy() Policy { return e.policy }

// Deduplicate decides incoming against index without knowing the target
// passport. Under FIFO every indexed hash then counts as foreign.
func (e *Engine) Deduplicate(incoming []model.DocumentStamp, index Index) Decision {
	return e.DeduplicateFor(0, incoming, index)
}

// DeduplicateFor decides incoming for the passport self (0 when it does not
// exist yet) against index.
func (e *Engine) DeduplicateFor(self int64, incoming []model.DocumentStamp, index Index) Decision {
	var d Decision
	if len(incoming) == 0 {
		return d
	}

	winners := e.pickWithinSubmission(incoming, &d)

	for i, s := range incoming {
		if !winners[i] {
			continue
		}
		owner, owned := index[s.Hash()]
		switch {
		case !owned:
			d.Accepted = append(d.Accepted, s)
		case e.policy == FIFO && owner != self:
			d.Dropped = append(d.Dropped, Drop{Stamp: s, Reason: ReasonOwned})
		case e.policy == FIFO:
			d.Accepted = append(d.Accepted, s)
		default:
			// LIFO takes over the hash, including from a prior submission
			// of the same passport.
			d.Accepted = append(d.Accepted, s)
			d.Removals = append(d.Removals, Removal{PassportID: owner, Hash: s.Hash()})
		}
	}
	return d
}

// pickWithinSubmission marks, for every hash, the single position that
// survives sibling duplicates: the last one under LIFO, the first under FIFO.
func (e *Engine) pickWithinSubmission(incoming []model.DocumentStamp, d *Decision) []bool {
	pos := make(map[string]int, len(incoming))
	for i, s := range incoming {
		h := s.Hash()
		if h == "" {
			continue
		}
		if _, seen := pos[h]; seen && e.policy == FIFO {
			continue
		}
		pos[h] = i
	}

	winners := make([]bool, len(incoming))
	for i, s := range incoming {
		h := s.Hash()
		switch {
		case h == "":
			d.Dropped = append(d.Dropped, Drop{Stamp: s, Reason: ReasonNoHash})
		case pos[h] == i:
			winners[i] = true
		default:
			d.Dropped = append(d.Dropped, Drop{Stamp: s, Reason: ReasonSuperseded})
		}
	}
	return winners
}
