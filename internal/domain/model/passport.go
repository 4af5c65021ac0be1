// Package model contains domain models passed between layers.
package model

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ScoreDecimals is the fixed scale scores are stored and rendered with.
const ScoreDecimals = 9

// Passport is the accepted state of one address inside one community.
// At most one exists per (Address, CommunityID); Address is always lowercase.
type Passport struct {
	ID          int64
	Address     string
	CommunityID int64
	// Document is the deduplicated snapshot of the last submission.
	Document  Document
	UpdatedAt time.Time
}

// Stamp is one credential accepted into a Passport. Hash is globally unique
// across passports.
type Stamp struct {
	ID         int64
	PassportID int64
	Hash       string
	Provider   string
	Credential Credential
	CreatedAt  time.Time
}

// Score is the 1:1 score of a Passport.
type Score struct {
	PassportID         int64
	Address            string
	Value              decimal.Decimal
	LastScoreTimestamp time.Time
}

// Formatted renders the score with the fixed stored scale, e.g. "1.000000000".
func (s Score) Formatted() string {
	return s.Value.StringFixed(ScoreDecimals)
}

// NormalizeAddress returns the canonical (lowercase, trimmed) form of an address.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// Document is the passport document fetched for a DID.
type Document struct {
	Issuer string          `json:"issuer"`
	Stamps []DocumentStamp `json:"stamps"`
}

// DocumentStamp is a stamp entry inside a Document.
type DocumentStamp struct {
	Provider   string     `json:"provider"`
	Credential Credential `json:"credential"`
}

// Hash is the deduplication key of the stamp.
func (s DocumentStamp) Hash() string {
	return s.Credential.CredentialSubject.Hash
}

// Hashes returns the stamp hashes of the document in order.
func (d Document) Hashes() []string {
	out := make([]string, 0, len(d.Stamps))
	for _, s := range d.Stamps {
		out = append(out, s.Hash())
	}
	return out
}

// Credential is a verifiable credential. Only the fields the registry reads
// are decoded; the original payload is kept in Raw and re-emitted verbatim.
type Credential struct {
	Issuer            string            `json:"issuer"`
	IssuanceDate      string            `json:"issuanceDate,omitempty"`
	ExpirationDate    string            `json:"expirationDate"`
	CredentialSubject CredentialSubject `json:"credentialSubject"`
	Proof             json.RawMessage   `json:"proof,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// CredentialSubject is the subject block of a stamp credential.
type CredentialSubject struct {
	ID       string `json:"id"`
	Hash     string `json:"hash"`
	Provider string `json:"provider,omitempty"`
}

type credentialFields Credential

// UnmarshalJSON decodes the known fields and keeps a copy of the payload.
func (c *Credential) UnmarshalJSON(b []byte) error {
	var f credentialFields
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*c = Credential(f)
	c.Raw = append(json.RawMessage(nil), b...)
	return nil
}

// MarshalJSON emits the original payload when one was decoded.
func (c Credential) MarshalJSON() ([]byte, error) {
	if len(c.Raw) > 0 {
		return c.Raw, nil
	}
	return json.Marshal(credentialFields(c))
}
