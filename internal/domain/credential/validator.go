// Package credential validates single stamp credentials: issuer allow-list,
// structure and signature through an external Verifier, and expiration.
package credential

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/okian/passport-registry/internal/domain/model"
)

// ExpirationLayout is the only accepted expirationDate format.
const ExpirationLayout = "2006-01-02T15:04:05Z"

// Verifier checks a credential's proof against the subject DID. It returns
// the list of problems found; an empty list means valid.
type Verifier interface {
	Verify(ctx context.Context, did string, cred model.Credential) ([]string, error)
}

// Result is the outcome of validating one credential.
type Result struct {
	Errors    []error
	Expired   bool
	ExpiresAt time.Time
}

// Accepted reports whether the credential may be stored.
func (r Result) Accepted() bool {
	return len(r.Errors) == 0 && !r.Expired
}

// Reasons renders Errors for logging.
func (r Result) Reasons() []string {
	out := make([]string, len(r.Errors))
	for i, err := range r.Errors {
		out[i] = err.Error()
	}
	return out
}

// Validator runs every check of a credential and reports all failures.
type Validator struct {
	trusted  map[string]struct{}
	verifier Verifier
}

// New returns a Validator accepting credentials from issuers.
// A nil verifier skips the external signature check.
func New(issuers []string, verifier Verifier) *Validator {
	v := &Validator{trusted: make(map[string]struct{}, len(issuers)), verifier: verifier}
	for _, iss := range issuers {
		v.trusted[iss] = struct{}{}
	}
	return v
}

// TrustedIssuer reports whether issuer is on the allow-list.
func (v *Validator) TrustedIssuer(issuer string) bool {
	_, ok := v.trusted[issuer]
	return ok
}

// Validate checks cred for the subject did at time now. Checks do not short
// circuit. The only returned error is ErrMalformedExpiration.
func (v *Validator) Validate(ctx context.Context, did string, cred model.Credential, now time.Time) (Result, error) {
	var res Result

	if !v.TrustedIssuer(cred.Issuer) {
		res.Errors = append(res.Errors, &UntrustedIssuerError{Issuer: cred.Issuer})
	}

	for _, msg := range structuralProblems(did, cred) {
		res.Errors = append(res.Errors, &CredentialValidationError{Message: msg})
	}

	if v.verifier != nil {
		msgs, err := v.verifier.Verify(ctx, did, cred)
		if err != nil {
			msgs = append(msgs, err.Error())
		}
		for _, msg := range msgs {
			res.Errors = append(res.Errors, &CredentialValidationError{Message: msg})
		}
	}

	exp, err := parseExpiration(cred.ExpirationDate)
	if err != nil {
		return res, fmt.Errorf("%w: %q: %w", ErrMalformedExpiration, cred.ExpirationDate, err)
	}
	res.ExpiresAt = exp
	res.Expired = exp.Before(now)
	return res, nil
}

// parseExpiration is strict: time.Parse alone would also accept fractional
// seconds.
func parseExpiration(s string) (time.Time, error) {
	if len(s) != len(ExpirationLayout) {
		return time.Time{}, fmt.Errorf("want layout %s", ExpirationLayout)
	}
	return time.Parse(ExpirationLayout, s)
}

func structuralProblems(did string, cred model.Credential) []string {
	var out []string
	if cred.CredentialSubject.Hash == "" {
		out = append(out, "missing credentialSubject.hash")
	}
	switch {
	case cred.CredentialSubject.ID == "":
		out = append(out, "missing credentialSubject.id")
	case !strings.EqualFold(cred.CredentialSubject.ID, did):
		out = append(out, "credentialSubject.id does not match the passport DID")
	}
	if len(cred.Proof) == 0 {
		out = append(out, "missing proof")
	}
	return out
}
