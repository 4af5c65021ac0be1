package credential

import (
	"errors"
	"fmt"
)

// ErrMalformedExpiration is returned when expirationDate does not parse.
// It is a hard failure, never read as "not expired".
var ErrMalformedExpiration = errors.New("malformed expirationDate")

// UntrustedIssuerError reports a credential issued outside the allow-list.
type UntrustedIssuerError struct {
	Issuer string
}

func (e *UntrustedIssuerError) Error() string {
	return fmt.Sprintf("credential issued by untrusted party %q", e.Issuer)
}

// CredentialValidationError carries one structural or signature problem.
type CredentialValidationError struct {
	Message string
}

func (e *CredentialValidationError) Error() string {
	return "credential validation: " + e.Message
}
