package ingest

import (
	"errors"
	"fmt"
)

// Public error kinds. Only these reach API callers; their messages are fixed.
var (
	ErrInvalidSigner     = errors.New("address does not match signature")
	ErrPassportCreation  = errors.New("error creating passport")
	ErrScoreRequest      = errors.New("unable to get score for provided community")
	ErrUnauthorized      = errors.New("invalid API key")
	ErrCommunityNotFound = errors.New("community not found")
)

// StepError is a failed transition. Kind is the public error; Err is the
// internal cause, which is logged and never rendered to callers.
type StepError struct {
	State State
	Kind  error
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.State, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Is matches the public kind as well as the wrapped cause.
func (e *StepError) Is(target error) bool { return target == e.Kind }

// Kind returns the public error kind for err. Unknown errors collapse to
// ErrPassportCreation.
func Kind(err error) error {
	for _, k := range []error{ErrInvalidSigner, ErrCommunityNotFound, ErrUnauthorized, ErrScoreRequest, ErrPassportCreation} {
		if errors.Is(err, k) {
			return k
		}
	}
	return ErrPassportCreation
}

// KindName is a stable label for the kind of err, used in metrics.
func KindName(err error) string {
	switch Kind(err) {
	case ErrInvalidSigner:
		return "invalid_signer"
	case ErrCommunityNotFound:
		return "community_not_found"
	case ErrUnauthorized:
		return "unauthorized"
	case ErrScoreRequest:
		return "score_request"
	default:
		return "passport_creation"
	}
}
