package api

import (
	"errors"
	"fmt"
	"net/http"

	service "github.com/okian/passport-registry/internal/app"
	"github.com/okian/passport-registry/internal/domain/ingest"
)

// Sentinel kinds for API errors.
var (
	ErrBadRequest  = errors.New("bad request")
	ErrRateLimited = errors.New("rate limit exceeded")
	ErrNotFound    = errors.New("not found")
	ErrUnavailable = errors.New("service unavailable")
	ErrInternal    = errors.New("internal server error")
)

// KindError tags an error with a public kind and the operation that failed.
type KindError struct {
	Op   string
	Kind error
	Err  error
}

// NewKind returns an error of kind for op.
func NewKind(op string, kind error) error {
	return &KindError{Op: op, Kind: kind}
}

// WrapKind tags err with kind for op.
func WrapKind(op string, kind, err error) error {
	return &KindError{Op: op, Kind: kind, Err: err}
}

func (e *KindError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *KindError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

type errorMapping struct {
	kind   error
	status int
	code   string
}

// mappings are checked in order; the first match wins.
var mappings = []errorMapping{
	{ErrRateLimited, http.StatusTooManyRequests, "rate_limited"},
	{ingest.ErrUnauthorized, http.StatusUnauthorized, "unauthorized"},
	{ingest.ErrCommunityNotFound, http.StatusNotFound, "community_not_found"},
	{ingest.ErrInvalidSigner, http.StatusBadRequest, "invalid_signer"},
	{ingest.ErrScoreRequest, http.StatusBadRequest, "invalid_score_request"},
	{ingest.ErrPassportCreation, http.StatusBadRequest, "invalid_passport_creation"},
	{ErrBadRequest, http.StatusBadRequest, "bad_request"},
	{service.ErrInvalidRequest, http.StatusBadRequest, "bad_request"},
	{ErrNotFound, http.StatusNotFound, "not_found"},
	{service.ErrNotFound, http.StatusNotFound, "not_found"},
	{service.ErrQueueFull, http.StatusServiceUnavailable, "unavailable"},
	{ErrUnavailable, http.StatusServiceUnavailable, "unavailable"},
}

// classify maps err to a status, a stable code and the public detail. The
// detail is the fixed message of the kind, except for bad requests where it
// names the offending input.
func classify(err error) (int, string, string) {
	for _, m := range mappings {
		if !errors.Is(err, m.kind) {
			continue
		}
		detail := m.kind.Error()
		if m.kind == ErrBadRequest || m.kind == service.ErrInvalidRequest {
			var ke *KindError
			if errors.As(err, &ke) && ke.Err != nil {
				detail = ke.Err.Error()
			}
		}
		return m.status, m.code, detail
	}
	return http.StatusInternalServerError, "internal_error", ErrInternal.Error()
}
