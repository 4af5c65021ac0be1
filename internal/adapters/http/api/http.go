// Package api exposes the registry over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/okian/passport-registry/internal/domain/ingest"
	"github.com/okian/passport-registry/internal/domain/model"
	"github.com/okian/passport-registry/pkg/logger"
)

const (
	defaultRequestTimeout = 60 * time.Second
	maxBodyBytes          = 1 << 20
)

// Dependencies are the application operations behind the routes.
type Dependencies interface {
	ResolveAPIKey(ctx context.Context, raw string) (model.Account, error)

	SubmitPassport(ctx context.Context, accountID, communityID int64, address, signature string) (ingest.Result, error)
	GetScore(ctx context.Context, accountID, communityID int64, address string) (model.Score, error)
	ListStamps(ctx context.Context, accountID, communityID int64, address string) ([]model.Stamp, error)

	CreateCommunity(ctx context.Context, accountID int64, c model.Community) (model.Community, error)
	ListCommunities(ctx context.Context, accountID int64) ([]model.Community, error)

	RequestRescore(ctx context.Context, accountID int64) (model.RescoreRequest, error)
	GetRescore(ctx context.Context, accountID int64, id string) (model.RescoreRequest, error)

	Health(ctx context.Context) error
}

// Server wires HTTP routes for the registry API.
type Server struct {
	deps    Dependencies
	log     logger.Logger
	limiter *keyLimiter
	timeout time.Duration
}

// NewServer creates a Server.
func NewServer(deps Dependencies, opts ...Option) *Server {
	s := &Server{
		deps:    deps,
		log:     logger.Get().Named("http"),
		timeout: defaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router returns a chi router with every API route mounted.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	s.Register(r)
	return r
}

// Register attaches all routes to r.
func (s *Server) Register(r chi.Router) {
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	r.Use(s.logRequests)

	r.Get("/health/", s.handleHealth)
	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metricsHandler())

	r.Route("/registry", func(r chi.Router) {
		r.Use(middleware.Timeout(s.timeout))
		r.Use(s.requireAPIKey)
		r.Use(s.rateLimit)

		r.Post("/submit-passport", s.handleSubmitPassport)
		r.Get("/score/{community_id}/{address}", s.handleGetScore)
		r.Get("/stamps/{address}", s.handleListStamps)

		r.Post("/communities", s.handleCreateCommunity)
		r.Get("/communities", s.handleListCommunities)

		r.Post("/rescore", s.handleRequestRescore)
		r.Get("/rescore/{id}", s.handleGetRescore)
	})
}

type errorResponse struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// fail renders err with its public kind. Server errors are logged with the
// full cause; client errors were already logged where they happened.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, detail := classify(err)
	if status >= http.StatusInternalServerError {
		s.log.Error(r.Context(), "request error",
			logger.String("request_id", middleware.GetReqID(r.Context())),
			logger.String("path", r.URL.Path),
			logger.Error(err),
		)
	}
	writeJSON(w, status, errorResponse{Code: code, Detail: detail})
}

// decode reads a JSON body into v, rejecting unknown fields.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

// flexibleID is a numeric identifier that may also arrive as a JSON string.
type flexibleID int64

func (id *flexibleID) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return errors.New("must be an integer")
	}
	*id = flexibleID(n)
	return nil
}

func parseID(op, name, raw string) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || n <= 0 {
		return 0, WrapKind(op, ErrBadRequest, fmt.Errorf("%s must be a positive integer", name))
	}
	return n, nil
}

func mustAccount(r *http.Request) model.Account {
	a, _ := accountFrom(r.Context())
	return a
}
