// Package ceramic fetches passport documents published for a DID.
package ceramic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/okian/passport-registry/internal/domain/model"
	"github.com/okian/passport-registry/pkg/metrics"
	"github.com/okian/passport-registry/pkg/tracing"
	"github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultTimeout     = 10 * time.Second
	maxDocumentBytes   = 4 << 20
	passportPathPrefix = "/api/v0/passport/"
)

// ErrPassportNotFound is returned when no document is published for a DID.
var ErrPassportNotFound = errors.New("passport document not found")

// Client reads passport documents over HTTP. With WithMissTTL, misses are
// remembered so a stream of submissions for an unknown DID stays local.
type Client struct {
	base   string
	client *http.Client
	misses *cache.Cache
	tracer trace.Tracer
}

// Option applies a configuration option to the Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.client = c
		}
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) {
		if d > 0 {
			cl.client.Timeout = d
		}
	}
}

// WithMissTTL sets how long a not-found DID is remembered. A document
// published during that window is not seen until it passes. Zero, the
// default, disables it.
func WithMissTTL(d time.Duration) Option {
	return func(cl *Client) {
		if d <= 0 {
			cl.misses = nil
			return
		}
		cl.misses = cache.New(d, 2*d)
	}
}

// New returns a Client for the node at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid ceramic url %q", baseURL)
	}
	c := &Client{
		base:   strings.TrimRight(u.String(), "/"),
		client: &http.Client{Timeout: defaultTimeout},
		tracer: tracing.Tracer("registry/ceramic"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// FetchPassport implements ingest.DocumentFetcher.
func (c *Client) FetchPassport(ctx context.Context, did string) (model.Document, error) {
	if c.misses != nil {
		if _, miss := c.misses.Get(did); miss {
			return model.Document{}, fmt.Errorf("%w: %s", ErrPassportNotFound, did)
		}
	}

	ctx, span := c.tracer.Start(ctx, "ceramic.fetch_passport", trace.WithAttributes(tracing.Str("did", did)))
	start := time.Now()
	doc, err := c.fetch(ctx, did)
	tracing.End(span, err)

	outcome := "ok"
	switch {
	case errors.Is(err, ErrPassportNotFound):
		outcome = "not_found"
		if c.misses != nil {
			c.misses.SetDefault(did, struct{}{})
		}
	case err != nil:
		outcome = "error"
	}
	metrics.RecordExternalCall("ceramic", outcome, float64(time.Since(start).Milliseconds()))
	return doc, err
}

func (c *Client) fetch(ctx context.Context, did string) (model.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+passportPathPrefix+url.PathEscape(did), nil)
	if err != nil {
		return model.Document{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return model.Document{}, fmt.Errorf("get passport: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return model.Document{}, fmt.Errorf("%w: %s", ErrPassportNotFound, did)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return model.Document{}, fmt.Errorf("get passport: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var doc model.Document
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxDocumentBytes)).Decode(&doc); err != nil {
		return model.Document{}, fmt.Errorf("decode passport: %w", err)
	}
	return doc, nil
}
