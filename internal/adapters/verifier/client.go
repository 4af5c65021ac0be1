// Package verifier checks credential proofs against a verifier sidecar.
//
// The sidecar accepts POST {"did": ..., "credential": {...}} and answers
// {"checks": [...], "warnings": [...], "errors": [...]}. Only errors make a
// credential invalid.
package verifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/okian/passport-registry/internal/domain/model"
	"github.com/okian/passport-registry/pkg/metrics"
)

const defaultTimeout = 5 * time.Second

// Client implements credential.Verifier over HTTP.
type Client struct {
	url    string
	client *http.Client
}

// New returns a Client posting to url. A non-positive timeout uses the
// default.
func New(url string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{url: strings.TrimSpace(url), client: &http.Client{Timeout: timeout}}
}

type request struct {
	DID        string           `json:"did"`
	Credential model.Credential `json:"credential"`
}

type response struct {
	Checks   []string `json:"checks"`
	Warnings []string `json:"warnings"`
	Errors   []string `json:"errors"`
}

// Verify implements credential.Verifier.
func (c *Client) Verify(ctx context.Context, did string, cred model.Credential) ([]string, error) {
	start := time.Now()
	problems, err := c.verify(ctx, did, cred)
	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
	case len(problems) > 0:
		outcome = "rejected"
	}
	metrics.RecordExternalCall("verifier", outcome, float64(time.Since(start).Milliseconds()))
	return problems, err
}

func (c *Client) verify(ctx context.Context, did string, cred model.Credential) ([]string, error) {
	body, err := json.Marshal(request{DID: did, Credential: cred})
	if err != nil {
		return nil, fmt.Errorf("encode verify request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build verify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("verify credential: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("verify credential: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode verify response: %w", err)
	}
	return out.Errors, nil
}
