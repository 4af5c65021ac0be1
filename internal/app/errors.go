package service

import "errors"

// Sentinel kinds for service errors. Ingestion and score errors use the
// ingest package kinds.
var (
	ErrNotStarted     = errors.New("service not started")
	ErrInvalidRequest = errors.New("invalid request")
	ErrNotFound       = errors.New("not found")
	ErrQueueFull      = errors.New("rescore queue full")
	ErrMissingFetcher = errors.New("passport document fetcher is required")
)
