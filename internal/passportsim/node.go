package passportsim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/okian/passport-registry/internal/domain/model"
	"github.com/okian/passport-registry/pkg/logger"
)

const nodeShutdownTimeout = 5 * time.Second

// DocumentNode serves passport documents by DID the way the registry's
// document client expects: GET /api/v0/passport/{did}.
type DocumentNode struct {
	mu   sync.RWMutex
	docs map[string]model.Document
}

// NewDocumentNode returns an empty node.
func NewDocumentNode() *DocumentNode {
	return &DocumentNode{docs: map[string]model.Document{}}
}

// Put publishes doc for did, replacing any previous document.
func (n *DocumentNode) Put(did string, doc model.Document) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.docs[did] = doc
}

// Len reports the number of published documents.
func (n *DocumentNode) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.docs)
}

// Handler returns the HTTP handler of the node.
func (n *DocumentNode) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/api/v0/passport/{did}", func(w http.ResponseWriter, r *http.Request) {
		n.mu.RLock()
		doc, ok := n.docs[chi.URLParam(r, "did")]
		n.mu.RUnlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(doc)
	})
	return r
}

// Serve listens on addr until ctx is done.
func (n *DocumentNode) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           n.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), nodeShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Get().Info(ctx, "document node listening", logger.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("document node: %w", err)
	}
	return nil
}
