package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/okian/passport-registry/internal/domain/model"
)

type communityRequest struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Scorer      model.ScorerConfig `json:"scorer"`
}

type communityResponse struct {
	ID          int64              `json:"id"`
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Scorer      model.ScorerConfig `json:"scorer"`
	CreatedAt   string             `json:"created_at"`
}

func toCommunityResponse(c model.Community) communityResponse {
	return communityResponse{
		ID:          c.ID,
		Name:        c.Name,
		Description: c.Description,
		Scorer:      c.Scorer,
		CreatedAt:   c.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// handleCreateCommunity handles POST /registry/communities.
func (s *Server) handleCreateCommunity(w http.ResponseWriter, r *http.Request) {
	const op = "create community"
	var req communityRequest
	if err := decode(w, r, &req); err != nil {
		s.fail(w, r, WrapKind(op, ErrBadRequest, err))
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		s.fail(w, r, WrapKind(op, ErrBadRequest, errField("name")))
		return
	}
	c, err := s.deps.CreateCommunity(r.Context(), mustAccount(r).ID, model.Community{
		Name:        req.Name,
		Description: req.Description,
		Scorer:      req.Scorer,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCommunityResponse(c))
}

// handleListCommunities handles GET /registry/communities.
func (s *Server) handleListCommunities(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.ListCommunities(r.Context(), mustAccount(r).ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]communityResponse, 0, len(list))
	for _, c := range list {
		out = append(out, toCommunityResponse(c))
	}
	writeJSON(w, http.StatusOK, out)
}

type rescoreResponse struct {
	ID                   string `json:"id"`
	Status               string `json:"status"`
	CommunitiesRequested int    `json:"communities_requested"`
	CommunitiesProcessed int    `json:"communities_processed"`
	CreatedAt            string `json:"created_at"`
	UpdatedAt            string `json:"updated_at"`
}

func toRescoreResponse(req model.RescoreRequest) rescoreResponse {
	return rescoreResponse{
		ID:                   req.ID,
		Status:               string(req.Status),
		CommunitiesRequested: req.CommunitiesRequested,
		CommunitiesProcessed: req.CommunitiesProcessed,
		CreatedAt:            req.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:            req.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

// handleRequestRescore handles POST /registry/rescore.
func (s *Server) handleRequestRescore(w http.ResponseWriter, r *http.Request) {
	req, err := s.deps.RequestRescore(r.Context(), mustAccount(r).ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toRescoreResponse(req))
}

// handleGetRescore handles GET /registry/rescore/{id}.
func (s *Server) handleGetRescore(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		s.fail(w, r, NewKind("get rescore", ErrNotFound))
		return
	}
	req, err := s.deps.GetRescore(r.Context(), mustAccount(r).ID, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRescoreResponse(req))
}
