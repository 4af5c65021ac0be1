package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/okian/passport-registry/internal/domain/model"
)

type submitPassportRequest struct {
	Address   string     `json:"address"`
	Signature string     `json:"signature"`
	Community flexibleID `json:"community"`
}

type scoreResponse struct {
	Address            string `json:"address"`
	Score              string `json:"score"`
	LastScoreTimestamp string `json:"last_score_timestamp,omitempty"`
}

func toScoreResponse(s model.Score) scoreResponse {
	out := scoreResponse{Address: s.Address, Score: s.Formatted()}
	if !s.LastScoreTimestamp.IsZero() {
		out.LastScoreTimestamp = s.LastScoreTimestamp.UTC().Format(time.RFC3339)
	}
	return out
}

// handleSubmitPassport handles POST /registry/submit-passport.
func (s *Server) handleSubmitPassport(w http.ResponseWriter, r *http.Request) {
	const op = "submit passport"
	var req submitPassportRequest
	if err := decode(w, r, &req); err != nil {
		s.fail(w, r, WrapKind(op, ErrBadRequest, err))
		return
	}
	req.Address = strings.TrimSpace(req.Address)
	switch {
	case req.Address == "":
		s.fail(w, r, WrapKind(op, ErrBadRequest, errField("address")))
		return
	case strings.TrimSpace(req.Signature) == "":
		s.fail(w, r, WrapKind(op, ErrBadRequest, errField("signature")))
		return
	case req.Community <= 0:
		s.fail(w, r, WrapKind(op, ErrBadRequest, errField("community")))
		return
	}

	res, err := s.deps.SubmitPassport(r.Context(), mustAccount(r).ID, int64(req.Community), req.Address, req.Signature)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, []scoreResponse{toScoreResponse(res.Score)})
}

// handleGetScore handles GET /registry/score/{community_id}/{address}.
func (s *Server) handleGetScore(w http.ResponseWriter, r *http.Request) {
	communityID, err := parseID("get score", "community_id", chi.URLParam(r, "community_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	score, err := s.deps.GetScore(r.Context(), mustAccount(r).ID, communityID, chi.URLParam(r, "address"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toScoreResponse(score))
}

type stampResponse struct {
	Provider  string `json:"provider"`
	Hash      string `json:"hash"`
	CreatedAt string `json:"created_at"`
}

type stampsResponse struct {
	Address string          `json:"address"`
	Stamps  []stampResponse `json:"stamps"`
}

// handleListStamps handles GET /registry/stamps/{address}?community_id=.
func (s *Server) handleListStamps(w http.ResponseWriter, r *http.Request) {
	communityID, err := parseID("list stamps", "community_id", r.URL.Query().Get("community_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	address := model.NormalizeAddress(chi.URLParam(r, "address"))
	stamps, err := s.deps.ListStamps(r.Context(), mustAccount(r).ID, communityID, address)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := stampsResponse{Address: address, Stamps: make([]stampResponse, 0, len(stamps))}
	for _, st := range stamps {
		out.Stamps = append(out.Stamps, stampResponse{
			Provider:  st.Provider,
			Hash:      st.Hash,
			CreatedAt: st.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type fieldError string

func (f fieldError) Error() string { return string(f) + " is required" }

func errField(name string) error { return fieldError(name) }
