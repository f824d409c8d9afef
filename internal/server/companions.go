package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/lazypower/kindred/internal/engine"
)

func (s *Server) handleCreateCompanion(w http.ResponseWriter, r *http.Request) {
	var req engine.CompanionRequest
	if !decode(w, r, &req) {
		return
	}
	c, err := s.engine.CreateCompanion(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleListCompanions(w http.ResponseWriter, r *http.Request) {
	list, err := s.engine.ListCompanions(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"companions": nonNil(list)})
}

func (s *Server) handleGetCompanion(w http.ResponseWriter, r *http.Request) {
	c, err := s.engine.GetCompanion(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Stats(r.Context(), r.URL.Query().Get("user_id"), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleLearnPreference(w http.ResponseWriter, r *http.Request) {
	var req engine.LearnRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := s.engine.LearnPreference(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleListPreferences(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	prefs, err := s.engine.ListPreferences(r.Context(), q.Get("user_id"), q.Get("companion_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"preferences": nonNil(prefs)})
}

// handleExtractPreferences accepts a message for background preference
// extraction and returns immediately.
func (s *Server) handleExtractPreferences(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID      string `json:"user_id"`
		CompanionID string `json:"companion_id"`
		Content     string `json:"content"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		s.writeError(w, r, &engine.ValidationError{Field: "user_id", Msg: "required"})
		return
	}
	if req.Content == "" {
		s.writeError(w, r, &engine.ValidationError{Field: "content", Msg: "required"})
		return
	}

	s.engine.ExtractPreferencesAsync(req.UserID, req.CompanionID, req.Content)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}
