package server

import (
	"net/http"

	"github.com/lazypower/kindred/internal/engine"
)

func (s *Server) handleGetContext(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	query := q.Get("query")
	if query == "" {
		query = q.Get("q")
	}
	gc, err := s.engine.BuildContext(r.Context(), engine.ContextRequest{
		UserID:      q.Get("user_id"),
		CompanionID: q.Get("companion_id"),
		Query:       query,
		GameID:      q.Get("game_id"),
		Limit:       limit,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, gc)
}

func (s *Server) handleImportance(w http.ResponseWriter, r *http.Request) {
	var req engine.ImportanceRequest
	if !decode(w, r, &req) {
		return
	}
	imp, err := s.engine.ScoreImportance(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, imp)
}

func (s *Server) handleMemoryTypes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"types": engine.MemoryTypes()})
}
