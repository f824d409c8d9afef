package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/lazypower/kindred/internal/engine"
)

func (s *Server) handleStore(w http.ResponseWriter, r *http.Request) {
	var req engine.StoreRequest
	if !decode(w, r, &req) {
		return
	}
	m, err := s.engine.Store(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleGetMemory(w http.ResponseWriter, r *http.Request) {
	m, err := s.engine.GetMemory(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	var req engine.RetrieveRequest
	if !decode(w, r, &req) {
		return
	}
	mems, err := s.engine.Retrieve(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"memories": nonNil(mems)})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	mems, err := s.engine.History(r.Context(), engine.HistoryRequest{
		UserID:         q.Get("user_id"),
		CompanionID:    q.Get("companion_id"),
		ConversationID: q.Get("conversation_id"),
		Limit:          limit,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"memories": nonNil(mems)})
}

func (s *Server) handleDecay(w http.ResponseWriter, r *http.Request) {
	var req engine.DecayRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.engine.Decay(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleConsolidate(w http.ResponseWriter, r *http.Request) {
	var req engine.ConsolidateRequest
	if !decode(w, r, &req) {
		return
	}
	n, err := s.engine.Consolidate(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"consolidated": n})
}

func (s *Server) handleCluster(w http.ResponseWriter, r *http.Request) {
	var req engine.ClusterRequest
	if !decode(w, r, &req) {
		return
	}
	clusters, err := s.engine.Cluster(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"clusters": nonNil(clusters)})
}

// handleMaintain runs the full decay, consolidate and cluster sequence for
// one user under the maintenance lock.
func (s *Server) handleMaintain(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	res, err := s.engine.MaintainUser(r.Context(), req.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListClusters(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	clusters, err := s.engine.ListClusters(r.Context(), q.Get("user_id"), q.Get("companion_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"clusters": nonNil(clusters)})
}

func (s *Server) handleGetCluster(w http.ResponseWriter, r *http.Request) {
	c, err := s.engine.GetCluster(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// nonNil keeps empty lists encoding as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
