package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lazypower/kindred/internal/engine"
	"github.com/lazypower/kindred/internal/logging"
	"github.com/lazypower/kindred/internal/store"
)

const maxBodyBytes = 1 << 20

// Server is the kindred HTTP API server.
type Server struct {
	db      *store.DB
	engine  *engine.Engine
	log     *zap.Logger
	router  chi.Router
	version string
	started time.Time
}

// New creates a new Server over the engine. A nil logger discards output.
func New(db *store.DB, eng *engine.Engine, version string, logger *zap.Logger) *Server {
	logger = logging.OrNop(logger)
	s := &Server{
		db:      db,
		engine:  eng,
		log:     logger,
		version: version,
		started: time.Now(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/memory-types", s.handleMemoryTypes)

		r.Post("/memories", s.handleStore)
		r.Post("/memories/retrieve", s.handleRetrieve)
		r.Get("/memories/history", s.handleHistory)
		r.Get("/memories/{id}", s.handleGetMemory)

		r.Post("/maintenance/decay", s.handleDecay)
		r.Post("/maintenance/consolidate", s.handleConsolidate)
		r.Post("/maintenance/cluster", s.handleCluster)
		r.Post("/maintenance/run", s.handleMaintain)

		r.Get("/clusters", s.handleListClusters)
		r.Get("/clusters/{id}", s.handleGetCluster)

		r.Post("/preferences", s.handleLearnPreference)
		r.Get("/preferences", s.handleListPreferences)
		r.Post("/preferences/extract", s.handleExtractPreferences)

		r.Post("/companions", s.handleCreateCompanion)
		r.Get("/companions", s.handleListCompanions)
		r.Get("/companions/{id}", s.handleGetCompanion)
		r.Get("/companions/{id}/stats", s.handleStats)

		r.Get("/context", s.handleGetContext)
		r.Post("/importance", s.handleImportance)
	})

	s.router = r
}

// logRequests writes one structured line per request.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.started).Seconds(),
		"db":      s.db.Available(r.Context()),
	}
	if s.db != nil {
		health["db_path"] = s.db.Path
	}
	if s.engine != nil {
		health["llm"] = s.engine.LLM != nil
		health["index"] = s.engine.Index != nil
		if s.engine.Embedder != nil {
			health["embedder"] = s.engine.Embedder.Model()
		}
	}
	writeJSON(w, http.StatusOK, health)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps engine errors to status codes. Unexpected errors are
// logged and reported without detail.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *engine.ValidationError
	var nf *engine.NotFoundError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": verr.Error()})
	case errors.As(err, &nf):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": nf.Error()})
	case errors.Is(err, engine.ErrUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
	default:
		s.log.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

// decode reads a JSON body into v, answering 400 itself on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json: " + err.Error()})
		return false
	}
	return true
}

// queryInt parses an optional integer query parameter.
func queryInt(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &engine.ValidationError{Field: name, Msg: "must be an integer"}
	}
	return n, nil
}
