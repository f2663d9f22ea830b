package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/lifetrace-ai/lifetrace/pkg/timeline"
)

// Server exposes the timeline service over HTTP.
type Server struct {
	svc    *timeline.Service
	logger *slog.Logger
	router chi.Router
}

func New(svc *timeline.Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{svc: svc, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Post("/ask", s.handleAsk)
	r.Post("/observations", s.handleObservation)
	r.Post("/fragments", s.handleFragment)
	r.Get("/events", s.handleListEvents)
	r.Get("/fragments", s.handleListFragments)
	r.Delete("/memory", s.handleDeleteMemory)

	s.router = r
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) ListenAndServe(addr string) error {
	s.logger.Info("http server listening", "addr", addr)
	return http.ListenAndServe(addr, s.router)
}

type askRequest struct {
	Question string     `json:"question"`
	Now      *time.Time `json:"now,omitempty"`
}

func (s *Server) handleAsk(w http.ResponseWriter, req *http.Request) {
	var in askRequest
	if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if in.Question == "" {
		writeError(w, http.StatusBadRequest, "question is required")
		return
	}
	now := time.Time{}
	if in.Now != nil {
		now = *in.Now
	}
	ans, err := s.svc.Ask(req.Context(), in.Question, now)
	if err != nil {
		// "I don't know" is a structured Answer; an error here means
		// the store or index is down.
		s.logger.Error("ask failed", "err", err)
		writeError(w, http.StatusServiceUnavailable, "memory backend unavailable")
		return
	}
	writeJSON(w, http.StatusOK, ans)
}

type observationResponse struct {
	ID           string `json:"id"`
	Accepted     bool   `json:"accepted"`
	Deduplicated bool   `json:"deduplicated"`
}

func (s *Server) handleObservation(w http.ResponseWriter, req *http.Request) {
	var obs timeline.Observation
	if err := json.NewDecoder(req.Body).Decode(&obs); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if obs.FragmentID == "" || obs.Modality == "" {
		writeError(w, http.StatusBadRequest, "fragment_id and modality are required")
		return
	}
	if obs.ID == "" {
		obs.ID = "obs-" + uuid.NewString()
	}
	inserted, err := s.svc.IngestObservation(req.Context(), obs)
	if err != nil {
		var malformed *timeline.MalformedObservationError
		if errors.As(err, &malformed) {
			writeError(w, http.StatusBadRequest, malformed.Error())
			return
		}
		s.logger.Error("observation ingest failed", "observation", obs.ID, "err", err)
		writeError(w, http.StatusServiceUnavailable, "memory backend unavailable")
		return
	}
	writeJSON(w, http.StatusAccepted, observationResponse{ID: obs.ID, Accepted: true, Deduplicated: !inserted})
}

func (s *Server) handleFragment(w http.ResponseWriter, req *http.Request) {
	var frag timeline.Fragment
	if err := json.NewDecoder(req.Body).Decode(&frag); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if frag.ID == "" || frag.Stream == "" {
		writeError(w, http.StatusBadRequest, "id and stream are required")
		return
	}
	if !frag.End.After(frag.Start) {
		writeError(w, http.StatusBadRequest, "fragment end must be after start")
		return
	}
	if err := s.svc.FragmentComplete(req.Context(), frag); err != nil {
		s.logger.Error("fragment completion failed", "fragment", frag.ID, "err", err)
		writeError(w, http.StatusServiceUnavailable, "memory backend unavailable")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

func (s *Server) handleListEvents(w http.ResponseWriter, req *http.Request) {
	from, err := parseTimeParam(req, "from")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	to, err := parseTimeParam(req, "to")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit := parseIntParam(req, "limit", 100)
	events, err := s.svc.Events(req.Context(), from, to, limit)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "memory backend unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleListFragments(w http.ResponseWriter, req *http.Request) {
	limit := parseIntParam(req, "limit", 100)
	frags, err := s.svc.Fragments(req.Context(), limit)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "memory backend unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"fragments": frags})
}

type deleteRequest struct {
	All   bool       `json:"all"`
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}

func (s *Server) handleDeleteMemory(w http.ResponseWriter, req *http.Request) {
	var in deleteRequest
	if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	var (
		n   int
		err error
	)
	switch {
	case in.All:
		n, err = s.svc.DeleteAll(req.Context())
	case in.Start != nil && in.End != nil:
		n, err = s.svc.DeleteRange(req.Context(), *in.Start, *in.End)
	default:
		writeError(w, http.StatusBadRequest, "set all=true or both start and end")
		return
	}
	if err != nil {
		s.logger.Error("memory deletion failed", "err", err)
		writeError(w, http.StatusServiceUnavailable, "memory backend unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

func (s *Server) handleHealth(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"stats":  s.svc.Stats(),
	})
}

func parseTimeParam(req *http.Request, name string) (time.Time, error) {
	raw := req.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s: %v", name, err)
	}
	return t, nil
}

func parseIntParam(req *http.Request, name string, def int) int {
	raw := req.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
