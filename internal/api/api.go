// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package api exposes the operator HTTP surface: health probes and dynamic
// session management on top of the running runtime.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ManuGH/agentbot/internal/log"
	"github.com/ManuGH/agentbot/internal/model"
	"github.com/ManuGH/agentbot/internal/runtime"
	"github.com/ManuGH/agentbot/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
)

// Config tunes the operator API.
type Config struct {
	// RateLimit is requests per minute per client IP. Zero disables limiting.
	RateLimit int
}

// Server wires the runtime into an http.Handler.
type Server struct {
	rt  *runtime.Runtime
	cfg Config
}

func NewServer(rt *runtime.Runtime, cfg Config) *Server {
	return &Server{rt: rt, cfg: cfg}
}

// Router builds the chi router with request ids, logging and rate limiting.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(requestID)
	r.Use(middleware.Recoverer)
	if s.cfg.RateLimit > 0 {
		r.Use(httprate.Limit(
			s.cfg.RateLimit,
			time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Retry-After", "60")
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			}),
		))
	}

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Route("/api/sessions", func(r chi.Router) {
		r.Get("/", s.handleListSessions)
		r.Post("/", s.handleAttachSession)
		r.Get("/{sessionID}", s.handleGetSession)
		r.Delete("/{sessionID}", s.handleDetachSession)
	})
	return r
}

// requestID attaches a correlation id to the request context and response.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-Id", id)
		ctx := log.ContextWithCorrelationID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	// The store is the only hard dependency the API needs to serve reads.
	if _, err := s.rt.Sessions(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type sessionView struct {
	SessionID     string             `json:"sessionId"`
	UserID        string             `json:"userId,omitempty"`
	State         model.SessionState `json:"state"`
	ClaimedSlotID string             `json:"claimedSlotId,omitempty"`
	RetryCount    int                `json:"retryCount"`
	LastError     string             `json:"lastError,omitempty"`
	Attached      bool               `json:"attached"`
	UpdatedAtUnix int64              `json:"updatedAtUnix"`
}

func (s *Server) view(rec *model.SessionRecord) sessionView {
	return sessionView{
		SessionID:     rec.SessionID,
		UserID:        rec.UserID,
		State:         rec.State,
		ClaimedSlotID: rec.ClaimedSlotID,
		RetryCount:    rec.RetryCount,
		LastError:     rec.LastError,
		Attached:      s.rt.Attached(rec.SessionID),
		UpdatedAtUnix: rec.UpdatedAtUnix,
	}
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	recs, err := s.rt.Sessions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	views := make([]sessionView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, s.view(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": views})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	rec, err := s.rt.Session(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "load failed")
		return
	}
	writeJSON(w, http.StatusOK, s.view(rec))
}

type attachRequest struct {
	SessionID      string                 `json:"sessionId"`
	UserID         string                 `json:"userId"`
	CredentialsRef string                 `json:"credentialsRef"`
	Profile        map[string]string      `json:"profile"`
	Preferences    []model.SlotPreference `json:"preferences"`
}

func (s *Server) handleAttachSession(w http.ResponseWriter, r *http.Request) {
	var req attachRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.SessionID == "" || req.CredentialsRef == "" {
		writeError(w, http.StatusBadRequest, "sessionId and credentialsRef are required")
		return
	}

	seed := &model.SessionRecord{
		SessionID:      req.SessionID,
		UserID:         req.UserID,
		CredentialsRef: req.CredentialsRef,
		Profile:        req.Profile,
		Preferences:    req.Preferences,
		State:          model.StateIdle,
	}
	if err := s.rt.Attach(r.Context(), seed); err != nil {
		switch {
		case errors.Is(err, runtime.ErrAlreadyAttached):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, runtime.ErrInvalidSessionID):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "attach failed")
		}
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"sessionId": req.SessionID})
}

func (s *Server) handleDetachSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if err := s.rt.Detach(id, "operator request"); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not attached")
			return
		}
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("detach failed: %v", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
