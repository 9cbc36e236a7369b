// Package api serves the local admin HTTP API of the safe zone daemon.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/safezone/internal/db"
	"github.com/banshee-data/safezone/internal/httputil"
	"github.com/banshee-data/safezone/internal/monitoring"
	"github.com/banshee-data/safezone/internal/session"
	"github.com/banshee-data/safezone/internal/tracking"
)

// ANSI escape codes for request logging
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Tracker is the tracking engine surface exposed over HTTP.
type Tracker interface {
	Status() tracking.Status
	Refresh(ctx context.Context) (tracking.CycleInfo, error)
	SetInterval(d time.Duration) error
}

// Sessions signs the device in and out.
type Sessions interface {
	SignIn(ctx context.Context, token string) (*session.Result, error)
	SignOut(ctx context.Context) error
}

// TransitionStore reads the local transition log.
type TransitionStore interface {
	RecentTransitions(ctx context.Context, limit int) ([]db.TransitionRecord, error)
}

type Server struct {
	tracker     Tracker
	sessions    Sessions
	transitions TransitionStore
}

func NewServer(tracker Tracker, sessions Sessions, transitions TransitionStore) *Server {
	return &Server{
		tracker:     tracker,
		sessions:    sessions,
		transitions: transitions,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux returns a mux with the API routes and the transitions chart
// under /debug/.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tracking/status", s.showStatus)
	mux.HandleFunc("/api/tracking/refresh", s.refresh)
	mux.HandleFunc("/api/tracking/interval", s.setInterval)
	mux.HandleFunc("/api/session/signin", s.signIn)
	mux.HandleFunc("/api/session/signout", s.signOut)
	mux.HandleFunc("/api/transitions", s.listTransitions)

	debug := tsweb.Debugger(mux)
	debug.Handle("transitions", "Recorded zone transitions", http.HandlerFunc(s.transitionsChart))
	return mux
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, s.tracker.Status())
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w, http.MethodPost)
		return
	}
	info, err := s.tracker.Refresh(r.Context())
	if errors.Is(err, tracking.ErrNotTracking) {
		httputil.WriteJSONError(w, http.StatusConflict, "tracking is not running")
		return
	}
	if errors.Is(err, tracking.ErrDispatching) {
		httputil.WriteJSONError(w, http.StatusConflict, "a tracking cycle is notifying listeners, retry shortly")
		return
	}
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("refresh failed: %v", err))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, info)
}

type intervalRequest struct {
	Interval string `json:"interval"`
}

func (s *Server) setInterval(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		httputil.MethodNotAllowed(w, http.MethodPut)
		return
	}
	var req intervalRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	d, err := time.ParseDuration(req.Interval)
	if err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid interval %q", req.Interval))
		return
	}
	if err := s.tracker.SetInterval(d); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, intervalRequest{Interval: d.String()})
}

type signInRequest struct {
	Token string `json:"token"`
}

func (s *Server) signIn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w, http.MethodPost)
		return
	}
	var req signInRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	res, err := s.sessions.SignIn(r.Context(), req.Token)
	if errors.Is(err, session.ErrInvalidToken) {
		httputil.WriteJSONError(w, http.StatusUnauthorized, err.Error())
		return
	}
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("sign-in failed: %v", err))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

func (s *Server) signOut(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w, http.MethodPost)
		return
	}
	if err := s.sessions.SignOut(r.Context()); err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("sign-out failed: %v", err))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]bool{"signed_out": true})
}

// parseLimit reads ?limit=, defaulting to db.DefaultTransitionLimit.
func parseLimit(r *http.Request) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return db.DefaultTransitionLimit, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 || n > db.MaxTransitionLimit {
		return 0, fmt.Errorf("limit must be between 1 and %d", db.MaxTransitionLimit)
	}
	return n, nil
}

func (s *Server) listTransitions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	records, err := s.transitions.RecentTransitions(r.Context(), limit)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to retrieve transitions: %v", err))
		return
	}
	if records == nil {
		records = []db.TransitionRecord{}
	}
	httputil.WriteJSON(w, http.StatusOK, records)
}
