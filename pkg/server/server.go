// Package server exposes the analyzer over HTTP. Analyses run in
// background goroutines; clients poll a session until it completes.
package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/actiongraph/actiongraph/pkg/analyze"
	"github.com/actiongraph/actiongraph/pkg/organization"
)

// Session states returned by the progress endpoint.
const (
	StatusPending  = "pending"
	StatusRunning  = "running"
	StatusComplete = "complete"
	StatusFailed   = "failed"
)

// DefaultSessionTTL is how long a finished session stays queryable.
const DefaultSessionTTL = time.Hour

type session struct {
	id       string
	status   string
	progress analyze.Progress
	result   any
	err      string
	doneAt   time.Time
}

// Options configures a Server.
type Options struct {
	// MaxDepth is passed to every analyzer the server spawns.
	MaxDepth int
	// SessionTTL is how long completed and failed sessions are kept.
	// Zero means DefaultSessionTTL.
	SessionTTL time.Duration
	Logger     *logrus.Entry
}

// Server runs analyses on demand and tracks them as sessions in memory.
type Server struct {
	client   organization.Client
	maxDepth int
	ttl      time.Duration
	log      *logrus.Entry

	mu       sync.Mutex
	sessions map[string]*session

	stop     chan struct{}
	stopOnce sync.Once
}

// New builds a Server and starts its session janitor. Call Close to
// stop the janitor.
func New(client organization.Client, opts Options) *Server {
	ttl := opts.SessionTTL
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	log := opts.Logger
	if log == nil {
		silent := logrus.New()
		silent.SetOutput(io.Discard)
		log = logrus.NewEntry(silent)
	}
	s := &Server{
		client:   client,
		maxDepth: opts.MaxDepth,
		ttl:      ttl,
		log:      log,
		sessions: make(map[string]*session),
		stop:     make(chan struct{}),
	}
	go s.janitor()
	return s
}

// Close stops the session janitor. Running analyses finish on their own.
func (s *Server) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.Post("/analyze", s.handleAnalyze)
		r.Post("/analyze-org", s.handleAnalyzeOrg)
		r.Get("/progress/{sessionID}", s.handleProgress)
		r.Get("/result/{sessionID}", s.handleResult)
	})
	r.Get("/healthz", s.handleHealth)
	return r
}

// ListenAndServe serves the handler on addr until the listener fails.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Minute,
	}
	s.log.WithField("addr", addr).Info("listening")
	return srv.ListenAndServe()
}

type analyzeRequest struct {
	Owner string `json:"owner"`
	Repo  string `json:"repo"`
	Ref   string `json:"ref"`
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, map[string]string{"error": "invalid json"})
		return
	}
	if req.Owner == "" || req.Repo == "" {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, map[string]string{"error": "owner and repo are required"})
		return
	}

	id := s.newSession()
	go s.runRepository(id, req.Owner, req.Repo, req.Ref)

	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, map[string]string{"sessionId": id})
}

func (s *Server) handleAnalyzeOrg(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Org string `json:"org"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, map[string]string{"error": "invalid json"})
		return
	}
	if req.Org == "" {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, map[string]string{"error": "org is required"})
		return
	}

	id := s.newSession()
	go s.runOrganization(id, req.Org)

	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, map[string]string{"sessionId": id})
}

type progressResponse struct {
	Status    string `json:"status"`
	Phase     string `json:"phase,omitempty"`
	Message   string `json:"message,omitempty"`
	Processed int    `json:"processed"`
	Total     int    `json:"total"`
	Error     string `json:"error,omitempty"`
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")

	s.mu.Lock()
	sess, ok := s.sessions[id]
	var resp progressResponse
	if ok {
		resp = progressResponse{
			Status:    sess.status,
			Phase:     sess.progress.Phase,
			Message:   sess.progress.Message,
			Processed: sess.progress.Processed,
			Total:     sess.progress.Total,
			Error:     sess.err,
		}
	}
	s.mu.Unlock()

	if !ok {
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, map[string]string{"error": "unknown session"})
		return
	}
	render.JSON(w, r, resp)
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")

	s.mu.Lock()
	sess, ok := s.sessions[id]
	var status, errMsg string
	var result any
	if ok {
		status = sess.status
		errMsg = sess.err
		result = sess.result
	}
	s.mu.Unlock()

	switch {
	case !ok:
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, map[string]string{"error": "unknown session"})
	case status == StatusComplete:
		render.JSON(w, r, result)
	case status == StatusFailed:
		render.Status(r, http.StatusConflict)
		render.JSON(w, r, map[string]string{"status": status, "error": errMsg})
	default:
		render.Status(r, http.StatusConflict)
		render.JSON(w, r, map[string]string{"status": status})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]string{"status": "ok"})
}

func (s *Server) newSession() string {
	id := uuid.NewString()
	s.mu.Lock()
	s.sessions[id] = &session{id: id, status: StatusPending}
	s.mu.Unlock()
	return id
}

func (s *Server) runRepository(id, owner, repo, ref string) {
	s.setRunning(id)
	analyzer := analyze.New(s.client, analyze.Options{MaxDepth: s.maxDepth, Logger: s.log})
	result, err := analyzer.AnalyzeRepository(context.Background(), owner, repo, ref, s.progressFunc(id))
	s.finish(id, result, err)
}

func (s *Server) runOrganization(id, org string) {
	s.setRunning(id)
	analyzer := organization.New(s.client, organization.Options{MaxDepth: s.maxDepth, Logger: s.log})
	result, err := analyzer.AnalyzeOrganization(context.Background(), org, s.progressFunc(id))
	s.finish(id, result, err)
}

func (s *Server) setRunning(id string) {
	s.mu.Lock()
	if sess, ok := s.sessions[id]; ok {
		sess.status = StatusRunning
	}
	s.mu.Unlock()
}

func (s *Server) progressFunc(id string) analyze.ProgressFunc {
	return func(p analyze.Progress) {
		s.mu.Lock()
		if sess, ok := s.sessions[id]; ok {
			sess.progress = p
		}
		s.mu.Unlock()
	}
}

func (s *Server) finish(id string, result any, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return
	}
	sess.doneAt = time.Now()
	if err != nil {
		sess.status = StatusFailed
		sess.err = err.Error()
		s.log.WithField("session", id).WithError(err).Warn("analysis failed")
		return
	}
	sess.status = StatusComplete
	sess.result = result
}

func (s *Server) janitor() {
	interval := s.ttl / 2
	if interval < 50*time.Millisecond {
		interval = 50 * time.Millisecond
	}
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.expire(now)
		}
	}
}

// expire drops finished sessions older than the TTL. Sessions still
// pending or running are never reaped; their goroutine owns them.
func (s *Server) expire(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sess := range s.sessions {
		if sess.status != StatusComplete && sess.status != StatusFailed {
			continue
		}
		if now.Sub(sess.doneAt) > s.ttl {
			delete(s.sessions, id)
			s.log.WithField("session", id).Debug("session expired")
		}
	}
}
