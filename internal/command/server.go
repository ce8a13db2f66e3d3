// Package command provides the diagnostic channel of the extension: a bounded
// message log, a control API and a back-reference to the active session.
package command

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/net/websocket"

	"github.com/rennerdo30/bifrost-extension/internal/metrics"
	"github.com/rennerdo30/bifrost-extension/internal/platform"
	"github.com/rennerdo30/bifrost-extension/internal/session"
	"github.com/rennerdo30/bifrost-extension/internal/util"
	"github.com/rennerdo30/bifrost-extension/internal/version"
)

// maxControlBody bounds POST /api/v1/control payloads.
const maxControlBody = 1 << 20

// Handler receives control requests that need the supervisor.
type Handler interface {
	// Reload restarts the tunnel session with fresh configuration.
	Reload(ctx context.Context) error
	// HandleControlMessage answers an opaque control message.
	HandleControlMessage(msg []byte) []byte
	// Reasserting reports whether a reload is in flight.
	Reasserting() bool
}

// ErrorRecord exposes the durable error file.
type ErrorRecord interface {
	Durable() (message string, ok bool, err error)
}

// Options configure a Server.
type Options struct {
	Listen   string
	Token    string
	Handler  Handler
	Errors   ErrorRecord
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Shutdown time.Duration
}

// Server is the command channel. It is started once and closed once;
// sessions bind and unbind any number of times in between.
type Server struct {
	opts   Options
	logger *slog.Logger

	started atomic.Bool
	closed  atomic.Bool
	log     atomic.Pointer[Log]
	bridge  atomic.Pointer[platform.Bridge]
	bound   atomic.Pointer[weak.Pointer[session.Session]]
	hub     *hub

	mu        sync.Mutex
	listener  net.Listener
	httpSrv   *http.Server
	unixPath  string
	closeOnce sync.Once
	closeErr  error
	reloads   sync.WaitGroup
}

// New creates a stopped Server.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Shutdown <= 0 {
		opts.Shutdown = 2 * time.Second
	}
	return &Server{
		opts:   opts,
		logger: opts.Logger.With("component", "command"),
		hub:    newHub(),
	}
}

// Start allocates the log and binds the listener.
func (s *Server) Start(bridge *platform.Bridge, maxLogLines int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return startError(util.ErrAlreadyClosed)
	}
	if s.started.Load() {
		return startError(errors.New("already started"))
	}

	network, address, err := util.ParseListen(s.opts.Listen)
	if err != nil {
		return startError(err)
	}
	if network == "unix" {
		if err := os.MkdirAll(filepath.Dir(address), 0755); err != nil {
			return startError(err)
		}
		// A socket left over from a crashed process blocks the bind.
		if err := os.Remove(address); err != nil && !errors.Is(err, os.ErrNotExist) {
			return startError(err)
		}
	}

	ln, err := net.Listen(network, address)
	if err != nil {
		return startError(err)
	}
	if network == "unix" {
		s.unixPath = address
	}

	s.log.Store(NewLog(maxLogLines))
	s.bridge.Store(bridge)
	s.listener = ln
	s.httpSrv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.started.Store(true)

	go func(srv *http.Server, ln net.Listener) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("command channel stopped", "error", err)
		}
	}(s.httpSrv, ln)

	if network == "tcp" && s.opts.Token == "" && !util.IsLocalAddress(address) {
		s.logger.Warn("command channel is reachable off host without a token", "listen", address)
	}
	s.logger.Info("command channel started", "listen", ln.Addr().String(), "max_log_lines", maxLogLines)
	return nil
}

func startError(err error) error {
	return util.NewError(util.KindChannel, "start command channel", fmt.Errorf("%w: %w", util.ErrChannelStart, err))
}

// Addr returns the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Started reports whether the server is started and not yet closed.
func (s *Server) Started() bool {
	return s.started.Load() && !s.closed.Load()
}

// Log returns the message log, or nil before Start.
func (s *Server) Log() *Log {
	return s.log.Load()
}

// WriteMessage appends text to the log and forwards it to followers.
// Messages written while the server is not started are dropped.
func (s *Server) WriteMessage(text string) {
	l := s.log.Load()
	if l == nil || s.closed.Load() {
		s.logger.Debug("dropped message", "text", text)
		return
	}
	line := l.Add(text)
	s.opts.Metrics.RecordLogLine()
	s.hub.broadcast(line)
}

// Bind points control requests at sess. A nil sess unbinds. The server
// only holds a weak reference.
func (s *Server) Bind(sess *session.Session) {
	if sess == nil {
		s.bound.Store(nil)
		return
	}
	wp := weak.Make(sess)
	s.bound.Store(&wp)
}

// Bound returns the bound session, or nil.
func (s *Server) Bound() *session.Session {
	wp := s.bound.Load()
	if wp == nil {
		return nil
	}
	return wp.Value()
}

// Close stops the listener and disconnects followers. Only the first call
// does any work.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		s.closed.Store(true)
		s.bound.Store(nil)
		s.hub.close()

		if s.httpSrv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), s.opts.Shutdown)
			defer cancel()
			if err := s.httpSrv.Shutdown(ctx); err != nil {
				s.closeErr = util.NewError(util.KindChannel, "close command channel", err)
			}
		}
		if s.unixPath != "" {
			os.Remove(s.unixPath) //nolint:errcheck
		}
		s.logger.Info("command channel closed")
	})
	return s.closeErr
}

// Wait blocks until reloads triggered through the API have finished.
func (s *Server) Wait() {
	s.reloads.Wait()
}

// Handler returns the HTTP handler for the command API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(securityHeadersMiddleware)

	if s.opts.Token != "" {
		r.Use(s.authMiddleware)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		r.Get("/api/v1/health", s.handleHealth)
		r.Get("/api/v1/version", s.handleVersion)
		r.Get("/api/v1/status", s.handleStatus)
		r.Get("/api/v1/error", s.handleError)

		r.Get("/api/v1/logs", s.handleGetLogs)
		r.Delete("/api/v1/logs", s.handleClearLogs)

		r.Route("/api/v1/service", func(r chi.Router) {
			r.Post("/sleep", s.handleSleep)
			r.Post("/wake", s.handleWake)
			r.Post("/reload", s.handleReload)
		})

		r.Post("/api/v1/control", s.handleControl)
		r.Handle("/metrics", s.opts.Metrics.Handler())
	})

	r.Handle("/api/v1/logs/stream", websocket.Handler(s.serveStream))

	return r
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("Authorization")
		if token == "" {
			// Fallback to query parameter for WebSocket connections
			token = r.URL.Query().Get("token")
		}

		if len(token) > 7 && token[:7] == "Bearer " {
			token = token[7:]
		}

		if subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.Token)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// securityHeadersMiddleware adds common security headers to all responses.
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	if !s.Started() {
		status = "stopped"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": status,
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, version.GetInfo())
}

// SessionStatus describes the bound session.
type SessionStatus struct {
	ID        uint64    `json:"id"`
	State     string    `json:"state"`
	StartedAt time.Time `json:"started_at"`
}

// Status is the body of GET /api/v1/status.
type Status struct {
	Running     bool                      `json:"running"`
	Reasserting bool                      `json:"reasserting"`
	Session     *SessionStatus            `json:"session"`
	Network     *platform.NetworkSettings `json:"network,omitempty"`
	LogLines    int                       `json:"log_lines"`
	Followers   int                       `json:"followers"`
	Process     *metrics.ProcessStats     `json:"process,omitempty"`
	Version     string                    `json:"version"`
	Time        time.Time                 `json:"time"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := Status{
		Running:   s.Started(),
		Followers: s.hub.count(),
		Version:   version.Short(),
		Time:      time.Now(),
	}
	if s.opts.Handler != nil {
		st.Reasserting = s.opts.Handler.Reasserting()
	}
	if sess := s.Bound(); sess != nil {
		st.Session = &SessionStatus{
			ID:        sess.ID(),
			State:     sess.State().String(),
			StartedAt: sess.StartedAt(),
		}
	}
	if b := s.bridge.Load(); b != nil {
		if ns, ok := b.NetworkSettings(); ok {
			st.Network = &ns
		}
	}
	if l := s.log.Load(); l != nil {
		st.LogLines = l.Count()
	}
	if ps, err := metrics.ReadProcessStats(); err == nil {
		st.Process = &ps
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleError(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"error": nil}
	if s.opts.Errors != nil {
		msg, ok, err := s.opts.Errors.Durable()
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		if ok {
			resp["error"] = msg
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	l := s.log.Load()
	if l == nil {
		writeJSON(w, http.StatusOK, []Line{})
		return
	}

	count := l.Capacity()
	if raw := r.URL.Query().Get("count"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "count must be a positive integer", http.StatusBadRequest)
			return
		}
		count = n
	}
	writeJSON(w, http.StatusOK, l.Last(count))
}

func (s *Server) handleClearLogs(w http.ResponseWriter, r *http.Request) {
	if l := s.log.Load(); l != nil {
		l.Clear()
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "cleared"})
}

func (s *Server) handleSleep(w http.ResponseWriter, r *http.Request) {
	sess := s.Bound()
	if sess != nil {
		sess.Sleep()
	}
	writeJSON(w, http.StatusOK, map[string]bool{"bound": sess != nil})
}

func (s *Server) handleWake(w http.ResponseWriter, r *http.Request) {
	sess := s.Bound()
	if sess != nil {
		sess.Wake()
	}
	writeJSON(w, http.StatusOK, map[string]bool{"bound": sess != nil})
}

// handleReload runs the reload in the background: a reload may close this
// very server through the supervisor, which must not wait on the request.
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if s.opts.Handler == nil {
		http.Error(w, "reload not supported", http.StatusNotImplemented)
		return
	}
	s.reloads.Add(1)
	go func() {
		defer s.reloads.Done()
		if err := s.opts.Handler.Reload(context.Background()); err != nil {
			s.logger.Warn("reload failed", "error", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"message": "reload scheduled"})
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxControlBody))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var resp []byte
	if s.opts.Handler != nil {
		resp = s.opts.Handler.HandleControlMessage(body)
	}
	if resp == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(resp) //nolint:errcheck
}

func (s *Server) serveStream(ws *websocket.Conn) {
	s.hub.serve(ws, func() []Line {
		if l := s.log.Load(); l != nil {
			return l.All()
		}
		return nil
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data) //nolint:errcheck
}
