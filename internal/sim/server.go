// Package sim implements a small execution server for development and
// testing. It exposes the channel endpoint the network monitor speaks to,
// plus a health and status surface, and simulates query execution with a
// configurable delay.
package sim

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"phobos.org.uk/overseer/internal/logging"
	"phobos.org.uk/overseer/internal/protocol"
)

const defaultResponseDelay = 100 * time.Millisecond

// Options configures the simulated server.
type Options struct {
	// Token, when non-empty, requires Bearer auth on /status and /channel.
	Token string

	// ResponseDelay is how long a query "executes" before completing.
	ResponseDelay time.Duration

	// Result overrides the completion result. Empty echoes the query text.
	Result string

	Version string
}

// Server is a simulated execution server.
type Server struct {
	opts      Options
	log       *logging.Logger
	startedAt time.Time
	tokenHash string
	upgrader  websocket.Upgrader

	mu       sync.Mutex
	conns    map[*conn]struct{}
	sessions map[string]struct{}
}

// NewServer creates a simulated server. A nil logger discards diagnostics.
func NewServer(opts Options, log *logging.Logger) (*Server, error) {
	if log == nil {
		log = logging.Discard()
	}
	if opts.ResponseDelay <= 0 {
		opts.ResponseDelay = defaultResponseDelay
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}

	s := &Server{
		opts:      opts,
		log:       log.WithComponent("sim"),
		startedAt: time.Now(),
		upgrader:  websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		conns:     make(map[*conn]struct{}),
		sessions:  make(map[string]struct{}),
	}

	if opts.Token != "" {
		hash, err := hashToken(opts.Token)
		if err != nil {
			return nil, fmt.Errorf("hashing access token: %w", err)
		}
		s.tokenHash = hash
	}

	return s, nil
}

// Router returns the HTTP router.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/healthz", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Get("/logs", s.handleLogs)
	r.Get("/channel", s.handleChannel)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		protocol.WriteError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid access token")
		return
	}
	protocol.WriteJSON(w, http.StatusOK, s.serverStatus(""))
}

// handleLogs exposes the in-memory log buffer for diagnostics. Supports
// level, component, and limit query parameters.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		protocol.WriteError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid access token")
		return
	}

	q := logging.Query{
		Level:     logging.Level(r.URL.Query().Get("level")),
		Component: r.URL.Query().Get("component"),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			protocol.WriteError(w, http.StatusBadRequest, "bad_request", "limit must be a non-negative integer")
			return
		}
		q.Limit = n
	}

	protocol.WriteJSON(w, http.StatusOK, s.log.Query(q))
}

func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		protocol.WriteError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid access token")
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("channel upgrade failed", map[string]any{"error": err.Error()})
		return
	}

	c := &conn{srv: s, ws: ws}
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	s.log.Info("client connected", map[string]any{"remote": r.RemoteAddr})
	go c.handle()
}

// authorized checks Bearer auth when a token is configured.
func (s *Server) authorized(r *http.Request) bool {
	if s.tokenHash == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	return verifyToken(token, s.tokenHash)
}

func (s *Server) serverStatus(requestID string) protocol.ServerStatus {
	s.mu.Lock()
	sessions := len(s.sessions)
	busy := false
	for c := range s.conns {
		c.mu.Lock()
		if c.run != nil {
			busy = true
		}
		c.mu.Unlock()
	}
	s.mu.Unlock()

	state := "idle"
	if busy {
		state = "executing"
	}
	return protocol.ServerStatus{
		RequestID:     requestID,
		State:         state,
		Sessions:      sessions,
		UptimeSeconds: time.Since(s.startedAt).Seconds(),
		Version:       s.opts.Version,
	}
}

func (s *Server) registerSession(id string) {
	s.mu.Lock()
	s.sessions[id] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) dropConn(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// Close disconnects all clients.
func (s *Server) Close() {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.ws.Close()
	}
}
