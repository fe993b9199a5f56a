package signaling

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/bandofblades/signal-relay/internal/config"
	"github.com/bandofblades/signal-relay/internal/metrics"
	"github.com/bandofblades/signal-relay/internal/origin"
	"github.com/bandofblades/signal-relay/internal/ratelimit"
	"github.com/bandofblades/signal-relay/internal/room"
)

// Config wires together the runtime dependencies for the signaling service.
type Config struct {
	// Registry is the membership source of truth shared by all sessions.
	// If nil, a fresh registry is constructed.
	Registry *room.Registry

	// TraversalServers is the static list handed to clients on get-config.
	TraversalServers []config.TraversalServer

	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// AllowedOrigins feeds the WebSocket upgrade origin check. Empty means
	// same-host only; browser-less clients send no Origin and always pass.
	AllowedOrigins []string

	// Inbound WebSocket hardening. MaxMessageBytes and MaxMessagesPerSecond
	// fall back to the config package defaults when zero; IdleTimeout and
	// PingInterval of zero disable idle enforcement and keepalive pings.
	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	IdleTimeout          time.Duration
	PingInterval         time.Duration
}

// Server owns the relay's WebSocket signaling endpoint.
//
// Each accepted connection is assigned a fresh connection id and served by
// its own session goroutine; the shared state is the room registry plus the
// hub of live connections.
type Server struct {
	registry         *room.Registry
	traversalServers []config.TraversalServer
	metrics          *metrics.Metrics
	log              *slog.Logger

	allowedOrigins []string

	maxMessageBytes      int64
	maxMessagesPerSecond int
	idleTimeout          time.Duration
	pingInterval         time.Duration

	upgrader websocket.Upgrader
	hub      *hub
}

func NewServer(cfg Config) *Server {
	registry := cfg.Registry
	if registry == nil {
		registry = room.NewRegistry(cfg.Metrics)
	}
	m := cfg.Metrics
	if m == nil {
		m = registry.Metrics()
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	maxBytes := cfg.MaxMessageBytes
	if maxBytes <= 0 {
		maxBytes = config.DefaultMaxSignalingMessageBytes
	}
	maxRate := cfg.MaxMessagesPerSecond
	if maxRate <= 0 {
		maxRate = config.DefaultMaxSignalingMessagesPerSecond
	}

	servers := cfg.TraversalServers
	if servers == nil {
		// Keep the wire field present even when no traversal servers are
		// configured.
		servers = []config.TraversalServer{}
	}

	s := &Server{
		registry:         registry,
		traversalServers: servers,
		metrics:          m,
		log:              log,
		allowedOrigins:   cfg.AllowedOrigins,

		maxMessageBytes:      maxBytes,
		maxMessagesPerSecond: maxRate,
		idleTimeout:          cfg.IdleTimeout,
		pingInterval:         cfg.PingInterval,

		hub: newHub(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) Registry() *room.Registry { return s.registry }

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /signal", s.handleSignal)
}

// ServeHTTP provides minimal routing for tests and simple deployments. The
// production binary wires routes through httpserver.Server.Mux() using
// RegisterRoutes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet && r.URL.Path == "/signal" {
		s.handleSignal(w, r)
		return
	}
	http.NotFound(w, r)
}

// Close disconnects all live connections. Sessions observe the close through
// their read loops and reclaim their registry state on the way out.
func (s *Server) Close() {
	s.hub.closeAll()
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote an HTTP error response.
		return
	}

	c := &wsConn{id: uuid.NewString(), conn: conn}
	s.hub.register(c)

	sess := &session{
		srv:  s,
		conn: c,
		log:  s.log.With("conn", c.id),
		limiter: ratelimit.NewTokenBucket(ratelimit.RealClock{},
			int64(s.maxMessagesPerSecond), int64(s.maxMessagesPerSecond)),
	}
	sess.log.Debug("connection accepted", "remote_addr", r.RemoteAddr)
	sess.run()
}

func (s *Server) checkOrigin(r *http.Request) bool {
	header := strings.TrimSpace(r.Header.Get("Origin"))
	if header == "" {
		return true
	}
	normalized, ok := origin.Normalize(header)
	return ok && origin.Allowed(normalized, r.Host, s.allowedOrigins)
}

// fanOut sends msg to every member's connection except excludeConnID.
// Failures are independent per recipient and never affect registry state,
// which was fully updated before fan-out began.
func (s *Server) fanOut(members []room.Participant, excludeConnID string, msg signalMessage) {
	for _, p := range members {
		if p.ConnectionID == excludeConnID {
			continue
		}
		c, ok := s.hub.get(p.ConnectionID)
		if !ok {
			continue
		}
		if err := c.send(msg); err != nil {
			s.log.Debug("notification send failed",
				"to", p.ConnectionID, "type", string(msg.Type), "err", err)
		}
	}
}
