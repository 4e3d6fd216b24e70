// Package gateway accepts websocket connections and attaches them to
// document sessions.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/starford/weave/internal/auth"
	"github.com/starford/weave/internal/session"
)

// Close codes sent when a handshake is rejected.
const (
	CloseBadName      = 4400
	CloseUnauthorized = 4401
	CloseUnavailable  = 4503
)

const maxNameLength = 512

// Authenticator validates handshake credentials.
type Authenticator interface {
	Enabled() bool
	ValidateCredentials(ctx context.Context, token, resource string) (auth.Principal, error)
}

// Config tunes connection handling.
type Config struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	MaxMessageBytes  int64
}

func (c *Config) defaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 16 << 20
	}
}

// Handler upgrades requests on /ws/{name} and serves them until they close.
type Handler struct {
	reg      *session.Registry
	authn    Authenticator
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader
	active   atomic.Int64
}

// NewHandler creates the websocket endpoint.
func NewHandler(reg *session.Registry, authn Authenticator, cfg Config, logger *slog.Logger) *Handler {
	cfg.defaults()
	return &Handler{
		reg:    reg,
		authn:  authn,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "gateway")),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Active returns the number of open connections.
func (h *Handler) Active() int64 {
	return h.active.Load()
}

// ServeHTTP handles one connection for its whole lifetime.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", slog.String("error", err.Error()))
		return
	}
	h.active.Add(1)
	defer h.active.Add(-1)

	c := &conn{
		id:     uuid.NewString(),
		ws:     ws,
		h:      h,
		clocks: make(map[uint64]uint64),
	}
	c.logger = h.logger.With(slog.String("conn", c.id))
	c.serve(r.Context(), documentName(r), auth.BearerToken(r))
}

// documentName extracts the name from the wildcard route segment.
func documentName(r *http.Request) string {
	raw := chi.URLParam(r, "*")
	if raw == "" {
		raw = strings.TrimPrefix(r.URL.Path, "/ws/")
	}
	name, err := url.PathUnescape(raw)
	if err != nil {
		return ""
	}
	return name
}

// validName accepts "<room>" and "<room>/<ref>" style names made of
// non-empty segments without dot segments.
func validName(name string) bool {
	if name == "" || len(name) > maxNameLength {
		return false
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return false
		}
	}
	return true
}
