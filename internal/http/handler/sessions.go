package handler

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/edirooss/portbroker/internal/service"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	connectPath    = "/connect"
	genSessionPath = "/gen_session"
	proxyPrefix    = "/s"
)

// TokenStore carries the opaque session token between client and server.
type TokenStore interface {
	Token(c *gin.Context) (string, bool)
	SetToken(c *gin.Context, token string) error
	ClearToken(c *gin.Context) error
}

// SessionsHandler is the HTTP side of the session gateway.
//
// Supported operations:
//   - GET      /connect      → 200 with the assigned backend, or 303 to /gen_session
//   - GET|POST /gen_session  → acquire a slot, set the cookie, 303 to /connect
//   - POST     /disconnect   → release the slot, expire the cookie, 204
//   - ANY      /s/*path      → reverse proxy to the assigned backend
//
// A token the engine does not know is handled exactly like a missing token.
type SessionsHandler struct {
	log         *zap.Logger
	svc         *service.SessionService
	tokens      TokenStore
	backendHost string

	mu      sync.Mutex
	proxies map[int]*httputil.ReverseProxy // port -> proxy, bounded by pool size
}

// NewSessionsHandler constructs a SessionsHandler instance.
func NewSessionsHandler(log *zap.Logger, svc *service.SessionService, tokens TokenStore, backendHost string) *SessionsHandler {
	return &SessionsHandler{
		log:         log.Named("sessions"),
		svc:         svc,
		tokens:      tokens,
		backendHost: backendHost,
		proxies:     make(map[int]*httputil.ReverseProxy),
	}
}

type connectResponse struct {
	Port       int        `json:"port"`
	BackendURL string     `json:"backend_url"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// Connect handles GET /connect.
//
// Status Codes:
//   - 200 OK       → JSON with the assigned port
//   - 303 See Other → /gen_session (no token, or token unknown)
//   - 500 Internal Server Error
func (h *SessionsHandler) Connect(c *gin.Context) {
	token, _ := h.tokens.Token(c)

	sess, err := h.svc.Connect(token)
	if errors.Is(err, service.ErrSessionRequired) {
		c.Redirect(http.StatusSeeOther, genSessionPath)
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}

	resp := connectResponse{Port: sess.Port, BackendURL: h.backendURL(sess.Port).String()}
	if !sess.ExpiresAt.IsZero() {
		resp.ExpiresAt = &sess.ExpiresAt
	}
	c.JSON(http.StatusOK, resp)
}

// CreateSession handles GET|POST /gen_session.
//
// Status Codes:
//   - 303 See Other → /connect, with the session cookie set
//   - 503 Service Unavailable → pool exhausted, no cookie issued
//   - 500 Internal Server Error → backend failed to start
func (h *SessionsHandler) CreateSession(c *gin.Context) {
	// A client that still holds a live session keeps it; no second slot.
	if token, ok := h.tokens.Token(c); ok {
		if _, err := h.svc.Connect(token); err == nil {
			c.Redirect(http.StatusSeeOther, connectPath)
			return
		}
	}

	ctx := c.Request.Context()
	sess, err := h.svc.CreateSession(ctx)
	if err != nil {
		respondError(c, err)
		return
	}

	if err := h.tokens.SetToken(c, sess.Token); err != nil {
		// The client can never present this token; give the slot back.
		if relErr := h.svc.EndSession(ctx, sess.Token); relErr != nil {
			h.log.Warn("release after cookie failure", zap.Error(relErr))
		}
		respondError(c, fmt.Errorf("issue token: %w", err))
		return
	}

	c.Redirect(http.StatusSeeOther, connectPath)
}

// Disconnect handles POST /disconnect.
// It always expires the cookie and answers 204; a backend that fails to stop
// is logged, the slot is free regardless.
func (h *SessionsHandler) Disconnect(c *gin.Context) {
	token, _ := h.tokens.Token(c)

	if err := h.svc.EndSession(c.Request.Context(), token); err != nil {
		c.Error(err)
	}
	if err := h.tokens.ClearToken(c); err != nil {
		c.Error(err)
	}
	c.Status(http.StatusNoContent)
}

// Proxy handles ANY /s/*path by forwarding to the caller's backend.
func (h *SessionsHandler) Proxy(c *gin.Context) {
	token, _ := h.tokens.Token(c)

	sess, err := h.svc.Connect(token)
	if errors.Is(err, service.ErrSessionRequired) {
		c.Redirect(http.StatusSeeOther, genSessionPath)
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}

	h.proxyFor(sess.Port).ServeHTTP(c.Writer, c.Request)
}

func (h *SessionsHandler) backendURL(port int) *url.URL {
	return &url.URL{Scheme: "http", Host: net.JoinHostPort(h.backendHost, strconv.Itoa(port)), Path: "/"}
}

func (h *SessionsHandler) proxyFor(port int) *httputil.ReverseProxy {
	h.mu.Lock()
	defer h.mu.Unlock()

	if p, ok := h.proxies[port]; ok {
		return p
	}

	target := h.backendURL(port)
	log := h.log.With(zap.Int("port", port))
	p := &httputil.ReverseProxy{
		Rewrite: func(r *httputil.ProxyRequest) {
			r.SetURL(target)
			r.SetXForwarded()

			r.Out.URL.Path = stripProxyPrefix(r.In.URL.Path)
			r.Out.URL.RawPath = ""
			if r.In.URL.RawPath != "" {
				r.Out.URL.RawPath = stripProxyPrefix(r.In.URL.RawPath)
			}
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			log.Warn("backend unreachable", zap.Error(err))
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`{"message":"backend unavailable"}`))
		},
	}
	h.proxies[port] = p
	return p
}

// stripProxyPrefix maps /s/x to /x. The escaped form is stripped the same way,
// so encoded separators such as %2F reach the backend intact.
func stripProxyPrefix(path string) string {
	path = strings.TrimPrefix(path, proxyPrefix)
	if path == "" {
		return "/"
	}
	return path
}
