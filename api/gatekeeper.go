package api

import (
	"fmt"
	"net"
	"regexp"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sightedit/collabserver/internal/slogging"
)

// identifierPattern constrains room and user identifiers supplied on the
// connection URL
var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// RejectError describes a connection rejection. It is surfaced only as a
// policy-violation close with a distinguishing reason text, never as a data
// frame.
type RejectError struct {
	Reason    string // metrics label
	CloseText string // application-level close reason sent to the client
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("connection rejected (%s): %s", e.Reason, e.CloseText)
}

// Admission carries the parameters of an accepted connection attempt
type Admission struct {
	RoomID     string
	UserID     string
	Origin     string
	RemoteAddr string
	Token      string
}

// Gatekeeper screens connection attempts before any session object exists.
// Checks run in order: origin, per-address connection rate, identifier
// format, authentication. Duplicate-session and capacity checks happen at
// join time because they need the room.
type Gatekeeper struct {
	allowedOrigins map[string]bool
	allowAnyOrigin bool
	requireAuth    bool
	jwtSecret      []byte
	limiter        *ConnectionLimiter
	metrics        *Metrics
}

// NewGatekeeper creates a connection gatekeeper
func NewGatekeeper(settings Settings, limiter *ConnectionLimiter, metrics *Metrics) *Gatekeeper {
	g := &Gatekeeper{
		allowedOrigins: make(map[string]bool, len(settings.AllowedOrigins)),
		requireAuth:    settings.RequireAuth,
		jwtSecret:      settings.JWTSecret,
		limiter:        limiter,
		metrics:        metrics,
	}
	for _, origin := range settings.AllowedOrigins {
		if origin == "*" {
			g.allowAnyOrigin = true
			continue
		}
		g.allowedOrigins[origin] = true
	}
	return g
}

// OriginAllowed reports whether the declared origin is acceptable. An empty
// origin (non-browser client) is allowed; browsers always send one.
func (g *Gatekeeper) OriginAllowed(origin string) bool {
	if g.allowAnyOrigin || origin == "" {
		return true
	}
	return g.allowedOrigins[origin]
}

// Screen validates a connection attempt. It returns an Admission on success
// or a RejectError carrying the close reason. No session state is touched.
func (g *Gatekeeper) Screen(c *gin.Context) (*Admission, *RejectError) {
	logger := slogging.Get()
	origin := c.GetHeader("Origin")
	remoteAddr := clientAddr(c)

	if !g.OriginAllowed(origin) {
		g.metrics.ConnectionsRejected.WithLabelValues(RejectReasonOrigin).Inc()
		logger.Warn("rejected connection from disallowed origin %q (addr %s)", origin, remoteAddr)
		return nil, &RejectError{Reason: RejectReasonOrigin, CloseText: "origin not allowed"}
	}

	if !g.limiter.Allow(c.Request.Context(), remoteAddr) {
		g.metrics.ConnectionsRejected.WithLabelValues(RejectReasonRate).Inc()
		logger.Warn("rejected connection from %s: connection rate exceeded", remoteAddr)
		return nil, &RejectError{Reason: RejectReasonRate, CloseText: "too many connection attempts"}
	}

	roomID := c.Query("room")
	userID := c.Query("user")
	if !identifierPattern.MatchString(roomID) || !identifierPattern.MatchString(userID) {
		g.metrics.ConnectionsRejected.WithLabelValues(RejectReasonIdentifier).Inc()
		logger.Warn("rejected connection from %s: invalid room/user identifier", remoteAddr)
		return nil, &RejectError{Reason: RejectReasonIdentifier, CloseText: "invalid room or user identifier"}
	}

	token := c.Query("token")
	if g.requireAuth {
		if err := g.validateToken(token); err != nil {
			g.metrics.ConnectionsRejected.WithLabelValues(RejectReasonAuth).Inc()
			logger.Warn("rejected connection from %s: %v", remoteAddr, err)
			return nil, &RejectError{Reason: RejectReasonAuth, CloseText: "authentication failed"}
		}
	}

	return &Admission{
		RoomID:     roomID,
		UserID:     userID,
		Origin:     origin,
		RemoteAddr: remoteAddr,
		Token:      token,
	}, nil
}

// validateToken checks the signed token: HS256, well-formed, not expired
func (g *Gatekeeper) validateToken(tokenStr string) error {
	if tokenStr == "" {
		return fmt.Errorf("missing token")
	}
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		return g.jwtSecret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired())
	if err != nil {
		return fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid {
		return fmt.Errorf("invalid token")
	}
	return nil
}

// clientAddr extracts the remote host without the ephemeral port so the
// connection budget applies per address, not per socket
func clientAddr(c *gin.Context) string {
	if host, _, err := net.SplitHostPort(c.Request.RemoteAddr); err == nil {
		return host
	}
	return c.Request.RemoteAddr
}
