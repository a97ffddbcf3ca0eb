// Package validation provides input validation for the coordination API.
//
// The wallet endpoint validator is the security boundary of the whole
// engine: a party's wallet-control endpoint is only ever accepted if its
// host is a loopback literal. Symbolic hostnames other than the literal
// "localhost" are rejected outright; no DNS resolution is ever attempted,
// so validation can never leak a lookup onto the network.
package validation

import (
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// ErrInvalidEndpoint is returned for endpoints that are malformed or whose
// host is not a loopback literal.
var ErrInvalidEndpoint = errors.New("endpoint must be an http(s) URL with a loopback host")

// WalletEndpoint validates that raw is a well-formed HTTP(S) URL whose host
// resolves, without any network lookup, to a loopback literal: 127.0.0.1,
// ::1, or the literal "localhost". Everything else is rejected, including
// private-range addresses, 0.0.0.0, and hostnames that merely embed a
// loopback string (http://evil-127.0.0.1.example). Pure and synchronous.
//
// On success it returns the endpoint in canonical form (trimmed, no
// trailing slash).
func WalletEndpoint(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrInvalidEndpoint
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", ErrInvalidEndpoint
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return "", ErrInvalidEndpoint
	}

	// Endpoints with embedded credentials are never legitimate here: the
	// engine holds no wallet credentials beyond what a single call needs.
	if u.User != nil {
		return "", ErrInvalidEndpoint
	}

	host := u.Hostname()
	if host == "" {
		return "", ErrInvalidEndpoint
	}

	if !isLoopbackLiteral(host) {
		return "", ErrInvalidEndpoint
	}

	return strings.TrimRight(u.String(), "/"), nil
}

// isLoopbackLiteral reports whether host is one of the accepted loopback
// literals. IP parsing guards against lookalike hostnames; anything that
// does not parse as an IP must be exactly "localhost".
func isLoopbackLiteral(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	// Strict literals only: 127.0.0.1 and ::1. Other 127.0.0.0/8 addresses
	// are technically loopback but are not what client wallets bind to, and
	// accepting them widens the surface for no benefit.
	return ip.Equal(net.IPv4(127, 0, 0, 1)) || ip.Equal(net.IPv6loopback)
}

// ValidRole reports whether s names an escrow role.
func ValidRole(s string) bool {
	switch strings.ToLower(s) {
	case "buyer", "vendor", "arbiter":
		return true
	}
	return false
}

// ValidEscrowID checks the shape of an externally assigned escrow
// identifier: non-empty, bounded, and limited to URL-safe characters.
func ValidEscrowID(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_':
		default:
			return false
		}
	}
	return true
}

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// EscrowIDParamMiddleware validates the :id URL parameter on routes that
// use it, rejecting malformed identifiers before they reach a handler.
func EscrowIDParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if id != "" && !ValidEscrowID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_escrow_id",
				"message": "escrow id must be 1-128 URL-safe characters",
			})
			return
		}
		c.Next()
	}
}
