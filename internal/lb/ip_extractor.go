package lb

import (
	"net"
	"net/http"
	"strings"

	"github.com/ixpantia/faucet-go/internal/ferror"
)

// IPExtractor selects which part of an incoming request identifies the
// client for IP-based load balancing and logging.
type IPExtractor int

const (
	// ClientAddr trusts the TCP peer address of the connection.
	ClientAddr IPExtractor = iota
	// XForwardedFor reads the left-most address of X-Forwarded-For.
	XForwardedFor
	// XRealIP reads X-Real-IP verbatim.
	XRealIP
)

// ParseIPExtractor converts a CLI/env string into an IPExtractor.
func ParseIPExtractor(s string) (IPExtractor, error) {
	switch s {
	case "client", "client_addr", "":
		return ClientAddr, nil
	case "x_forwarded_for", "x-forwarded-for":
		return XForwardedFor, nil
	case "x_real_ip", "x-real-ip":
		return XRealIP, nil
	default:
		return ClientAddr, ferror.Wrap(ferror.ErrBadRequest, "unknown ip-from %q", s)
	}
}

// Extract returns the client IP per the configured extraction mode.
// clientAddr is the actual TCP peer address; only ClientAddr uses it, and
// the header-based modes ignore it.
func (e IPExtractor) Extract(req *http.Request, clientAddr net.IP) (net.IP, error) {
	switch e {
	case ClientAddr:
		if clientAddr == nil {
			return nil, ferror.Wrap(ferror.ErrBadRequest, "missing client address")
		}
		return clientAddr, nil
	case XForwardedFor:
		h := req.Header.Get("X-Forwarded-For")
		if h == "" {
			return nil, ferror.Wrap(ferror.ErrBadRequest, "missing X-Forwarded-For header")
		}
		first := strings.TrimSpace(strings.SplitN(h, ",", 2)[0])
		ip := net.ParseIP(first)
		if ip == nil {
			return nil, ferror.Wrap(ferror.ErrBadRequest, "invalid X-Forwarded-For header %q", h)
		}
		return ip, nil
	case XRealIP:
		h := req.Header.Get("X-Real-IP")
		if h == "" {
			return nil, ferror.Wrap(ferror.ErrBadRequest, "missing X-Real-IP header")
		}
		ip := net.ParseIP(strings.TrimSpace(h))
		if ip == nil {
			return nil, ferror.Wrap(ferror.ErrBadRequest, "invalid X-Real-IP header %q", h)
		}
		return ip, nil
	default:
		return nil, ferror.Wrap(ferror.ErrBadRequest, "unknown ip extractor")
	}
}
