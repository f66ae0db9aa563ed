package handler

import (
	"net"
	"net/http"
	"strings"
)

const (
	headerRealIP         = "X-Real-IP"
	headerForwardedFor   = "X-Forwarded-For"
	headerForwardedProto = "X-Forwarded-Proto"
)

// clientIP returns the peer address of the connection. Inbound forwarding
// headers are not trusted for this.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// setForwardHeaders sets the forwarding headers on the outbound request.
// X-Forwarded-For keeps whatever the client sent and appends the client IP.
func setForwardHeaders(out, in *http.Request) {
	ip := clientIP(in)

	out.Header.Set(headerRealIP, ip)

	forwardedFor := ip
	if prior := in.Header.Values(headerForwardedFor); len(prior) > 0 {
		forwardedFor = strings.Join(prior, ", ") + ", " + ip
	}
	out.Header.Set(headerForwardedFor, forwardedFor)

	out.Header.Set(headerForwardedProto, "http")
}
