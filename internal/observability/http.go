package observability

import (
	"net"
	"net/http"
	"strings"
)

// RequestMeta captures the identifying headers of an inbound request, used
// to stamp websocket lifecycle events.
type RequestMeta struct {
	RequestID string
	DeviceID  string
	IP        string
}

func MetaFromRequest(r *http.Request) RequestMeta {
	return RequestMeta{
		RequestID: r.Header.Get("X-Request-Id"),
		DeviceID:  r.Header.Get("X-Device-Id"),
		IP:        clientIP(r),
	}
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}
