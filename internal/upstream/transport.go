package upstream

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultHeaderTimeout  = 30 * time.Second
)

// TransportConfig tunes the connection to the generation service. Body reads
// are bounded by the relay idle timeout, not here.
type TransportConfig struct {
	ConnectTimeout time.Duration
	HeaderTimeout  time.Duration

	// DenyPrivate rejects connections to loopback, private or link-local
	// addresses.
	DenyPrivate bool
}

// NewTransport returns a transport that bounds dialing and the wait for
// response headers but never the streamed body.
func NewTransport(cfg TransportConfig) *http.Transport {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.HeaderTimeout <= 0 {
		cfg.HeaderTimeout = defaultHeaderTimeout
	}

	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout, KeepAlive: 30 * time.Second}

	t := http.DefaultTransport.(*http.Transport).Clone()
	t.ResponseHeaderTimeout = cfg.HeaderTimeout
	t.DisableCompression = true
	t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := dialer.DialContext(ctx, network, addr)
		if err != nil || !cfg.DenyPrivate {
			return conn, err
		}

		host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
		ip := net.ParseIP(host)
		if ip == nil {
			conn.Close()
			return nil, fmt.Errorf("failed to parse remote IP for %q", addr)
		}
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() {
			conn.Close()
			return nil, fmt.Errorf("access to private IP %s is denied", ip)
		}
		return conn, nil
	}
	return t
}
