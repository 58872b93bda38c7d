package app

import (
	"net"
	"net/http"
	"strings"
)

// registerData mounts the widget data socket. Widgets connect to the bare host:port.
func registerData(mux *http.ServeMux, ws http.Handler) {
	mux.Handle("/", ws)
}

// runtimeBaseURL turns a listen address into a URL a local client can dial.
// Wildcard binds are reported as loopback.
func runtimeBaseURL(addr string, secure bool) string {
	scheme := "http"
	if secure {
		scheme = "https"
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return scheme + "://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return scheme + "://" + net.JoinHostPort(host, port)
}

func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}
