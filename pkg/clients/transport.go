package clients

import (
	"net"
	"net/http"
	"time"
)

// DefaultTransport returns an HTTP transport with per-host connection caps.
func DefaultTransport() *http.Transport {
	return &http.Transport{
		MaxConnsPerHost:     100,
		MaxIdleConnsPerHost: 10,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// NewHTTPClient returns a client on DefaultTransport bounded by timeout.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: DefaultTransport(),
		Timeout:   timeout,
	}
}
