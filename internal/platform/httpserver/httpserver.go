package httpserver

import (
	"net/http"
	"time"
)

// New builds an HTTP server with sane defaults for this project.
// WriteTimeout exceeds the gateway timeout so synchronous sends can finish.
func New(addr string, handler http.Handler, gatewayTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      gatewayTimeout + 30*time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
