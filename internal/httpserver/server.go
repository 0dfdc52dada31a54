package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	cfgpkg "github.com/openfms/telematics-gateway/internal/config"
)

const (
	defaultReadTimeout  = 10 * time.Second
	defaultWriteTimeout = 10 * time.Second
)

// Server wraps the admin HTTP API: gin engine plus the stdlib
// http.Server that serves it.
type Server struct {
	srv *http.Server
}

// New builds the HTTP server bound to cfg.Port. Routes are registered
// by the caller on the returned gin.Engine before Start is called.
func New(cfg cfgpkg.APIConfig) (*Server, *gin.Engine) {
	r := gin.New()
	r.Use(gin.Recovery())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
	}
	return &Server{srv: srv}, r
}

// Start runs the HTTP server; blocks until Shutdown or a fatal error.
func (s *Server) Start() error {
	return s.srv.ListenAndServe()
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
