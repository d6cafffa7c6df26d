// Package server exposes the bridge registry over HTTP: a small JSON API
// for dispatching and stopping work, a WebSocket per bridge for
// interactive clients, and an SSE feed of bridge lifecycle changes.
package server

import (
	"context"
	"crypto/subtle"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/lolwierd/rig/internal/bridge"
	"github.com/lolwierd/rig/internal/notify"
	"github.com/lolwierd/rig/internal/session"
)

// StartOpts holds configuration for the API server.
type StartOpts struct {
	Registry   *bridge.Registry
	Dispatcher *session.Dispatcher
	Watcher    *notify.Watcher // optional; /api/watch 404s without it
	AuthToken  string          // empty disables auth
	Port       int
	Out        io.Writer
}

// Start launches the API server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Registry == nil {
		return fmt.Errorf("server: registry is required")
	}
	if opts.Dispatcher == nil {
		return fmt.Errorf("server: dispatcher is required")
	}
	if opts.Port <= 0 {
		opts.Port = 8390
	}

	router := newRouter(opts)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.Port),
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "server: listening on :%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// newRouter builds the Gin engine with all routes registered. Split out so
// tests can drive it through httptest without binding a port.
func newRouter(opts StartOpts) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if opts.AuthToken != "" {
		router.Use(requireToken(opts.AuthToken))
	}
	registerRoutes(router, opts)
	return router
}

// requireToken gates every route behind a bearer token.
func requireToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}
