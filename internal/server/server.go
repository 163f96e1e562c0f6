// Package server exposes the optional diagnostics HTTP endpoint: liveness,
// bridge status and prometheus metrics.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/membraneframework/membrane-element-rtp/internal/observability"
	"github.com/rs/zerolog/log"
)

const shutdownGrace = 2 * time.Second

// Status is a point-in-time view of the bridge.
type Status struct {
	Node      string `json:"node"`
	Peer      string `json:"peer,omitempty"`
	Connected bool   `json:"connected"`
	Engine    string `json:"engine"`
	Requests  uint64 `json:"requests"`
}

// StatusFunc must be safe to call from HTTP handler goroutines.
type StatusFunc func() Status

type Diagnostics struct {
	Name     string
	Addr     string
	Appeared time.Time

	status StatusFunc
	router *gin.Engine
}

func New(name, addr string, status StatusFunc) *Diagnostics {
	observability.RegisterMetrics()
	// stdout carries the readiness line; keep gin's debug output off it.
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(name))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	d := &Diagnostics{
		Name:     name,
		Addr:     addr,
		Appeared: time.Now(),
		status:   status,
		router:   r,
	}
	d.registerRoutes()
	return d
}

func (d *Diagnostics) HTTPRouter() *gin.Engine {
	return d.router
}

// Serve listens on Addr and blocks until ctx ends or the listener fails.
func (d *Diagnostics) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", d.Addr)
	if err != nil {
		return err
	}
	return d.ServeListener(ctx, ln)
}

func (d *Diagnostics) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           d.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	log.Info().Str("addr", ln.Addr().String()).Msg("server.Diagnostics.Serve")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("server.Diagnostics.Serve shutdown")
		return err
	}
	return nil
}
