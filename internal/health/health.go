// Package health serves the HTTP liveness endpoint that container platforms
// poll to keep the bot running.
package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/meulify/mai/internal/chat"
)

// DefaultPort is used when no port is configured.
const DefaultPort = 8000

// AliveText is the plain-text body of the root endpoint.
const AliveText = "MAI is alive!"

// StatsSource provides query counters for /healthz.
type StatsSource interface {
	Snapshot() chat.Snapshot
}

// StartOpts holds configuration for the health server.
type StartOpts struct {
	Port    int
	Stats   StatsSource // optional
	Models  []string    // fallback chain, reported by /healthz
	Version string
	Out     io.Writer
}

// Status is the /healthz response body.
type Status struct {
	Status   string   `json:"status"`
	Version  string   `json:"version,omitempty"`
	Uptime   string   `json:"uptime,omitempty"`
	Handled  int64    `json:"handled"`
	Failed   int64    `json:"failed"`
	Degraded int64    `json:"degraded"`
	Models   []string `json:"models"`
}

// NewRouter builds the gin engine with the health routes.
func NewRouter(opts StartOpts) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/", handleAlive)
	router.HEAD("/", handleAlive)
	router.GET("/healthz", handleStatus(opts))
	return router
}

// Start launches the health HTTP server. It blocks until ctx is cancelled,
// then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Port <= 0 {
		opts.Port = DefaultPort
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           NewRouter(opts),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Health check listening on :%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("health: %w", err)
	}
	return nil
}

func handleAlive(c *gin.Context) {
	c.String(http.StatusOK, AliveText)
}

func handleStatus(opts StartOpts) gin.HandlerFunc {
	models := opts.Models
	if models == nil {
		models = []string{}
	}
	return func(c *gin.Context) {
		st := Status{Status: "ok", Version: opts.Version, Models: models}
		if opts.Stats != nil {
			snap := opts.Stats.Snapshot()
			st.Uptime = snap.Uptime.Round(time.Second).String()
			st.Handled = snap.Handled
			st.Failed = snap.Failed
			st.Degraded = snap.Degraded
		}
		c.JSON(http.StatusOK, st)
	}
}
