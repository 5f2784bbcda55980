// Package httpserver exposes the run ledger over a small read-only HTTP API.
package httpserver

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tinytelemetry/drivebackup/internal/ledger"
)

// DefaultAddr is used when no listen address is configured.
const DefaultAddr = "127.0.0.1:8086"

const maxLimit = 500

// RunStore is the narrow ledger contract required by the HTTP API.
type RunStore interface {
	Recent(ctx context.Context, kind string, limit int) ([]ledger.Run, error)
	Latest(ctx context.Context) ([]ledger.Run, error)
}

// Server serves backup status.
type Server struct {
	addr      string
	store     RunStore
	server    *http.Server
	listener  net.Listener
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
}

// NewServer creates a status server.
func NewServer(addr string, store RunStore) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:   addr,
		store:  store,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/api/health", s.handleHealth)
	r.GET("/api/runs", s.handleRuns)
	r.GET("/api/runs/latest", s.handleLatest)

	reg := prometheus.NewRegistry()
	reg.MustRegister(newRunCollector(s.store))
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	return r
}

// Start begins serving HTTP requests in the background.
func (s *Server) Start() error {
	gin.SetMode(gin.ReleaseMode)

	s.server = &http.Server{
		Handler:           s.routes(),
		BaseContext:       func(_ net.Listener) context.Context { return s.ctx },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.startTime = time.Now()

	go s.server.Serve(listener)
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	s.cancel()
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// handleHealth reports "degraded" when the newest run of any kind failed.
func (s *Server) handleHealth(c *gin.Context) {
	latest, err := s.store.Latest(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read run ledger"})
		return
	}

	status := "ok"
	kinds := gin.H{}
	for _, r := range latest {
		kinds[r.Kind] = gin.H{"ok": r.OK, "finished_at": r.FinishedAt}
		if !r.OK {
			status = "degraded"
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status": status,
		"uptime": time.Since(s.startTime).String(),
		"kinds":  kinds,
	})
}

func (s *Server) handleRuns(c *gin.Context) {
	limit := ledger.DefaultLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxLimit)
	}

	runs, err := s.store.Recent(c.Request.Context(), c.Query("kind"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read run ledger"})
		return
	}
	if runs == nil {
		runs = []ledger.Run{}
	}
	c.JSON(http.StatusOK, gin.H{
		"runs":  runs,
		"count": len(runs),
	})
}

func (s *Server) handleLatest(c *gin.Context) {
	runs, err := s.store.Latest(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read run ledger"})
		return
	}
	if runs == nil {
		runs = []ledger.Run{}
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}
