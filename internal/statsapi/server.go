// Package statsapi exposes a small read-only HTTP view of a running graph:
// the live per-edge counters and the recently emitted stats lines. It is
// wired up only when the user asks for it; the canonical stats channel
// remains the stdout line stream.
package statsapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aacn500/hp4/internal/stats"
)

// Server serves the stats API for one run.
type Server struct {
	log      *zap.Logger
	runID    string
	snapshot func() stats.Snapshot
	history  *stats.History
	httpsrv  *http.Server
}

// New builds a server bound to addr. snapshot is called per request and
// must be safe from any goroutine.
func New(log *zap.Logger, addr, runID string, snapshot func() stats.Snapshot, history *stats.History) *Server {
	log = log.Named("statsapi")

	s := &Server{
		log:      log,
		runID:    runID,
		snapshot: snapshot,
		history:  history,
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(zapLogger(log))

	r.GET("/api/ping", s.getPing)
	r.GET("/api/stats", s.getStats)
	r.GET("/api/stats/history", s.getHistory)

	s.httpsrv = &http.Server{
		Addr:    addr,
		Handler: r,

		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,

		MaxHeaderBytes: 1 << 15, // 32 KB

		ErrorLog: zap.NewStdLog(log.Named("http").WithOptions(zap.AddCallerSkip(1))),
	}

	return s
}

// ListenAndServe blocks until the server stops. A server closed via
// Shutdown reports success.
func (s *Server) ListenAndServe() error {
	s.log.Info("running stats API", zap.String("addr", s.httpsrv.Addr))
	if err := s.httpsrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and drains in-flight ones.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.httpsrv.Shutdown(ctx)
}

func (s *Server) getPing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "pong", "run_id": s.runID})
}

func (s *Server) getStats(c *gin.Context) {
	snap := s.snapshot()
	c.Header("X-Total-Count", strconv.Itoa(len(snap)))
	c.JSON(http.StatusOK, snap)
}

func (s *Server) getHistory(c *gin.Context) {
	lines := 0
	if q := c.Query("lines"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusBadRequest, gin.H{"message": "invalid lines"})
			return
		}
		lines = n
	}

	entries := s.history.Read(lines)
	c.Header("X-Total-Count", strconv.Itoa(len(entries)))
	c.JSON(http.StatusOK, entries)
}

// zapLogger is a Gin middleware that logs each request through Zap.
func zapLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		latency := time.Since(start)
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}

		var errs []error
		for _, ge := range c.Errors {
			if ge.Err != nil {
				errs = append(errs, ge.Err)
			}
		}
		joinedErr := errors.Join(errs...)

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("latency", latency),
		}
		if joinedErr != nil {
			fields = append(fields, zap.Error(joinedErr))
		}

		switch {
		case status >= 500:
			log.Error("request", fields...)
		case status >= 400:
			log.Warn("request", fields...)
		default:
			log.Info("request", fields...)
		}
	}
}
