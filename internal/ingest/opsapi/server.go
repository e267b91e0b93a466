// Package opsapi serves the worker's health and queue statistics over HTTP.
package opsapi

import (
	"context"
	"net/http"
	"time"

	errors "github.com/Laisky/errors/v2"
	gmw "github.com/Laisky/gin-middlewares/v7"
	logSDK "github.com/Laisky/go-utils/v6/log"
	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"

	"github.com/Laisky/docingest/internal/ingest/scheduler"
	"github.com/Laisky/docingest/library/log"
)

// SchedulerStats exposes the in-process scheduler counters.
type SchedulerStats interface {
	Stats() scheduler.Stats
}

// QueueCounter reads authoritative queue totals.
type QueueCounter interface {
	CountPending(ctx context.Context) (int64, error)
	CountFailed(ctx context.Context) (int64, error)
}

// Pinger checks the database connection.
type Pinger func(ctx context.Context) error

// QueueStats are the stored queue totals.
type QueueStats struct {
	Pending int64 `json:"pending"`
	Failed  int64 `json:"failed"`
}

// StatsResponse is the body of GET /stats.
type StatsResponse struct {
	Scheduler scheduler.Stats `json:"scheduler"`
	Queue     QueueStats      `json:"queue"`
}

// NewRouter builds the ops routes.
func NewRouter(stats SchedulerStats, queue QueueCounter, ping Pinger, logger logSDK.Logger) *gin.Engine {
	if logger == nil {
		logger = log.Logger.Named("opsapi")
	}

	router := gin.New()
	router.Use(
		gin.Recovery(),
		gmw.NewLoggerMiddleware(gmw.WithLogger(logger)),
	)

	router.GET("/healthz", func(c *gin.Context) {
		if ping != nil {
			if err := ping(c.Request.Context()); err != nil {
				gmw.GetLogger(c).Warn("health check failed", zap.Error(err))
				c.String(http.StatusServiceUnavailable, "database unavailable")
				return
			}
		}
		c.String(http.StatusOK, "ok")
	})

	router.GET("/stats", func(c *gin.Context) {
		resp := StatsResponse{}
		if stats != nil {
			resp.Scheduler = stats.Stats()
		}
		if queue != nil {
			var err error
			if resp.Queue.Pending, err = queue.CountPending(c.Request.Context()); err != nil {
				gmw.GetLogger(c).Error("count pending files", zap.Error(err))
				c.JSON(http.StatusInternalServerError, gin.H{"error": "count pending files"})
				return
			}
			if resp.Queue.Failed, err = queue.CountFailed(c.Request.Context()); err != nil {
				gmw.GetLogger(c).Error("count failed files", zap.Error(err))
				c.JSON(http.StatusInternalServerError, gin.H{"error": "count failed files"})
				return
			}
		}
		c.JSON(http.StatusOK, resp)
	})

	return router
}

// Run serves handler on addr until ctx is cancelled.
func Run(ctx context.Context, addr string, handler http.Handler, logger logSDK.Logger) error {
	if logger == nil {
		logger = log.Logger.Named("opsapi")
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ops api listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrapf(err, "serve ops api on %s", addr)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutdown ops api")
	}
	return nil
}
