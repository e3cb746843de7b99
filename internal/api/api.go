// Package api mounts the management API on the gin router: configuration,
// feeds, episodes, download progress and job history.
package api

import (
	"time"

	"github.com/gin-gonic/gin"

	"tubecast/internal/config"
	"tubecast/internal/db"
	"tubecast/internal/feed"
	"tubecast/internal/update"
)

// Scheduler is the subset of the scheduler the API drives: feed lifecycle
// and manual refreshes.
type Scheduler interface {
	ScheduleFeed(feedConfig *feed.Config) error
	UnscheduleFeed(feedID string)
	Refresh(feedConfig *feed.Config) error
	NextRun(feedID string) time.Time
}

// Handler holds the components the API endpoints operate on.
type Handler struct {
	cfg       *config.Config
	writer    *config.Writer
	database  db.Storage
	updater   *update.Manager
	scheduler Scheduler
}

func New(cfg *config.Config, writer *config.Writer, database db.Storage, updater *update.Manager, scheduler Scheduler) *Handler {
	return &Handler{
		cfg:       cfg,
		writer:    writer,
		database:  database,
		updater:   updater,
		scheduler: scheduler,
	}
}

// Register mounts every endpoint under /api/v1.
func (h *Handler) Register(r *gin.Engine) {
	api := r.Group("/api/v1")
	{
		api.GET("/config", h.getConfig)
		api.PUT("/config/:section", h.updateConfigSection)
		api.POST("/config/tls/upload", h.uploadTLS)
		api.POST("/config/restart", h.restart)

		api.GET("/feeds", h.listFeeds)
		api.POST("/feeds", h.createFeed)
		api.GET("/feeds/:id", h.getFeed)
		api.PUT("/feeds/:id", h.updateFeed)
		api.DELETE("/feeds/:id", h.deleteFeed)
		api.POST("/feeds/:id/refresh", h.refreshFeed)

		api.GET("/episodes", h.listEpisodes)
		api.DELETE("/episodes/:feedID/:episodeID", h.deleteEpisode)
		api.POST("/episodes/:feedID/:episodeID/retry", h.retryEpisode)
		api.POST("/episodes/:feedID/:episodeID/block", h.blockEpisode)

		api.GET("/progress", h.getProgress)
		api.GET("/progress/stream", h.streamProgress)

		api.GET("/history", h.listHistory)
		api.DELETE("/history", h.deleteAllHistory)
		api.GET("/history/stats", h.historyStats)
		api.POST("/history/cleanup", h.cleanupHistory)
		api.GET("/history/:id", h.getHistory)
		api.DELETE("/history/:id", h.deleteHistory)
	}
}
