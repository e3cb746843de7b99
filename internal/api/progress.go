package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"tubecast/internal/progress"
)

// streamInterval is how often the SSE stream pushes a snapshot.
const streamInterval = 500 * time.Millisecond

type progressResponse struct {
	Feeds    map[string]*progress.FeedProgress `json:"feeds"`
	Episodes []*progress.EpisodeProgress       `json:"episodes"`
}

func (h *Handler) progressSnapshot(feedID string) progressResponse {
	tracker := h.updater.ProgressTracker()

	if feedID == "" {
		return progressResponse{
			Feeds:    tracker.GetAllFeedProgress(),
			Episodes: tracker.GetAllEpisodeProgress(),
		}
	}

	feeds := make(map[string]*progress.FeedProgress)
	if fp, ok := tracker.GetFeedProgress(feedID); ok {
		feeds[feedID] = fp
	}
	return progressResponse{
		Feeds:    feeds,
		Episodes: tracker.GetEpisodesForFeed(feedID),
	}
}

func (h *Handler) getProgress(c *gin.Context) {
	c.JSON(http.StatusOK, h.progressSnapshot(c.Query("feedID")))
}

// streamProgress pushes the progress snapshot as Server-Sent Events until the
// client goes away. Disconnects surface as write failures.
func (h *Handler) streamProgress(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	feedID := c.Query("feedID")
	ctx := c.Request.Context()

	ticker := time.NewTicker(streamInterval)
	defer ticker.Stop()

	slog.Debug("progress stream client connected")

	if !h.writeProgressEvent(c, feedID) {
		return
	}

	for {
		select {
		case <-ctx.Done():
			slog.Debug("progress stream client disconnected")
			return
		case <-ticker.C:
			if !h.writeProgressEvent(c, feedID) {
				return
			}
		}
	}
}

func (h *Handler) writeProgressEvent(c *gin.Context, feedID string) bool {
	data, err := json.Marshal(h.progressSnapshot(feedID))
	if err != nil {
		slog.Error("failed to marshal progress snapshot", "error", err)
		return true
	}

	if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
		return false
	}
	c.Writer.Flush()
	return true
}
