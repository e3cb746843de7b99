package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"tubecast/internal/feed"
	"tubecast/internal/model"
)

type episodeResponse struct {
	ID          string              `json:"id"`
	FeedID      string              `json:"feed_id"`
	FeedTitle   string              `json:"feed_title"`
	Title       string              `json:"title"`
	Description string              `json:"description,omitempty"`
	Thumbnail   string              `json:"thumbnail,omitempty"`
	Duration    int64               `json:"duration"`
	Size        int64               `json:"size"`
	PubDate     time.Time           `json:"pub_date"`
	Status      model.EpisodeStatus `json:"status"`
	Error       string              `json:"error,omitempty"`
	DownloadURL string              `json:"download_url,omitempty"`
}

type episodeListResponse struct {
	Episodes   []episodeResponse `json:"episodes"`
	Total      int               `json:"total"`
	Page       int               `json:"page"`
	PageSize   int               `json:"page_size"`
	TotalPages int               `json:"total_pages"`
}

func (h *Handler) listEpisodes(c *gin.Context) {
	page, _ := strconv.Atoi(c.Query("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(c.Query("page_size"))
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	feedID := c.Query("feed_id")
	status := c.Query("status")
	search := strings.ToLower(c.Query("search"))
	showIgnored := c.Query("show_ignored") == "true"

	startDate, ok := parseDateParam(c.Query("date_start"), false)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid date_start"})
		return
	}
	endDate, ok := parseDateParam(c.Query("date_end"), true)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid date_end"})
		return
	}

	ctx := c.Request.Context()
	var all []episodeResponse

	err := h.database.WalkFeeds(ctx, func(f *model.Feed) error {
		if feedID != "" && f.ID != feedID {
			return nil
		}

		cfg, _ := h.updater.FeedConfig(f.ID)

		return h.database.WalkEpisodes(ctx, f.ID, func(episode *model.Episode) error {
			if !showIgnored && episode.Status == model.EpisodeIgnored {
				return nil
			}
			if status != "" && string(episode.Status) != status {
				return nil
			}
			if search != "" &&
				!strings.Contains(strings.ToLower(episode.Title), search) &&
				!strings.Contains(strings.ToLower(episode.Description), search) {
				return nil
			}
			if !startDate.IsZero() && episode.PubDate.Before(startDate) {
				return nil
			}
			if !endDate.IsZero() && episode.PubDate.After(endDate) {
				return nil
			}

			resp := episodeResponse{
				ID:          episode.ID,
				FeedID:      f.ID,
				FeedTitle:   f.Title,
				Title:       episode.Title,
				Description: episode.Description,
				Thumbnail:   episode.Thumbnail,
				Duration:    episode.Duration,
				Size:        episode.Size,
				PubDate:     episode.PubDate,
				Status:      episode.Status,
				Error:       episode.Error,
			}
			if episode.Status == model.EpisodeDownloaded && cfg != nil {
				resp.DownloadURL = fmt.Sprintf("%s/%s/%s",
					strings.TrimRight(h.cfg.Server.Hostname, "/"), f.ID, feed.EpisodeName(cfg, episode))
			}

			all = append(all, resp)
			return nil
		})
	})
	if err != nil {
		slog.Error("failed to list episodes", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list episodes"})
		return
	}

	sort.Slice(all, func(i, j int) bool {
		return all[i].PubDate.After(all[j].PubDate)
	})

	total := len(all)
	totalPages := (total + pageSize - 1) / pageSize

	start := (page - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}

	pageItems := all[start:end]
	if pageItems == nil {
		pageItems = []episodeResponse{}
	}

	c.JSON(http.StatusOK, episodeListResponse{
		Episodes:   pageItems,
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: totalPages,
	})
}

// parseDateParam accepts RFC3339 or plain YYYY-MM-DD dates; plain dates snap
// to the start or end of the day.
func parseDateParam(value string, endOfDay bool) (time.Time, bool) {
	if value == "" {
		return time.Time{}, true
	}

	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, true
	}

	t, err := time.Parse("2006-01-02", value)
	if err != nil {
		return time.Time{}, false
	}
	if endOfDay {
		return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, int(time.Second-time.Nanosecond), t.Location()), true
	}
	return t, true
}

func (h *Handler) deleteEpisode(c *gin.Context) {
	feedID := c.Param("feedID")
	episodeID := c.Param("episodeID")

	if err := h.updater.DeleteEpisode(c.Request.Context(), feedID, episodeID); err != nil {
		slog.Error("failed to delete episode", "feed_id", feedID, "episode_id", episodeID, "error", err)
		c.JSON(episodeErrorStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.Status(http.StatusNoContent)
}

func (h *Handler) retryEpisode(c *gin.Context) {
	feedID := c.Param("feedID")
	episodeID := c.Param("episodeID")

	if err := h.updater.RetryEpisode(c.Request.Context(), feedID, episodeID); err != nil {
		slog.Error("failed to retry episode", "feed_id", feedID, "episode_id", episodeID, "error", err)
		c.JSON(episodeErrorStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Episode retried successfully"})
}

func (h *Handler) blockEpisode(c *gin.Context) {
	feedID := c.Param("feedID")
	episodeID := c.Param("episodeID")

	if err := h.updater.BlockEpisode(c.Request.Context(), feedID, episodeID); err != nil {
		slog.Error("failed to block episode", "feed_id", feedID, "episode_id", episodeID, "error", err)
		c.JSON(episodeErrorStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Episode blocked successfully"})
}

func episodeErrorStatus(err error) int {
	if errors.Is(err, model.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}
