package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"tubecast/internal/model"
)

type historyListResponse struct {
	Entries    []*model.HistoryEntry `json:"entries"`
	Total      int                   `json:"total"`
	Page       int                   `json:"page"`
	PageSize   int                   `json:"page_size"`
	TotalPages int                   `json:"total_pages"`
}

func (h *Handler) listHistory(c *gin.Context) {
	page, _ := strconv.Atoi(c.Query("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(c.Query("page_size"))
	if pageSize < 1 || pageSize > 100 {
		pageSize = 50
	}

	filters := model.HistoryFilters{
		FeedID:  c.Query("feed_id"),
		JobType: model.JobType(c.Query("job_type")),
		Status:  model.JobStatus(c.Query("status")),
		Search:  c.Query("search"),
	}

	if v := c.Query("start_date"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filters.StartDate = t
		}
	}
	if v := c.Query("end_date"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filters.EndDate = t
		}
	}

	entries, total, err := h.database.ListHistory(c.Request.Context(), filters, page, pageSize)
	if err != nil {
		slog.Error("failed to list history", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch history"})
		return
	}
	if entries == nil {
		entries = []*model.HistoryEntry{}
	}

	c.JSON(http.StatusOK, historyListResponse{
		Entries:    entries,
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: (total + pageSize - 1) / pageSize,
	})
}

func (h *Handler) getHistory(c *gin.Context) {
	id := c.Param("id")

	entry, err := h.database.GetHistory(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "history entry not found"})
			return
		}
		slog.Error("failed to get history entry", "id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch history entry"})
		return
	}

	c.JSON(http.StatusOK, entry)
}

func (h *Handler) deleteHistory(c *gin.Context) {
	id := c.Param("id")

	if err := h.database.DeleteHistory(c.Request.Context(), id); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "history entry not found"})
			return
		}
		slog.Error("failed to delete history entry", "id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete history entry"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "History entry deleted"})
}

func (h *Handler) deleteAllHistory(c *gin.Context) {
	if err := h.database.CleanupHistory(c.Request.Context(), 0, 0); err != nil {
		slog.Error("failed to delete all history", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete history"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "All history entries deleted"})
}

func (h *Handler) historyStats(c *gin.Context) {
	count, oldest, err := h.database.GetHistoryStats(c.Request.Context())
	if err != nil {
		slog.Error("failed to get history stats", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch history statistics"})
		return
	}

	resp := gin.H{"count": count}
	if oldest != nil {
		resp["oldest_entry"] = oldest
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) cleanupHistory(c *gin.Context) {
	err := h.updater.Recorder().CleanupOldEntries(c.Request.Context(),
		h.cfg.History.RetentionDays, h.cfg.History.MaxEntries)
	if err != nil {
		slog.Error("failed to clean up history", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to clean up history"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "History cleanup completed"})
}
