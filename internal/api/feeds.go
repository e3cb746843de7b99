package api

import (
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"tubecast/internal/builder"
	"tubecast/internal/feed"
	"tubecast/internal/model"
)

var feedIDPattern = regexp.MustCompile(model.PathRegex)

// feedOptions is the feed configuration surface exposed over the API. Zero
// values mean "leave unset" (create) or "keep current" (update), except the
// booleans which are always applied.
type feedOptions struct {
	Format        model.Format  `json:"format"`
	Quality       model.Quality `json:"quality"`
	MaxHeight     int           `json:"max_height"`
	PageSize      int           `json:"page_size"`
	UpdatePeriod  string        `json:"update_period"`
	CronSchedule  string        `json:"cron_schedule"`
	PlaylistSort  model.Sorting `json:"playlist_sort"`
	OPML          bool          `json:"opml"`
	KeepLast      int           `json:"keep_last"`
	YouTubeDLArgs []string      `json:"youtube_dl_args"`
}

type createFeedRequest struct {
	ID  string `json:"id"`
	URL string `json:"url"`
	feedOptions
}

type feedResponse struct {
	ID           string    `json:"id"`
	URL          string    `json:"url"`
	Provider     string    `json:"provider,omitempty"`
	Title        string    `json:"title,omitempty"`
	Description  string    `json:"description,omitempty"`
	CoverArt     string    `json:"cover_art,omitempty"`
	Format       string    `json:"format"`
	Quality      string    `json:"quality"`
	PageSize     int       `json:"page_size"`
	UpdatePeriod string    `json:"update_period"`
	CronSchedule string    `json:"cron_schedule,omitempty"`
	OPML         bool      `json:"opml"`
	EpisodeCount int       `json:"episode_count"`
	UpdatedAt    time.Time `json:"updated_at,omitzero"`
	NextRun      time.Time `json:"next_run,omitzero"`
}

func (h *Handler) feedResponse(c *gin.Context, cfg *feed.Config) feedResponse {
	resp := feedResponse{
		ID:           cfg.ID,
		URL:          cfg.URL,
		Format:       string(cfg.Format),
		Quality:      string(cfg.Quality),
		PageSize:     cfg.PageSize,
		UpdatePeriod: time.Duration(cfg.UpdatePeriod).String(),
		CronSchedule: cfg.CronSchedule,
		OPML:         cfg.OPML,
		NextRun:      h.scheduler.NextRun(cfg.ID),
	}

	ctx := c.Request.Context()
	if f, err := h.database.GetFeed(ctx, cfg.ID); err == nil {
		resp.Provider = string(f.Provider)
		resp.Title = f.Title
		resp.Description = f.Description
		resp.CoverArt = f.CoverArt
		resp.UpdatedAt = f.UpdatedAt

		for _, episode := range f.Episodes {
			if episode.Status != model.EpisodeIgnored {
				resp.EpisodeCount++
			}
		}
	}

	return resp
}

func (h *Handler) listFeeds(c *gin.Context) {
	feeds := h.updater.Feeds()

	ids := make([]string, 0, len(feeds))
	for id := range feeds {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	result := make([]feedResponse, 0, len(ids))
	for _, id := range ids {
		result = append(result, h.feedResponse(c, feeds[id]))
	}

	c.JSON(http.StatusOK, result)
}

func (h *Handler) getFeed(c *gin.Context) {
	feedID := c.Param("id")

	cfg, ok := h.updater.FeedConfig(feedID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "feed not found"})
		return
	}

	c.JSON(http.StatusOK, h.feedResponse(c, cfg))
}

func (h *Handler) createFeed(c *gin.Context) {
	var req createFeedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	if req.ID == "" || req.URL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id and url are required"})
		return
	}
	if !feedIDPattern.MatchString(req.ID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "feed id may only contain letters, digits, '-' and '_'"})
		return
	}
	if _, err := builder.ParseURL(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, exists := h.updater.FeedConfig(req.ID); exists {
		c.JSON(http.StatusConflict, gin.H{"error": "feed already exists"})
		return
	}

	cfg, err := buildFeedConfig(req.ID, req.URL, req.feedOptions, nil)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.writer.UpdatePartial(func(doc map[string]interface{}) error {
		feeds, ok := doc["feeds"].(map[string]interface{})
		if !ok {
			feeds = make(map[string]interface{})
			doc["feeds"] = feeds
		}
		feeds[req.ID] = feedDocument(req.URL, req.feedOptions)
		return nil
	}); err != nil {
		slog.Error("failed to persist new feed", "feed_id", req.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save feed configuration"})
		return
	}

	h.updater.SetFeedConfig(cfg)
	if err := h.scheduler.ScheduleFeed(cfg); err != nil {
		slog.Error("failed to schedule new feed", "feed_id", req.ID, "error", err)
	}
	// First update right away for interval feeds, matching boot behaviour.
	if cfg.CronSchedule == "" {
		if err := h.scheduler.Refresh(cfg); err != nil {
			slog.Warn("failed to queue initial update", "feed_id", req.ID, "error", err)
		}
	}

	slog.Info("created feed", "feed_id", req.ID, "url", req.URL)
	c.JSON(http.StatusCreated, gin.H{"message": "Feed created successfully", "id": req.ID})
}

func (h *Handler) updateFeed(c *gin.Context) {
	feedID := c.Param("id")

	current, ok := h.updater.FeedConfig(feedID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "feed not found"})
		return
	}

	var req feedOptions
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	cfg, err := buildFeedConfig(feedID, current.URL, req, current)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.writer.UpdatePartial(func(doc map[string]interface{}) error {
		feeds, ok := doc["feeds"].(map[string]interface{})
		if !ok {
			return errors.New("feeds section not found in config")
		}
		entry, ok := feeds[feedID].(map[string]interface{})
		if !ok {
			entry = make(map[string]interface{})
			feeds[feedID] = entry
		}
		for key, value := range feedDocument(current.URL, req) {
			entry[key] = value
		}
		return nil
	}); err != nil {
		slog.Error("failed to persist feed update", "feed_id", feedID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save feed configuration"})
		return
	}

	h.updater.SetFeedConfig(cfg)
	if err := h.scheduler.ScheduleFeed(cfg); err != nil {
		slog.Error("failed to reschedule feed", "feed_id", feedID, "error", err)
	}

	c.JSON(http.StatusOK, gin.H{"message": "Feed updated successfully", "id": feedID})
}

func (h *Handler) deleteFeed(c *gin.Context) {
	feedID := c.Param("id")

	if _, ok := h.updater.FeedConfig(feedID); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "feed not found"})
		return
	}

	h.scheduler.UnscheduleFeed(feedID)

	if err := h.updater.DeleteFeed(c.Request.Context(), feedID); err != nil {
		slog.Error("failed to delete feed", "feed_id", feedID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete feed"})
		return
	}

	if err := h.writer.UpdatePartial(func(doc map[string]interface{}) error {
		if feeds, ok := doc["feeds"].(map[string]interface{}); ok {
			delete(feeds, feedID)
		}
		return nil
	}); err != nil {
		slog.Error("failed to remove feed from config", "feed_id", feedID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update configuration"})
		return
	}

	c.Status(http.StatusNoContent)
}

func (h *Handler) refreshFeed(c *gin.Context) {
	feedID := c.Param("id")

	cfg, ok := h.updater.FeedConfig(feedID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "feed not found"})
		return
	}

	if err := h.scheduler.Refresh(cfg); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"message": "Feed refresh queued", "id": feedID})
}

// buildFeedConfig merges API options over a base config (nil for creation)
// and fills the standard per-feed defaults.
func buildFeedConfig(feedID, url string, opts feedOptions, base *feed.Config) (*feed.Config, error) {
	cfg := &feed.Config{}
	if base != nil {
		copied := *base
		cfg = &copied
	}

	cfg.ID = feedID
	cfg.URL = url

	if opts.Format != "" {
		cfg.Format = opts.Format
	}
	if opts.Quality != "" {
		cfg.Quality = opts.Quality
	}
	if opts.MaxHeight > 0 {
		cfg.MaxHeight = opts.MaxHeight
	}
	if opts.PageSize > 0 {
		cfg.PageSize = opts.PageSize
	}
	if opts.UpdatePeriod != "" {
		period, err := time.ParseDuration(opts.UpdatePeriod)
		if err != nil {
			return nil, err
		}
		cfg.UpdatePeriod = feed.Duration(period)
	}
	if opts.CronSchedule != "" {
		cfg.CronSchedule = opts.CronSchedule
	}
	if opts.PlaylistSort != "" {
		cfg.PlaylistSort = opts.PlaylistSort
	}
	cfg.OPML = opts.OPML
	if opts.KeepLast > 0 {
		cfg.Clean = &feed.Cleanup{KeepLast: opts.KeepLast}
	}
	if len(opts.YouTubeDLArgs) > 0 {
		cfg.YouTubeDLArgs = opts.YouTubeDLArgs
	}

	if cfg.UpdatePeriod == 0 {
		cfg.UpdatePeriod = feed.Duration(model.DefaultUpdatePeriod)
	}
	if cfg.Quality == "" {
		cfg.Quality = model.DefaultQuality
	}
	if cfg.Format == "" {
		cfg.Format = model.DefaultFormat
	}
	if cfg.PageSize == 0 {
		cfg.PageSize = model.DefaultPageSize
	}
	if cfg.PlaylistSort == "" {
		cfg.PlaylistSort = model.SortingDesc
	}
	if cfg.Custom.CoverArtQuality == "" {
		cfg.Custom.CoverArtQuality = model.DefaultQuality
	}

	return cfg, nil
}

// feedDocument renders the provided options as a TOML-friendly map for the
// config file; only explicitly set values are persisted.
func feedDocument(url string, opts feedOptions) map[string]interface{} {
	doc := map[string]interface{}{
		"url":  url,
		"opml": opts.OPML,
	}

	if opts.Format != "" {
		doc["format"] = string(opts.Format)
	}
	if opts.Quality != "" {
		doc["quality"] = string(opts.Quality)
	}
	if opts.MaxHeight > 0 {
		doc["max_height"] = int64(opts.MaxHeight)
	}
	if opts.PageSize > 0 {
		doc["page_size"] = int64(opts.PageSize)
	}
	if opts.UpdatePeriod != "" {
		doc["update_period"] = opts.UpdatePeriod
	}
	if opts.CronSchedule != "" {
		doc["cron_schedule"] = opts.CronSchedule
	}
	if opts.PlaylistSort != "" {
		doc["playlist_sort"] = string(opts.PlaylistSort)
	}
	if opts.KeepLast > 0 {
		doc["clean"] = map[string]interface{}{"keep_last": int64(opts.KeepLast)}
	}
	if len(opts.YouTubeDLArgs) > 0 {
		doc["youtube_dl_args"] = opts.YouTubeDLArgs
	}

	return doc
}
