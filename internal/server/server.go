package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"tubecast/internal/db"
	"tubecast/internal/model"
)

// Config is the [server] configuration section.
type Config struct {
	// Hostname to use for download links.
	Hostname string `toml:"hostname"`
	// Port to listen on.
	Port int `toml:"port"`
	// BindAddress restricts listening to one address; "*" or empty binds all.
	BindAddress string `toml:"bind_address"`
	// TLS enables HTTPS using the certificate and key below.
	TLS             bool   `toml:"tls"`
	CertificatePath string `toml:"certificate_path"`
	KeyFilePath     string `toml:"key_file_path"`
	// Path is an optional URL prefix for reverse proxy setups.
	Path string `toml:"path"`
	// BasicAuth protects the whole server when enabled.
	BasicAuth *BasicAuthConfig `toml:"basic_auth"`
}

type BasicAuthConfig struct {
	Enabled  bool   `toml:"enabled"`
	Username string `toml:"username"`
	Password string `toml:"password"`
}

// Server serves feed documents and media artifacts plus the management API.
type Server struct {
	httpServer *http.Server
	router     *gin.Engine
	cfg        Config
	db         db.Storage
}

// New builds the server. Artifacts are served from files; registerAPI, when
// non-nil, mounts the management API on the router.
func New(cfg Config, files http.FileSystem, database db.Storage, registerAPI func(*gin.Engine)) *Server {
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	if cfg.BasicAuth != nil && cfg.BasicAuth.Enabled {
		router.Use(gin.BasicAuth(gin.Accounts{
			cfg.BasicAuth.Username: cfg.BasicAuth.Password,
		}))
	}

	srv := &Server{
		router: router,
		cfg:    cfg,
		db:     database,
	}

	router.GET("/health", srv.healthCheck)

	if registerAPI != nil {
		registerAPI(router)
	}

	// Everything unmatched falls through to the artifact store: feed
	// documents and downloaded media. Remote object stores serve their
	// content directly, in which case there is nothing to mount.
	if files != nil {
		fileServer := http.FileServer(files)
		if cfg.Path != "" {
			fileServer = http.StripPrefix("/"+cfg.Path, fileServer)
		}
		router.NoRoute(gin.WrapH(fileServer))
	}

	bindAddress := cfg.BindAddress
	if bindAddress == "*" {
		bindAddress = ""
	}
	port := cfg.Port
	if port == 0 {
		port = 8080
	}

	srv.httpServer = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", bindAddress, port),
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	return srv
}

// Start blocks serving HTTP (or HTTPS when TLS is configured) until the
// server is shut down.
func (s *Server) Start() error {
	if s.cfg.TLS {
		slog.Info("starting HTTPS server", "address", s.httpServer.Addr)
		return s.httpServer.ListenAndServeTLS(s.cfg.CertificatePath, s.cfg.KeyFilePath)
	}

	slog.Info("starting HTTP server", "address", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains the server.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

type healthStatus struct {
	Status         string    `json:"status"`
	Timestamp      time.Time `json:"timestamp"`
	FailedEpisodes int       `json:"failed_episodes,omitempty"`
	Message        string    `json:"message,omitempty"`
}

// healthCheck reports unhealthy when downloads failed within the last 24h.
func (s *Server) healthCheck(c *gin.Context) {
	ctx := c.Request.Context()

	failedCount := 0
	cutoff := time.Now().Add(-24 * time.Hour)

	err := s.db.WalkFeeds(ctx, func(f *model.Feed) error {
		return s.db.WalkEpisodes(ctx, f.ID, func(episode *model.Episode) error {
			if episode.Status == model.EpisodeError && episode.PubDate.After(cutoff) {
				failedCount++
			}
			return nil
		})
	})

	status := healthStatus{Timestamp: time.Now()}

	switch {
	case err != nil:
		slog.Error("health check database error", "error", err)
		status.Status = "unhealthy"
		status.Message = "database error during health check"
		c.JSON(http.StatusServiceUnavailable, status)
	case failedCount > 0:
		status.Status = "unhealthy"
		status.FailedEpisodes = failedCount
		status.Message = fmt.Sprintf("found %d failed downloads in the last 24 hours", failedCount)
		c.JSON(http.StatusServiceUnavailable, status)
	default:
		status.Status = "healthy"
		status.Message = "no recent download failures detected"
		c.JSON(http.StatusOK, status)
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
