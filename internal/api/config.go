package api

import (
	"io"
	"log/slog"
	"math"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
)

// maxTLSUploadSize bounds the multipart body of a certificate upload.
const maxTLSUploadSize = 10 * 1024 * 1024

// configSections are the parts of the file the API may rewrite.
var configSections = map[string]bool{
	"server":     true,
	"storage":    true,
	"downloader": true,
	"tokens":     true,
	"auth":       true,
	"history":    true,
}

// getConfig returns the current effective configuration. Token values are
// reduced to counts so credentials never leave the process.
func (h *Handler) getConfig(c *gin.Context) {
	tokens := make(map[string]int, len(h.cfg.Tokens))
	for provider, keys := range h.cfg.Tokens {
		tokens[string(provider)] = len(keys)
	}

	feeds := h.updater.Feeds()
	feedIDs := make([]string, 0, len(feeds))
	for id := range feeds {
		feedIDs = append(feedIDs, id)
	}

	c.JSON(http.StatusOK, gin.H{
		"server": gin.H{
			"hostname":         h.cfg.Server.Hostname,
			"port":             h.cfg.Server.Port,
			"bind_address":     h.cfg.Server.BindAddress,
			"path":             h.cfg.Server.Path,
			"tls":              h.cfg.Server.TLS,
			"certificate_path": h.cfg.Server.CertificatePath,
			"key_file_path":    h.cfg.Server.KeyFilePath,
		},
		"storage": gin.H{
			"type": h.cfg.Storage.Type,
			"local": gin.H{
				"data_dir": h.cfg.Storage.Local.DataDir,
			},
			"s3": gin.H{
				"endpoint_url": h.cfg.Storage.S3.EndpointURL,
				"region":       h.cfg.Storage.S3.Region,
				"bucket":       h.cfg.Storage.S3.Bucket,
				"prefix":       h.cfg.Storage.S3.Prefix,
			},
		},
		"database": gin.H{
			"dir": h.cfg.Database.Dir,
		},
		"downloader": gin.H{
			"self_update":    h.cfg.Downloader.SelfUpdate,
			"update_channel": h.cfg.Downloader.UpdateChannel,
			"update_version": h.cfg.Downloader.UpdateVersion,
			"timeout":        h.cfg.Downloader.Timeout,
			"custom_binary":  h.cfg.Downloader.CustomBinary,
		},
		"tokens": tokens,
		"history": gin.H{
			"enabled":        h.cfg.History.Enabled,
			"retention_days": h.cfg.History.RetentionDays,
			"max_entries":    h.cfg.History.MaxEntries,
		},
		"feeds": feedIDs,
	})
}

// updateConfigSection merges a JSON body into one section of the config file.
// Changes take effect after a restart.
func (h *Handler) updateConfigSection(c *gin.Context) {
	section := c.Param("section")
	if !configSections[section] {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown config section: " + section})
		return
	}

	var req map[string]interface{}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	err := h.writer.UpdatePartial(func(doc map[string]interface{}) error {
		target, ok := doc[section].(map[string]interface{})
		if !ok {
			target = make(map[string]interface{})
			doc[section] = target
		}
		for key, value := range req {
			target[key] = normalizeJSON(value)
		}
		return nil
	})
	if err != nil {
		slog.Error("failed to update config section", "section", section, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update configuration"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Configuration updated. Restart required for changes to take effect.",
	})
}

// normalizeJSON converts decoded JSON values into TOML-friendly types: whole
// float64 numbers become integers, containers are walked recursively.
func normalizeJSON(value interface{}) interface{} {
	switch v := value.(type) {
	case float64:
		if v == math.Trunc(v) && !math.IsInf(v, 0) {
			return int64(v)
		}
		return v
	case map[string]interface{}:
		for key, nested := range v {
			v[key] = normalizeJSON(nested)
		}
		return v
	case []interface{}:
		for i, nested := range v {
			v[i] = normalizeJSON(nested)
		}
		return v
	default:
		return value
	}
}

// uploadTLS accepts certificate and key files via multipart form. The key is
// written with owner-only permissions. The returned paths can then be set on
// the server section.
func (h *Handler) uploadTLS(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxTLSUploadSize)

	certsDir := filepath.Join(h.writer.GetConfigDir(), "certs")
	if err := os.MkdirAll(certsDir, 0o755); err != nil {
		slog.Error("failed to create certs directory", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create certificates directory"})
		return
	}

	var certPath, keyPath string

	if file, err := c.FormFile("certificate"); err == nil {
		ext := filepath.Ext(file.Filename)
		if ext != ".pem" && ext != ".crt" && ext != ".cer" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "certificate file must be .pem, .crt, or .cer"})
			return
		}
		certPath = filepath.Join(certsDir, "server.crt")
		if err := saveFormFile(file, certPath, 0o644); err != nil {
			slog.Error("failed to save certificate", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save certificate file"})
			return
		}
	}

	if file, err := c.FormFile("key"); err == nil {
		ext := filepath.Ext(file.Filename)
		if ext != ".pem" && ext != ".key" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "key file must be .pem or .key"})
			return
		}
		keyPath = filepath.Join(certsDir, "server.key")
		if err := saveFormFile(file, keyPath, 0o600); err != nil {
			slog.Error("failed to save key file", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save key file"})
			return
		}
	}

	if certPath == "" && keyPath == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no certificate or key file provided"})
		return
	}

	slog.Info("TLS files uploaded", "certificate", certPath, "key", keyPath)
	c.JSON(http.StatusOK, gin.H{
		"certificate_path": certPath,
		"key_file_path":    keyPath,
		"message":          "TLS files uploaded successfully",
	})
}

func saveFormFile(file *multipart.FileHeader, dst string, perm os.FileMode) error {
	src, err := file.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, src); err != nil {
		return err
	}
	return out.Close()
}

// restart answers first, then signals the process. A supervisor (systemd,
// Docker) is expected to bring it back up.
func (h *Handler) restart(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "Restart initiated"})

	go func() {
		time.Sleep(500 * time.Millisecond)

		slog.Info("restart requested via API, sending SIGTERM")
		process, err := os.FindProcess(os.Getpid())
		if err != nil {
			slog.Error("failed to find own process", "error", err)
			return
		}
		if err := process.Signal(syscall.SIGTERM); err != nil {
			slog.Error("failed to signal process", "error", err)
		}
	}()
}
