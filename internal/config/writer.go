package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

// Writer persists configuration changes to the TOML file. Writes go through a
// temp file and rename so a crash never leaves a half-written config, and the
// previous content is kept as a .backup.
type Writer struct {
	configPath string
}

func NewWriter(configPath string) *Writer {
	return &Writer{configPath: configPath}
}

// WriteConfig replaces the whole configuration file.
func (w *Writer) WriteConfig(cfg interface{}) error {
	if err := w.backupConfig(); err != nil {
		slog.Warn("failed to create config backup", "error", err)
	}

	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config to TOML: %w", err)
	}

	return w.writeAtomic(data)
}

// UpdatePartial rewrites the config file after letting updateFn mutate the
// decoded document. Unknown sections survive the round trip since the document
// is handled as a generic map. A missing file starts from an empty document.
func (w *Writer) UpdatePartial(updateFn func(doc map[string]interface{}) error) error {
	doc := make(map[string]interface{})

	data, err := os.ReadFile(w.configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to read config file: %w", err)
		}
		slog.Info("config file doesn't exist, creating new one", "path", w.configPath)
	} else if err := toml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse config TOML: %w", err)
	}

	if err := updateFn(doc); err != nil {
		return fmt.Errorf("failed to update config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(w.configPath), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := w.backupConfig(); err != nil {
		slog.Warn("failed to create config backup", "error", err)
	}

	out, err := toml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal updated config: %w", err)
	}

	return w.writeAtomic(out)
}

// GetConfigDir returns the directory containing the config file.
func (w *Writer) GetConfigDir() string {
	return filepath.Dir(w.configPath)
}

func (w *Writer) writeAtomic(data []byte) error {
	tmpFile := w.configPath + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temporary config file: %w", err)
	}

	if err := os.Rename(tmpFile, w.configPath); err != nil {
		return fmt.Errorf("failed to rename temporary config file: %w", err)
	}

	slog.Info("configuration file updated", "path", w.configPath)
	return nil
}

func (w *Writer) backupConfig() error {
	data, err := os.ReadFile(w.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config for backup: %w", err)
	}

	backupPath := w.configPath + ".backup"
	if err := os.WriteFile(backupPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config backup: %w", err)
	}

	return nil
}
