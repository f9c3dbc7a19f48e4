package guild

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/starford/charsheet/internal/models"
)

// LoadTemplateFile reads a YAML template.
func LoadTemplateFile(path string) (*models.Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("guild: read template %s: %w", path, err)
	}
	var t models.Template
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("guild: parse template %s: %w", path, err)
	}
	return &t, nil
}

// ImportTemplates stores every "<guild>.yaml" file of dir as that guild's
// template. Invalid files are logged and skipped.
func (s *Store) ImportTemplates(ctx context.Context, dir string, logger *slog.Logger) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("guild: read templates dir: %w", err)
	}
	imported := 0
	for _, e := range entries {
		name := e.Name()
		ext := filepath.Ext(name)
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		guildID := strings.TrimSuffix(name, ext)
		t, err := LoadTemplateFile(filepath.Join(dir, name))
		if err == nil {
			err = s.PutTemplate(ctx, guildID, t)
		}
		if err != nil {
			logger.Warn("template import failed", slog.String("file", name), slog.String("error", err.Error()))
			continue
		}
		logger.Debug("template imported", slog.String("guild", guildID))
		imported++
	}
	return imported, nil
}
