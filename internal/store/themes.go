package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pavelanni/entrevue/internal/model"
)

// themeFile accepts either a bare list of themes or {"themes": [...]}.
type themeFile struct {
	Themes []model.Theme `json:"themes" yaml:"themes"`
}

// ParseThemes decodes a theme bank. Files ending in .yaml or .yml are read as
// YAML, everything else as JSON.
func ParseThemes(name string, data []byte) ([]model.Theme, error) {
	var themes []model.Theme
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		var doc yaml.Node
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		if len(doc.Content) == 0 {
			return nil, nil
		}
		if doc.Content[0].Kind == yaml.SequenceNode {
			if err := doc.Decode(&themes); err != nil {
				return nil, fmt.Errorf("parse %s: %w", name, err)
			}
		} else {
			var f themeFile
			if err := doc.Decode(&f); err != nil {
				return nil, fmt.Errorf("parse %s: %w", name, err)
			}
			themes = f.Themes
		}
	default:
		trimmed := strings.TrimSpace(string(data))
		if strings.HasPrefix(trimmed, "[") {
			if err := json.Unmarshal(data, &themes); err != nil {
				return nil, fmt.Errorf("parse %s: %w", name, err)
			}
		} else {
			var f themeFile
			if err := json.Unmarshal(data, &f); err != nil {
				return nil, fmt.Errorf("parse %s: %w", name, err)
			}
			themes = f.Themes
		}
	}
	return themes, nil
}

// ImportThemes loads theme banks from paths. A file whose content hash is
// already recorded is skipped; a changed file is imported again and its
// themes replace the stored ones by id. Themes without an id, a title or a
// valid level are skipped with a warning. It returns the number of themes
// written.
func (s *Store) ImportThemes(ctx context.Context, paths ...string) (int, error) {
	total := 0
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return total, fmt.Errorf("read %s: %w", path, err)
		}

		hash := sha256sum(data)
		storedHash, err := s.GetImportedFileHash(ctx, path)
		if err != nil {
			return total, fmt.Errorf("check import status for %s: %w", path, err)
		}
		if storedHash == hash {
			slog.Info("theme file unchanged, skipping", "path", path)
			continue
		}
		if storedHash != "" {
			slog.Warn("theme file changed since last import, re-importing", "path", path)
		}

		themes, err := ParseThemes(path, data)
		if err != nil {
			return total, err
		}

		n, err := s.importFile(ctx, path, hash, themes)
		if err != nil {
			return total, err
		}
		total += n
		slog.Info("imported themes", "path", path, "count", n)
	}
	return total, nil
}

func (s *Store) importFile(ctx context.Context, path, hash string, themes []model.Theme) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	n := 0
	for _, t := range themes {
		t.ID = strings.TrimSpace(t.ID)
		t.Title = strings.TrimSpace(t.Title)
		t.Level = model.Level(strings.ToUpper(strings.TrimSpace(string(t.Level))))
		if t.ID == "" || t.Title == "" || !t.Level.Valid() {
			slog.Warn("skipping invalid theme", "path", path, "id", t.ID, "level", t.Level)
			continue
		}
		if err := upsertTheme(ctx, tx, t); err != nil {
			return 0, fmt.Errorf("insert theme %s from %s: %w", t.ID, path, err)
		}
		n++
	}

	if err := setImportedFileHash(ctx, tx, path, hash); err != nil {
		return 0, fmt.Errorf("record import for %s: %w", path, err)
	}
	return n, tx.Commit()
}

func sha256sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
