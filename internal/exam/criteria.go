package exam

import (
	"log/slog"
	"os"
	"strings"
	"sync"
)

// DefaultCriteriaPath is read when no criteria file is configured.
const DefaultCriteriaPath = "exam_reqs.txt"

// DefaultCriteria summarizes the three levels when no criteria file is available.
const DefaultCriteria = "Niveau A: questions simples et répétitives. " +
	"Niveau B: situations concrètes non routinières. " +
	"Niveau C: idées complexes, hypothétiques et délicates."

// Criteria is a read-once criteria file. The file is read on the first call
// to Text and never again; a missing or empty file yields DefaultCriteria.
type Criteria struct {
	path string
	once sync.Once
	text string
}

// NewCriteria returns a criteria cell for path.
func NewCriteria(path string) *Criteria {
	if path == "" {
		path = DefaultCriteriaPath
	}
	return &Criteria{path: path}
}

// Text returns the criteria text.
func (c *Criteria) Text() string {
	c.once.Do(func() {
		data, err := os.ReadFile(c.path)
		if err != nil {
			slog.Warn("exam criteria unavailable, using built-in summary", "path", c.path, "error", err)
			c.text = DefaultCriteria
			return
		}
		text := strings.TrimSpace(string(data))
		if text == "" {
			slog.Warn("exam criteria file is empty, using built-in summary", "path", c.path)
			c.text = DefaultCriteria
			return
		}
		slog.Info("loaded exam criteria", "path", c.path, "bytes", len(text))
		c.text = text
	})
	return c.text
}

// StaticCriteria is a fixed criteria text.
type StaticCriteria string

func (s StaticCriteria) Text() string { return string(s) }
