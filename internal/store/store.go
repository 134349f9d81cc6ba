// Package store persists themes and conversations in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pavelanni/entrevue/internal/model"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a theme or conversation does not exist.
var ErrNotFound = errors.New("not found")

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection keeps :memory: databases shared and serializes writers.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS themes (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		level TEXT NOT NULL,
		questions TEXT NOT NULL DEFAULT '[]'
	);

	CREATE INDEX IF NOT EXISTS idx_themes_level ON themes(level);

	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		theme_id TEXT NOT NULL,
		mode TEXT NOT NULL DEFAULT '',
		started_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		payload TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS imported_files (
		path TEXT PRIMARY KEY,
		sha256 TEXT NOT NULL,
		imported_at DATETIME NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// UpsertTheme inserts a theme or replaces the one with the same id.
func (s *Store) UpsertTheme(ctx context.Context, t model.Theme) error {
	return upsertTheme(ctx, s.db, t)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertTheme(ctx context.Context, db execer, t model.Theme) error {
	questions := t.Questions
	if questions == nil {
		questions = []model.ThemeQuestion{}
	}
	qs, err := json.Marshal(questions)
	if err != nil {
		return fmt.Errorf("encode questions of theme %s: %w", t.ID, err)
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO themes (id, title, description, level, questions)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET title = ?, description = ?, level = ?, questions = ?`,
		t.ID, t.Title, t.Description, t.Level, string(qs),
		t.Title, t.Description, t.Level, string(qs),
	)
	return err
}

const themeColumns = `id, title, description, level, questions`

type scanner interface {
	Scan(dest ...any) error
}

func scanTheme(row scanner) (model.Theme, error) {
	var t model.Theme
	var qs string
	if err := row.Scan(&t.ID, &t.Title, &t.Description, &t.Level, &qs); err != nil {
		return t, err
	}
	if err := json.Unmarshal([]byte(qs), &t.Questions); err != nil {
		return t, fmt.Errorf("decode questions of theme %s: %w", t.ID, err)
	}
	return t, nil
}

// ThemesByLevel returns the themes tagged with level, ordered by id.
func (s *Store) ThemesByLevel(ctx context.Context, level model.Level) ([]model.Theme, error) {
	return s.ListThemes(ctx, level)
}

// ListThemes returns all themes, or only those of level when it is set.
func (s *Store) ListThemes(ctx context.Context, level model.Level) ([]model.Theme, error) {
	query := `SELECT ` + themeColumns + ` FROM themes`
	var args []any
	if level != "" {
		query += ` WHERE level = ?`
		args = append(args, level)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	themes := []model.Theme{}
	for rows.Next() {
		t, err := scanTheme(rows)
		if err != nil {
			return nil, err
		}
		themes = append(themes, t)
	}
	return themes, rows.Err()
}

// GetTheme returns a theme by id.
func (s *Store) GetTheme(ctx context.Context, id string) (model.Theme, error) {
	t, err := scanTheme(s.db.QueryRowContext(ctx, `SELECT `+themeColumns+` FROM themes WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return t, fmt.Errorf("theme %s: %w", id, ErrNotFound)
	}
	return t, err
}

// ThemeCount returns the number of themes in the database.
func (s *Store) ThemeCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM themes`).Scan(&count)
	return count, err
}

// SaveConversation stores the whole conversation, replacing any previous version.
func (s *Store) SaveConversation(ctx context.Context, conv *model.Conversation) error {
	payload, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("encode conversation %s: %w", conv.ID, err)
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, theme_id, mode, started_at, updated_at, payload)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET theme_id = ?, mode = ?, updated_at = ?, payload = ?`,
		conv.ID, conv.ThemeID, conv.Mode, conv.StartTime.UTC(), now, string(payload),
		conv.ThemeID, conv.Mode, now, string(payload),
	)
	if err != nil {
		return fmt.Errorf("save conversation %s: %w", conv.ID, err)
	}
	return nil
}

// GetConversation loads a conversation by id.
func (s *Store) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM conversations WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var conv model.Conversation
	if err := json.Unmarshal([]byte(payload), &conv); err != nil {
		return nil, fmt.Errorf("decode conversation %s: %w", id, err)
	}
	return &conv, nil
}

// DeleteConversation removes a conversation. Deleting a missing id returns ErrNotFound.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListConversations returns every conversation, most recent first.
func (s *Store) ListConversations(ctx context.Context) ([]*model.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, payload FROM conversations ORDER BY started_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	convs := []*model.Conversation{}
	for rows.Next() {
		var id, payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, err
		}
		var conv model.Conversation
		if err := json.Unmarshal([]byte(payload), &conv); err != nil {
			return nil, fmt.Errorf("decode conversation %s: %w", id, err)
		}
		convs = append(convs, &conv)
	}
	return convs, rows.Err()
}

// GetImportedFileHash returns the hash recorded for path, or "" if the file
// was never imported.
func (s *Store) GetImportedFileHash(ctx context.Context, path string) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, `SELECT sha256 FROM imported_files WHERE path = ?`, path).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return hash, err
}

func setImportedFileHash(ctx context.Context, db execer, path, hash string) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO imported_files (path, sha256, imported_at) VALUES (?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET sha256 = ?, imported_at = ?`,
		path, hash, time.Now().UTC(), hash, time.Now().UTC(),
	)
	return err
}
