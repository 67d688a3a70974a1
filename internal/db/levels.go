// Package db implements the SQLite-backed levels database used to
// resolve level ids to display names for roster announcements.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// ErrUnknownLevel is returned when a level id has no stored display name.
var ErrUnknownLevel = errors.New("unknown level")

// LevelsDB resolves level ids to display names. Lookups are cached;
// levels change only on content updates, never mid-session.
type LevelsDB struct {
	mu    sync.Mutex
	db    *sql.DB
	cache map[string]string
}

// Open opens or creates the levels database at the given path.
func Open(dbPath string) (*LevelsDB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	sqlDB, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", dbPath, err)
	}

	// SQLite doesn't support concurrent writes.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		log.Warn().Err(err).Msg("failed to enable WAL mode")
	}

	if _, err := sqlDB.Exec(`
		CREATE TABLE IF NOT EXISTS levels (
			id   TEXT PRIMARY KEY,
			name TEXT NOT NULL
		)`); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create levels table: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	log.Info().Str("path", dbPath).Msg("levels database opened")

	return &LevelsDB{
		db:    sqlDB,
		cache: make(map[string]string),
	}, nil
}

// DisplayName returns the display name for a level id.
func (l *LevelsDB) DisplayName(levelID string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if name, ok := l.cache[levelID]; ok {
		return name, nil
	}

	var name string
	err := l.db.QueryRow("SELECT name FROM levels WHERE id = ?", levelID).Scan(&name)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("%w: %s", ErrUnknownLevel, levelID)
	}
	if err != nil {
		return "", fmt.Errorf("level lookup %s: %w", levelID, err)
	}

	l.cache[levelID] = name
	return name, nil
}

// Put stores or replaces a level's display name.
func (l *LevelsDB) Put(levelID, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.db.Exec(
		"INSERT INTO levels (id, name) VALUES (?, ?) ON CONFLICT(id) DO UPDATE SET name = excluded.name",
		levelID, name)
	if err != nil {
		return fmt.Errorf("level store %s: %w", levelID, err)
	}
	l.cache[levelID] = name
	return nil
}

// Close closes the database.
func (l *LevelsDB) Close() error {
	return l.db.Close()
}
