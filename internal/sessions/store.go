// Package sessions owns the per-launcher session registry, its idle
// sweeper, and the sqlite persistence behind both sessions and bots.
package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/RockChinQ/LangBot/pkg/models"
)

// Store is the sqlite persistence layer. Sessions are written on
// close, expiry, and shutdown; bots are written through the control
// plane and read at boot.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

const storeSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	launcher_type    TEXT NOT NULL,
	launcher_id      INTEGER NOT NULL,
	create_ts        TIMESTAMP NOT NULL,
	last_interact_ts TIMESTAMP NOT NULL,
	prompt           TEXT NOT NULL DEFAULT '',
	default_prompt   TEXT NOT NULL DEFAULT '',
	history          TEXT NOT NULL DEFAULT '',
	token_counts     TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL,
	PRIMARY KEY (launcher_type, launcher_id, create_ts)
);
CREATE TABLE IF NOT EXISTS bots (
	uuid           TEXT PRIMARY KEY,
	name           TEXT NOT NULL,
	adapter        TEXT NOT NULL,
	adapter_config TEXT NOT NULL DEFAULT '{}',
	enable         INTEGER NOT NULL DEFAULT 1,
	created_at     TIMESTAMP NOT NULL,
	updated_at     TIMESTAMP NOT NULL
);
`

// OpenStore opens (and creates) the sqlite database at path.
func OpenStore(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// modernc sqlite serializes writes; one connection avoids lock
	// contention entirely.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(storeSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, logger: logger.With("component", "store")}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// SaveSession upserts a session record.
func (s *Store) SaveSession(ctx context.Context, rec *models.SessionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions
			(launcher_type, launcher_id, create_ts, last_interact_ts,
			 prompt, default_prompt, history, token_counts, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (launcher_type, launcher_id, create_ts) DO UPDATE SET
			last_interact_ts = excluded.last_interact_ts,
			prompt           = excluded.prompt,
			default_prompt   = excluded.default_prompt,
			history          = excluded.history,
			token_counts     = excluded.token_counts,
			status           = excluded.status`,
		string(rec.LauncherType), rec.LauncherID, rec.CreateTS, rec.LastInteractTS,
		rec.Prompt, rec.DefaultPrompt, rec.History, rec.TokenCounts, string(rec.Status))
	return err
}

// ListSessions returns persisted sessions, newest first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]models.SessionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT launcher_type, launcher_id, create_ts, last_interact_ts,
		       prompt, default_prompt, history, token_counts, status
		FROM sessions ORDER BY last_interact_ts DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.SessionRecord
	for rows.Next() {
		var rec models.SessionRecord
		var lt, status string
		if err := rows.Scan(&lt, &rec.LauncherID, &rec.CreateTS, &rec.LastInteractTS,
			&rec.Prompt, &rec.DefaultPrompt, &rec.History, &rec.TokenCounts, &status); err != nil {
			return nil, err
		}
		rec.LauncherType = models.LauncherType(lt)
		rec.Status = models.SessionStatus(status)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SaveBot upserts a bot record.
func (s *Store) SaveBot(ctx context.Context, bot *models.Bot) error {
	cfg, err := json.Marshal(bot.AdapterConfig)
	if err != nil {
		return err
	}
	if bot.CreatedAt.IsZero() {
		bot.CreatedAt = time.Now()
	}
	bot.UpdatedAt = time.Now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO bots (uuid, name, adapter, adapter_config, enable, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (uuid) DO UPDATE SET
			name           = excluded.name,
			adapter        = excluded.adapter,
			adapter_config = excluded.adapter_config,
			enable         = excluded.enable,
			updated_at     = excluded.updated_at`,
		bot.UUID, bot.Name, bot.AdapterName, string(cfg), bot.Enable,
		bot.CreatedAt, bot.UpdatedAt)
	return err
}

// GetBot reads one bot by uuid.
func (s *Store) GetBot(ctx context.Context, uuid string) (*models.Bot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT uuid, name, adapter, adapter_config, enable, created_at, updated_at
		FROM bots WHERE uuid = ?`, uuid)
	return scanBot(row)
}

// ListBots reads all bots.
func (s *Store) ListBots(ctx context.Context) ([]*models.Bot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT uuid, name, adapter, adapter_config, enable, created_at, updated_at
		FROM bots ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Bot
	for rows.Next() {
		bot, err := scanBot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, bot)
	}
	return out, rows.Err()
}

// DeleteBot removes a bot by uuid.
func (s *Store) DeleteBot(ctx context.Context, uuid string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM bots WHERE uuid = ?`, uuid)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return sql.ErrNoRows
	}
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBot(row rowScanner) (*models.Bot, error) {
	var bot models.Bot
	var cfg string
	if err := row.Scan(&bot.UUID, &bot.Name, &bot.AdapterName, &cfg,
		&bot.Enable, &bot.CreatedAt, &bot.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(cfg), &bot.AdapterConfig); err != nil {
		bot.AdapterConfig = map[string]any{}
	}
	return &bot, nil
}
