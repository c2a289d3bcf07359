// Package store persists candidate feed rows and the firehose cursor in
// sqlite. Writes happen once per commit as a single transaction; reads are
// cursor-paginated and never block ingestion (WAL mode).
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/chcolte/bluesky-feedgen-go/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS post (
	id         TEXT PRIMARY KEY,
	uri        TEXT NOT NULL,
	cid        TEXT NOT NULL,
	via_liker  TEXT NOT NULL DEFAULT '',
	indexed_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_post_indexed_at ON post(indexed_at);
CREATE INDEX IF NOT EXISTS idx_post_uri ON post(uri);

CREATE TABLE IF NOT EXISTS sub_state (
	service TEXT PRIMARY KEY,
	cursor  INTEGER NOT NULL
);
`

// Store wraps the sqlite database.
type Store struct {
	db   *sql.DB
	Path string
}

// Open opens (and if needed creates) the database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL: 読み取り(Feed Reader)が取り込みをブロックしないように
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &Store{db: db, Path: path}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ApplyCommit applies one commit's writes atomically: delete rows whose uri
// is in deleteURIs or whose indexed_at precedes deadline, then insert the new
// rows ignoring id conflicts (an existing row keeps its original indexed_at
// and via_liker). Delete runs first so a row that expired and was
// rediscovered in the same commit is re-added.
func (s *Store) ApplyCommit(ctx context.Context, rows []models.FeedRow, deleteURIs []string, deadline time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if len(deleteURIs) > 0 {
		placeholders := strings.Repeat("?,", len(deleteURIs)-1) + "?"
		args := make([]interface{}, len(deleteURIs))
		for i, uri := range deleteURIs {
			args[i] = uri
		}
		query := "DELETE FROM post WHERE uri IN (" + placeholders + ")"
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("deleting rows by uri: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM post WHERE indexed_at < ?", deadline.UnixMilli()); err != nil {
		return fmt.Errorf("evicting expired rows: %w", err)
	}

	if len(rows) > 0 {
		stmt, err := tx.PrepareContext(ctx,
			"INSERT OR IGNORE INTO post (id, uri, cid, via_liker, indexed_at) VALUES (?, ?, ?, ?, ?)")
		if err != nil {
			return fmt.Errorf("preparing insert: %w", err)
		}
		defer stmt.Close()

		for _, row := range rows {
			if _, err := stmt.ExecContext(ctx,
				row.ID, row.URI, row.CID, row.ViaLiker, row.IndexedAt.UnixMilli()); err != nil {
				return fmt.Errorf("inserting row %s: %w", row.ID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// GetFeed returns rows ordered by indexed_at desc, cid desc.
// beforeMillis > 0 restricts to rows strictly older than that timestamp;
// viaLiker != "" scopes rows to one originating liker.
func (s *Store) GetFeed(ctx context.Context, limit int, beforeMillis int64, viaLiker string) ([]models.FeedRow, error) {
	query := "SELECT id, uri, cid, via_liker, indexed_at FROM post"
	var conds []string
	var args []interface{}

	if beforeMillis > 0 {
		conds = append(conds, "indexed_at < ?")
		args = append(args, beforeMillis)
	}
	if viaLiker != "" {
		conds = append(conds, "via_liker = ?")
		args = append(args, viaLiker)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY indexed_at DESC, cid DESC LIMIT ?"
	args = append(args, limit)

	result, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying feed: %w", err)
	}
	defer result.Close()

	var rows []models.FeedRow
	for result.Next() {
		var row models.FeedRow
		var millis int64
		if err := result.Scan(&row.ID, &row.URI, &row.CID, &row.ViaLiker, &millis); err != nil {
			return nil, fmt.Errorf("scanning feed row: %w", err)
		}
		row.IndexedAt = time.UnixMilli(millis)
		rows = append(rows, row)
	}
	return rows, result.Err()
}

// CountRows returns the number of feed rows (used by health reporting).
func (s *Store) CountRows(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM post").Scan(&count)
	return count, err
}

// GetCursor returns the last persisted sequence number for the service,
// or 0 when ingestion has never run.
func (s *Store) GetCursor(ctx context.Context, service string) (int64, error) {
	var cursor int64
	err := s.db.QueryRowContext(ctx,
		"SELECT cursor FROM sub_state WHERE service = ?", service).Scan(&cursor)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading cursor: %w", err)
	}
	return cursor, nil
}

// SetCursor persists the ingestion progress for the service.
func (s *Store) SetCursor(ctx context.Context, service string, cursor int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sub_state (service, cursor) VALUES (?, ?)
		 ON CONFLICT(service) DO UPDATE SET cursor = excluded.cursor`,
		service, cursor)
	if err != nil {
		return fmt.Errorf("persisting cursor: %w", err)
	}
	return nil
}
