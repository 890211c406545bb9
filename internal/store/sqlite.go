package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/seantiz/dmworker/internal/model"

	_ "modernc.org/sqlite"
)

// MemoryPath opens a private in-memory journal.
const MemoryPath = ":memory:"

const createCommandsTable = `
CREATE TABLE IF NOT EXISTS commands (
    seq         INTEGER PRIMARY KEY AUTOINCREMENT,
    id          TEXT NOT NULL UNIQUE,
    cmd         TEXT NOT NULL,
    request_id  TEXT,
    status      TEXT NOT NULL,
    result      TEXT,
    error       TEXT,
    duration_ms INTEGER NOT NULL,
    created_at  DATETIME NOT NULL
)`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
// MemoryPath keeps the journal in memory for the life of the process.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if dbPath == MemoryPath {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(createCommandsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create commands table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// RecordCommand appends rec to the journal. ID and CreatedAt are filled in
// when empty; Seq is set from the database.
func (s *SQLiteStore) RecordCommand(ctx context.Context, rec *model.CommandRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.ID == "" {
		rec.ID = model.NewRecordID(rec.CreatedAt)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO commands (
			id, cmd, request_id, status, result, error, duration_ms, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Cmd, nullableJSON(rec.RequestID), rec.Status, nullableJSON(rec.Result),
		rec.Error, rec.DurationMS, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert command: %w", err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("read command seq: %w", err)
	}
	rec.Seq = seq
	return nil
}

// ListCommands returns a page of the journal, newest first, along with the
// total number of recorded commands.
func (s *SQLiteStore) ListCommands(ctx context.Context, limit, offset int) ([]*model.CommandRecord, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM commands").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count commands: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT seq, id, cmd, request_id, status, result, error, duration_ms, created_at
		FROM commands ORDER BY seq DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list commands: %w", err)
	}
	defer rows.Close()

	var records []*model.CommandRecord
	for rows.Next() {
		var (
			rec       model.CommandRecord
			requestID sql.NullString
			result    sql.NullString
			errText   sql.NullString
		)
		if err := rows.Scan(
			&rec.Seq, &rec.ID, &rec.Cmd, &requestID, &rec.Status, &result,
			&errText, &rec.DurationMS, &rec.CreatedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("scan command: %w", err)
		}
		if requestID.Valid {
			rec.RequestID = json.RawMessage(requestID.String)
		}
		if result.Valid {
			rec.Result = json.RawMessage(result.String)
		}
		rec.Error = errText.String
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate commands: %w", err)
	}

	return records, total, nil
}

// GetCommandStats aggregates the journal by status and command name.
func (s *SQLiteStore) GetCommandStats(ctx context.Context) (*model.CommandStats, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	stats := &model.CommandStats{
		ByStatus: make(map[string]int),
		ByCmd:    make(map[string]int),
	}

	var avg sql.NullFloat64
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*), AVG(duration_ms) FROM commands",
	).Scan(&stats.Total, &avg); err != nil {
		return nil, fmt.Errorf("count commands: %w", err)
	}
	if avg.Valid {
		stats.AvgDurationMS = &avg.Float64
	}

	if err := countBy(ctx, tx, "status", stats.ByStatus); err != nil {
		return nil, err
	}
	if err := countBy(ctx, tx, "cmd", stats.ByCmd); err != nil {
		return nil, err
	}

	return stats, nil
}

// countBy fills into with row counts grouped by column. column is always a
// constant from this package.
func countBy(ctx context.Context, tx *sql.Tx, column string, into map[string]int) error {
	rows, err := tx.QueryContext(ctx,
		"SELECT "+column+", COUNT(*) FROM commands GROUP BY "+column)
	if err != nil {
		return fmt.Errorf("count commands by %s: %w", column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			key   string
			count int
		)
		if err := rows.Scan(&key, &count); err != nil {
			return fmt.Errorf("scan %s count: %w", column, err)
		}
		into[key] = count
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate %s counts: %w", column, err)
	}
	return nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
