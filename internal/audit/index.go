package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	_ "github.com/glebarez/go-sqlite"
	"github.com/jmoiron/sqlx"
)

// sqliteIndex provides fast filtered queries over the audit log.
// The JSONL file is the source of truth; the index is a projection keyed
// by line sequence and can always be rebuilt from the file.
type sqliteIndex struct {
	db *sqlx.DB
}

// indexRow mirrors the entries table.
type indexRow struct {
	Seq        int64           `db:"seq"`
	EventID    string          `db:"event_id"`
	Timestamp  string          `db:"ts"`
	Actor      string          `db:"actor"`
	ActionType string          `db:"action_type"`
	RequestID  string          `db:"request_id"`
	Confidence sql.NullFloat64 `db:"confidence"`
	Hash       string          `db:"hash"`
	Entry      string          `db:"entry"`
}

// openIndex opens (or creates) the SQLite index database.
func openIndex(path string) (*sqliteIndex, error) {
	// WAL lets the CLI read while a running server writes.
	db, err := sqlx.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite index %s: %w", path, err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS entries (
			seq         INTEGER PRIMARY KEY,
			event_id    TEXT NOT NULL DEFAULT '',
			ts          TEXT NOT NULL,
			actor       TEXT NOT NULL DEFAULT '',
			action_type TEXT NOT NULL DEFAULT '',
			request_id  TEXT NOT NULL DEFAULT '',
			confidence  REAL,
			hash        TEXT NOT NULL DEFAULT '',
			entry       TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_actor ON entries(actor);
		CREATE INDEX IF NOT EXISTS idx_action_type ON entries(action_type);
		CREATE INDEX IF NOT EXISTS idx_ts ON entries(ts);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating sqlite schema: %w", err)
	}

	return &sqliteIndex{db: db}, nil
}

// insert adds an entry to the index. Errors are logged and never affect
// the JSONL log.
func (idx *sqliteIndex) insert(seq uint64, e *Entry, raw []byte) {
	row := indexRow{
		Seq:        int64(seq),
		EventID:    e.EventID,
		Timestamp:  e.Timestamp,
		Actor:      e.Actor,
		ActionType: e.ActionType,
		RequestID:  e.RequestID,
		Hash:       e.Hash,
		Entry:      string(raw),
	}
	if e.ConfidenceScore != nil {
		row.Confidence = sql.NullFloat64{Float64: *e.ConfidenceScore, Valid: true}
	}

	_, err := idx.db.NamedExec(
		`INSERT OR REPLACE INTO entries (seq, event_id, ts, actor, action_type, request_id, confidence, hash, entry)
		 VALUES (:seq, :event_id, :ts, :actor, :action_type, :request_id, :confidence, :hash, :entry)`,
		row,
	)
	if err != nil {
		slog.Error("sqlite index insert failed", "seq", seq, "error", err)
	}
}

// query retrieves entries matching params, newest first.
func (idx *sqliteIndex) query(params QueryParams) ([]Entry, error) {
	query := "SELECT seq, event_id, ts, actor, action_type, request_id, confidence, hash, entry FROM entries WHERE 1=1"
	var args []any

	if params.ActionType != "" {
		query += " AND action_type = ?"
		args = append(args, params.ActionType)
	}
	if params.Actor != "" {
		query += " AND actor = ?"
		args = append(args, params.Actor)
	}
	if params.Since != "" {
		query += " AND ts >= ?"
		args = append(args, params.Since)
	}

	query += " ORDER BY seq DESC"

	if params.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, params.Limit)
	}

	var rows []indexRow
	if err := idx.db.Select(&rows, query, args...); err != nil {
		return nil, fmt.Errorf("querying sqlite index: %w", err)
	}

	entries := make([]Entry, 0, len(rows))
	for _, r := range rows {
		var e Entry
		if err := json.Unmarshal([]byte(r.Entry), &e); err != nil {
			slog.Warn("skipping unreadable indexed entry", "seq", r.Seq, "error", err)
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// lastSeq returns the highest sequence number in the index, or 0.
func (idx *sqliteIndex) lastSeq() uint64 {
	var seq sql.NullInt64
	if err := idx.db.Get(&seq, "SELECT MAX(seq) FROM entries"); err != nil || !seq.Valid {
		return 0
	}
	return uint64(seq.Int64)
}

// reset removes every row so the index can be rebuilt.
func (idx *sqliteIndex) reset() error {
	if _, err := idx.db.Exec("DELETE FROM entries"); err != nil {
		return fmt.Errorf("resetting sqlite index: %w", err)
	}
	return nil
}

func (idx *sqliteIndex) close() error {
	return idx.db.Close()
}
