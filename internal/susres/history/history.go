// Package history is the suspend-cycle audit log: a small sqlite-backed
// append-only table recording every completed cycle, so an operator can
// answer "was the last suspend forced, and who failed to ack" after the
// fact rather than only live via the event bus.
package history

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/embertide/emberos/internal/log"
)

// schema is applied at open time with CREATE TABLE IF NOT EXISTS, a raw
// schema rather than a migration runner, since a single append-only table
// never needs to be migrated in place.
const schema = `
CREATE TABLE IF NOT EXISTS cycles (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	cycle          INTEGER NOT NULL,
	forced         INTEGER NOT NULL,
	clean          INTEGER NOT NULL,
	started_at     INTEGER NOT NULL,
	finished_at    INTEGER NOT NULL,
	failed_tokens  TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_cycles_cycle ON cycles(cycle);
`

// Record is one row of the audit log.
type Record struct {
	ID           int64
	Cycle        uint64
	Forced       bool
	Clean        bool
	StartedAt    time.Time
	FinishedAt   time.Time
	FailedTokens []uint32
}

// Store is the sqlite-backed audit log. It is safe for concurrent use:
// RecordCycle is called from the coordinator's own goroutine but queries
// may come from the dashboard or CLI concurrently.
type Store struct {
	db *sql.DB
}

// Open creates (if needed) and opens the sqlite database at path, applying
// the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("history: open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordCycle inserts one completed cycle. Errors are logged rather than
// surfaced: a failed audit write must never take down the coordinator's
// mailbox loop (this is called synchronously from finalizeSuspend).
func (s *Store) RecordCycle(cycle uint64, forced, clean bool, startedAt, finishedAt time.Time, failedTokens []uint32) {
	tokens := make([]string, len(failedTokens))
	for i, t := range failedTokens {
		tokens[i] = fmt.Sprintf("%d", t)
	}

	_, err := s.db.Exec(
		`INSERT INTO cycles (cycle, forced, clean, started_at, finished_at, failed_tokens) VALUES (?, ?, ?, ?, ?, ?)`,
		cycle, boolToInt(forced), boolToInt(clean), startedAt.Unix(), finishedAt.Unix(), strings.Join(tokens, ","),
	)
	if err != nil {
		log.ErrorErr(log.CatHistory, "failed to record suspend cycle", err, "cycle", cycle)
	}
}

// Last returns the most recently recorded cycle, or false if the log is
// empty.
func (s *Store) Last() (Record, bool, error) {
	row := s.db.QueryRow(`SELECT id, cycle, forced, clean, started_at, finished_at, failed_tokens FROM cycles ORDER BY id DESC LIMIT 1`)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("history: query last cycle: %w", err)
	}
	return rec, true, nil
}

// List returns the most recent limit cycles, newest first. limit <= 0
// means no bound.
func (s *Store) List(limit int) ([]Record, error) {
	query := `SELECT id, cycle, forced, clean, started_at, finished_at, failed_tokens FROM cycles ORDER BY id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("history: list cycles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("history: scan cycle row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRecord(scanner interface{ Scan(...any) error }) (Record, error) {
	var (
		rec          Record
		forced, cln  int
		startedUnix  int64
		finishedUnix int64
		failedCSV    string
	)
	if err := scanner.Scan(&rec.ID, &rec.Cycle, &forced, &cln, &startedUnix, &finishedUnix, &failedCSV); err != nil {
		return Record{}, err
	}
	rec.Forced = forced != 0
	rec.Clean = cln != 0
	rec.StartedAt = time.Unix(startedUnix, 0)
	rec.FinishedAt = time.Unix(finishedUnix, 0)
	rec.FailedTokens = parseTokenCSV(failedCSV)
	return rec, nil
}

func parseTokenCSV(csv string) []uint32 {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]uint32, 0, len(parts))
	for _, p := range parts {
		var v uint32
		if _, err := fmt.Sscanf(p, "%d", &v); err == nil {
			out = append(out, v)
		}
	}
	return out
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
