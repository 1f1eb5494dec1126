package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/wardenlabs/warden/internal/consent"
)

// Store is the sqlite-backed audit sink, for installations that want the
// trail to survive restarts. Implements consent.AuditSink.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	// chain head, loaded at open and advanced under the db's serialization
	nextIndex uint64
	lastHash  string
}

// OpenStore opens (or creates) the audit database at path.
func OpenStore(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: wal mode: %w", err)
	}

	s := &Store{db: db, logger: logger.With("component", "audit-store")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.loadHead(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS audit_entries (
	idx        INTEGER PRIMARY KEY,
	ts         INTEGER NOT NULL,
	operation  TEXT NOT NULL,
	decision   TEXT NOT NULL,
	score      INTEGER NOT NULL,
	entry      TEXT NOT NULL,
	prev_hash  TEXT NOT NULL,
	hash       TEXT NOT NULL
)`)
	if err != nil {
		return fmt.Errorf("audit: migrate: %w", err)
	}
	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_entries(ts)`)
	if err != nil {
		return fmt.Errorf("audit: migrate index: %w", err)
	}
	return nil
}

func (s *Store) loadHead() error {
	row := s.db.QueryRow(`SELECT idx, hash FROM audit_entries ORDER BY idx DESC LIMIT 1`)
	var idx uint64
	var hash string
	switch err := row.Scan(&idx, &hash); err {
	case nil:
		s.nextIndex = idx + 1
		s.lastHash = hash
	case sql.ErrNoRows:
	default:
		return fmt.Errorf("audit: load head: %w", err)
	}
	return nil
}

// Append chains and persists the entry.
func (s *Store) Append(e *consent.AuditEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	e.Index = s.nextIndex
	e.PrevHash = s.lastHash

	hash, err := entryHash(*e)
	if err != nil {
		return err
	}
	e.Hash = hash

	blob, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("audit: marshal entry: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO audit_entries (idx, ts, operation, decision, score, entry, prev_hash, hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Index, e.Timestamp.Unix(), string(e.Request.Operation),
		string(e.Response.Decision), e.Risk.Score, string(blob), e.PrevHash, e.Hash,
	)
	if err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	s.nextIndex++
	s.lastHash = hash
	return nil
}

// Query returns entries matching the filter, oldest first.
func (s *Store) Query(f consent.AuditFilter) ([]consent.AuditEntry, error) {
	var conds []string
	var args []any
	if !f.From.IsZero() {
		conds = append(conds, "ts >= ?")
		args = append(args, f.From.Unix())
	}
	if !f.To.IsZero() {
		conds = append(conds, "ts <= ?")
		args = append(args, f.To.Unix())
	}
	if f.Operation != "" {
		conds = append(conds, "operation = ?")
		args = append(args, string(f.Operation))
	}
	if f.Decision != "" {
		conds = append(conds, "decision = ?")
		args = append(args, string(f.Decision))
	}
	if f.MinScore > 0 {
		conds = append(conds, "score >= ?")
		args = append(args, f.MinScore)
	}
	if f.MaxScore > 0 {
		conds = append(conds, "score <= ?")
		args = append(args, f.MaxScore)
	}

	query := `SELECT entry FROM audit_entries`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY idx ASC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer rows.Close()

	var out []consent.AuditEntry
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		var e consent.AuditEntry
		if err := json.Unmarshal([]byte(blob), &e); err != nil {
			return nil, fmt.Errorf("audit: unmarshal entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune deletes entries older than the cutoff.
func (s *Store) Prune(before time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM audit_entries WHERE ts < ?`, before.Unix())
	if err != nil {
		return 0, fmt.Errorf("audit: prune: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("audit entries pruned", "count", n)
	}
	return int(n), nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}
