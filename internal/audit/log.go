// Package audit persists consent decisions as a tamper-evident, append-only
// trail. Each entry carries a blake2b hash chained to its predecessor, so
// after-the-fact edits are detectable with Verify.
package audit

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/wardenlabs/warden/internal/consent"
)

// Log is the in-memory audit sink. Implements consent.AuditSink.
type Log struct {
	mu      sync.Mutex
	entries []consent.AuditEntry
	next    uint64
	last    string
	logger  *slog.Logger
}

// NewLog creates an empty in-memory audit log.
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger.With("component", "audit")}
}

// Append chains and stores the entry, filling Index, PrevHash and Hash.
func (l *Log) Append(e *consent.AuditEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	e.Index = l.next
	e.PrevHash = l.last

	h, err := entryHash(*e)
	if err != nil {
		return err
	}
	e.Hash = h

	l.entries = append(l.entries, *e)
	l.next++
	l.last = h
	return nil
}

// Query returns entries matching the filter, oldest first.
func (l *Log) Query(f consent.AuditFilter) ([]consent.AuditEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []consent.AuditEntry
	for _, e := range l.entries {
		if f.Matches(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Len returns the number of retained entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Verify walks the retained chain and reports the first inconsistency.
func (l *Log) Verify() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev := ""
	for i, e := range l.entries {
		if i > 0 && e.PrevHash != prev {
			return fmt.Errorf("audit: chain broken at index %d: prevHash mismatch", e.Index)
		}
		h, err := entryHash(e)
		if err != nil {
			return err
		}
		if h != e.Hash {
			return fmt.Errorf("audit: entry %d hash mismatch", e.Index)
		}
		prev = e.Hash
	}
	return nil
}

// Prune drops entries older than the cutoff. The chain head is preserved so
// later appends stay consistent; Verify then covers the retained suffix.
func (l *Log) Prune(before time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	keep := l.entries[:0]
	pruned := 0
	for _, e := range l.entries {
		if e.Timestamp.Before(before) {
			pruned++
			continue
		}
		keep = append(keep, e)
	}
	l.entries = keep
	if pruned > 0 {
		l.logger.Info("audit entries pruned", "count", pruned)
	}
	return pruned, nil
}

// entryHash computes blake2b-256 over the previous hash and the entry's
// canonical JSON with the Hash field blanked.
func entryHash(e consent.AuditEntry) (string, error) {
	e.Hash = ""
	payload, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("audit: marshal entry: %w", err)
	}
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	h.Write([]byte(e.PrevHash))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil)), nil
}
