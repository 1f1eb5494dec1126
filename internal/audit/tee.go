package audit

import (
	"github.com/wardenlabs/warden/internal/consent"
)

// Tee fans appends out to several sinks and serves queries from the first.
// Used to keep a fast in-memory log alongside the durable sqlite store.
type Tee struct {
	sinks []consent.AuditSink
}

// NewTee requires at least one sink; the first is the query source.
func NewTee(sinks ...consent.AuditSink) *Tee {
	return &Tee{sinks: sinks}
}

// Append writes to every sink. The caller sees the chain fields assigned by
// the first sink; later sinks chain their own copies independently.
func (t *Tee) Append(e *consent.AuditEntry) error {
	for i, s := range t.sinks {
		if i == 0 {
			if err := s.Append(e); err != nil {
				return err
			}
			continue
		}
		dup := *e
		if err := s.Append(&dup); err != nil {
			return err
		}
	}
	return nil
}

// Query reads from the primary sink.
func (t *Tee) Query(f consent.AuditFilter) ([]consent.AuditEntry, error) {
	return t.sinks[0].Query(f)
}
