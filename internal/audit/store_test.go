package audit

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/wardenlabs/warden/internal/consent"
)

func openTestStore(t *testing.T, path string) *Store {
	t.Helper()
	s, err := OpenStore(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_AppendAndQuery(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "audit.db"))

	_ = s.Append(sampleEntry(consent.OpFileWrite, consent.DecisionAllow, 10))
	_ = s.Append(sampleEntry(consent.OpFileDelete, consent.DecisionDeny, 90))

	all, err := s.Query(consent.AuditFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("entries = %d, want 2", len(all))
	}
	if all[0].Index != 0 || all[1].Index != 1 {
		t.Errorf("indexes = %d, %d", all[0].Index, all[1].Index)
	}
	if all[1].PrevHash != all[0].Hash {
		t.Error("entries do not chain")
	}

	denies, err := s.Query(consent.AuditFilter{Decision: consent.DecisionDeny})
	if err != nil {
		t.Fatal(err)
	}
	if len(denies) != 1 || denies[0].Request.Operation != consent.OpFileDelete {
		t.Errorf("denies = %+v", denies)
	}
}

func TestStore_HeadSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")

	s, err := OpenStore(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	_ = s.Append(sampleEntry(consent.OpFileWrite, consent.DecisionAllow, 10))
	first, _ := s.Query(consent.AuditFilter{})
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s2 := openTestStore(t, path)
	_ = s2.Append(sampleEntry(consent.OpFileDelete, consent.DecisionDeny, 90))

	all, err := s2.Query(consent.AuditFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("entries after reopen = %d, want 2", len(all))
	}
	if all[1].Index != 1 || all[1].PrevHash != first[0].Hash {
		t.Error("chain not continued across reopen")
	}
}

func TestStore_QueryScoreRange(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "audit.db"))

	for _, score := range []int{10, 50, 95} {
		_ = s.Append(sampleEntry(consent.OpCommandExecute, consent.DecisionAllow, score))
	}

	mid, err := s.Query(consent.AuditFilter{MinScore: 20, MaxScore: 80})
	if err != nil {
		t.Fatal(err)
	}
	if len(mid) != 1 || mid[0].Risk.Score != 50 {
		t.Errorf("mid-range = %+v", mid)
	}
}

func TestStore_Prune(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "audit.db"))

	old := sampleEntry(consent.OpFileWrite, consent.DecisionAllow, 10)
	old.Timestamp = time.Now().Add(-48 * time.Hour)
	_ = s.Append(old)
	_ = s.Append(sampleEntry(consent.OpFileDelete, consent.DecisionDeny, 90))

	n, err := s.Prune(time.Now().Add(-24 * time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("pruned = %d, want 1", n)
	}
	rest, _ := s.Query(consent.AuditFilter{})
	if len(rest) != 1 {
		t.Errorf("remaining = %d, want 1", len(rest))
	}
}

func TestTee_FansOut(t *testing.T) {
	a := NewLog(nil)
	b := NewLog(nil)
	tee := NewTee(a, b)

	if err := tee.Append(sampleEntry(consent.OpFileWrite, consent.DecisionAllow, 10)); err != nil {
		t.Fatal(err)
	}
	if a.Len() != 1 || b.Len() != 1 {
		t.Errorf("lens = %d, %d, want 1, 1", a.Len(), b.Len())
	}

	got, err := tee.Query(consent.AuditFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Errorf("query via tee = %d entries", len(got))
	}
}

func TestRetention_Sweep(t *testing.T) {
	l := NewLog(nil)
	old := sampleEntry(consent.OpFileWrite, consent.DecisionAllow, 10)
	old.Timestamp = time.Now().Add(-40 * 24 * time.Hour)
	_ = l.Append(old)
	_ = l.Append(sampleEntry(consent.OpFileDelete, consent.DecisionDeny, 90))

	r := NewRetention(30, nil, l)
	r.Sweep()

	if l.Len() != 1 {
		t.Errorf("entries after sweep = %d, want 1", l.Len())
	}
}

func TestRetention_DisabledKeepsEverything(t *testing.T) {
	l := NewLog(nil)
	old := sampleEntry(consent.OpFileWrite, consent.DecisionAllow, 10)
	old.Timestamp = time.Now().Add(-400 * 24 * time.Hour)
	_ = l.Append(old)

	r := NewRetention(0, nil, l)
	if err := r.Start(); err != nil {
		t.Fatal(err)
	}
	r.Stop()

	if l.Len() != 1 {
		t.Error("retention days <= 0 must never prune")
	}
}
