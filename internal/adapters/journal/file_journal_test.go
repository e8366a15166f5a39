package journal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ghalamif/AegisProctor/internal/domain"
	"github.com/ghalamif/AegisProctor/internal/ports"
)

func TestFileJournalAppendIterateAndReopen(t *testing.T) {
	dir := t.TempDir()

	j, err := Open(dir)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}

	id1, err := j.Append(&domain.IntegrityEvent{Kind: domain.EventPageHidden, SessionID: "s-1"})
	if err != nil || id1 == 0 {
		t.Fatalf("append event 1: %v id=%d", err, id1)
	}
	id2, err := j.Append(&domain.IntegrityEvent{Kind: domain.EventScreenshotKey, SessionID: "s-1"})
	if err != nil || id2 == 0 {
		t.Fatalf("append event 2: %v id=%d", err, id2)
	}

	var kinds []domain.EventKind
	if err := j.Iterate(1, func(id ports.JournalEntryID, e *domain.IntegrityEvent) error {
		if e.Seq != uint64(id) {
			t.Fatalf("expected seq %d to match entry id, got %d", id, e.Seq)
		}
		kinds = append(kinds, e.Kind)
		return nil
	}); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if len(kinds) != 2 || kinds[1] != domain.EventScreenshotKey {
		t.Fatalf("unexpected iterated kinds %v", kinds)
	}

	if err := j.Commit(id1); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	j2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen journal: %v", err)
	}
	defer j2.Close()

	stats := j2.Stats()
	if stats.LatestAppended != id2 {
		t.Fatalf("expected latest appended %d, got %d", id2, stats.LatestAppended)
	}
	if stats.OldestUncommitted != id2 {
		t.Fatalf("expected oldest uncommitted %d, got %d", id2, stats.OldestUncommitted)
	}
}

func TestFileJournalDropsTornTail(t *testing.T) {
	dir := t.TempDir()

	j, err := Open(dir)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	if _, err := j.Append(&domain.IntegrityEvent{Kind: domain.EventWindowBlur}); err != nil {
		t.Fatalf("append: %v", err)
	}
	sizeBefore := j.Stats().SizeBytes
	if err := j.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	f, err := os.OpenFile(filepath.Join(dir, logName), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	if _, err := f.Write([]byte{0xFF, 0xAA, 0x01}); err != nil {
		t.Fatalf("append garbage: %v", err)
	}
	f.Close()

	j2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen after garbage: %v", err)
	}
	defer j2.Close()

	if got := j2.Stats().SizeBytes; got != sizeBefore {
		t.Fatalf("expected torn tail to be truncated to %d bytes, got %d", sizeBefore, got)
	}
	id, err := j2.Append(&domain.IntegrityEvent{Kind: domain.EventWindowFocus})
	if err != nil {
		t.Fatalf("append after recovery: %v", err)
	}
	if id != 2 {
		t.Fatalf("expected id sequence to continue at 2, got %d", id)
	}
}

func TestFileJournalCompactKeepsUncommitted(t *testing.T) {
	j, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer j.Close()

	for i := 0; i < 3; i++ {
		if _, err := j.Append(&domain.IntegrityEvent{Kind: domain.EventPageHidden}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if err := j.Commit(2); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := j.Compact(); err != nil {
		t.Fatalf("compact: %v", err)
	}

	var ids []ports.JournalEntryID
	if err := j.Iterate(0, func(id ports.JournalEntryID, _ *domain.IntegrityEvent) error {
		ids = append(ids, id)
		return nil
	}); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if len(ids) != 1 || ids[0] != 3 {
		t.Fatalf("expected only entry 3 after compaction, got %v", ids)
	}

	id, err := j.Append(&domain.IntegrityEvent{Kind: domain.EventPageVisible})
	if err != nil || id != 4 {
		t.Fatalf("expected append after compaction to yield id 4, got %d err=%v", id, err)
	}
}
