package wal

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestWAL(t *testing.T) (*WAL, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wal.log")
	w, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })
	return w, path
}

func TestWAL_AppendAndGet(t *testing.T) {
	t.Parallel()
	w, _ := newTestWAL(t)

	entries := []Entry{
		{Index: 1, Term: 1, Operation: OpPut, Key: "x", Value: "1"},
		{Index: 2, Term: 1, Operation: OpPut, Key: "y", Value: "2"},
		{Index: 3, Term: 2, Operation: OpPut, Key: "x", Value: "3"},
	}
	for _, e := range entries {
		if err := w.Append(e); err != nil {
			t.Fatalf("Append(%d) error = %v", e.Index, err)
		}
	}

	for _, e := range entries {
		got, ok := w.Get(e.Index)
		if !ok {
			t.Fatalf("Get(%d) not found", e.Index)
		}
		if got != e {
			t.Fatalf("Get(%d) = %+v, want %+v", e.Index, got, e)
		}
	}

	if _, ok := w.Get(4); ok {
		t.Fatalf("Get(4) should not be found")
	}

	lastIndex, lastTerm := w.LastInfo()
	if lastIndex != 3 || lastTerm != 2 {
		t.Fatalf("LastInfo() = (%d, %d), want (3, 2)", lastIndex, lastTerm)
	}
}

func TestWAL_AppendRejectsNonContiguousIndex(t *testing.T) {
	t.Parallel()
	w, _ := newTestWAL(t)

	if err := w.Append(Entry{Index: 1, Term: 1, Operation: OpPut, Key: "x", Value: "1"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := w.Append(Entry{Index: 3, Term: 1, Operation: OpPut, Key: "y", Value: "2"}); err == nil {
		t.Fatalf("expected error appending non-contiguous index")
	}
}

func TestWAL_DurabilityAcrossReopen(t *testing.T) {
	t.Parallel()
	w, path := newTestWAL(t)

	entries := []Entry{
		{Index: 1, Term: 1, Operation: OpPut, Key: "a", Value: "1"},
		{Index: 2, Term: 1, Operation: OpPut, Key: "b", Value: "2"},
	}
	for _, e := range entries {
		if err := w.Append(e); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer reopened.Close()

	got := reopened.EntriesFrom(reopened.FirstIndex())
	if len(got) != len(entries) {
		t.Fatalf("EntriesFrom() len = %d, want %d", len(got), len(entries))
	}
	for i, e := range entries {
		if got[i] != e {
			t.Fatalf("entry %d = %+v, want %+v", i, got[i], e)
		}
	}
}

func TestWAL_DiscardBefore(t *testing.T) {
	t.Parallel()
	w, _ := newTestWAL(t)

	for i := int64(1); i <= 5; i++ {
		if err := w.Append(Entry{Index: i, Term: 1, Operation: OpPut, Key: "k", Value: "v"}); err != nil {
			t.Fatalf("Append(%d) error = %v", i, err)
		}
	}

	if err := w.DiscardBefore(3); err != nil {
		t.Fatalf("DiscardBefore() error = %v", err)
	}

	if got := w.FirstIndex(); got != 4 {
		t.Fatalf("FirstIndex() = %d, want 4", got)
	}
	for i := int64(1); i <= 3; i++ {
		if _, ok := w.Get(i); ok {
			t.Fatalf("Get(%d) should be discarded", i)
		}
	}
	for i := int64(4); i <= 5; i++ {
		if _, ok := w.Get(i); !ok {
			t.Fatalf("Get(%d) should still exist", i)
		}
	}
}

func TestWAL_TruncateFrom(t *testing.T) {
	t.Parallel()
	w, _ := newTestWAL(t)

	for i := int64(1); i <= 3; i++ {
		if err := w.Append(Entry{Index: i, Term: 1, Operation: OpPut, Key: "k", Value: "v1"}); err != nil {
			t.Fatalf("Append(%d) error = %v", i, err)
		}
	}

	if err := w.TruncateFrom(2); err != nil {
		t.Fatalf("TruncateFrom() error = %v", err)
	}

	if _, ok := w.Get(1); !ok {
		t.Fatalf("Get(1) should still exist")
	}
	if _, ok := w.Get(2); ok {
		t.Fatalf("Get(2) should be truncated")
	}
	if _, ok := w.Get(3); ok {
		t.Fatalf("Get(3) should be truncated")
	}

	if err := w.Append(Entry{Index: 2, Term: 2, Operation: OpPut, Key: "k", Value: "v2"}); err != nil {
		t.Fatalf("Append() after truncate error = %v", err)
	}
	entry, ok := w.Get(2)
	if !ok || entry.Term != 2 || entry.Value != "v2" {
		t.Fatalf("Get(2) after re-append = %+v, ok=%v", entry, ok)
	}
}

func TestWAL_InstallSnapshot(t *testing.T) {
	t.Parallel()
	w, _ := newTestWAL(t)

	for i := int64(1); i <= 3; i++ {
		if err := w.Append(Entry{Index: i, Term: 1, Operation: OpPut, Key: "k", Value: "v"}); err != nil {
			t.Fatalf("Append(%d) error = %v", i, err)
		}
	}

	if err := w.InstallSnapshot(10, 2); err != nil {
		t.Fatalf("InstallSnapshot() error = %v", err)
	}

	if got := w.FirstIndex(); got != 11 {
		t.Fatalf("FirstIndex() = %d, want 11", got)
	}
	lastIndex, lastTerm := w.LastInfo()
	if lastIndex != 10 || lastTerm != 2 {
		t.Fatalf("LastInfo() = (%d, %d), want (10, 2)", lastIndex, lastTerm)
	}
	if got := w.EntriesFrom(1); got != nil {
		t.Fatalf("EntriesFrom(1) = %+v, want nil", got)
	}
}

func TestWAL_MetadataDurability(t *testing.T) {
	t.Parallel()
	w, path := newTestWAL(t)

	if err := w.SaveMetadata(5, 2); err != nil {
		t.Fatalf("SaveMetadata() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer reopened.Close()

	term, votedFor := reopened.LoadMetadata()
	if term != 5 || votedFor != 2 {
		t.Fatalf("LoadMetadata() = (%d, %d), want (5, 2)", term, votedFor)
	}
}

func TestWAL_RejectsMalformedLine(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "wal.log")

	w, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := w.Append(Entry{Index: 1, Term: 1, Operation: OpPut, Key: "a", Value: "1"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	appendLine(t, path, "not a valid wal line at all\n")

	if _, err := Open(path); err == nil {
		t.Fatalf("expected Open() to fail on malformed line")
	}
}

func appendLine(t *testing.T, path, line string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
