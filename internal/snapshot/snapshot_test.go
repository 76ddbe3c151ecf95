package snapshot

import (
	"os"
	"path/filepath"
	"testing"
)

func TestManager_CreateAndLoadLatest(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	m, err := NewManager(dir, 1)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	pairs := map[string]string{"a": "1", "b": "2"}
	if err := m.Create(pairs, 10, 3); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	loaded, meta, ok, err := m.LoadLatest()
	if err != nil {
		t.Fatalf("LoadLatest() error = %v", err)
	}
	if !ok {
		t.Fatalf("LoadLatest() ok = false, want true")
	}
	if meta.LastIndex != 10 || meta.LastTerm != 3 || meta.Size != 2 {
		t.Fatalf("meta = %+v, want {10 3 2}", meta)
	}
	if len(loaded) != len(pairs) {
		t.Fatalf("loaded = %+v, want %+v", loaded, pairs)
	}
	for k, v := range pairs {
		if loaded[k] != v {
			t.Fatalf("loaded[%q] = %q, want %q", k, loaded[k], v)
		}
	}
}

func TestManager_LoadLatestNoSnapshot(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	m, err := NewManager(dir, 1)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	_, _, ok, err := m.LoadLatest()
	if err != nil {
		t.Fatalf("LoadLatest() error = %v", err)
	}
	if ok {
		t.Fatalf("LoadLatest() ok = true, want false")
	}
}

func TestManager_CreatePicksMostRecentIndex(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	m, err := NewManager(dir, 2)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	if err := m.Create(map[string]string{"x": "1"}, 5, 1); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := m.Create(map[string]string{"x": "2"}, 20, 2); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	_, meta, ok, err := m.LoadLatest()
	if err != nil || !ok {
		t.Fatalf("LoadLatest() = ok=%v, err=%v", ok, err)
	}
	if meta.LastIndex != 20 {
		t.Fatalf("LastIndex = %d, want 20", meta.LastIndex)
	}
}

func TestManager_CleanupKeepsOnlyTwoMostRecent(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	m, err := NewManager(dir, 3)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	for _, idx := range []int64{1, 2, 3, 4} {
		if err := m.Create(map[string]string{"k": "v"}, idx, 1); err != nil {
			t.Fatalf("Create(%d) error = %v", idx, err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	count := 0
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".snap" {
			count++
		}
	}
	if count != keepCount {
		t.Fatalf("snapshot file count = %d, want %d", count, keepCount)
	}

	_, meta, ok, err := m.LoadLatest()
	if err != nil || !ok {
		t.Fatalf("LoadLatest() = ok=%v, err=%v", ok, err)
	}
	if meta.LastIndex != 4 {
		t.Fatalf("LastIndex = %d, want 4", meta.LastIndex)
	}
}

func TestManager_MetadataOnly(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	m, err := NewManager(dir, 1)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	if err := m.Create(map[string]string{"a": "1"}, 7, 2); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	meta, ok, err := m.Metadata()
	if err != nil {
		t.Fatalf("Metadata() error = %v", err)
	}
	if !ok {
		t.Fatalf("Metadata() ok = false")
	}
	if meta.LastIndex != 7 || meta.LastTerm != 2 || meta.Size != 1 {
		t.Fatalf("meta = %+v", meta)
	}
}

func TestManager_ChunkedTransferRoundTrip(t *testing.T) {
	t.Parallel()
	srcDir := t.TempDir()
	src, err := NewManager(srcDir, 1)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	pairs := map[string]string{"k1": "v1", "k2": "v2", "k3": "v3"}
	if err := src.Create(pairs, 42, 5); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	dstDir := t.TempDir()
	dst, err := NewManager(dstDir, 1)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	const chunkSize = 16
	var offset int64
	for {
		chunk, err := src.ReadChunk(offset, chunkSize)
		if err != nil {
			t.Fatalf("ReadChunk(%d) error = %v", offset, err)
		}
		isLast := len(chunk) < chunkSize
		if err := dst.WriteChunk(offset, chunk, isLast); err != nil {
			t.Fatalf("WriteChunk(%d) error = %v", offset, err)
		}
		offset += int64(len(chunk))
		if isLast {
			break
		}
	}

	loaded, meta, ok, err := dst.LoadLatest()
	if err != nil || !ok {
		t.Fatalf("LoadLatest() = ok=%v, err=%v", ok, err)
	}
	if meta.LastIndex != 42 || meta.LastTerm != 5 {
		t.Fatalf("meta = %+v, want index 42 term 5", meta)
	}
	for k, v := range pairs {
		if loaded[k] != v {
			t.Fatalf("loaded[%q] = %q, want %q", k, loaded[k], v)
		}
	}
}

func TestManager_LoadLatestFallsBackOnCorruption(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	m, err := NewManager(dir, 1)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	if err := m.Create(map[string]string{"a": "1"}, 1, 1); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := m.Create(map[string]string{"b": "2"}, 2, 1); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	latestPath := filepath.Join(dir, "snapshot_1_idx_2.snap")
	if err := os.WriteFile(latestPath, []byte("not a snapshot file"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	loaded, meta, ok, err := m.LoadLatest()
	if err != nil {
		t.Fatalf("LoadLatest() error = %v", err)
	}
	if !ok {
		t.Fatalf("LoadLatest() ok = false, want true (fallback)")
	}
	if meta.LastIndex != 1 {
		t.Fatalf("LastIndex = %d, want 1 (fallback)", meta.LastIndex)
	}
	if loaded["a"] != "1" {
		t.Fatalf("loaded[a] = %q, want 1", loaded["a"])
	}
}
