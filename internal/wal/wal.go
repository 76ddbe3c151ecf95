package wal

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// NoVote is the on-disk/in-memory sentinel for "voted for nobody this term".
const NoVote int64 = -1

// WAL is the durable, ordered sequence of Entry records for one server. It
// owns its backing file and the in-memory cache rebuilt from it; callers
// never see a torn or partially-written file because every mutation that
// rewrites the file does so via a temp-file-then-rename.
type WAL struct {
	mu sync.Mutex

	path     string
	metaPath string
	file     *os.File

	entries []Entry // entries[i] has Index == firstIndex+i
	firstIndex int64 // index of entries[0], or lastIncludedIndex+1 when entries is empty
	lastIncludedTerm int64 // term reported by LastInfo when entries is empty

	currentTerm int64
	votedFor    int64
}

// Open opens (creating if necessary) the WAL file at path and its metadata
// sidecar at path+".meta", replaying existing entries into the in-memory
// cache. A malformed line is treated as fatal corruption, matching the
// source's "scan once at startup, reject malformed lines" contract.
func Open(path string) (*WAL, error) {
	w := &WAL{
		path:       path,
		metaPath:   path + ".meta",
		firstIndex: 1,
		votedFor:   NoVote,
	}

	if err := w.loadMetadataLocked(); err != nil {
		return nil, err
	}

	if err := w.replay(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", path, err)
	}
	w.file = f

	return w, nil
}

// Close releases the underlying file handle.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

func (w *WAL) replay() error {
	f, err := os.Open(w.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("wal: open %s for replay: %w", w.path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	var entries []Entry
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		entry, err := parseLine(line)
		if err != nil {
			return fmt.Errorf("wal: corrupt log line %q: %w", line, err)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("wal: scan %s: %w", w.path, err)
	}

	if len(entries) > 0 {
		w.entries = entries
		w.firstIndex = entries[0].Index
	}
	return nil
}

// parseLine parses one "index term operation key value" WAL line. Only the
// indexed/termed format is accepted; the legacy "cmd key value" format from
// the source is rejected as malformed.
func parseLine(line string) (Entry, error) {
	parts := strings.SplitN(line, " ", 5)
	if len(parts) != 5 {
		return Entry{}, fmt.Errorf("expected 5 fields, got %d", len(parts))
	}
	index, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("bad index: %w", err)
	}
	term, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("bad term: %w", err)
	}
	op, err := ParseOperation(parts[2])
	if err != nil {
		return Entry{}, err
	}
	return Entry{
		Index:     index,
		Term:      term,
		Operation: op,
		Key:       parts[3],
		Value:     parts[4],
	}, nil
}

func formatLine(e Entry) string {
	return fmt.Sprintf("%d %d %s %s %s\n", e.Index, e.Term, e.Operation, e.Key, e.Value)
}

// Append durably appends a single entry. Appends are serialized by w.mu; on
// return the entry is on stable storage (data fsynced).
func (w *WAL) Append(e Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if strings.ContainsAny(e.Key, " \t\n") || e.Key == "" {
		return fmt.Errorf("wal: invalid key %q", e.Key)
	}
	if strings.ContainsAny(e.Value, "\n") {
		return fmt.Errorf("wal: invalid value for key %q", e.Key)
	}

	wantIndex := w.firstIndex + int64(len(w.entries))
	if e.Index != wantIndex {
		return fmt.Errorf("wal: non-contiguous append: want index %d, got %d", wantIndex, e.Index)
	}

	if _, err := w.file.WriteString(formatLine(e)); err != nil {
		return fmt.Errorf("wal: write entry %d: %w", e.Index, err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: fsync entry %d: %w", e.Index, err)
	}

	w.entries = append(w.entries, e)
	return nil
}

// Get returns the entry at index, if it is within [FirstIndex, LastIndex].
func (w *WAL) Get(index int64) (Entry, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.getLocked(index)
}

func (w *WAL) getLocked(index int64) (Entry, bool) {
	if index < w.firstIndex || index >= w.firstIndex+int64(len(w.entries)) {
		return Entry{}, false
	}
	return w.entries[index-w.firstIndex], true
}

// LastInfo returns the (index, term) of the last covered log position,
// (0, 0) if the log is empty and no snapshot has ever been installed.
func (w *WAL) LastInfo() (int64, int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastInfoLocked()
}

func (w *WAL) lastInfoLocked() (int64, int64) {
	if len(w.entries) == 0 {
		if w.firstIndex <= 1 {
			return 0, 0
		}
		return w.firstIndex - 1, w.lastIncludedTerm
	}
	last := w.entries[len(w.entries)-1]
	return last.Index, last.Term
}

// FirstIndex returns the index of the oldest entry still in the log; it
// equals lastIncludedIndex+1 immediately after compaction even if the log
// is currently empty.
func (w *WAL) FirstIndex() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.firstIndex
}

// EntriesFrom returns a copy of all entries with Index >= start, empty if
// start is past the last index.
func (w *WAL) EntriesFrom(start int64) []Entry {
	w.mu.Lock()
	defer w.mu.Unlock()

	if start < w.firstIndex {
		start = w.firstIndex
	}
	offset := start - w.firstIndex
	if offset < 0 || offset >= int64(len(w.entries)) {
		return nil
	}
	out := make([]Entry, len(w.entries)-int(offset))
	copy(out, w.entries[offset:])
	return out
}

// TruncateFrom removes all entries with Index >= index, durably. Used by
// followers resolving a log-matching conflict.
func (w *WAL) TruncateFrom(index int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if index < w.firstIndex {
		return w.rewriteLocked(nil)
	}
	offset := index - w.firstIndex
	if offset >= int64(len(w.entries)) {
		return nil
	}
	return w.rewriteLocked(w.entries[:offset])
}

// DiscardBefore removes all entries with Index <= index; FirstIndex becomes
// index+1. Used after a successful snapshot to compact the log.
func (w *WAL) DiscardBefore(index int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if index < w.firstIndex-1 {
		return nil
	}
	offset := index - w.firstIndex + 1
	if offset <= 0 {
		return nil
	}

	var discardedTerm int64
	if offset-1 >= 0 && offset-1 < int64(len(w.entries)) {
		discardedTerm = w.entries[offset-1].Term
	} else {
		discardedTerm = w.lastIncludedTerm
	}

	var remaining []Entry
	if offset < int64(len(w.entries)) {
		remaining = w.entries[offset:]
	}

	newFirst := index + 1
	if err := w.rewriteLocked(remaining); err != nil {
		return err
	}
	w.firstIndex = newFirst
	w.lastIncludedTerm = discardedTerm
	return nil
}

// InstallSnapshot clears the in-memory and on-disk log entirely and sets
// FirstIndex to lastIndex+1, so that subsequent log-matching checks treat
// lastTerm as the term covering the compacted prefix.
func (w *WAL) InstallSnapshot(lastIndex, lastTerm int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.rewriteLocked(nil); err != nil {
		return err
	}
	w.firstIndex = lastIndex + 1
	w.lastIncludedTerm = lastTerm

	// Re-persist metadata to restate the durability guarantee that follows a
	// snapshot install, even though term/votedFor themselves are unchanged here.
	return w.saveMetadataLocked(w.currentTerm, w.votedFor)
}

// rewriteLocked replaces the on-disk log with entries via temp-file-then-
// rename, then reopens the append handle. Caller must hold w.mu. On any
// failure before the rename, the original file is untouched.
func (w *WAL) rewriteLocked(entries []Entry) error {
	dir := filepath.Dir(w.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(w.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("wal: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	buf := bufio.NewWriter(tmp)
	for _, e := range entries {
		if _, err := buf.WriteString(formatLine(e)); err != nil {
			tmp.Close()
			return fmt.Errorf("wal: write temp entry %d: %w", e.Index, err)
		}
	}
	if err := buf.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("wal: flush temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("wal: fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("wal: close temp file: %w", err)
	}

	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}

	if err := os.Rename(tmpName, w.path); err != nil {
		return fmt.Errorf("wal: rename temp file: %w", err)
	}
	if err := syncDir(dir); err != nil {
		return err
	}

	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("wal: reopen after rewrite: %w", err)
	}
	w.file = f

	cp := make([]Entry, len(entries))
	copy(cp, entries)
	w.entries = cp
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("wal: open dir %s: %w", dir, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("wal: fsync dir %s: %w", dir, err)
	}
	return nil
}

// SaveMetadata durably persists (current_term, voted_for); NoVote (-1)
// denotes no vote cast this term.
func (w *WAL) SaveMetadata(term, votedFor int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.saveMetadataLocked(term, votedFor)
}

func (w *WAL) saveMetadataLocked(term, votedFor int64) error {
	dir := filepath.Dir(w.metaPath)
	tmp, err := os.CreateTemp(dir, filepath.Base(w.metaPath)+".tmp-*")
	if err != nil {
		return fmt.Errorf("wal: create temp metadata file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := fmt.Fprintf(tmp, "%d %d\n", term, votedFor); err != nil {
		tmp.Close()
		return fmt.Errorf("wal: write temp metadata: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("wal: fsync temp metadata: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("wal: close temp metadata: %w", err)
	}
	if err := os.Rename(tmpName, w.metaPath); err != nil {
		return fmt.Errorf("wal: rename metadata: %w", err)
	}
	if err := syncDir(dir); err != nil {
		return err
	}

	w.currentTerm = term
	w.votedFor = votedFor
	return nil
}

// LoadMetadata returns the last durably-saved (current_term, voted_for).
func (w *WAL) LoadMetadata() (int64, int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentTerm, w.votedFor
}

func (w *WAL) loadMetadataLocked() error {
	data, err := os.ReadFile(w.metaPath)
	if os.IsNotExist(err) {
		w.currentTerm = 0
		w.votedFor = NoVote
		return nil
	}
	if err != nil {
		return fmt.Errorf("wal: read metadata %s: %w", w.metaPath, err)
	}

	fields := strings.Fields(string(data))
	if len(fields) != 2 {
		return fmt.Errorf("wal: corrupt metadata file %s", w.metaPath)
	}
	term, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return fmt.Errorf("wal: corrupt metadata term: %w", err)
	}
	votedFor, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return fmt.Errorf("wal: corrupt metadata voted_for: %w", err)
	}
	w.currentTerm = term
	w.votedFor = votedFor
	return nil
}
