package pipeline

import (
	"fmt"
	"os"
	"sort"
)

// EntryState tags how far through the pipeline a staged artifact has
// progressed.
type EntryState string

const (
	EntryPending    EntryState = "pending"
	EntryDownloaded EntryState = "downloaded"
	EntryExtracted  EntryState = "extracted"
	EntryPruned     EntryState = "pruned"
	EntryPackaged   EntryState = "packaged"
)

// StagingEntry is a path owned by the run that created it.
type StagingEntry struct {
	Path  string
	State EntryState
}

// Mark advances the entry's lifecycle tag.
func (e *StagingEntry) Mark(s EntryState) { e.State = s }

// Staging owns the run's scratch directory and tracks the artifacts
// placed in it. One run owns the directory exclusively; concurrent runs
// against the same directory are not supported.
type Staging struct {
	Dir     string
	entries map[string]*StagingEntry
}

// NewStaging creates (if needed) and claims the staging directory.
func NewStaging(dir string) (*Staging, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating staging directory: %w", err)
	}
	return &Staging{Dir: dir, entries: make(map[string]*StagingEntry)}, nil
}

// Entry returns the tracked entry for path, creating it as pending.
func (s *Staging) Entry(path string) *StagingEntry {
	if e, ok := s.entries[path]; ok {
		return e
	}
	e := &StagingEntry{Path: path, State: EntryPending}
	s.entries[path] = e
	return e
}

// Entries returns all tracked entries sorted by path.
func (s *Staging) Entries() []*StagingEntry {
	out := make([]*StagingEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Cleanup deletes the staging directory and everything in it.
func (s *Staging) Cleanup() error {
	return os.RemoveAll(s.Dir)
}
