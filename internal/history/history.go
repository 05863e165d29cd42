// Package history persists completed monitor runs to disk.
package history

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Store manages run history persistence.
type Store struct {
	dir string // Base directory for history files

	mu      sync.RWMutex
	entries map[string]*Entry // In-memory cache keyed by run ID
}

// Entry records one completed monitor run.
type Entry struct {
	RunID           string      `json:"run_id"`
	SessionID       string      `json:"session_id,omitempty"`
	Strategy        string      `json:"strategy"` // "network" or "subprocess"
	State           string      `json:"state"`    // terminal process state
	Command         string      `json:"command,omitempty"`
	StartedAt       time.Time   `json:"started_at"`
	CompletedAt     time.Time   `json:"completed_at"`
	DurationSeconds float64     `json:"duration_seconds"`
	ExitCode        *int        `json:"exit_code,omitempty"`
	Result          string      `json:"result,omitempty"`
	ResultPreview   string      `json:"result_preview,omitempty"` // First 200 chars
	Error           *EntryError `json:"error,omitempty"`
	HasTranscript   bool        `json:"has_transcript"` // Whether a raw output transcript exists
}

// EntryError captures error details.
type EntryError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ListOptions controls pagination for List.
type ListOptions struct {
	Page  int // 1-indexed page number
	Limit int // Items per page (max 100)
}

// ListResult contains paginated history entries.
type ListResult struct {
	Entries    []EntrySummary `json:"entries"`
	Page       int            `json:"page"`
	Limit      int            `json:"limit"`
	Total      int            `json:"total"`
	TotalPages int            `json:"total_pages"`
}

// EntrySummary is a lightweight version of Entry for list responses.
type EntrySummary struct {
	RunID           string      `json:"run_id"`
	SessionID       string      `json:"session_id,omitempty"`
	Strategy        string      `json:"strategy"`
	State           string      `json:"state"`
	StartedAt       time.Time   `json:"started_at"`
	CompletedAt     time.Time   `json:"completed_at"`
	DurationSeconds float64     `json:"duration_seconds"`
	ExitCode        *int        `json:"exit_code,omitempty"`
	Error           *EntryError `json:"error,omitempty"`
	HasTranscript   bool        `json:"has_transcript"`
}

// Retention limits
const (
	MaxEntries           = 100
	MaxTranscriptEntries = 20
	PreviewLength        = 200
)

// NewStore creates a new history store at the given directory.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating history directory: %w", err)
	}

	s := &Store{
		dir:     dir,
		entries: make(map[string]*Entry),
	}

	// Load existing entries from disk
	if err := s.load(); err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}

	return s, nil
}

// Save persists a run entry to history.
// It also triggers pruning if limits are exceeded.
func (s *Store) Save(entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry.ResultPreview = truncate(entry.Result, PreviewLength)

	if err := writeJSON(s.entryPath(entry.RunID), entry); err != nil {
		return fmt.Errorf("saving entry: %w", err)
	}

	s.entries[entry.RunID] = entry

	// Prune old entries
	s.pruneUnlocked()

	return nil
}

// SaveTranscript saves the raw output transcript for a run.
func (s *Store) SaveTranscript(runID string, transcript []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.WriteFile(s.transcriptPath(runID), transcript, 0644); err != nil {
		return fmt.Errorf("saving transcript: %w", err)
	}

	// Update entry to indicate transcript exists
	if entry, ok := s.entries[runID]; ok {
		entry.HasTranscript = true
		if err := writeJSON(s.entryPath(runID), entry); err != nil {
			return fmt.Errorf("updating entry: %w", err)
		}
	}

	return nil
}

// Get retrieves a run entry by ID.
func (s *Store) Get(runID string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[runID]
	if !ok {
		return nil, fmt.Errorf("%s not found in history", runID)
	}
	return entry, nil
}

// GetTranscript retrieves the raw output transcript for a run.
func (s *Store) GetTranscript(runID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.transcriptPath(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("transcript for %s not found", runID)
		}
		return nil, fmt.Errorf("reading transcript: %w", err)
	}
	return data, nil
}

// List returns paginated history entries, newest first.
func (s *Store) List(opts ListOptions) ListResult {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Apply defaults
	if opts.Page < 1 {
		opts.Page = 1
	}
	if opts.Limit < 1 {
		opts.Limit = 20
	}
	if opts.Limit > 100 {
		opts.Limit = 100
	}

	sorted := s.sortedUnlocked()

	total := len(sorted)
	totalPages := (total + opts.Limit - 1) / opts.Limit

	start := (opts.Page - 1) * opts.Limit
	end := start + opts.Limit
	if start > total {
		start = total
	}
	if end > total {
		end = total
	}

	entries := make([]EntrySummary, 0, end-start)
	for _, e := range sorted[start:end] {
		entries = append(entries, EntrySummary{
			RunID:           e.RunID,
			SessionID:       e.SessionID,
			Strategy:        e.Strategy,
			State:           e.State,
			StartedAt:       e.StartedAt,
			CompletedAt:     e.CompletedAt,
			DurationSeconds: e.DurationSeconds,
			ExitCode:        e.ExitCode,
			Error:           e.Error,
			HasTranscript:   e.HasTranscript,
		})
	}

	return ListResult{
		Entries:    entries,
		Page:       opts.Page,
		Limit:      opts.Limit,
		Total:      total,
		TotalPages: totalPages,
	}
}

// load reads all existing entries from disk.
func (s *Store) load() error {
	files, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		return err
	}

	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			continue // Skip unreadable files
		}

		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			continue // Skip invalid JSON
		}
		if entry.RunID == "" {
			continue
		}

		if _, err := os.Stat(s.transcriptPath(entry.RunID)); err == nil {
			entry.HasTranscript = true
		}

		s.entries[entry.RunID] = &entry
	}

	return nil
}

// sortedUnlocked returns entries newest first. Must be called with lock held.
func (s *Store) sortedUnlocked() []*Entry {
	sorted := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		sorted = append(sorted, e)
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].CompletedAt.After(sorted[j].CompletedAt)
	})
	return sorted
}

// pruneUnlocked removes old entries exceeding retention limits.
// Must be called with lock held.
func (s *Store) pruneUnlocked() {
	sorted := s.sortedUnlocked()

	// Delete oldest entries exceeding the entry limit
	if len(sorted) > MaxEntries {
		for i := MaxEntries; i < len(sorted); i++ {
			runID := sorted[i].RunID
			os.Remove(s.entryPath(runID))
			os.Remove(s.transcriptPath(runID))
			delete(s.entries, runID)
		}
		sorted = sorted[:MaxEntries]
	}

	// Prune transcripts for older entries (keep only the newest few)
	for i := MaxTranscriptEntries; i < len(sorted); i++ {
		runID := sorted[i].RunID
		transcriptPath := s.transcriptPath(runID)
		if _, err := os.Stat(transcriptPath); err == nil {
			os.Remove(transcriptPath)
			if entry, ok := s.entries[runID]; ok {
				entry.HasTranscript = false
				writeJSON(s.entryPath(runID), entry)
			}
		}
	}
}

func (s *Store) entryPath(runID string) string {
	return filepath.Join(s.dir, runID+".json")
}

func (s *Store) transcriptPath(runID string) string {
	return filepath.Join(s.dir, runID+".transcript.log")
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
