package backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrHistoryEntryNotFound is returned by Delete for an unknown id.
var ErrHistoryEntryNotFound = errors.New("history entry not found")

// MaxHistoryEntries caps the stored history; older entries are dropped.
const MaxHistoryEntries = 100

// HistoryEntry represents a finished job
type HistoryEntry struct {
	ID          string    `json:"id"`
	JobID       string    `json:"jobId"`
	Kind        JobKind   `json:"kind"`
	Title       string    `json:"title"`
	Source      string    `json:"source"`
	OutputPath  string    `json:"outputPath"`
	Artifacts   []string  `json:"artifacts,omitempty"`
	Format      string    `json:"format,omitempty"`
	Succeeded   int       `json:"succeeded,omitempty"`
	Failed      int       `json:"failed,omitempty"`
	FileSize    int64     `json:"fileSize"`
	CompletedAt time.Time `json:"completedAt"`
	Status      string    `json:"status"` // succeeded, failed, cancelled
	Error       string    `json:"error,omitempty"`
}

// History manages the job history, newest first
type History struct {
	entries  []HistoryEntry
	filePath string
	mu       sync.RWMutex
}

// NewHistory opens the history in the user config dir
func NewHistory() *History {
	configDir, err := os.UserConfigDir()
	if err != nil {
		configDir = os.TempDir()
	}
	return NewHistoryAt(filepath.Join(configDir, "stemtube", "history.json"))
}

// NewHistoryAt opens the history stored at path.
func NewHistoryAt(path string) *History {
	h := &History{
		entries:  []HistoryEntry{},
		filePath: path,
	}
	h.load()
	return h
}

// load reads history from disk
func (h *History) load() {
	h.mu.Lock()
	defer h.mu.Unlock()

	data, err := os.ReadFile(h.filePath)
	if err != nil {
		// File doesn't exist or can't be read, start with empty history
		h.entries = []HistoryEntry{}
		return
	}

	if err := json.Unmarshal(data, &h.entries); err != nil {
		Logger.Warn("history file unreadable, starting fresh", "path", h.filePath, "error", err)
		h.entries = []HistoryEntry{}
	}
	if len(h.entries) > MaxHistoryEntries {
		h.entries = h.entries[:MaxHistoryEntries]
	}
}

// save writes history to disk
func (h *History) save() error {
	dir := filepath.Dir(h.filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(h.entries, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(h.filePath, data, 0644)
}

// Add prepends an entry and trims the list to MaxHistoryEntries
func (h *History) Add(entry HistoryEntry) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CompletedAt.IsZero() {
		entry.CompletedAt = time.Now()
	}

	h.entries = append([]HistoryEntry{entry}, h.entries...)
	if len(h.entries) > MaxHistoryEntries {
		h.entries = h.entries[:MaxHistoryEntries]
	}

	return h.save()
}

// RecordCompleted stores the terminal result of a job.
func (h *History) RecordCompleted(job *Job, title string, result JobResult) error {
	entry := HistoryEntry{
		JobID:      job.ID,
		Kind:       job.Kind,
		Title:      title,
		Source:     job.Source.Display(),
		OutputPath: job.OutputDir,
		Format:     firstNonEmpty(job.Format.AudioFormat, job.Format.VideoQuality),
		Status:     string(result.Status),
	}
	if result.Error != nil {
		entry.Error = result.Error.Error()
	}
	switch {
	case result.Pipeline != nil:
		entry.Artifacts = result.Pipeline.ArtifactPaths
	case result.Batch != nil:
		entry.Succeeded = len(result.Batch.Succeeded)
		entry.Failed = len(result.Batch.Failed)
		for _, r := range result.Batch.Succeeded {
			entry.Artifacts = append(entry.Artifacts, r.Artifacts...)
		}
	}
	for _, a := range entry.Artifacts {
		if info, err := os.Stat(a); err == nil {
			entry.FileSize += info.Size()
		}
	}
	if len(entry.Artifacts) == 1 {
		entry.OutputPath = entry.Artifacts[0]
	}
	return h.Add(entry)
}

// GetAll returns every entry, newest first.
func (h *History) GetAll() []HistoryEntry {
	return h.GetRecent(0)
}

// Search returns entries whose title, source or error contains every word
// of query.
func (h *History) Search(query string) []HistoryEntry {
	words := strings.Fields(strings.ToLower(query))

	h.mu.RLock()
	defer h.mu.RUnlock()

	results := []HistoryEntry{}
	for _, entry := range h.entries {
		haystack := strings.ToLower(entry.Title + " " + entry.Source + " " + entry.Error)
		if containsAll(haystack, words) {
			results = append(results, entry)
		}
	}
	return results
}

func containsAll(s string, words []string) bool {
	for _, w := range words {
		if !strings.Contains(s, w) {
			return false
		}
	}
	return true
}

// Lookup finds an entry by its own id or by the id of the job it records.
func (h *History) Lookup(id string) (HistoryEntry, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if i := h.indexOf(id); i >= 0 {
		return h.entries[i], true
	}
	return HistoryEntry{}, false
}

func (h *History) indexOf(id string) int {
	return slices.IndexFunc(h.entries, func(e HistoryEntry) bool {
		return e.ID == id || e.JobID == id
	})
}

// Delete removes the entry with id (entry or job id).
func (h *History) Delete(id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	i := h.indexOf(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrHistoryEntryNotFound, id)
	}
	h.entries = slices.Delete(h.entries, i, i+1)
	return h.save()
}

// Clear drops every entry and rewrites the file.
func (h *History) Clear() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.entries = []HistoryEntry{}
	return h.save()
}

// GetStats returns statistics about the history
func (h *History) GetStats() HistoryStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	stats := HistoryStats{KindCounts: make(map[JobKind]int)}
	for _, entry := range h.entries {
		stats.Total++
		switch entry.Status {
		case string(PipelineSucceeded):
			stats.Succeeded++
		case string(PipelineFailed):
			stats.Failed++
		case string(PipelineCancelled):
			stats.Cancelled++
		}
		stats.TotalSize += entry.FileSize
		stats.KindCounts[entry.Kind]++
	}
	return stats
}

// HistoryStats contains aggregated history statistics
type HistoryStats struct {
	Total      int             `json:"total"`
	Succeeded  int             `json:"succeeded"`
	Failed     int             `json:"failed"`
	Cancelled  int             `json:"cancelled"`
	TotalSize  int64           `json:"totalSize"`
	KindCounts map[JobKind]int `json:"kindCounts"`
}

// GetRecent returns up to limit of the newest entries; limit <= 0 means all.
func (h *History) GetRecent(limit int) []HistoryEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := len(h.entries)
	if limit > 0 && limit < n {
		n = limit
	}
	return slices.Clone(h.entries[:n])
}
