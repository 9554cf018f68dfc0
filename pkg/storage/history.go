// Package storage keeps a bounded, per-job history of transition outcomes
// and persists it as JSON between runs.
package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// DefaultMaxEntriesPerJob bounds the history kept for each job
const DefaultMaxEntriesPerJob = 20

// Entry is one recorded transition of a job
type Entry struct {
	Time     time.Time `json:"time"`
	Decision string    `json:"decision"`
	Outcome  string    `json:"outcome"`
	Reason   string    `json:"reason,omitempty"`
	Node     string    `json:"node,omitempty"`
	// MemoryPct is the utilization that drove the decision
	MemoryPct float64 `json:"memory_pct"`
	Error     string  `json:"error,omitempty"`
}

// History records transition outcomes per job. Jobs are keyed namespace/base.
type History interface {
	Record(ctx context.Context, job string, entries ...Entry) error
	Entries(ctx context.Context, job string) ([]Entry, error)
	ListJobs(ctx context.Context) ([]string, error)
	// Flush persists buffered entries, if the backend buffers
	Flush(ctx context.Context) error
}

// HistoryStore is an in-memory History, optionally saved to a JSON file
type HistoryStore struct {
	mu      sync.RWMutex
	limit   int
	file    string
	history map[string][]Entry
}

func NewHistoryStore(limit int) *HistoryStore {
	if limit <= 0 {
		limit = DefaultMaxEntriesPerJob
	}
	return &HistoryStore{
		limit:   limit,
		history: make(map[string][]Entry),
	}
}

// OpenHistoryFile returns a store loaded from file that saves back to it
// on Flush. An empty file keeps the history in memory only.
func OpenHistoryFile(file string, limit int) (*HistoryStore, error) {
	s := NewHistoryStore(limit)
	s.file = file
	if file == "" {
		return s, nil
	}
	if err := s.LoadFromFile(file); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *HistoryStore) Record(_ context.Context, job string, entries ...Entry) error {
	s.Append(job, entries...)
	return nil
}

func (s *HistoryStore) Entries(_ context.Context, job string) ([]Entry, error) {
	return s.Get(job), nil
}

func (s *HistoryStore) ListJobs(context.Context) ([]string, error) {
	return s.Jobs(), nil
}

func (s *HistoryStore) Flush(context.Context) error {
	if s.file == "" {
		return nil
	}
	return s.SaveToFile(s.file)
}

// Append records entries for job, dropping the oldest beyond the limit.
func (s *HistoryStore) Append(job string, entries ...Entry) {
	if len(entries) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	h := append(s.history[job], entries...)
	if len(h) > s.limit {
		h = h[len(h)-s.limit:]
	}
	s.history[job] = h
}

// Get returns a copy of the history of job, oldest first.
func (s *HistoryStore) Get(job string) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h := s.history[job]
	out := make([]Entry, len(h))
	copy(out, h)
	return out
}

// Last returns the most recent entry of job.
func (s *HistoryStore) Last(job string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h := s.history[job]
	if len(h) == 0 {
		return Entry{}, false
	}
	return h[len(h)-1], true
}

// Jobs lists the jobs with recorded history, sorted.
func (s *HistoryStore) Jobs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]string, 0, len(s.history))
	for j := range s.history {
		jobs = append(jobs, j)
	}
	sort.Strings(jobs)
	return jobs
}

// SaveToFile writes the history to filename atomically.
func (s *HistoryStore) SaveToFile(filename string) error {
	s.mu.RLock()
	data, err := json.MarshalIndent(s.history, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(filename), filepath.Base(filename)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filename)
}

// LoadFromFile restores the history from filename. A missing file is not an error.
func (s *HistoryStore) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	history := make(map[string][]Entry)
	if err := json.Unmarshal(data, &history); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for job, h := range history {
		if len(h) > s.limit {
			h = h[len(h)-s.limit:]
		}
		s.history[job] = h
	}
	return nil
}
