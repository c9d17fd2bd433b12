package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"wellness-planner/internal/clock"
	"wellness-planner/internal/plan"
)

// FileStore keeps one JSON file per date key under a base directory.
type FileStore struct {
	basePath string
	loc      *time.Location

	mu sync.RWMutex
}

// NewFileStore creates a new FileStore and ensures the base directory exists.
// loc is used to re-home records whose date disagrees with their file name.
func NewFileStore(basePath string, loc *time.Location) (*FileStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory %s: %w", basePath, err)
	}
	if loc == nil {
		loc = time.Local
	}
	return &FileStore{basePath: basePath, loc: loc}, nil
}

func (s *FileStore) pathFor(date string) string {
	return filepath.Join(s.basePath, date+".json")
}

// Get returns the plan stored for date, or nil when there is none. A record
// whose date field disagrees with its key is re-homed onto the key.
func (s *FileStore) Get(ctx context.Context, date string) (*plan.DailyPlan, error) {
	if !clock.ValidDateKey(date) {
		return nil, fmt.Errorf("invalid date key %q", date)
	}
	s.mu.RLock()
	data, err := os.ReadFile(s.pathFor(date))
	s.mu.RUnlock()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read plan file: %w", err)
	}

	var p plan.DailyPlan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal plan: %w", err)
	}
	if p.Date == date {
		return &p, nil
	}

	rehomed, ok := plan.Normalize(&p, date, s.loc, plan.NormalizeOptions{ForceDate: true})
	if !ok {
		return nil, nil
	}
	return rehomed, nil
}

// Set writes the plan for date atomically. Only authoritative plans are accepted.
func (s *FileStore) Set(ctx context.Context, date string, p *plan.DailyPlan) error {
	if p == nil {
		return fmt.Errorf("cannot store a nil plan for %s", date)
	}
	if !clock.ValidDateKey(date) {
		return fmt.Errorf("invalid date key %q", date)
	}
	if !p.Source.Authoritative() {
		return fmt.Errorf("%w: %s", plan.ErrNonAuthoritative, p.Source)
	}

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal plan: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tmp, err := os.CreateTemp(s.basePath, date+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp plan file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write plan file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close plan file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.pathFor(date)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to move plan file into place: %w", err)
	}
	return nil
}

// ListDates returns the most recent stored date keys, newest first.
func (s *FileStore) ListDates(ctx context.Context, limit int) ([]string, error) {
	s.mu.RLock()
	matches, err := filepath.Glob(filepath.Join(s.basePath, "*.json"))
	s.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("failed to glob plan files: %w", err)
	}

	var dates []string
	for _, m := range matches {
		date := strings.TrimSuffix(filepath.Base(m), ".json")
		if clock.ValidDateKey(date) {
			dates = append(dates, date)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dates)))
	if limit > 0 && len(dates) > limit {
		dates = dates[:limit]
	}
	return dates, nil
}

// RemoveStaleTemps deletes temp files left behind by interrupted writes.
func (s *FileStore) RemoveStaleTemps() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	matches, err := filepath.Glob(filepath.Join(s.basePath, "*.tmp"))
	if err != nil {
		return fmt.Errorf("failed to glob stale files: %w", err)
	}
	for _, match := range matches {
		if err := os.Remove(match); err != nil {
			return fmt.Errorf("failed to remove stale file %s: %w", match, err)
		}
	}
	return nil
}
