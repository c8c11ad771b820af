package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/BaSui01/geoflow/deadletter"
	"github.com/BaSui01/geoflow/types"
)

// MemoryStore is the in-process implementation of all repositories, used
// when no database is configured and in tests. State does not survive a
// restart.
type MemoryStore struct {
	mu      sync.RWMutex
	defs    map[string]map[int]*types.WorkflowDefinition
	runs    map[string]*types.WorkflowRun
	entries map[string]*deadletter.FailedWorkflow
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		defs:    make(map[string]map[int]*types.WorkflowDefinition),
		runs:    make(map[string]*types.WorkflowRun),
		entries: make(map[string]*deadletter.FailedWorkflow),
	}
}

// SaveDefinition publishes one definition version.
func (s *MemoryStore) SaveDefinition(_ context.Context, def *types.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions, ok := s.defs[def.ID]
	if !ok {
		versions = make(map[int]*types.WorkflowDefinition)
		s.defs[def.ID] = versions
	}
	if _, exists := versions[def.Version]; exists {
		return fmt.Errorf("%w: %s v%d", ErrVersionExists, def.ID, def.Version)
	}
	versions[def.Version] = def
	return nil
}

// GetDefinition loads one version; version <= 0 loads the latest.
func (s *MemoryStore) GetDefinition(_ context.Context, workflowID string, version int) (*types.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions, ok := s.defs[workflowID]
	if !ok || len(versions) == 0 {
		return nil, fmt.Errorf("%w: workflow %s", ErrNotFound, workflowID)
	}
	if version <= 0 {
		for v := range versions {
			if v > version {
				version = v
			}
		}
	}
	def, ok := versions[version]
	if !ok {
		return nil, fmt.Errorf("%w: workflow %s v%d", ErrNotFound, workflowID, version)
	}
	return def, nil
}

// ListDefinitions returns the latest version of every workflow.
func (s *MemoryStore) ListDefinitions(_ context.Context) ([]*types.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.WorkflowDefinition
	for _, versions := range s.defs {
		latest := 0
		for v := range versions {
			if v > latest {
				latest = v
			}
		}
		out = append(out, versions[latest])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SaveRun upserts a run aggregate. The engine keeps mutating the run it
// passes in, so a deep copy is stored; entries in s.runs are immutable once
// written and safe to hand out to concurrent readers.
func (s *MemoryStore) SaveRun(_ context.Context, run *types.WorkflowRun) error {
	cp := run.Clone()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = cp
	return nil
}

// GetRun loads one run.
func (s *MemoryStore) GetRun(_ context.Context, runID string) (*types.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	return run, nil
}

// ListRuns returns runs newest-first.
func (s *MemoryStore) ListRuns(_ context.Context, filter RunFilter) ([]*types.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.WorkflowRun
	for _, run := range s.runs {
		if filter.WorkflowID != "" && run.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	out = window(out, filter.Offset, filter.Limit)
	return out, nil
}

// Save inserts a dead letter entry.
func (s *MemoryStore) Save(_ context.Context, entry *deadletter.FailedWorkflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	s.entries[entry.ID] = &cp
	return nil
}

// Update overwrites a dead letter entry.
func (s *MemoryStore) Update(_ context.Context, entry *deadletter.FailedWorkflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[entry.ID]; !ok {
		return deadletter.ErrNotFound
	}
	cp := *entry
	s.entries[entry.ID] = &cp
	return nil
}

// Get loads one dead letter entry.
func (s *MemoryStore) Get(_ context.Context, id string) (*deadletter.FailedWorkflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[id]
	if !ok {
		return nil, deadletter.ErrNotFound
	}
	cp := *entry
	return &cp, nil
}

// List returns dead letter entries matching the filter, newest-first.
func (s *MemoryStore) List(_ context.Context, filter deadletter.Filter) ([]*deadletter.FailedWorkflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*deadletter.FailedWorkflow
	for _, e := range s.entries {
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		if filter.WorkflowID != "" && e.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Category != "" && e.Category != filter.Category {
			continue
		}
		if filter.NodeType != "" && e.NodeType != filter.NodeType {
			continue
		}
		if filter.Fingerprint != "" && e.Fingerprint != filter.Fingerprint {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	out = window(out, filter.Offset, filter.Limit)
	return out, nil
}

// Stats aggregates dead letter counts.
func (s *MemoryStore) Stats(_ context.Context) (deadletter.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := deadletter.Stats{
		ByStatus:   make(map[deadletter.EntryStatus]int64),
		ByCategory: make(map[types.ErrorCategory]int64),
		ByNodeType: make(map[string]int64),
	}
	for _, e := range s.entries {
		stats.Total++
		stats.ByStatus[e.Status]++
		stats.ByCategory[e.Category]++
		stats.ByNodeType[e.NodeType]++
	}
	return stats, nil
}

func window[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
