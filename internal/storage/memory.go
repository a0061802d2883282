package storage

import (
	"context"
	"sync"

	"tracerl/internal/model"
)

type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	checkpoints map[string]model.Checkpoint
	summaries   map[string]model.RunSummary
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized = true
	s.checkpoints = make(map[string]model.Checkpoint)
	s.summaries = make(map[string]model.RunSummary)
	return nil
}

func (s *MemoryStore) SaveCheckpoint(_ context.Context, ckpt model.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.checkpoints[ckpt.RunID] = cloneCheckpoint(ckpt)
	return nil
}

func (s *MemoryStore) LatestCheckpoint(_ context.Context, runID string) (model.Checkpoint, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ckpt, ok := s.checkpoints[runID]
	if !ok {
		return model.Checkpoint{}, false, nil
	}
	return cloneCheckpoint(ckpt), true, nil
}

func (s *MemoryStore) SaveRunSummary(_ context.Context, summary model.RunSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.summaries[summary.RunID] = summary
	return nil
}

func (s *MemoryStore) GetRunSummary(_ context.Context, runID string) (model.RunSummary, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary, ok := s.summaries[runID]
	return summary, ok, nil
}

func cloneCheckpoint(c model.Checkpoint) model.Checkpoint {
	copied := c
	if c.Weights != nil {
		copied.Weights = make(map[string][]float64, len(c.Weights))
		for name, values := range c.Weights {
			copied.Weights[name] = append([]float64(nil), values...)
		}
	}
	return copied
}
