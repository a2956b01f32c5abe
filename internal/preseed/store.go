package preseed

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"
)

// Store persists job records. Transition enforces the lifecycle and
// UpdateProgress is monotonic, so concurrent scheduler workers can share one
// store safely.
type Store interface {
	Create(ctx context.Context, j Job) error
	Get(ctx context.Context, id string) (Job, error)
	Transition(ctx context.Context, id string, to Status, mutate func(*Job)) (Job, error)
	UpdateProgress(ctx context.Context, id string, completed, failed int64) (Job, error)
	// List returns jobs in creation order, filtered by status when given.
	List(ctx context.Context, statuses ...Status) ([]Job, error)
}

// MemoryStore keeps jobs in process memory. Records do not survive a
// restart.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]Job
	now  func() time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]Job), now: time.Now}
}

func (s *MemoryStore) Create(_ context.Context, j Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.ID]; ok {
		return fmt.Errorf("job %s already exists", j.ID)
	}
	s.jobs[j.ID] = j.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return j.Clone(), nil
}

func (s *MemoryStore) Transition(_ context.Context, id string, to Status, mutate func(*Job)) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	j = j.Clone()
	if err := ApplyTransition(&j, to, mutate, s.now().UTC()); err != nil {
		return s.jobs[id].Clone(), err
	}
	s.jobs[id] = j
	return j.Clone(), nil
}

func (s *MemoryStore) UpdateProgress(_ context.Context, id string, completed, failed int64) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	ApplyProgress(&j, completed, failed)
	s.jobs[id] = j
	return j.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context, statuses ...Status) ([]Job, error) {
	s.mu.RLock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if len(statuses) == 0 || slices.Contains(statuses, j.Status) {
			out = append(out, j.Clone())
		}
	}
	s.mu.RUnlock()
	SortJobs(out)
	return out, nil
}

// SortJobs orders jobs by creation time, then id.
func SortJobs(jobs []Job) {
	sort.Slice(jobs, func(a, b int) bool {
		if !jobs[a].CreatedAt.Equal(jobs[b].CreatedAt) {
			return jobs[a].CreatedAt.Before(jobs[b].CreatedAt)
		}
		return jobs[a].ID < jobs[b].ID
	})
}
