package segment

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps jobs in process memory. Used for local development and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	nextID int64
	jobs   map[int64]*Job
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[int64]*Job),
		now:  time.Now,
	}
}

func (m *MemoryStore) Create(ctx context.Context, filePath string) (*Job, error) {
	if filePath == "" {
		return nil, fmt.Errorf("file path is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	now := m.now().UTC()
	job := &Job{
		ID:        m.nextID,
		FilePath:  filePath,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.jobs[job.ID] = job
	return clone(job), nil
}

func (m *MemoryStore) Get(ctx context.Context, id int64) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %d: %w", id, ErrNotFound)
	}
	return clone(job), nil
}

func (m *MemoryStore) Transition(ctx context.Context, id int64, to Status, transcription string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %d: %w", id, ErrNotFound)
	}
	if !CanTransition(job.Status, to) {
		return nil, transitionError(id, job.Status, to)
	}
	apply(job, to, transcription, m.now().UTC())
	return clone(job), nil
}

func (m *MemoryStore) List(ctx context.Context, limit int) ([]*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	jobs := make([]*Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		jobs = append(jobs, clone(job))
	}
	// ids are assigned in creation order
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID > jobs[j].ID })
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, afterID int64, limit int) ([]*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	jobs := make([]*Job, 0)
	for _, job := range m.jobs {
		if job.Status == status && job.ID > afterID {
			jobs = append(jobs, clone(job))
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (m *MemoryStore) Delete(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("job %d: %w", id, ErrNotFound)
	}
	if job.Status != StatusPending {
		return fmt.Errorf("job %d: delete in status %s: %w", id, job.Status.Label(), ErrInvalidTransition)
	}
	delete(m.jobs, id)
	return nil
}

func clone(j *Job) *Job {
	c := *j
	if j.Transcription != nil {
		text := *j.Transcription
		c.Transcription = &text
	}
	return &c
}
