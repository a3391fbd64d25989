package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/RealZimboGuy/stepflow/pkg/stepflow/domain"
	"github.com/RealZimboGuy/stepflow/pkg/stepflow/models"
)

// MemStepRepo implements StepRepo in memory. Writes counts every mutating call.
type MemStepRepo struct {
	mu     sync.Mutex
	steps  map[string]domain.Step
	Writes int

	MarkProcessingFunc func(id string, startedAt time.Time) (bool, error)
}

func NewMemStepRepo() *MemStepRepo {
	return &MemStepRepo{steps: make(map[string]domain.Step)}
}

func (m *MemStepRepo) Get(id string) domain.Step {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.steps[id]
}

func (m *MemStepRepo) CountStatus(status domain.StepStatus) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.steps {
		if s.Status == status {
			n++
		}
	}
	return n
}

func (m *MemStepRepo) Put(s domain.Step) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps[s.ID] = s
}

func (m *MemStepRepo) CreateMany(ctx context.Context, steps []*domain.Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Writes++
	for _, s := range steps {
		m.steps[s.ID] = *s
	}
	return nil
}

func (m *MemStepRepo) FindByID(ctx context.Context, id string) (*domain.Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.steps[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrStepNotFound, id)
	}
	return &s, nil
}

func (m *MemStepRepo) FindManyByIDs(ctx context.Context, ids []string) ([]*domain.Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Step
	for _, id := range ids {
		if s, ok := m.steps[id]; ok {
			out = append(out, &s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepNumber < out[j].StepNumber })
	return out, nil
}

func (m *MemStepRepo) FindBySequenceID(ctx context.Context, sequenceID string) ([]*domain.Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Step
	for _, s := range m.steps {
		if s.SequenceID == sequenceID {
			s := s
			out = append(out, &s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepNumber < out[j].StepNumber })
	return out, nil
}

func (m *MemStepRepo) FindStuckProcessing(ctx context.Context, startedBefore time.Time, limit int) ([]*domain.Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Step
	for _, s := range m.steps {
		if s.Status == domain.StepStatusProcessing && s.StartedAt.Time.Before(startedBefore) {
			s := s
			out = append(out, &s)
		}
	}
	return out, nil
}

func (m *MemStepRepo) AssignJob(ctx context.Context, id string, jobID string, now time.Time) error {
	return m.update(id, func(s *domain.Step) bool {
		s.JobID = sql.NullString{String: jobID, Valid: true}
		s.UpdatedAt = now
		return true
	})
}

func (m *MemStepRepo) MarkProcessing(ctx context.Context, id string, startedAt time.Time) (bool, error) {
	if m.MarkProcessingFunc != nil {
		return m.MarkProcessingFunc(id, startedAt)
	}
	claimed := false
	err := m.update(id, func(s *domain.Step) bool {
		if s.Status != domain.StepStatusPending {
			return false
		}
		s.Status = domain.StepStatusProcessing
		s.StartedAt = sql.NullTime{Time: startedAt, Valid: true}
		s.UpdatedAt = startedAt
		claimed = true
		return true
	})
	return claimed, err
}

func (m *MemStepRepo) MarkCompleted(ctx context.Context, id string, completedAt time.Time) error {
	return m.update(id, func(s *domain.Step) bool {
		s.Status = domain.StepStatusCompleted
		s.CompletedAt = sql.NullTime{Time: completedAt, Valid: true}
		s.UpdatedAt = completedAt
		return true
	})
}

func (m *MemStepRepo) MarkFailed(ctx context.Context, id string, completedAt time.Time) error {
	return m.update(id, func(s *domain.Step) bool {
		s.Status = domain.StepStatusFailed
		s.CompletedAt = sql.NullTime{Time: completedAt, Valid: true}
		s.UpdatedAt = completedAt
		return true
	})
}

func (m *MemStepRepo) ResetToPending(ctx context.Context, id string, now time.Time) (bool, error) {
	reset := false
	err := m.update(id, func(s *domain.Step) bool {
		if s.Status != domain.StepStatusFailed {
			return false
		}
		s.Status = domain.StepStatusPending
		s.StartedAt = sql.NullTime{}
		s.CompletedAt = sql.NullTime{}
		s.UpdatedAt = now
		reset = true
		return true
	})
	return reset, err
}

func (m *MemStepRepo) ReleaseClaim(ctx context.Context, id string, now time.Time) (bool, error) {
	released := false
	err := m.update(id, func(s *domain.Step) bool {
		if s.Status != domain.StepStatusProcessing {
			return false
		}
		s.Status = domain.StepStatusPending
		s.StartedAt = sql.NullTime{}
		s.CompletedAt = sql.NullTime{}
		s.UpdatedAt = now
		released = true
		return true
	})
	return released, err
}

func (m *MemStepRepo) update(id string, apply func(s *domain.Step) bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.steps[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrStepNotFound, id)
	}
	if apply(&s) {
		m.Writes++
		m.steps[id] = s
	}
	return nil
}

// MemJobRepo implements JobRepo in memory.
type MemJobRepo struct {
	mu     sync.Mutex
	jobs   map[string]domain.Job
	order  []string
	Writes int
}

func NewMemJobRepo() *MemJobRepo {
	return &MemJobRepo{jobs: make(map[string]domain.Job)}
}

// All returns the jobs in creation order.
func (m *MemJobRepo) All() []domain.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Job, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.jobs[id])
	}
	return out
}

func (m *MemJobRepo) Get(id string) domain.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobs[id]
}

func (m *MemJobRepo) Create(ctx context.Context, j *domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Writes++
	m.jobs[j.ID] = *j
	m.order = append(m.order, j.ID)
	return nil
}

func (m *MemJobRepo) FindByID(ctx context.Context, id string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	return &j, nil
}

func (m *MemJobRepo) FindManyByIDs(ctx context.Context, ids []string) ([]*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Job
	for _, id := range ids {
		if j, ok := m.jobs[id]; ok {
			out = append(out, &j)
		}
	}
	return out, nil
}

func (m *MemJobRepo) FindStalePending(ctx context.Context, updatedBefore time.Time, limit int) ([]*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Job
	for _, id := range m.order {
		j := m.jobs[id]
		if j.Status == domain.JobStatusPending && j.UpdatedAt.Before(updatedBefore) {
			out = append(out, &j)
		}
	}
	return out, nil
}

func (m *MemJobRepo) MarkProcessing(ctx context.Context, id string, now time.Time) error {
	return m.update(id, func(j *domain.Job) {
		j.Status = domain.JobStatusProcessing
		j.Result = nil
		j.CompletedAt = sql.NullTime{}
		j.UpdatedAt = now
	})
}

func (m *MemJobRepo) MarkPending(ctx context.Context, id string, now time.Time) error {
	return m.update(id, func(j *domain.Job) {
		j.Status = domain.JobStatusPending
		j.Result = nil
		j.CompletedAt = sql.NullTime{}
		j.UpdatedAt = now
	})
}

func (m *MemJobRepo) MarkCompleted(ctx context.Context, id string, result json.RawMessage, completedAt time.Time) error {
	return m.update(id, func(j *domain.Job) {
		j.Status = domain.JobStatusCompleted
		j.Result = result
		j.CompletedAt = sql.NullTime{Time: completedAt, Valid: true}
		j.UpdatedAt = completedAt
	})
}

func (m *MemJobRepo) MarkFailed(ctx context.Context, id string, message string, at time.Time) error {
	result, _ := json.Marshal(domain.JobFailure{Error: message, Timestamp: at})
	return m.update(id, func(j *domain.Job) {
		j.Status = domain.JobStatusFailed
		j.Result = result
		j.CompletedAt = sql.NullTime{}
		j.UpdatedAt = at
	})
}

func (m *MemJobRepo) Touch(ctx context.Context, id string, now time.Time) error {
	return m.update(id, func(j *domain.Job) { j.UpdatedAt = now })
}

func (m *MemJobRepo) update(id string, apply func(j *domain.Job)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	apply(&j)
	m.Writes++
	m.jobs[id] = j
	return nil
}

// MockQueue records enqueued messages. Dequeue pops in FIFO order and blocks on an empty queue.
type MockQueue struct {
	mu       sync.Mutex
	messages []models.StepJobMessage
	signal   chan struct{}
	Enqueued int

	EnqueueFunc func(msg models.StepJobMessage) error
	DequeueFunc func(ctx context.Context) (*models.StepJobMessage, error)
}

func NewMockQueue() *MockQueue {
	return &MockQueue{signal: make(chan struct{}, 1)}
}

func (q *MockQueue) Enqueue(ctx context.Context, msg models.StepJobMessage) error {
	if q.EnqueueFunc != nil {
		if err := q.EnqueueFunc(msg); err != nil {
			return err
		}
	}
	q.mu.Lock()
	q.messages = append(q.messages, msg)
	q.Enqueued++
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

func (q *MockQueue) Dequeue(ctx context.Context) (*models.StepJobMessage, error) {
	if q.DequeueFunc != nil {
		return q.DequeueFunc(ctx)
	}
	for {
		if msg, ok := q.Pop(); ok {
			return &msg, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.signal:
		}
	}
}

// Pop removes the oldest message without blocking.
func (q *MockQueue) Pop() (models.StepJobMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.messages) == 0 {
		return models.StepJobMessage{}, false
	}
	msg := q.messages[0]
	q.messages = q.messages[1:]
	return msg, true
}

func (q *MockQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

// MockNotifier records every emitted event.
type MockNotifier struct {
	mu     sync.Mutex
	Events []NotifiedStep
}

type NotifiedStep struct {
	OwnerID string
	Step    domain.Step
}

func (n *MockNotifier) EmitStepStatusChanged(ownerID string, step *domain.Step) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Events = append(n.Events, NotifiedStep{OwnerID: ownerID, Step: *step})
}

func (n *MockNotifier) StatusesFor(stepID string) []domain.StepStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []domain.StepStatus
	for _, e := range n.Events {
		if e.Step.ID == stepID {
			out = append(out, e.Step.Status)
		}
	}
	return out
}
