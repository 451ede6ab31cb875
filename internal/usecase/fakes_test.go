package usecase_test

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tezgahcloud/jobcore/internal/domain"
)

// fakeJobRepo is an in-memory JobRepository mirroring the storage guards:
// idempotency uniqueness, terminal immutability, monotone progress.
type fakeJobRepo struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job
	// failCounts simulates a read failure for position queries.
	failCounts bool
}

func newFakeJobRepo() *fakeJobRepo {
	return &fakeJobRepo{jobs: map[string]*domain.Job{}}
}

func (r *fakeJobRepo) Create(_ domain.Context, j domain.Job) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j.IdempotencyKey != nil {
		for _, existing := range r.jobs {
			if existing.UserID == j.UserID && existing.Kind == j.Kind &&
				existing.IdempotencyKey != nil && *existing.IdempotencyKey == *j.IdempotencyKey {
				return "", fmt.Errorf("op=job.create: %w", domain.ErrConflict)
			}
		}
	}
	id := j.ID
	if id == "" {
		id = uuid.New().String()
	}
	j.ID = id
	j.State = domain.JobPending
	now := time.Now().UTC()
	j.CreatedAt = now
	j.UpdatedAt = now
	r.jobs[id] = &j
	return id, nil
}

func (r *fakeJobRepo) Get(_ domain.Context, id string) (domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
	}
	return *j, nil
}

func (r *fakeJobRepo) FindByIdempotencyKey(_ domain.Context, userID int64, kind domain.JobKind, key string) (domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, j := range r.jobs {
		if j.UserID == userID && j.Kind == kind && j.IdempotencyKey != nil && *j.IdempotencyKey == key {
			return *j, nil
		}
	}
	return domain.Job{}, fmt.Errorf("op=job.find_idem: %w", domain.ErrNotFound)
}

func (r *fakeJobRepo) MarkQueued(_ domain.Context, id, brokerTaskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if j.State != domain.JobPending {
		return domain.ErrConflict
	}
	j.State = domain.JobQueued
	j.BrokerTaskID = &brokerTaskID
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *fakeJobRepo) MarkRunning(_ domain.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if j.State != domain.JobQueued {
		if j.State.IsTerminal() {
			return domain.ErrTerminalState
		}
		return domain.ErrConflict
	}
	now := time.Now().UTC()
	j.State = domain.JobRunning
	j.StartedAt = &now
	if j.Attempts == 0 {
		j.Attempts = 1
	}
	j.UpdatedAt = now
	return nil
}

func (r *fakeJobRepo) UpdateProgress(_ domain.Context, rep domain.ProgressReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[rep.JobID]
	if !ok {
		return domain.ErrNotFound
	}
	if j.State.IsTerminal() {
		return domain.ErrTerminalState
	}
	if rep.Percent < j.Progress.Percent {
		return domain.ErrStaleProgress
	}
	j.Progress = domain.Progress{
		Percent: rep.Percent, Step: rep.Step, Message: rep.Message, UpdatedAt: time.Now().UTC(),
	}
	j.UpdatedAt = j.Progress.UpdatedAt
	return nil
}

func (r *fakeJobRepo) FinishSuccess(_ domain.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if j.State == domain.JobCompleted {
		return nil
	}
	if j.State != domain.JobRunning {
		return domain.ErrTerminalState
	}
	now := time.Now().UTC()
	j.State = domain.JobCompleted
	j.Progress.Percent = 100
	j.FinishedAt = &now
	j.UpdatedAt = now
	return nil
}

func (r *fakeJobRepo) FinishFailure(_ domain.Context, id string, state domain.JobState, jobErr domain.JobError) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if j.State == state {
		return nil
	}
	if j.State.IsTerminal() {
		return domain.ErrTerminalState
	}
	now := time.Now().UTC()
	j.State = state
	j.LastError = &jobErr
	j.FinishedAt = &now
	j.UpdatedAt = now
	return nil
}

func (r *fakeJobRepo) RequeueForRetry(_ domain.Context, id string, jobErr domain.JobError) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if j.State != domain.JobRunning {
		return domain.ErrConflict
	}
	j.State = domain.JobPending
	j.Attempts++
	j.BrokerTaskID = nil
	j.Progress = domain.Progress{}
	j.LastError = &jobErr
	j.StartedAt = nil
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *fakeJobRepo) RequestCancel(_ domain.Context, id string) (domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("op=job.request_cancel: %w", domain.ErrNotFound)
	}
	if !j.State.IsTerminal() {
		j.CancelRequested = true
		j.UpdatedAt = time.Now().UTC()
	}
	return *j, nil
}

func (r *fakeJobRepo) MarkCancelled(_ domain.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if j.State == domain.JobCancelled {
		return nil
	}
	if j.State.IsTerminal() {
		return domain.ErrTerminalState
	}
	now := time.Now().UTC()
	j.State = domain.JobCancelled
	j.FinishedAt = &now
	j.UpdatedAt = now
	return nil
}

func (r *fakeJobRepo) CountRunning(_ domain.Context, kinds []domain.JobKind) (int, error) {
	if r.failCounts {
		return 0, domain.ErrInternal
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, j := range r.jobs {
		if j.State == domain.JobRunning && kindIn(j.Kind, kinds) {
			n++
		}
	}
	return n, nil
}

func (r *fakeJobRepo) CountWaitingAhead(_ domain.Context, kinds []domain.JobKind, priority int, createdAt time.Time) (int, error) {
	if r.failCounts {
		return 0, domain.ErrInternal
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, j := range r.jobs {
		if !kindIn(j.Kind, kinds) {
			continue
		}
		if j.State != domain.JobPending && j.State != domain.JobQueued {
			continue
		}
		if j.Priority > priority || (j.Priority == priority && j.CreatedAt.Before(createdAt)) {
			n++
		}
	}
	return n, nil
}

func (r *fakeJobRepo) ListPendingOlderThan(_ domain.Context, cutoff time.Time, limit int) ([]domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Job
	for _, j := range r.jobs {
		if j.State == domain.JobPending && j.UpdatedAt.Before(cutoff) && len(out) < limit {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (r *fakeJobRepo) ListRunningPastTimeout(_ domain.Context, now time.Time, limit int) ([]domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Job
	for _, j := range r.jobs {
		if j.State != domain.JobRunning || j.StartedAt == nil {
			continue
		}
		if j.StartedAt.Add(time.Duration(j.TimeoutSeconds)*time.Second).Before(now) && len(out) < limit {
			out = append(out, *j)
		}
	}
	return out, nil
}

// setCreatedAt backdates a job for ordering-sensitive tests.
func (r *fakeJobRepo) setCreatedAt(id string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.jobs[id]; ok {
		j.CreatedAt = at
	}
}

func kindIn(k domain.JobKind, kinds []domain.JobKind) bool {
	for _, c := range kinds {
		if c == k {
			return true
		}
	}
	return false
}

// fakeQueue records published envelopes and can fail on demand.
type fakeQueue struct {
	mu        sync.Mutex
	published []domain.TaskEnvelope
	routes    []domain.Route
	fail      bool
}

func (q *fakeQueue) Publish(_ domain.Context, env domain.TaskEnvelope, route domain.Route) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fail {
		return "", fmt.Errorf("op=queue.publish: %w", domain.ErrPublishFailed)
	}
	q.published = append(q.published, env)
	q.routes = append(q.routes, route)
	return fmt.Sprintf("%s/0/%d", route.Queue, len(q.published)), nil
}

// fakeSignal is an in-memory cancel signal.
type fakeSignal struct {
	mu   sync.Mutex
	keys map[string]bool
}

func newFakeSignal() *fakeSignal { return &fakeSignal{keys: map[string]bool{}} }

func (s *fakeSignal) Set(_ domain.Context, jobID string, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[jobID] = true
	return nil
}

func (s *fakeSignal) IsSet(_ domain.Context, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keys[jobID], nil
}

// fakeArtefactRepo records artefact batches.
type fakeArtefactRepo struct {
	mu   sync.Mutex
	byJob map[string][]domain.Artefact
}

func newFakeArtefactRepo() *fakeArtefactRepo {
	return &fakeArtefactRepo{byJob: map[string][]domain.Artefact{}}
}

func (r *fakeArtefactRepo) CreateBatch(_ domain.Context, jobID string, arts []domain.Artefact) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byJob[jobID] = append(r.byJob[jobID], arts...)
	return nil
}

func (r *fakeArtefactRepo) ListByJob(_ domain.Context, jobID string) ([]domain.Artefact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byJob[jobID], nil
}
