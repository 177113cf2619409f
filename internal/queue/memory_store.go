package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is the in-process Store used by tests and ephemeral dev mode.
// All transitions happen under one mutex, which gives the same atomicity the
// redis scripts provide.
type MemoryStore struct {
	mu     sync.Mutex
	queues map[string]*memQueue
}

type memQueue struct {
	jobs      map[string]*Job
	pending   map[string]float64
	delayed   map[string]int64 // id -> visibleAt ms
	active    map[string]int64 // id -> lease expiry ms
	completed []string
	failed    []string
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{queues: make(map[string]*memQueue)}
}

func (s *MemoryStore) q(queue string) *memQueue {
	mq, ok := s.queues[queue]
	if !ok {
		mq = &memQueue{
			jobs:    make(map[string]*Job),
			pending: make(map[string]float64),
			delayed: make(map[string]int64),
			active:  make(map[string]int64),
		}
		s.queues[queue] = mq
	}
	return mq
}

func (s *MemoryStore) Put(ctx context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mq := s.q(job.Queue)
	if existing, ok := mq.jobs[job.ID]; ok && existing.Status == StatusActive {
		return nil
	}
	cp := *job
	mq.jobs[job.ID] = &cp
	delete(mq.pending, job.ID)
	delete(mq.delayed, job.ID)
	if job.Status == StatusPending {
		mq.pending[job.ID] = score(job)
	} else {
		mq.delayed[job.ID] = job.NextVisibleAt.UnixMilli()
	}
	return nil
}

func (s *MemoryStore) Reserve(ctx context.Context, queue, workerID string, lease time.Duration, now time.Time) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mq := s.q(queue)
	if len(mq.pending) == 0 {
		return nil, ErrNotFound
	}
	type entry struct {
		id    string
		score float64
	}
	entries := make([]entry, 0, len(mq.pending))
	for id, sc := range mq.pending {
		entries = append(entries, entry{id, sc})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].score != entries[j].score {
			return entries[i].score < entries[j].score
		}
		return entries[i].id < entries[j].id
	})
	id := entries[0].id
	delete(mq.pending, id)
	job := mq.jobs[id]
	job.Status = StatusActive
	job.AttemptsMade++
	job.lease = uuid.NewString()
	mq.active[id] = now.Add(lease).UnixMilli()
	cp := *job
	return &cp, nil
}

func (s *MemoryStore) Ack(ctx context.Context, queue, id, lease, progress string, keep int, now time.Time) error {
	return s.finish(ctx, queue, id, lease, StatusCompleted, progress, "", keep, now)
}

func (s *MemoryStore) Fail(ctx context.Context, queue, id, lease, lastErr string, keep int, now time.Time) error {
	return s.finish(ctx, queue, id, lease, StatusFailed, "", lastErr, keep, now)
}

func (s *MemoryStore) finish(ctx context.Context, queue, id, lease, status, progress, lastErr string, keep int, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mq := s.q(queue)
	job, ok := mq.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.lease != lease {
		return ErrStaleLease
	}
	delete(mq.active, id)
	job.lease = ""
	job.Status = status
	job.FinishedAt = now
	if progress != "" {
		job.Progress = progress
	}
	if lastErr != "" {
		job.LastError = lastErr
	}
	if keep <= 0 {
		delete(mq.jobs, id)
		return nil
	}
	if status == StatusCompleted {
		mq.completed = retain(mq.completed, id, keep, mq.jobs)
	} else {
		mq.failed = retain(mq.failed, id, keep, mq.jobs)
	}
	return nil
}

// retain prepends id and trims the list to keep entries, deleting evicted
// job records.
func retain(list []string, id string, keep int, jobs map[string]*Job) []string {
	list = append([]string{id}, list...)
	if len(list) > keep {
		for _, evicted := range list[keep:] {
			delete(jobs, evicted)
		}
		list = list[:keep]
	}
	return list
}

func (s *MemoryStore) Retry(ctx context.Context, queue, id, lease string, visibleAt time.Time, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mq := s.q(queue)
	job, ok := mq.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.lease != lease {
		return ErrStaleLease
	}
	delete(mq.active, id)
	job.lease = ""
	job.Status = StatusPending
	job.NextVisibleAt = visibleAt
	job.LastError = lastErr
	mq.delayed[id] = visibleAt.UnixMilli()
	return nil
}

func (s *MemoryStore) PromoteDue(ctx context.Context, queue string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mq := s.q(queue)
	nowMs := now.UnixMilli()
	n := 0
	for id, visibleAt := range mq.delayed {
		if visibleAt <= nowMs {
			delete(mq.delayed, id)
			if job, ok := mq.jobs[id]; ok {
				job.Status = StatusPending
				mq.pending[id] = score(job)
			}
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ReclaimExpired(ctx context.Context, queue string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mq := s.q(queue)
	nowMs := now.UnixMilli()
	n := 0
	for id, expiry := range mq.active {
		if expiry <= nowMs {
			delete(mq.active, id)
			if job, ok := mq.jobs[id]; ok {
				job.lease = ""
				job.Status = StatusPending
				mq.pending[id] = score(job)
			}
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Get(ctx context.Context, queue, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.q(queue).jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (s *MemoryStore) Remove(ctx context.Context, queue, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mq := s.q(queue)
	delete(mq.jobs, id)
	delete(mq.pending, id)
	delete(mq.delayed, id)
	delete(mq.active, id)
	return nil
}

func (s *MemoryStore) PendingCount(ctx context.Context, queue string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.q(queue).pending)), nil
}
