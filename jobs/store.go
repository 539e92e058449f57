package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/gleanhq/glean/models"
)

// record pairs a job with its request and the cancel function for its
// pipeline context. cancel is nil until the job starts running.
type record struct {
	job    models.Job
	req    *models.ExtractRequest
	cancel context.CancelFunc
}

// store tracks every known job. All transitions go through it so the
// forward-only state machine is enforced in one place. Finished records
// are swept after a TTL.
type store struct {
	mu   sync.RWMutex
	jobs map[string]*record
	ttl  time.Duration
	done chan struct{}
	once sync.Once
}

func newStore(ttl time.Duration) *store {
	s := &store{
		jobs: make(map[string]*record),
		ttl:  ttl,
		done: make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

func (s *store) put(job models.Job, req *models.ExtractRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = &record{job: job, req: req}
}

// remove deletes a record outright. Only used to roll back a submission
// the queue refused.
func (s *store) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
}

// get returns a copy of the job record. The result payload is shared with
// the stored record and must be treated as read-only.
func (s *store) get(id string) (models.Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.jobs[id]
	if !ok {
		return models.Job{}, false
	}
	return r.job, true
}

// begin moves a queued job to running and hands back its request plus a
// fresh pipeline context derived from parent. Jobs that were cancelled
// while queued (or are unknown) return ok=false.
func (s *store) begin(id string, parent context.Context) (*models.ExtractRequest, context.Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.jobs[id]
	if !ok || !models.ValidTransition(r.job.Status, models.StatusRunning) {
		return nil, nil, false
	}
	now := time.Now()
	r.job.Status = models.StatusRunning
	r.job.StartedAt = &now
	ctx, cancel := context.WithCancel(parent)
	r.cancel = cancel
	return r.req, ctx, true
}

// transition moves a job to a later state, applying mutate under the lock
// when the step is legal. Steps out of a terminal state report false and
// change nothing.
func (s *store) transition(id string, to models.JobStatus, mutate func(*models.Job)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.jobs[id]
	if !ok || !models.ValidTransition(r.job.Status, to) {
		return false
	}
	r.job.Status = to
	now := time.Now()
	switch to {
	case models.StatusRunning:
		r.job.StartedAt = &now
	case models.StatusSucceeded, models.StatusFailed, models.StatusCancelled:
		r.job.CompletedAt = &now
	}
	if mutate != nil {
		mutate(&r.job)
	}
	return true
}

func (s *store) setAttempts(id string, attempts int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.jobs[id]; ok && !r.job.Status.Terminal() {
		r.job.Attempts = attempts
	}
}

// requestCancel marks the job cancel-requested and returns its pipeline
// cancel func (nil when the job never started). A still-queued job moves
// straight to cancelled; its request comes back non-nil so the caller can
// emit the terminal event. Terminal and unknown jobs report ok=false.
func (s *store) requestCancel(id string) (context.CancelFunc, *models.ExtractRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.jobs[id]
	if !ok || r.job.Status.Terminal() {
		return nil, nil, false
	}
	r.job.CancelRequested = true
	if r.job.Status == models.StatusQueued {
		now := time.Now()
		r.job.Status = models.StatusCancelled
		r.job.CompletedAt = &now
		r.job.Error = &models.ErrorDetail{
			Code:    models.ErrCodeCancelled,
			Message: "job cancelled while queued",
		}
		return r.cancel, r.req, true
	}
	return r.cancel, nil, true
}

// cancelPending moves every non-terminal job to cancelled. Used on shutdown.
func (s *store) cancelPending(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, r := range s.jobs {
		if r.job.Status.Terminal() {
			continue
		}
		r.job.Status = models.StatusCancelled
		r.job.CancelRequested = true
		r.job.CompletedAt = &now
		r.job.Error = &models.ErrorDetail{Code: models.ErrCodeCancelled, Message: msg}
	}
}

func (s *store) counts() models.JobStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var st models.JobStats
	for _, r := range s.jobs {
		switch r.job.Status {
		case models.StatusQueued:
			st.Queued++
		case models.StatusRunning:
			st.Running++
		case models.StatusSucceeded:
			st.Succeeded++
		case models.StatusFailed:
			st.Failed++
		case models.StatusCancelled:
			st.Cancelled++
		}
	}
	return st
}

// sweep drops finished records whose completion is older than the TTL.
func (s *store) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, r := range s.jobs {
		if !r.job.Status.Terminal() || r.job.CompletedAt == nil {
			continue
		}
		if now.Sub(*r.job.CompletedAt) > s.ttl {
			delete(s.jobs, id)
		}
	}
}

func (s *store) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *store) sweepLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.sweep(time.Now())
		}
	}
}
