package reporting

import (
	"context"
	"sync"

	"voicecast/internal/calls"
)

// MemoryRepo is an in-memory reporting repository for tests.
type MemoryRepo struct {
	mu   sync.Mutex
	Jobs map[string][]calls.CallJob
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{Jobs: map[string][]calls.CallJob{}} }

func (r *MemoryRepo) ListJobs(ctx context.Context, broadcastID string) ([]calls.CallJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	jobs, ok := r.Jobs[broadcastID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]calls.CallJob(nil), jobs...), nil
}

// JobLister is the read side of the broadcast controller.
type JobLister interface {
	Jobs(broadcastID string) ([]calls.CallJob, error)
}

// LiveRepo reports on the jobs the controller currently tracks.
type LiveRepo struct {
	src JobLister
}

func NewLiveRepo(src JobLister) *LiveRepo { return &LiveRepo{src: src} }

func (r *LiveRepo) ListJobs(ctx context.Context, broadcastID string) ([]calls.CallJob, error) {
	return r.src.Jobs(broadcastID)
}
