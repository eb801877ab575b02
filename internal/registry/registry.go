package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"voicecast/internal/calls"
)

var (
	ErrDuplicateJob    = errors.New("registry: duplicate provider call id")
	ErrBroadcastClosed = errors.New("registry: broadcast is not open")
	ErrInvalidJob      = errors.New("registry: invalid job")
	ErrUnknownCall     = errors.New("registry: unknown provider call id")
	ErrUnknownStatus   = errors.New("registry: unknown call status")
)

// Fields carries the optional metadata that accompanies a status update.
type Fields struct {
	DurationSeconds int
	Direction       string
	FailureReason   string
}

// StatusUpdate is one provider observation for one call.
type StatusUpdate struct {
	ProviderCallID string
	Status         calls.CallStatus
	Fields         Fields
}

// Result describes the effect of a single update.
type Result struct {
	Applied        bool
	Previous       calls.CallStatus
	Current        calls.CallStatus
	BecameTerminal bool
}

// Delta is the aggregate effect of a reconciliation round on one broadcast.
type Delta struct {
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Applied   int `json:"applied"`
}

func (d Delta) Terminal() int { return d.Completed + d.Failed }

// Counts is derived from the live table on every call; never cached.
//
// Invariant: Completed + Failed + Active == Total.
type Counts struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Active    int `json:"active"`
}

type entry struct {
	job calls.CallJob
}

// Registry is the authoritative table of call jobs.
//
// All mutation is serialized by mu. A reconciliation round is applied under a
// single lock acquisition (ApplyRound), so readers never observe a round
// half-applied.
type Registry struct {
	mu sync.RWMutex

	byProvider map[string]*entry
	// broadcastID -> provider ids of every job, in creation order
	members map[string][]string
	// broadcastID -> provider ids of non-terminal jobs
	active map[string]map[string]struct{}
	open   map[string]bool

	clock func() time.Time
}

func New() *Registry {
	return &Registry{
		byProvider: map[string]*entry{},
		members:    map[string][]string{},
		active:     map[string]map[string]struct{}{},
		open:       map[string]bool{},
		clock:      time.Now,
	}
}

// WithClock replaces the time source (tests).
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.mu.Lock()
	r.clock = clock
	r.mu.Unlock()
	return r
}

// Open allows jobs to be created for broadcastID.
func (r *Registry) Open(broadcastID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.open[broadcastID] = true
	if r.active[broadcastID] == nil {
		r.active[broadcastID] = map[string]struct{}{}
	}
}

func (r *Registry) IsOpen(broadcastID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.open[broadcastID]
}

// Create inserts jobs atomically: either all are inserted or none.
// Each job enters the pending state with PendingSince set.
func (r *Registry) Create(jobs []calls.CallJob) error {
	if len(jobs) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]struct{}, len(jobs))
	for _, j := range jobs {
		if j.ProviderCallID == "" || j.BroadcastID == "" || j.JobID == "" {
			return ErrInvalidJob
		}
		if !r.open[j.BroadcastID] {
			return fmt.Errorf("%w: %s", ErrBroadcastClosed, j.BroadcastID)
		}
		if _, ok := r.byProvider[j.ProviderCallID]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateJob, j.ProviderCallID)
		}
		if _, ok := seen[j.ProviderCallID]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateJob, j.ProviderCallID)
		}
		seen[j.ProviderCallID] = struct{}{}
	}

	now := r.clock().UTC()
	for _, j := range jobs {
		j.Status = calls.CallStatusPending
		j.FailureReason = ""
		pending := now
		j.PendingSince = &pending
		j.LastUpdated = now
		if j.CreatedAt.IsZero() {
			j.CreatedAt = now
		}
		r.insertLocked(j)
	}
	return nil
}

func (r *Registry) insertLocked(j calls.CallJob) {
	r.byProvider[j.ProviderCallID] = &entry{job: j}
	r.members[j.BroadcastID] = append(r.members[j.BroadcastID], j.ProviderCallID)
	set := r.active[j.BroadcastID]
	if set == nil {
		set = map[string]struct{}{}
		r.active[j.BroadcastID] = set
	}
	if !j.Status.Terminal() {
		set[j.ProviderCallID] = struct{}{}
	}
}

// Get returns a copy of the job for providerCallID.
func (r *Registry) Get(providerCallID string) (calls.CallJob, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byProvider[providerCallID]
	if !ok {
		return calls.CallJob{}, false
	}
	return copyJob(e.job), true
}

// UpdateStatus applies one status observation.
//
// Updates to a terminal job are idempotent no-ops (Applied=false, nil error).
func (r *Registry) UpdateStatus(providerCallID string, status calls.CallStatus, f Fields) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updateLocked(providerCallID, status, f, r.clock().UTC())
}

func (r *Registry) updateLocked(providerCallID string, status calls.CallStatus, f Fields, now time.Time) (Result, error) {
	e, ok := r.byProvider[providerCallID]
	if !ok {
		return Result{}, ErrUnknownCall
	}
	if status.Class() == calls.ClassUnknown {
		return Result{Previous: e.job.Status, Current: e.job.Status}, ErrUnknownStatus
	}
	prev := e.job.Status
	if prev.Terminal() {
		return Result{Previous: prev, Current: prev}, nil
	}

	j := &e.job
	j.Status = status
	j.LastUpdated = now
	if f.DurationSeconds > 0 {
		j.DurationSeconds = f.DurationSeconds
	}
	if f.Direction != "" {
		j.Direction = f.Direction
	}

	switch status.Class() {
	case calls.ClassPending:
		if j.PendingSince == nil {
			t := now
			j.PendingSince = &t
		}
	case calls.ClassFailure:
		j.PendingSince = nil
		j.FailureReason = f.FailureReason
		if j.FailureReason == "" {
			j.FailureReason = string(status)
		}
	default:
		j.PendingSince = nil
	}

	res := Result{Applied: true, Previous: prev, Current: status}
	if status.Terminal() {
		res.BecameTerminal = true
		delete(r.active[j.BroadcastID], providerCallID)
	}
	return res, nil
}

// ApplyRound applies a full reconciliation round for broadcastID under one
// lock. Updates for unknown ids, other broadcasts, or terminal jobs are
// ignored.
func (r *Registry) ApplyRound(broadcastID string, updates []StatusUpdate) Delta {
	r.mu.Lock()
	defer r.mu.Unlock()

	var d Delta
	if !r.open[broadcastID] {
		return d
	}
	now := r.clock().UTC()
	for _, u := range updates {
		e, ok := r.byProvider[u.ProviderCallID]
		if !ok || e.job.BroadcastID != broadcastID {
			continue
		}
		res, err := r.updateLocked(u.ProviderCallID, u.Status, u.Fields, now)
		if err != nil || !res.Applied {
			continue
		}
		d.Applied++
		if res.BecameTerminal {
			switch res.Current.Class() {
			case calls.ClassSuccess:
				d.Completed++
			case calls.ClassFailure:
				d.Failed++
			}
		}
	}
	return d
}

// ActiveIDs returns the live set of non-terminal provider call ids, sorted.
func (r *Registry) ActiveIDs(broadcastID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.active[broadcastID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Counts(broadcastID string) Counts {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var c Counts
	for _, id := range r.members[broadcastID] {
		e := r.byProvider[id]
		c.Total++
		switch e.job.Status.Class() {
		case calls.ClassSuccess:
			c.Completed++
		case calls.ClassFailure:
			c.Failed++
		default:
			c.Active++
		}
	}
	return c
}

// Jobs returns copies of the broadcast's jobs in creation order.
func (r *Registry) Jobs(broadcastID string) []calls.CallJob {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.members[broadcastID]
	out := make([]calls.CallJob, 0, len(ids))
	for _, id := range ids {
		out = append(out, copyJob(r.byProvider[id].job))
	}
	return out
}

// Snapshot is Jobs under a name that reads well at persistence call sites.
func (r *Registry) Snapshot(broadcastID string) []calls.CallJob { return r.Jobs(broadcastID) }

// Restore replaces the broadcast's jobs with a persisted copy and opens it.
// The active set is rebuilt from job statuses.
func (r *Registry) Restore(broadcastID string, jobs []calls.CallJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, j := range jobs {
		if j.BroadcastID != broadcastID || j.ProviderCallID == "" {
			return ErrInvalidJob
		}
		if e, ok := r.byProvider[j.ProviderCallID]; ok && e.job.BroadcastID != broadcastID {
			return fmt.Errorf("%w: %s", ErrDuplicateJob, j.ProviderCallID)
		}
	}
	r.discardLocked(broadcastID)
	r.open[broadcastID] = true
	r.active[broadcastID] = map[string]struct{}{}
	for _, j := range jobs {
		j = copyJob(j)
		if j.Status.Class() == calls.ClassPending && j.PendingSince == nil {
			t := j.LastUpdated
			j.PendingSince = &t
		}
		if j.Status.Class() != calls.ClassPending {
			j.PendingSince = nil
		}
		r.insertLocked(j)
	}
	return nil
}

// Discard closes the broadcast and drops all of its jobs. Late creates and
// late poll results for it are rejected afterwards.
func (r *Registry) Discard(broadcastID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.members[broadcastID])
	r.discardLocked(broadcastID)
	return n
}

// Close stops accepting new jobs for broadcastID but keeps existing ones
// (used when a broadcast completes).
func (r *Registry) Close(broadcastID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.open, broadcastID)
}

func (r *Registry) discardLocked(broadcastID string) {
	for _, id := range r.members[broadcastID] {
		delete(r.byProvider, id)
	}
	delete(r.members, broadcastID)
	delete(r.active, broadcastID)
	delete(r.open, broadcastID)
}

func copyJob(j calls.CallJob) calls.CallJob {
	if j.PendingSince != nil {
		t := *j.PendingSince
		j.PendingSince = &t
	}
	return j
}
