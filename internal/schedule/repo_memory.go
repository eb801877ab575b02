package schedule

import (
	"context"
	"sort"
	"sync"
	"time"

	"voicecast/internal/calls"
)

type MemoryRepo struct {
	mu      sync.Mutex
	entries map[string]Entry
	sets    map[string]ContactSet
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{entries: map[string]Entry{}, sets: map[string]ContactSet{}}
}

func (r *MemoryRepo) Insert(ctx context.Context, e Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[e.ID]; ok {
		return ErrInvalidEntry
	}
	r.entries[e.ID] = copyEntry(e)
	return nil
}

func (r *MemoryRepo) Get(ctx context.Context, id string) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return copyEntry(e), nil
}

func (r *MemoryRepo) List(ctx context.Context, status Status) ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		if status != "" && e.Status != status {
			continue
		}
		out = append(out, copyEntry(e))
	}
	sortEntries(out)
	return out, nil
}

func (r *MemoryRepo) Due(ctx context.Context, now time.Time) ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Entry
	for _, e := range r.entries {
		if e.Status == StatusScheduled && !e.ScheduledFor.After(now) {
			out = append(out, copyEntry(e))
		}
	}
	sortEntries(out)
	return out, nil
}

func (r *MemoryRepo) Claim(ctx context.Context, id string, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return false, ErrNotFound
	}
	if e.Status != StatusScheduled {
		return false, nil
	}
	e.Status = StatusInProgress
	e.StartedAt = &now
	e.UpdatedAt = now
	r.entries[id] = e
	return true, nil
}

func (r *MemoryRepo) Transition(ctx context.Context, id string, from, to Status, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return false, ErrNotFound
	}
	if e.Status != from {
		return false, nil
	}
	e.Status = to
	e.UpdatedAt = now
	r.entries[id] = e
	return true, nil
}

func (r *MemoryRepo) Update(ctx context.Context, e Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[e.ID]; !ok {
		return ErrNotFound
	}
	r.entries[e.ID] = copyEntry(e)
	return nil
}

func (r *MemoryRepo) InsertContactSet(ctx context.Context, cs ContactSet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cs.Contacts = append([]calls.Contact(nil), cs.Contacts...)
	r.sets[cs.ID] = cs
	return nil
}

func (r *MemoryRepo) GetContactSet(ctx context.Context, id string) (ContactSet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cs, ok := r.sets[id]
	if !ok {
		return ContactSet{}, ErrContactSetNotFound
	}
	cs.Contacts = append([]calls.Contact(nil), cs.Contacts...)
	return cs, nil
}

func copyEntry(e Entry) Entry {
	e.ProviderCallIDs = append([]string(nil), e.ProviderCallIDs...)
	if e.StartedAt != nil {
		t := *e.StartedAt
		e.StartedAt = &t
	}
	if e.FinishedAt != nil {
		t := *e.FinishedAt
		e.FinishedAt = &t
	}
	return e
}

func sortEntries(es []Entry) {
	sort.SliceStable(es, func(i, j int) bool {
		if es[i].ScheduledFor.Equal(es[j].ScheduledFor) {
			return es[i].ID < es[j].ID
		}
		return es[i].ScheduledFor.Before(es[j].ScheduledFor)
	})
}
