package snapshot

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps encoded snapshots in process memory. Encoding on Save
// keeps stored values isolated from the caller's slices.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: map[string][]byte{}}
}

func (m *MemoryStore) Save(ctx context.Context, s Snapshot) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[s.BroadcastID] = b
	return nil
}

func (m *MemoryStore) Load(ctx context.Context, broadcastID string) (Snapshot, error) {
	m.mu.Lock()
	b, ok := m.items[broadcastID]
	m.mu.Unlock()
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	var s Snapshot
	err := json.Unmarshal(b, &s)
	return s, err
}

func (m *MemoryStore) ListResumable(ctx context.Context) ([]Snapshot, error) {
	m.mu.Lock()
	raw := make([][]byte, 0, len(m.items))
	for _, b := range m.items {
		raw = append(raw, b)
	}
	m.mu.Unlock()

	out := make([]Snapshot, 0, len(raw))
	for _, b := range raw {
		var s Snapshot
		if err := json.Unmarshal(b, &s); err != nil {
			return nil, err
		}
		if s.Resumable() {
			out = append(out, s)
		}
	}
	sortByStart(out)
	return out, nil
}

func (m *MemoryStore) ListFinished(ctx context.Context, before time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var done []Snapshot
	for _, b := range m.items {
		var s Snapshot
		if err := json.Unmarshal(b, &s); err != nil {
			return nil, err
		}
		if !s.Resumable() && s.SavedAt.Before(before) {
			done = append(done, s)
		}
	}
	sort.Slice(done, func(i, j int) bool {
		if done[i].SavedAt.Equal(done[j].SavedAt) {
			return done[i].BroadcastID < done[j].BroadcastID
		}
		return done[i].SavedAt.Before(done[j].SavedAt)
	})
	ids := make([]string, len(done))
	for i, s := range done {
		ids[i] = s.BroadcastID
	}
	return ids, nil
}

func (m *MemoryStore) Delete(ctx context.Context, broadcastID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, broadcastID)
	return nil
}

func sortByStart(s []Snapshot) {
	sort.SliceStable(s, func(i, j int) bool {
		if s[i].StartedAt.Equal(s[j].StartedAt) {
			return s[i].BroadcastID < s[j].BroadcastID
		}
		return s[i].StartedAt.Before(s[j].StartedAt)
	})
}
