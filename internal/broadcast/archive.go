package broadcast

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"voicecast/internal/snapshot"
)

func (c *Controller) loadSnapshot(id string) (snapshot.Snapshot, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.SaveTimeout)
	defer cancel()
	s, err := c.store.Load(ctx, id)
	if errors.Is(err, snapshot.ErrNotFound) {
		return snapshot.Snapshot{}, ErrNotFound
	}
	if err != nil {
		return snapshot.Snapshot{}, fmt.Errorf("broadcast: load %s: %w", id, err)
	}
	return s, nil
}

func viewFromSnapshot(s snapshot.Snapshot) Broadcast {
	end := s.SavedAt
	if s.FinishedAt != nil {
		end = *s.FinishedAt
	}
	return Broadcast{
		ID:           s.BroadcastID,
		Name:         s.Name,
		Status:       Status(s.Status),
		Template:     s.Template,
		StartedAt:    s.StartedAt,
		FinishedAt:   s.FinishedAt,
		ScheduledFor: s.ScheduledFor,
		ScheduleID:   s.ScheduleID,
		BatchCount:   s.BatchCount,
		NextBatch:    s.NextBatch,
		DispatchDone: len(s.Remaining) == 0,
		LastError:    s.LastError,
		Progress:     newProgress(s.Counts, s.Planned, s.Skipped, s.DispatchFailed, end.Sub(s.StartedAt)),
	}
}

// Prune forgets broadcasts that finished (completed, cancelled or aborted)
// more than retention ago: their in-process state, call records and
// snapshots. Finished snapshots left by earlier processes are deleted too.
// It returns the number of snapshots deleted.
func (c *Controller) Prune(ctx context.Context, retention time.Duration) (int, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := c.clock().Add(-retention)

	c.mu.Lock()
	evicted := map[string]struct{}{}
	for id, r := range c.runs {
		if r.status.Live() {
			continue
		}
		at := r.startedAt
		if r.finishedAt != nil {
			at = *r.finishedAt
		}
		if !at.Before(cutoff) {
			continue
		}
		delete(c.runs, id)
		c.registry.Discard(id)
		evicted[id] = struct{}{}
	}
	c.order = slices.DeleteFunc(c.order, func(id string) bool {
		_, gone := evicted[id]
		return gone
	})
	c.mu.Unlock()

	listed, listErr := c.store.ListFinished(ctx, cutoff)

	c.mu.Lock()
	ids := make([]string, 0, len(evicted)+len(listed))
	for id := range evicted {
		ids = append(ids, id)
	}
	for _, id := range listed {
		_, held := c.runs[id]
		if _, dup := evicted[id]; !held && !dup {
			ids = append(ids, id)
		}
	}
	c.mu.Unlock()

	deleted := 0
	for _, id := range ids {
		if err := c.store.Delete(ctx, id); err != nil {
			return deleted, fmt.Errorf("broadcast: prune %s: %w", id, err)
		}
		deleted++
	}
	if deleted > 0 || len(evicted) > 0 {
		c.log.Info("finished broadcasts pruned", "snapshots", deleted, "evicted", len(evicted), "cutoff", cutoff)
	}
	if listErr != nil {
		return deleted, fmt.Errorf("broadcast: list finished: %w", listErr)
	}
	return deleted, nil
}
