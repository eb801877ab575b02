package broadcast

import (
	"context"
	"errors"
	"time"

	"voicecast/internal/calls"
	"voicecast/internal/dispatch"
	"voicecast/internal/registry"
	"voicecast/internal/snapshot"
)

// dispatchLoop sends the run's remaining batches one at a time. Pacing
// between batches is enforced by the dispatch session.
func (c *Controller) dispatchLoop(ctx context.Context, r *run) {
	defer r.wg.Done()
	for {
		c.mu.Lock()
		if ctx.Err() != nil {
			c.mu.Unlock()
			return
		}
		if len(r.remaining) == 0 {
			evs := c.finishDispatchLocked(r)
			c.mu.Unlock()
			c.persist(r)
			c.publish(evs...)
			return
		}
		n := c.cfg.BatchSize
		if n > len(r.remaining) {
			n = len(r.remaining)
		}
		batch := calls.Batch{Index: r.nextBatch, Contacts: r.remaining[:n:n]}
		session := r.session
		c.mu.Unlock()

		ids, err := session.Dispatch(ctx, batch)

		c.mu.Lock()
		var evs []Event
		switch {
		case err == nil:
			c.advanceLocked(r, n)
			ev := c.eventLocked(r, EventDispatched)
			ev.ProviderCallIDs = ids
			ev.Batch = batch.Index
			evs = append(evs, ev)
			if ctx.Err() == nil {
				if r.status == StatusDispatching {
					r.status = StatusActive
				}
				c.startPollingLocked(ctx, r)
			}
		case errors.Is(err, registry.ErrBroadcastClosed):
			c.mu.Unlock()
			return
		case ctx.Err() != nil:
			// not recorded; the batch is sent again on resume
			c.mu.Unlock()
			return
		default:
			c.advanceLocked(r, n)
			r.dispatchFailed += n
			r.lastError = err.Error()
			ev := c.eventLocked(r, EventBatchFailed)
			ev.Batch = batch.Index
			ev.Message = "batch dispatch failed"
			if dispatch.IsKind(err, dispatch.KindRateLimited) {
				ev.Message = "batch dispatch failed: provider rate limit outlasted retries"
			}
			ev.Err = err
			evs = append(evs, ev)
			c.log.Error(ev.Message, "broadcast_id", r.id, "batch", batch.Index, "contacts", n, "err", err)
		}
		c.mu.Unlock()

		c.persist(r)
		c.publish(evs...)
	}
}

func (c *Controller) advanceLocked(r *run, n int) {
	r.remaining = r.remaining[n:]
	if len(r.remaining) == 0 {
		r.remaining = nil
	}
	r.nextBatch++
}

// finishDispatchLocked runs once every batch was issued. A broadcast with no
// job at all is aborted back to idle.
func (c *Controller) finishDispatchLocked(r *run) []Event {
	r.dispatchDone = true
	if c.registry.Counts(r.id).Total > 0 {
		return c.checkCompletionLocked(r)
	}

	r.status = StatusIdle
	msg := "no calls were dispatched"
	if r.lastError != "" {
		msg += ": " + r.lastError
	}
	r.lastError = msg
	c.stopLocked(r)
	c.registry.Discard(r.id)
	c.log.Error("broadcast aborted", "broadcast_id", r.id, "err", msg)

	ev := c.eventLocked(r, EventAborted)
	ev.Message = msg
	return []Event{ev}
}

// checkCompletionLocked completes the run once all batches were issued and
// every job is terminal.
func (c *Controller) checkCompletionLocked(r *run) []Event {
	if !r.dispatchDone || (r.status != StatusActive && r.status != StatusDispatching) {
		return nil
	}
	counts := c.registry.Counts(r.id)
	if counts.Total == 0 || counts.Completed+counts.Failed != counts.Total {
		return nil
	}
	r.status = StatusCompleted
	now := c.clock().UTC()
	r.finishedAt = &now
	c.stopLocked(r)
	c.registry.Close(r.id)
	c.log.Info("broadcast completed", "broadcast_id", r.id, "completed", counts.Completed, "failed", counts.Failed)
	return []Event{c.eventLocked(r, EventCompleted)}
}

func (c *Controller) pollLoop(ctx context.Context, r *run) {
	defer r.wg.Done()
	t := time.NewTicker(c.cfg.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if c.reconcileRound(ctx, r) {
			return
		}
	}
}

// reconcileRound runs one reconciliation pass and reports whether the run
// reached a terminal state.
func (c *Controller) reconcileRound(ctx context.Context, r *run) bool {
	round := c.reconciler.Reconcile(ctx, r.id)

	c.mu.Lock()
	if ctx.Err() != nil {
		c.mu.Unlock()
		return true
	}
	var evs []Event
	prev := r.warning
	r.warning = round.Warning()
	if r.warning != "" && prev == "" {
		ev := c.eventLocked(r, EventConnectivity)
		ev.ProviderCallIDs = round.Unreachable
		ev.Message = r.warning
		evs = append(evs, ev)
	}
	evs = append(evs, c.checkCompletionLocked(r)...)
	done := r.status.Terminal()
	c.mu.Unlock()

	if round.Delta.Applied > 0 || len(evs) > 0 {
		c.persist(r)
	}
	c.publish(evs...)
	return done
}

// persist writes the run's snapshot. Writes for one run are serialized and
// each captures the state at write time, so the newest state wins.
func (c *Controller) persist(r *run) {
	r.saveMu.Lock()
	defer r.saveMu.Unlock()

	c.mu.Lock()
	snap := c.snapshotLocked(r)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.SaveTimeout)
	defer cancel()
	if err := c.store.Save(ctx, snap); err != nil {
		c.log.Warn("broadcast snapshot failed", "broadcast_id", r.id, "err", err)
	}
}

func (c *Controller) snapshotLocked(r *run) snapshot.Snapshot {
	return snapshot.Snapshot{
		BroadcastID:    r.id,
		Name:           r.name,
		Status:         string(r.status),
		Template:       r.template,
		StartedAt:      r.startedAt,
		ScheduledFor:   r.scheduledFor,
		ScheduleID:     r.scheduleID,
		FinishedAt:     r.finishedAt,
		Counts:         c.registry.Counts(r.id),
		ActiveIDs:      c.registry.ActiveIDs(r.id),
		Jobs:           c.registry.Snapshot(r.id),
		Remaining:      append([]calls.Contact(nil), r.remaining...),
		NextBatch:      r.nextBatch,
		BatchCount:     r.batchCount,
		Planned:        r.planned,
		Skipped:        r.skipped,
		DispatchFailed: r.dispatchFailed,
		LastError:      r.lastError,
		SavedAt:        c.clock().UTC(),
	}
}

// Restore reloads resumable broadcasts from the snapshot store. Each
// restored dispatching or active broadcast gets exactly one reconciliation
// pass before its regular poll cadence starts. Paused broadcasts stay
// paused. It returns the number of broadcasts restored.
func (c *Controller) Restore(ctx context.Context) (int, error) {
	snaps, err := c.store.ListResumable(ctx)
	if err != nil {
		return 0, err
	}

	restored := 0
	for _, s := range snaps {
		c.mu.Lock()
		if _, ok := c.runs[s.BroadcastID]; ok || c.closed {
			c.mu.Unlock()
			continue
		}
		if err := c.registry.Restore(s.BroadcastID, s.Jobs); err != nil {
			c.mu.Unlock()
			c.log.Error("broadcast restore failed", "broadcast_id", s.BroadcastID, "err", err)
			continue
		}
		r := runFromSnapshot(s)
		c.runs[r.id] = r
		c.order = append(c.order, r.id)
		c.mu.Unlock()
		restored++

		if r.status == StatusPaused {
			c.log.Info("broadcast restored", "broadcast_id", r.id, "status", r.status)
			continue
		}

		round := c.reconciler.Reconcile(ctx, r.id)

		c.mu.Lock()
		r.warning = round.Warning()
		var evs []Event
		if r.dispatchDone {
			evs = c.finishDispatchLocked(r)
		}
		if r.status == StatusDispatching && c.registry.Counts(r.id).Total > 0 {
			r.status = StatusActive
		}
		if !r.status.Terminal() && r.status != StatusIdle && !c.closed {
			c.launchLocked(r)
		}
		status := r.status
		c.mu.Unlock()

		c.log.Info("broadcast restored", "broadcast_id", r.id, "status", status,
			"polled", round.Polled, "completed", round.Delta.Completed, "failed", round.Delta.Failed)
		c.persist(r)
		c.publish(evs...)
	}
	return restored, nil
}

func runFromSnapshot(s snapshot.Snapshot) *run {
	return &run{
		id:             s.BroadcastID,
		name:           s.Name,
		status:         Status(s.Status),
		template:       s.Template,
		startedAt:      s.StartedAt,
		scheduledFor:   s.ScheduledFor,
		scheduleID:     s.ScheduleID,
		finishedAt:     s.FinishedAt,
		remaining:      append([]calls.Contact(nil), s.Remaining...),
		nextBatch:      s.NextBatch,
		batchCount:     s.BatchCount,
		planned:        s.Planned,
		skipped:        s.Skipped,
		dispatchFailed: s.DispatchFailed,
		dispatchDone:   len(s.Remaining) == 0,
		lastError:      s.LastError,
	}
}

// Shutdown stops every loop, waits for in-flight work (including provider
// cancellations) and snapshots live broadcasts so Restore can pick them up.
// Statuses are left untouched.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	runs := make([]*run, 0, len(c.runs))
	for _, r := range c.runs {
		if r.cancel != nil {
			r.cancel()
			r.cancel = nil
		}
		r.polling = false
		runs = append(runs, r)
	}
	c.mu.Unlock()
	c.stopRoot()

	done := make(chan struct{})
	go func() {
		for _, r := range runs {
			r.wg.Wait()
		}
		c.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	for _, r := range runs {
		c.mu.Lock()
		live := r.status.Live()
		c.mu.Unlock()
		if live {
			c.persist(r)
		}
	}
	return nil
}
