package broadcast

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"voicecast/internal/calls"
	"voicecast/internal/dispatch"
	"voicecast/internal/reconcile"
	"voicecast/internal/registry"
	"voicecast/internal/snapshot"
	"voicecast/internal/telephony"
	"voicecast/pkg/utils"
)

type fakeProvider struct {
	mu        sync.Mutex
	next      int
	status    string
	failBatch map[int]error // by request number, 1-based
	placed    map[string]int // successful placements by phone

	// entered is signalled, and gate awaited, before a request is answered
	entered chan struct{}
	gate    chan struct{}

	requests  atomic.Int64
	polls     atomic.Int64
	cancels   atomic.Int64
	cancelErr error
}

func newFakeProvider(status string) *fakeProvider {
	return &fakeProvider{status: status, failBatch: map[int]error{}, placed: map[string]int{}}
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) MakeCalls(ctx context.Context, req telephony.MakeCallsRequest) (telephony.MakeCallsResult, error) {
	n := int(p.requests.Add(1))
	if p.entered != nil {
		p.entered <- struct{}{}
	}
	if p.gate != nil {
		<-p.gate
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err, ok := p.failBatch[n]; ok {
		return telephony.MakeCallsResult{}, err
	}
	if err, ok := p.failBatch[0]; ok {
		return telephony.MakeCallsResult{}, err
	}
	ids := make([]string, len(req.Targets))
	for i := range ids {
		p.next++
		ids[i] = "CA" + strconv.Itoa(p.next)
		p.placed[req.Targets[i].Phone]++
	}
	return telephony.MakeCallsResult{ProviderCallIDs: ids}, nil
}

func (p *fakeProvider) CallStatus(ctx context.Context, id string) (telephony.CallStatusResult, error) {
	p.polls.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	return telephony.CallStatusResult{ProviderCallID: id, Status: p.status}, nil
}

func (p *fakeProvider) CancelAll(ctx context.Context, campaignID string) error {
	p.cancels.Add(1)
	return p.cancelErr
}

func (p *fakeProvider) setStatus(s string) {
	p.mu.Lock()
	p.status = s
	p.mu.Unlock()
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) count(t EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func (l *eventLog) last(t EventType) (Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.events) - 1; i >= 0; i-- {
		if l.events[i].Type == t {
			return l.events[i], true
		}
	}
	return Event{}, false
}

func newTestController(t *testing.T, p telephony.CallProvider, store snapshot.Store, poll time.Duration) (*Controller, *registry.Registry, *eventLog) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	fast := utils.RetryPolicy{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

	reg := registry.New()
	dcfg := dispatch.DefaultConfig()
	dcfg.InterBatchDelay = 0
	dcfg.Retry = fast
	d := dispatch.New(p, reg, dcfg, log)
	rec := reconcile.New(p, reg, reconcile.Config{Concurrency: 8, Timeout: time.Second, Retry: utils.RetryPolicy{BaseDelay: time.Millisecond}, WarnAfter: 3}, log)

	c := NewController(reg, d, rec, p, store, Config{
		BatchSize:     50,
		PollInterval:  poll,
		CancelTimeout: time.Second,
		CancelRetry:   fast,
	}, log)
	events := &eventLog{}
	c.Subscribe(events.record)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = c.Shutdown(ctx)
	})
	return c, reg, events
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func contacts(n int) []calls.Contact {
	out := make([]calls.Contact, n)
	for i := range out {
		out[i] = calls.Contact{ID: "c" + strconv.Itoa(i), FirstName: "N" + strconv.Itoa(i), Phone: "+1555" + strconv.Itoa(i)}
	}
	return out
}

func statusOf(c *Controller, id string) Status {
	b, err := c.Get(id)
	if err != nil {
		return ""
	}
	return b.Status
}

func checkInvariant(t *testing.T, p Progress) {
	t.Helper()
	if p.Completed+p.Failed+p.Active != p.Total {
		t.Fatalf("progress invariant broken: %+v", p)
	}
}

func TestController_AllTerminalCompletesAndStopsPolling(t *testing.T) {
	p := newFakeProvider("completed")
	store := snapshot.NewMemoryStore()
	c, _, events := newTestController(t, p, store, 5*time.Millisecond)

	b, err := c.Start(context.Background(), StartRequest{Template: calls.Template{Content: "Hi {firstName}"}, Contacts: contacts(120)})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if b.Status != StatusDispatching || b.BatchCount != 3 {
		t.Fatalf("unexpected start view %+v", b)
	}

	waitFor(t, "completion", func() bool {
		v, _ := c.Get(b.ID)
		checkInvariant(t, v.Progress)
		return v.Status == StatusCompleted
	})

	v, _ := c.Get(b.ID)
	if v.Progress.Total != 120 || v.Progress.Completed != 120 || v.Progress.Percent != 100 {
		t.Fatalf("unexpected progress %+v", v.Progress)
	}
	if events.count(EventDispatched) != 3 || events.count(EventCompleted) != 1 {
		t.Fatalf("unexpected events: dispatched=%d completed=%d", events.count(EventDispatched), events.count(EventCompleted))
	}

	time.Sleep(10 * time.Millisecond)
	settled := p.polls.Load()
	time.Sleep(40 * time.Millisecond)
	if p.polls.Load() != settled {
		t.Fatalf("polling continued after completion")
	}

	snap, err := store.Load(context.Background(), b.ID)
	if err != nil || snap.Status != string(StatusCompleted) {
		t.Fatalf("expected completed snapshot, got %+v %v", snap.Status, err)
	}
}

func TestController_CancelZeroesCountersRegardlessOfRemote(t *testing.T) {
	for _, tc := range []struct {
		name string
		err  error
	}{
		{"remote succeeds", nil},
		{"remote fails", &telephony.StatusError{Op: "cancel-all-calls", Code: http.StatusBadRequest}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			p := newFakeProvider("ringing")
			p.cancelErr = tc.err
			c, reg, events := newTestController(t, p, nil, 5*time.Millisecond)

			b, err := c.Start(context.Background(), StartRequest{Template: calls.Template{Content: "x"}, Contacts: contacts(4)})
			if err != nil {
				t.Fatalf("start: %v", err)
			}
			waitFor(t, "4 pending jobs", func() bool {
				v, _ := c.Get(b.ID)
				return v.Status == StatusActive && v.Progress.Active == 4
			})

			v, err := c.Cancel(context.Background(), b.ID)
			if err != nil {
				t.Fatalf("cancel: %v", err)
			}
			if v.Status != StatusCancelled {
				t.Fatalf("expected cancelled, got %s", v.Status)
			}
			if v.Progress.Total != 0 || v.Progress.Completed != 0 || v.Progress.Failed != 0 || v.Progress.Active != 0 {
				t.Fatalf("expected zero counters, got %+v", v.Progress)
			}
			if len(reg.ActiveIDs(b.ID)) != 0 {
				t.Fatalf("active set must be empty")
			}
			waitFor(t, "remote cancel", func() bool { return p.cancels.Load() >= 1 })
			if tc.err != nil {
				waitFor(t, "cancel failure event", func() bool { return events.count(EventCancelFailed) == 1 })
			}
			if statusOf(c, b.ID) != StatusCancelled {
				t.Fatalf("local state must stay cancelled")
			}

			again, err := c.Cancel(context.Background(), b.ID)
			if err != nil || again.Status != StatusCancelled {
				t.Fatalf("second cancel must be a no-op, got %v %v", again.Status, err)
			}
		})
	}
}

func TestController_RestoreRunsExactlyOnePassBeforeCadence(t *testing.T) {
	store := snapshot.NewMemoryStore()
	started := time.Now().UTC().Add(-time.Hour)
	jobs := make([]calls.CallJob, 7)
	for i := range jobs {
		since := started
		jobs[i] = calls.CallJob{
			JobID:          "j" + strconv.Itoa(i),
			BroadcastID:    "b-restart",
			ProviderCallID: "CA" + strconv.Itoa(i),
			Status:         calls.CallStatusRinging,
			PendingSince:   &since,
		}
	}
	err := store.Save(context.Background(), snapshot.Snapshot{
		BroadcastID: "b-restart",
		Status:      snapshot.StatusActive,
		Template:    calls.Template{Content: "x"},
		StartedAt:   started,
		Jobs:        jobs,
		Planned:     7,
		BatchCount:  1,
		NextBatch:   1,
	})
	if err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}

	p := newFakeProvider("ringing")
	c, _, _ := newTestController(t, p, store, time.Hour)

	n, err := c.Restore(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("restore: n=%d err=%v", n, err)
	}
	if got := p.polls.Load(); got != 7 {
		t.Fatalf("expected exactly one pass over 7 ids, got %d polls", got)
	}
	time.Sleep(20 * time.Millisecond)
	if got := p.polls.Load(); got != 7 {
		t.Fatalf("no further polls expected before the next tick, got %d", got)
	}
	if statusOf(c, "b-restart") != StatusActive || !c.Has("b-restart") {
		t.Fatalf("restored broadcast must be active and live")
	}
}

func TestController_RestoreCompletesWhenPassFindsAllTerminal(t *testing.T) {
	store := snapshot.NewMemoryStore()
	since := time.Now().UTC()
	err := store.Save(context.Background(), snapshot.Snapshot{
		BroadcastID: "b1",
		Status:      snapshot.StatusActive,
		Template:    calls.Template{Content: "x"},
		StartedAt:   since,
		Jobs: []calls.CallJob{
			{JobID: "j1", BroadcastID: "b1", ProviderCallID: "CA1", Status: calls.CallStatusQueued, PendingSince: &since},
		},
		Planned: 1,
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	c, _, events := newTestController(t, newFakeProvider("voicemail"), store, time.Hour)
	if _, err := c.Restore(context.Background()); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if statusOf(c, "b1") != StatusCompleted || events.count(EventCompleted) != 1 {
		t.Fatalf("expected completion during restore pass")
	}
}

func TestController_TotalDispatchFailureAbortsToIdle(t *testing.T) {
	p := newFakeProvider("completed")
	p.failBatch[0] = &telephony.StatusError{Op: "make-call", Code: http.StatusBadRequest}
	c, _, events := newTestController(t, p, nil, 5*time.Millisecond)

	b, err := c.Start(context.Background(), StartRequest{Template: calls.Template{Content: "x"}, Contacts: contacts(60)})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "abort", func() bool { return statusOf(c, b.ID) == StatusIdle })

	v, _ := c.Get(b.ID)
	if v.LastError == "" || v.Progress.DispatchFailed != 60 || v.Progress.Total != 0 {
		t.Fatalf("unexpected aborted view %+v", v)
	}
	if events.count(EventAborted) != 1 || events.count(EventBatchFailed) != 2 {
		t.Fatalf("expected 1 aborted and 2 batch failures, got %d/%d", events.count(EventAborted), events.count(EventBatchFailed))
	}
	if p.polls.Load() != 0 {
		t.Fatalf("no polling expected without jobs")
	}

	// an aborted broadcast can be started again under the same id
	p.mu.Lock()
	delete(p.failBatch, 0)
	p.mu.Unlock()
	if _, err := c.Start(context.Background(), StartRequest{ID: b.ID, Template: calls.Template{Content: "x"}, Contacts: contacts(2)}); err != nil {
		t.Fatalf("restart: %v", err)
	}
	waitFor(t, "restart completion", func() bool { return statusOf(c, b.ID) == StatusCompleted })
}

func TestController_RateLimitedBatchIsReportedAsSuch(t *testing.T) {
	p := newFakeProvider("completed")
	p.failBatch[0] = &telephony.StatusError{Op: "make-call", Code: http.StatusTooManyRequests}
	c, _, events := newTestController(t, p, nil, time.Hour)

	b, err := c.Start(context.Background(), StartRequest{Template: calls.Template{Content: "x"}, Contacts: contacts(2)})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "abort", func() bool { return statusOf(c, b.ID) == StatusIdle })

	ev, ok := events.last(EventBatchFailed)
	if !ok || !strings.Contains(ev.Message, "rate limit") {
		t.Fatalf("expected a rate-limit batch failure, got %+v", ev)
	}
	if !dispatch.IsKind(ev.Err, dispatch.KindRateLimited) {
		t.Fatalf("expected rate-limited dispatch error, got %v", ev.Err)
	}
	// one attempt plus one retry
	if n := p.requests.Load(); n != 2 {
		t.Fatalf("expected 2 provider requests, got %d", n)
	}
}

func TestController_PartialDispatchFailureContinues(t *testing.T) {
	p := newFakeProvider("busy")
	p.failBatch[2] = &telephony.StatusError{Op: "make-call", Code: http.StatusUnprocessableEntity}
	c, _, events := newTestController(t, p, nil, 5*time.Millisecond)

	b, err := c.Start(context.Background(), StartRequest{Template: calls.Template{Content: "x"}, Contacts: contacts(120)})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "completion", func() bool { return statusOf(c, b.ID) == StatusCompleted })

	v, _ := c.Get(b.ID)
	if v.Progress.Total != 70 || v.Progress.Failed != 70 || v.Progress.DispatchFailed != 50 {
		t.Fatalf("unexpected progress %+v", v.Progress)
	}
	if events.count(EventBatchFailed) != 1 {
		t.Fatalf("expected one batch failure event")
	}
}

func TestController_PauseStopsPollingAndResumeContinues(t *testing.T) {
	p := newFakeProvider("ringing")
	c, reg, _ := newTestController(t, p, nil, 5*time.Millisecond)

	b, err := c.Start(context.Background(), StartRequest{Template: calls.Template{Content: "x"}, Contacts: contacts(3)})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "polling", func() bool { return p.polls.Load() >= 3 })

	v, err := c.Pause(context.Background(), b.ID)
	if err != nil || v.Status != StatusPaused {
		t.Fatalf("pause: %v %v", v.Status, err)
	}
	if !c.Has(b.ID) {
		t.Fatalf("paused broadcast is still live")
	}
	time.Sleep(20 * time.Millisecond)
	settled := p.polls.Load()
	time.Sleep(30 * time.Millisecond)
	if p.polls.Load() != settled {
		t.Fatalf("polling continued while paused")
	}
	if reg.Counts(b.ID).Active != 3 {
		t.Fatalf("pause must keep the registry")
	}

	if _, err := c.Cancel(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	p.setStatus("completed")
	v, err = c.Resume(context.Background(), b.ID)
	if err != nil || v.Status != StatusActive {
		t.Fatalf("resume: %v %v", v.Status, err)
	}
	waitFor(t, "completion after resume", func() bool { return statusOf(c, b.ID) == StatusCompleted })

	if _, err := c.Cancel(context.Background(), b.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("cancel after completion must fail, got %v", err)
	}
	if _, err := c.Resume(context.Background(), b.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("resume of completed must fail, got %v", err)
	}
}

func TestController_PauseDuringBatchSendDoesNotRedial(t *testing.T) {
	p := newFakeProvider("ringing")
	p.entered = make(chan struct{}, 1)
	p.gate = make(chan struct{})
	c, reg, events := newTestController(t, p, nil, time.Hour)

	b, err := c.Start(context.Background(), StartRequest{Template: calls.Template{Content: "x"}, Contacts: contacts(2)})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case <-p.entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("batch was never sent")
	}

	v, err := c.Pause(context.Background(), b.ID)
	if err != nil || v.Status != StatusPaused {
		t.Fatalf("pause: %v %v", v.Status, err)
	}
	close(p.gate)
	waitFor(t, "in-flight batch recorded", func() bool { return reg.Counts(b.ID).Total == 2 })

	v, err = c.Resume(context.Background(), b.ID)
	if err != nil || v.Status != StatusActive {
		t.Fatalf("resume: %v %v", v.Status, err)
	}
	waitFor(t, "dispatch done", func() bool {
		v, _ := c.Get(b.ID)
		return v.DispatchDone
	})

	if n := p.requests.Load(); n != 1 {
		t.Fatalf("expected one provider request, got %d", n)
	}
	p.mu.Lock()
	for _, ct := range contacts(2) {
		if p.placed[ct.Phone] != 1 {
			p.mu.Unlock()
			t.Fatalf("%s placed %d times", ct.Phone, p.placed[ct.Phone])
		}
	}
	p.mu.Unlock()
	if events.count(EventDispatched) != 1 {
		t.Fatalf("expected one dispatched event, got %d", events.count(EventDispatched))
	}
	if v, _ := c.Get(b.ID); v.Progress.Total != 2 || v.NextBatch != 1 {
		t.Fatalf("unexpected progress after resume %+v", v)
	}
}

func waitForSnapshot(t *testing.T, store snapshot.Store, id string, status Status) {
	t.Helper()
	waitFor(t, "snapshot "+string(status), func() bool {
		s, err := store.Load(context.Background(), id)
		return err == nil && s.Status == string(status)
	})
}

func TestController_GetFallsBackToSnapshotAfterRestart(t *testing.T) {
	store := snapshot.NewMemoryStore()
	first, _, _ := newTestController(t, newFakeProvider("completed"), store, 5*time.Millisecond)

	b, err := first.Start(context.Background(), StartRequest{Name: "promo", Template: calls.Template{Content: "x"}, Contacts: contacts(2)})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForSnapshot(t, store, b.ID, StatusCompleted)

	second, _, _ := newTestController(t, newFakeProvider("completed"), store, time.Hour)
	if n, err := second.Restore(context.Background()); err != nil || n != 0 {
		t.Fatalf("finished broadcasts are not restored: %d %v", n, err)
	}
	v, err := second.Get(b.ID)
	if err != nil {
		t.Fatalf("get after restart: %v", err)
	}
	if v.Status != StatusCompleted || v.Name != "promo" || v.FinishedAt == nil || !v.DispatchDone {
		t.Fatalf("unexpected view %+v", v)
	}
	if v.Progress.Total != 2 || v.Progress.Completed != 2 || v.Progress.Percent != 100 {
		t.Fatalf("unexpected progress %+v", v.Progress)
	}
	jobs, err := second.Jobs(b.ID)
	if err != nil || len(jobs) != 2 {
		t.Fatalf("jobs after restart: %d %v", len(jobs), err)
	}
	if _, err := second.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := second.Jobs("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestController_PruneForgetsFinishedBroadcasts(t *testing.T) {
	ctx := context.Background()
	store := snapshot.NewMemoryStore()
	long := time.Now().Add(-48 * time.Hour).UTC()
	if err := store.Save(ctx, snapshot.Snapshot{BroadcastID: "old", Status: string(StatusCancelled), StartedAt: long, SavedAt: long}); err != nil {
		t.Fatal(err)
	}
	if err := store.Save(ctx, snapshot.Snapshot{BroadcastID: "parked", Status: snapshot.StatusPaused, StartedAt: long, SavedAt: long}); err != nil {
		t.Fatal(err)
	}

	c, reg, _ := newTestController(t, newFakeProvider("completed"), store, 5*time.Millisecond)
	b, err := c.Start(ctx, StartRequest{Template: calls.Template{Content: "x"}, Contacts: contacts(2)})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForSnapshot(t, store, b.ID, StatusCompleted)

	n, err := c.Prune(ctx, time.Hour)
	if err != nil || n != 1 {
		t.Fatalf("expected only the old snapshot pruned, got %d %v", n, err)
	}
	if _, err := store.Load(ctx, "old"); !errors.Is(err, snapshot.ErrNotFound) {
		t.Fatalf("old snapshot must be gone, got %v", err)
	}
	if statusOf(c, b.ID) != StatusCompleted {
		t.Fatalf("recent broadcast must be kept")
	}

	time.Sleep(5 * time.Millisecond)
	n, err = c.Prune(ctx, time.Millisecond)
	if err != nil || n != 1 {
		t.Fatalf("expected the finished broadcast pruned, got %d %v", n, err)
	}
	if _, err := c.Get(b.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("pruned broadcast must be gone, got %v", err)
	}
	if len(c.List()) != 0 || reg.Counts(b.ID).Total != 0 {
		t.Fatalf("pruned broadcast still held")
	}
	if _, err := store.Load(ctx, "parked"); err != nil {
		t.Fatalf("resumable snapshot must survive pruning: %v", err)
	}
}

func TestController_PruneKeepsLiveBroadcasts(t *testing.T) {
	ctx := context.Background()
	store := snapshot.NewMemoryStore()
	c, _, _ := newTestController(t, newFakeProvider("ringing"), store, time.Hour)

	b, err := c.Start(ctx, StartRequest{Template: calls.Template{Content: "x"}, Contacts: contacts(2)})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if n, err := c.Prune(ctx, time.Millisecond); err != nil || n != 0 {
		t.Fatalf("live broadcast pruned: %d %v", n, err)
	}
	if !c.Has(b.ID) {
		t.Fatalf("live broadcast must be kept")
	}
	if n, _ := c.Prune(ctx, 0); n != 0 {
		t.Fatalf("zero retention disables pruning")
	}
}

func TestController_StartValidation(t *testing.T) {
	c, _, _ := newTestController(t, newFakeProvider("completed"), nil, time.Hour)

	if _, err := c.Start(context.Background(), StartRequest{Template: calls.Template{Content: "x"}, Contacts: []calls.Contact{{ID: "a"}}}); !errors.Is(err, ErrNoContacts) {
		t.Fatalf("expected ErrNoContacts, got %v", err)
	}
	if _, err := c.Start(context.Background(), StartRequest{Template: calls.Template{Content: " "}, Contacts: contacts(1)}); !errors.Is(err, ErrInvalidTemplate) {
		t.Fatalf("expected ErrInvalidTemplate, got %v", err)
	}

	in := append(contacts(2), calls.Contact{ID: "nophone"})
	b, err := c.Start(context.Background(), StartRequest{ID: "dup", Template: calls.Template{Content: "x"}, Contacts: in})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if b.Progress.Planned != 2 || b.Progress.Skipped != 1 {
		t.Fatalf("unexpected planned/skipped %+v", b.Progress)
	}
	if _, err := c.Start(context.Background(), StartRequest{ID: "dup", Template: calls.Template{Content: "x"}, Contacts: contacts(1)}); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}
