package broadcast

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"voicecast/internal/calls"
	"voicecast/internal/dispatch"
	"voicecast/internal/reconcile"
	"voicecast/internal/registry"
	"voicecast/internal/snapshot"
	"voicecast/internal/telephony"
	"voicecast/pkg/utils"

	"github.com/google/uuid"
)

type Config struct {
	BatchSize    int
	PollInterval time.Duration

	// CancelTimeout bounds the provider cancel-all call, retries included.
	CancelTimeout time.Duration
	CancelRetry   utils.RetryPolicy

	// SaveTimeout bounds one snapshot write.
	SaveTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		BatchSize:     calls.DefaultBatchSize,
		PollInterval:  10 * time.Second,
		CancelTimeout: 30 * time.Second,
		CancelRetry:   utils.RetryPolicy{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second},
		SaveTimeout:   5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.CancelTimeout <= 0 {
		c.CancelTimeout = d.CancelTimeout
	}
	if c.SaveTimeout <= 0 {
		c.SaveTimeout = d.SaveTimeout
	}
	return c
}

// run is the controller-owned state of one broadcast. Fields are guarded by
// Controller.mu except saveMu, which orders snapshot writes.
type run struct {
	id           string
	name         string
	status       Status
	template     calls.Template
	startedAt    time.Time
	finishedAt   *time.Time
	scheduledFor *time.Time
	scheduleID   string

	// remaining are dialable contacts not yet dispatched.
	remaining      []calls.Contact
	nextBatch      int
	batchCount     int
	planned        int
	skipped        int
	dispatchFailed int
	dispatchDone   bool
	lastError      string
	warning        string

	session *dispatch.Session
	polling bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	saveMu sync.Mutex
}

// Controller owns every broadcast of this process and drives their dispatch
// and reconciliation loops.
type Controller struct {
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	reconciler *reconcile.Reconciler
	provider   telephony.CallProvider
	store      snapshot.Store
	cfg        Config
	log        *slog.Logger

	clock func() time.Time
	newID func() string

	mu       sync.Mutex
	runs     map[string]*run
	order    []string
	closed   bool
	rootCtx  context.Context
	stopRoot context.CancelFunc

	subMu sync.RWMutex
	subs  []func(Event)

	// bg tracks fire-and-forget provider cancellations.
	bg sync.WaitGroup
}

func NewController(
	reg *registry.Registry,
	d *dispatch.Dispatcher,
	rec *reconcile.Reconciler,
	provider telephony.CallProvider,
	store snapshot.Store,
	cfg Config,
	log *slog.Logger,
) *Controller {
	if log == nil {
		log = slog.Default()
	}
	if store == nil {
		store = snapshot.NewMemoryStore()
	}
	root, stop := context.WithCancel(context.Background())
	return &Controller{
		registry:   reg,
		dispatcher: d,
		reconciler: rec,
		provider:   provider,
		store:      store,
		cfg:        cfg.withDefaults(),
		log:        log,
		clock:      time.Now,
		newID:      uuid.NewString,
		runs:       map[string]*run{},
		rootCtx:    root,
		stopRoot:   stop,
	}
}

// Subscribe registers fn for every event. fn is called outside controller
// locks, on the goroutine that caused the event.
func (c *Controller) Subscribe(fn func(Event)) {
	if fn == nil {
		return
	}
	c.subMu.Lock()
	c.subs = append(c.subs, fn)
	c.subMu.Unlock()
}

func (c *Controller) publish(events ...Event) {
	if len(events) == 0 {
		return
	}
	c.subMu.RLock()
	subs := append([]func(Event){}, c.subs...)
	c.subMu.RUnlock()
	for _, ev := range events {
		for _, fn := range subs {
			fn(ev)
		}
	}
}

func (c *Controller) eventLocked(r *run, t EventType) Event {
	return Event{
		Type:        t,
		BroadcastID: r.id,
		ScheduleID:  r.scheduleID,
		Counts:      c.registry.Counts(r.id),
		At:          c.clock().UTC(),
	}
}

// Start creates a broadcast and begins dispatching in the background. It
// returns as soon as the broadcast is in the dispatching state.
func (c *Controller) Start(ctx context.Context, req StartRequest) (Broadcast, error) {
	if strings.TrimSpace(req.Template.Content) == "" {
		return Broadcast{}, ErrInvalidTemplate
	}
	dialable, skipped := calls.FilterDialable(req.Contacts)
	if len(dialable) == 0 {
		return Broadcast{}, ErrNoContacts
	}

	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = c.newID()
	}

	c.mu.Lock()
	if prev, ok := c.runs[id]; ok && prev.status == StatusIdle {
		// let the aborted run finish its last snapshot first
		c.mu.Unlock()
		prev.wg.Wait()
		c.mu.Lock()
	}
	if c.closed {
		c.mu.Unlock()
		return Broadcast{}, ErrShuttingDown
	}
	if prev, ok := c.runs[id]; ok && prev.status != StatusIdle {
		c.mu.Unlock()
		return Broadcast{}, ErrAlreadyExists
	}

	now := c.clock().UTC()
	r := &run{
		id:           id,
		name:         req.Name,
		status:       StatusDispatching,
		template:     req.Template,
		startedAt:    now,
		scheduledFor: req.ScheduledFor,
		scheduleID:   req.ScheduleID,
		remaining:    dialable,
		batchCount:   len(calls.Split(dialable, c.cfg.BatchSize)),
		planned:      len(dialable),
		skipped:      skipped,
	}
	if _, ok := c.runs[id]; !ok {
		c.order = append(c.order, id)
	}
	c.runs[id] = r
	// a restarted idle broadcast begins from zero
	c.registry.Discard(id)
	c.registry.Open(id)
	c.launchLocked(r)
	view := c.viewLocked(r)
	ev := c.eventLocked(r, EventStarted)
	c.mu.Unlock()

	c.log.Info("broadcast started", "broadcast_id", id, "contacts", r.planned, "skipped", skipped, "batches", r.batchCount)
	c.persist(r)
	c.publish(ev)
	return view, nil
}

// launchLocked starts the dispatch loop (when batches remain) and the poll
// loop (when jobs exist).
func (c *Controller) launchLocked(r *run) {
	ctx, cancel := context.WithCancel(c.rootCtx)
	r.cancel = cancel
	r.polling = false
	if !r.dispatchDone {
		r.session = c.dispatcher.NewSession(r.id, r.template)
		r.wg.Add(1)
		go c.dispatchLoop(ctx, r)
	}
	if c.registry.Counts(r.id).Total > 0 {
		c.startPollingLocked(ctx, r)
	}
}

func (c *Controller) startPollingLocked(ctx context.Context, r *run) {
	if r.polling {
		return
	}
	r.polling = true
	r.wg.Add(1)
	go c.pollLoop(ctx, r)
}

// Pause stops polling and dispatch. Jobs stay in the Registry; calls already
// placed keep running at the provider.
func (c *Controller) Pause(ctx context.Context, id string) (Broadcast, error) {
	c.mu.Lock()
	r, ok := c.runs[id]
	if !ok {
		c.mu.Unlock()
		return Broadcast{}, ErrNotFound
	}
	if r.status == StatusPaused {
		view := c.viewLocked(r)
		c.mu.Unlock()
		return view, nil
	}
	if r.status != StatusDispatching && r.status != StatusActive {
		c.mu.Unlock()
		return Broadcast{}, ErrInvalidTransition
	}
	r.status = StatusPaused
	c.stopLocked(r)
	view := c.viewLocked(r)
	ev := c.eventLocked(r, EventPaused)
	c.mu.Unlock()

	c.log.Info("broadcast paused", "broadcast_id", id)
	c.persist(r)
	c.publish(ev)
	return view, nil
}

// Resume re-enters polling for the live active set and continues any
// undispatched batches.
func (c *Controller) Resume(ctx context.Context, id string) (Broadcast, error) {
	c.mu.Lock()
	r, ok := c.runs[id]
	if !ok {
		c.mu.Unlock()
		return Broadcast{}, ErrNotFound
	}
	if r.status != StatusPaused {
		c.mu.Unlock()
		return Broadcast{}, ErrInvalidTransition
	}
	c.mu.Unlock()

	// the previous loops may still be finishing an in-flight batch
	r.wg.Wait()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Broadcast{}, ErrShuttingDown
	}
	if r.status != StatusPaused {
		c.mu.Unlock()
		return Broadcast{}, ErrInvalidTransition
	}
	if c.registry.Counts(id).Total > 0 {
		r.status = StatusActive
	} else {
		r.status = StatusDispatching
	}
	c.launchLocked(r)
	view := c.viewLocked(r)
	ev := c.eventLocked(r, EventResumed)
	c.mu.Unlock()

	c.log.Info("broadcast resumed", "broadcast_id", id, "status", view.Status)
	c.persist(r)
	c.publish(ev)
	return view, nil
}

// Cancel moves the broadcast to cancelled regardless of the provider's
// answer. The provider cancel-all request runs in the background; its
// failure is logged and published as EventCancelFailed.
func (c *Controller) Cancel(ctx context.Context, id string) (Broadcast, error) {
	c.mu.Lock()
	r, ok := c.runs[id]
	if !ok {
		c.mu.Unlock()
		return Broadcast{}, ErrNotFound
	}
	switch r.status {
	case StatusCancelled:
		view := c.viewLocked(r)
		c.mu.Unlock()
		return view, nil
	case StatusCompleted:
		c.mu.Unlock()
		return Broadcast{}, ErrInvalidTransition
	}

	// an aborted broadcast has nothing running at the provider
	remote := r.status != StatusIdle
	r.status = StatusCancelled
	now := c.clock().UTC()
	r.finishedAt = &now
	r.remaining = nil
	c.stopLocked(r)
	active := c.registry.ActiveIDs(id)
	c.registry.Discard(id)
	c.reconciler.Forget(active...)
	view := c.viewLocked(r)
	ev := c.eventLocked(r, EventCancelled)
	ev.Message = "cancelled by operator"
	c.mu.Unlock()

	c.log.Info("broadcast cancelled", "broadcast_id", id, "active_discarded", len(active))
	if remote {
		c.cancelRemote(id, r.scheduleID)
	}
	c.persist(r)
	c.publish(ev)
	return view, nil
}

func (c *Controller) cancelRemote(id, scheduleID string) {
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CancelTimeout)
		defer cancel()

		_, err := utils.Retry(ctx, c.cfg.CancelRetry, func(ctx context.Context) (struct{}, error) {
			err := c.provider.CancelAll(ctx, id)
			var se *telephony.StatusError
			if errors.As(err, &se) && !se.Retryable() {
				return struct{}{}, utils.Permanent(err)
			}
			return struct{}{}, err
		})
		if err == nil {
			c.log.Info("provider calls cancelled", "broadcast_id", id)
			return
		}
		c.log.Error("provider cancel-all failed", "broadcast_id", id, "err", err)
		c.publish(Event{
			Type:        EventCancelFailed,
			BroadcastID: id,
			ScheduleID:  scheduleID,
			Message:     "provider cancel-all failed; calls may still be running",
			Err:         err,
			At:          c.clock().UTC(),
		})
	}()
}

// stopLocked cancels the run's loops. Resume and Shutdown wait on r.wg
// outside c.mu.
func (c *Controller) stopLocked(r *run) {
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.polling = false
}

// Get returns the broadcast's current view. Broadcasts this process does not
// own (finished before a restart) are read from their last snapshot.
func (c *Controller) Get(id string) (Broadcast, error) {
	c.mu.Lock()
	r, ok := c.runs[id]
	if ok {
		view := c.viewLocked(r)
		c.mu.Unlock()
		return view, nil
	}
	c.mu.Unlock()

	s, err := c.loadSnapshot(id)
	if err != nil {
		return Broadcast{}, err
	}
	return viewFromSnapshot(s), nil
}

// List returns every broadcast held by this process, newest first. Finished
// broadcasts of earlier processes are reachable through Get only.
func (c *Controller) List() []Broadcast {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Broadcast, 0, len(c.order))
	for i := len(c.order) - 1; i >= 0; i-- {
		out = append(out, c.viewLocked(c.runs[c.order[i]]))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// Jobs returns the broadcast's call records in dispatch order, falling back
// to the last snapshot like Get.
func (c *Controller) Jobs(id string) ([]calls.CallJob, error) {
	c.mu.Lock()
	_, ok := c.runs[id]
	c.mu.Unlock()
	if ok {
		return c.registry.Jobs(id), nil
	}

	s, err := c.loadSnapshot(id)
	if err != nil {
		return nil, err
	}
	return s.Jobs, nil
}

// Has reports whether the broadcast is live in this process.
func (c *Controller) Has(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.runs[id]
	return ok && r.status.Live()
}

func (c *Controller) viewLocked(r *run) Broadcast {
	end := c.clock()
	if r.finishedAt != nil {
		end = *r.finishedAt
	}
	return Broadcast{
		ID:           r.id,
		Name:         r.name,
		Status:       r.status,
		Template:     r.template,
		StartedAt:    r.startedAt,
		FinishedAt:   r.finishedAt,
		ScheduledFor: r.scheduledFor,
		ScheduleID:   r.scheduleID,
		BatchCount:   r.batchCount,
		NextBatch:    r.nextBatch,
		DispatchDone: r.dispatchDone,
		LastError:    r.lastError,
		Warning:      r.warning,
		Progress:     newProgress(c.registry.Counts(r.id), r.planned, r.skipped, r.dispatchFailed, end.Sub(r.startedAt)),
	}
}
