package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"voicecast/internal/broadcast"
	"voicecast/internal/calls"
	"voicecast/internal/reconcile"

	"github.com/google/uuid"
)

// Starter launches broadcasts. *broadcast.Controller satisfies it.
type Starter interface {
	Start(ctx context.Context, req broadcast.StartRequest) (broadcast.Broadcast, error)
	Has(id string) bool
}

// Poller queries call statuses without touching any registry.
// *reconcile.Reconciler satisfies it.
type Poller interface {
	PollOnce(ctx context.Context, ids []string) []reconcile.StatusUpdate
}

// Lease is a cross-replica mutual exclusion hint taken before an entry is
// claimed. *utils.RedisLease satisfies it.
type Lease interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// Pruner forgets finished broadcasts older than retention.
// *broadcast.Controller satisfies it.
type Pruner interface {
	Prune(ctx context.Context, retention time.Duration) (int, error)
}

// Notifier is told about entries that failed to start.
// *audit.Service satisfies it.
type Notifier interface {
	ScheduleFailed(ctx context.Context, scheduleID string, cause error)
}

type Config struct {
	ScanInterval     time.Duration
	RecoveryInterval time.Duration
	Location         *time.Location

	// LeaseTTL bounds how long one replica holds an entry while starting it.
	LeaseTTL time.Duration
	// StaleAfter fails an in-progress entry that never produced a call and
	// whose broadcast is no longer live.
	StaleAfter time.Duration
	// PastTolerance is how far in the past a new entry may be scheduled.
	PastTolerance time.Duration

	// Retention is how long finished broadcasts are kept; zero keeps them.
	Retention     time.Duration
	PruneInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		ScanInterval:     20 * time.Second,
		RecoveryInterval: 10 * time.Second,
		Location:         time.UTC,
		LeaseTTL:         time.Minute,
		StaleAfter:       15 * time.Minute,
		PastTolerance:    time.Minute,
		PruneInterval:    time.Hour,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ScanInterval <= 0 {
		c.ScanInterval = d.ScanInterval
	}
	if c.RecoveryInterval <= 0 {
		c.RecoveryInterval = d.RecoveryInterval
	}
	if c.Location == nil {
		c.Location = d.Location
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = d.LeaseTTL
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = d.StaleAfter
	}
	if c.PastTolerance <= 0 {
		c.PastTolerance = d.PastTolerance
	}
	if c.PruneInterval <= 0 {
		c.PruneInterval = d.PruneInterval
	}
	return c
}

// Service owns scheduled entries: creation, cancellation, the due-entry scan
// and the recovery pass for entries whose broadcast is no longer live.
type Service struct {
	repo    Repository
	sets    ContactSetRepository
	starter Starter
	poller  Poller
	lease   Lease
	notify  Notifier
	pruner  Pruner
	cfg     Config
	log     *slog.Logger

	clock func() time.Time
	newID func() string

	// mu serializes read-modify-write of entries within this process.
	mu sync.Mutex

	cronMu sync.Mutex
	cron   *cronRunner
}

// NewService wires the scheduler. lease may be nil on single-replica setups.
func NewService(repo Repository, sets ContactSetRepository, starter Starter, poller Poller, lease Lease, cfg Config, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		repo:    repo,
		sets:    sets,
		starter: starter,
		poller:  poller,
		lease:   lease,
		cfg:     cfg.withDefaults(),
		log:     log.With("component", "scheduler"),
		clock:   time.Now,
		newID:   uuid.NewString,
	}
}

type CreateRequest struct {
	Name         string          `json:"name"`
	ScheduledFor time.Time       `json:"scheduled_for"`
	Template     calls.Template  `json:"template"`
	ContactSetID string          `json:"contact_set_id"`
	Contacts     []calls.Contact `json:"contacts"`
}

// Create stores a new scheduled entry. Inline contacts are saved as a new
// contact set; otherwise ContactSetID must reference an existing one.
func (s *Service) Create(ctx context.Context, req CreateRequest) (Entry, error) {
	now := s.clock().UTC()
	if req.ScheduledFor.IsZero() {
		return Entry{}, fmt.Errorf("%w: scheduled_for is required", ErrInvalidEntry)
	}
	if req.ScheduledFor.Before(now.Add(-s.cfg.PastTolerance)) {
		return Entry{}, fmt.Errorf("%w: scheduled_for is in the past", ErrInvalidEntry)
	}
	if strings.TrimSpace(req.Template.Content) == "" {
		return Entry{}, fmt.Errorf("%w: template content is required", ErrInvalidEntry)
	}

	setID := strings.TrimSpace(req.ContactSetID)
	var clients int
	switch {
	case len(req.Contacts) > 0:
		cs, err := s.CreateContactSet(ctx, req.Name, req.Contacts)
		if err != nil {
			return Entry{}, err
		}
		setID, clients = cs.ID, len(cs.Contacts)
	case setID != "":
		cs, err := s.sets.GetContactSet(ctx, setID)
		if err != nil {
			if errors.Is(err, ErrContactSetNotFound) {
				return Entry{}, fmt.Errorf("%w: contact set %s not found", ErrInvalidEntry, setID)
			}
			return Entry{}, err
		}
		clients = len(cs.Contacts)
	default:
		return Entry{}, fmt.Errorf("%w: contacts or contact_set_id is required", ErrInvalidEntry)
	}

	e := Entry{
		ID:           s.newID(),
		Name:         req.Name,
		ScheduledFor: req.ScheduledFor.UTC(),
		Template:     req.Template,
		ContactSetID: setID,
		Status:       StatusScheduled,
		ClientCount:  clients,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.repo.Insert(ctx, e); err != nil {
		return Entry{}, err
	}
	s.log.Info("broadcast scheduled", "schedule_id", e.ID, "scheduled_for", e.ScheduledFor, "contacts", clients)
	return e, nil
}

// WithNotifier registers a receiver for start failures.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notify = n
	return s
}

// WithPruner enables the retention sweep of finished broadcasts.
func (s *Service) WithPruner(p Pruner) *Service {
	s.pruner = p
	return s
}

// pruneFinished runs one retention sweep.
func (s *Service) pruneFinished(ctx context.Context) (int, error) {
	if s.pruner == nil || s.cfg.Retention <= 0 {
		return 0, nil
	}
	n, err := s.pruner.Prune(ctx, s.cfg.Retention)
	if n > 0 {
		s.log.Info("finished broadcasts removed", "count", n, "retention", s.cfg.Retention)
	}
	return n, err
}

func (s *Service) CreateContactSet(ctx context.Context, name string, contacts []calls.Contact) (ContactSet, error) {
	if len(contacts) == 0 {
		return ContactSet{}, fmt.Errorf("%w: contact set is empty", ErrInvalidEntry)
	}
	cs := ContactSet{
		ID:        s.newID(),
		Name:      name,
		Contacts:  append([]calls.Contact(nil), contacts...),
		CreatedAt: s.clock().UTC(),
	}
	if err := s.sets.InsertContactSet(ctx, cs); err != nil {
		return ContactSet{}, err
	}
	return cs, nil
}

func (s *Service) GetContactSet(ctx context.Context, id string) (ContactSet, error) {
	return s.sets.GetContactSet(ctx, id)
}

// Cancel cancels an entry that has not started yet.
func (s *Service) Cancel(ctx context.Context, id string) (Entry, error) {
	ok, err := s.repo.Transition(ctx, id, StatusScheduled, StatusCancelled, s.clock().UTC())
	if err != nil {
		return Entry{}, err
	}
	if !ok {
		return Entry{}, ErrNotCancellable
	}
	s.log.Info("scheduled broadcast cancelled", "schedule_id", id)
	return s.repo.Get(ctx, id)
}

func (s *Service) Get(ctx context.Context, id string) (Entry, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, status Status) ([]Entry, error) {
	return s.repo.List(ctx, status)
}

// ScanDue starts every entry whose time has come. A failing entry is marked
// failed and does not stop the scan. It returns the number started.
func (s *Service) ScanDue(ctx context.Context) (int, error) {
	now := s.clock().UTC()
	due, err := s.repo.Due(ctx, now)
	if err != nil {
		return 0, err
	}
	started := 0
	for _, e := range due {
		if ctx.Err() != nil {
			return started, ctx.Err()
		}
		ok, err := s.trigger(ctx, e, now)
		if err != nil {
			var rerr *ResolutionError
			if errors.As(err, &rerr) {
				s.markFailed(ctx, e.ID, rerr)
				continue
			}
			s.log.Warn("scheduled broadcast not started", "schedule_id", e.ID, "err", err)
			continue
		}
		if ok {
			started++
		}
	}
	return started, nil
}

// trigger claims and starts one entry. It reports false when another
// scheduler got there first.
func (s *Service) trigger(ctx context.Context, e Entry, now time.Time) (bool, error) {
	if s.lease != nil {
		key := "schedule:" + e.ID
		ok, err := s.lease.TryAcquire(ctx, key, s.cfg.LeaseTTL)
		if err != nil {
			return false, fmt.Errorf("lease %s: %w", e.ID, err)
		}
		if !ok {
			return false, nil
		}
		defer func() {
			if err := s.lease.Release(context.WithoutCancel(ctx), key); err != nil {
				s.log.Debug("lease release failed", "schedule_id", e.ID, "err", err)
			}
		}()
	}

	claimed, err := s.repo.Claim(ctx, e.ID, now)
	if err != nil || !claimed {
		return false, err
	}

	if strings.TrimSpace(e.Template.Content) == "" {
		return false, &ResolutionError{EntryID: e.ID, Reason: "template has no content"}
	}
	cs, err := s.sets.GetContactSet(ctx, e.ContactSetID)
	if err != nil {
		return false, &ResolutionError{EntryID: e.ID, Reason: "contact set " + e.ContactSetID + " unavailable", Err: err}
	}

	broadcastID := s.newID()
	if err := s.mutate(ctx, e.ID, func(x *Entry) bool {
		x.BroadcastID = broadcastID
		x.ClientCount = len(cs.Contacts)
		return true
	}); err != nil {
		return false, err
	}

	scheduledFor := e.ScheduledFor
	_, err = s.starter.Start(ctx, broadcast.StartRequest{
		ID:           broadcastID,
		Name:         e.Name,
		Template:     e.Template,
		Contacts:     cs.Contacts,
		ScheduledFor: &scheduledFor,
		ScheduleID:   e.ID,
	})
	if err != nil {
		return false, &ResolutionError{EntryID: e.ID, Reason: "broadcast did not start", Err: err}
	}
	s.log.Info("scheduled broadcast started", "schedule_id", e.ID, "broadcast_id", broadcastID, "contacts", len(cs.Contacts))
	return true, nil
}

func (s *Service) markFailed(ctx context.Context, id string, cause error) {
	s.log.Error("scheduled broadcast failed", "schedule_id", id, "err", cause)
	err := s.mutate(context.WithoutCancel(ctx), id, func(e *Entry) bool {
		if e.Status != StatusInProgress && e.Status != StatusScheduled {
			return false
		}
		now := s.clock().UTC()
		e.Status = StatusFailed
		e.LastError = cause.Error()
		e.FinishedAt = &now
		return true
	})
	if err != nil {
		s.log.Warn("schedule entry update failed", "schedule_id", id, "err", err)
	}
	if s.notify != nil {
		s.notify.ScheduleFailed(context.WithoutCancel(ctx), id, cause)
	}
}

// Recover polls in-progress entries whose broadcast is not live in this
// process, writes the recomputed counters back and completes entries whose
// calls are all terminal. It returns the number of entries completed.
func (s *Service) Recover(ctx context.Context) (int, error) {
	entries, err := s.repo.List(ctx, StatusInProgress)
	if err != nil {
		return 0, err
	}
	now := s.clock().UTC()
	done := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		if e.BroadcastID != "" && s.starter.Has(e.BroadcastID) {
			continue
		}
		if len(e.ProviderCallIDs) == 0 {
			if e.StartedAt != nil && now.Sub(*e.StartedAt) > s.cfg.StaleAfter {
				s.markFailed(ctx, e.ID, errors.New("broadcast was lost before any call was dispatched"))
			}
			continue
		}

		completed, failed, unknown := 0, 0, 0
		for _, u := range s.poller.PollOnce(ctx, e.ProviderCallIDs) {
			if u.Err != nil {
				unknown++
				continue
			}
			switch u.Status.Class() {
			case calls.ClassSuccess:
				completed++
			case calls.ClassFailure:
				failed++
			}
		}
		finished := completed+failed == len(e.ProviderCallIDs)

		err := s.mutate(ctx, e.ID, func(x *Entry) bool {
			if x.Status != StatusInProgress {
				return false
			}
			x.Completed, x.Failed = completed, failed
			if finished {
				x.Status = StatusCompleted
				x.FinishedAt = &now
			}
			return true
		})
		if err != nil {
			s.log.Warn("schedule entry update failed", "schedule_id", e.ID, "err", err)
			continue
		}
		s.log.Debug("scheduled broadcast recovered", "schedule_id", e.ID,
			"completed", completed, "failed", failed, "unreachable", unknown)
		if finished {
			done++
			s.log.Info("scheduled broadcast completed", "schedule_id", e.ID, "completed", completed, "failed", failed)
		}
	}
	return done, nil
}

// HandleEvent mirrors controller events onto the entry that started the
// broadcast. Events for manual broadcasts are ignored.
func (s *Service) HandleEvent(ev broadcast.Event) {
	if ev.ScheduleID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	at := ev.At
	if at.IsZero() {
		at = s.clock().UTC()
	}
	err := s.mutate(ctx, ev.ScheduleID, func(e *Entry) bool {
		if e.Status != StatusInProgress {
			return false
		}
		switch ev.Type {
		case broadcast.EventDispatched:
			e.ProviderCallIDs = appendUnique(e.ProviderCallIDs, ev.ProviderCallIDs)
		case broadcast.EventCompleted:
			e.Status = StatusCompleted
			e.Completed, e.Failed = ev.Counts.Completed, ev.Counts.Failed
			e.FinishedAt = &at
		case broadcast.EventCancelled:
			e.Status = StatusCancelled
			e.FinishedAt = &at
		case broadcast.EventAborted:
			e.Status = StatusFailed
			e.LastError = ev.Message
			e.FinishedAt = &at
		default:
			return false
		}
		return true
	})
	if err != nil {
		s.log.Warn("schedule entry update failed", "schedule_id", ev.ScheduleID, "event", ev.Type, "err", err)
	}
}

// mutate applies fn to the stored entry and writes it back when fn reports a
// change.
func (s *Service) mutate(ctx context.Context, id string, fn func(*Entry) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if !fn(&e) {
		return nil
	}
	e.UpdatedAt = s.clock().UTC()
	return s.repo.Update(ctx, e)
}

func appendUnique(dst, ids []string) []string {
	seen := make(map[string]struct{}, len(dst))
	for _, id := range dst {
		seen[id] = struct{}{}
	}
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		dst = append(dst, id)
	}
	return dst
}
