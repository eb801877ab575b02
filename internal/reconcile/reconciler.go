package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"voicecast/internal/calls"
	"voicecast/internal/registry"
	"voicecast/internal/telephony"
	"voicecast/pkg/utils"

	"golang.org/x/sync/errgroup"
)

var ErrUnknownStatus = errors.New("reconcile: provider returned unknown status")

type Config struct {
	// Concurrency bounds in-flight status queries per round.
	Concurrency int
	// Timeout bounds one id's query, retries included.
	Timeout time.Duration
	Retry   utils.RetryPolicy
	// WarnAfter consecutive failed rounds for one id raise a connectivity
	// warning.
	WarnAfter int
}

func DefaultConfig() Config {
	return Config{
		Concurrency: 10,
		Timeout:     10 * time.Second,
		Retry:       utils.RetryPolicy{MaxRetries: 1, BaseDelay: 250 * time.Millisecond, MaxDelay: time.Second},
		WarnAfter:   3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.WarnAfter <= 0 {
		c.WarnAfter = d.WarnAfter
	}
	return c
}

// PollError is a failed status query for one id. It is retried on the next
// round and never removes the job from the active set.
type PollError struct {
	ProviderCallID string
	Err            error
}

func (e *PollError) Error() string {
	return fmt.Sprintf("reconcile: poll %s: %v", e.ProviderCallID, e.Err)
}

func (e *PollError) Unwrap() error { return e.Err }

// StatusUpdate is the outcome of one status query. Err is a *PollError when the
// query failed or the status could not be classified.
type StatusUpdate struct {
	ProviderCallID string
	Status         calls.CallStatus
	Raw            string
	Fields         registry.Fields
	Err            error
}

// Round is the aggregate result of one reconciliation pass for a broadcast.
type Round struct {
	BroadcastID string
	Polled      int
	Errors      int
	Delta       registry.Delta
	Counts      registry.Counts
	// Unreachable lists ids whose queries failed WarnAfter rounds in a row.
	Unreachable []string
}

// Warning is a human readable connectivity warning, or "".
func (r Round) Warning() string {
	if len(r.Unreachable) == 0 {
		return ""
	}
	return fmt.Sprintf("provider unreachable for %d active call(s); they stay active and will be polled again", len(r.Unreachable))
}

type Reconciler struct {
	provider telephony.CallProvider
	registry *registry.Registry
	cfg      Config
	log      *slog.Logger

	mu       sync.Mutex
	failures map[string]int
}

func New(provider telephony.CallProvider, reg *registry.Registry, cfg Config, log *slog.Logger) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{
		provider: provider,
		registry: reg,
		cfg:      cfg.withDefaults(),
		log:      log,
		failures: map[string]int{},
	}
}

// PollOnce queries the provider for every id concurrently. Results are
// returned in input order; a failed query only affects its own entry.
// PollOnce keeps no per-id state.
func (r *Reconciler) PollOnce(ctx context.Context, ids []string) []StatusUpdate {
	out := make([]StatusUpdate, len(ids))
	if len(ids) == 0 {
		return out
	}

	var g errgroup.Group
	g.SetLimit(r.cfg.Concurrency)
	for i, id := range ids {
		g.Go(func() error {
			out[i] = r.pollOne(ctx, id)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// track updates the consecutive failure count of each polled id. Failures of
// a round cut short by ctx are not counted; an id that answers is dropped.
func (r *Reconciler) track(ctx context.Context, results []StatusUpdate) {
	interrupted := ctx.Err() != nil
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range results {
		switch {
		case u.Err == nil:
			delete(r.failures, u.ProviderCallID)
		case !interrupted:
			r.failures[u.ProviderCallID]++
		}
	}
}

func (r *Reconciler) pollOne(ctx context.Context, id string) StatusUpdate {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	res, err := utils.Retry(ctx, r.cfg.Retry, func(ctx context.Context) (telephony.CallStatusResult, error) {
		out, err := r.provider.CallStatus(ctx, id)
		if err == nil || ctx.Err() != nil {
			return out, permanentOrNil(err)
		}
		var se *telephony.StatusError
		if errors.Is(err, telephony.ErrMalformedResponse) || (errors.As(err, &se) && !se.Retryable()) {
			return out, utils.Permanent(err)
		}
		return out, err
	})
	if err != nil {
		return StatusUpdate{ProviderCallID: id, Err: &PollError{ProviderCallID: id, Err: err}}
	}

	status, ok := calls.ParseCallStatus(res.Status)
	if !ok {
		return StatusUpdate{
			ProviderCallID: id,
			Raw:            res.Status,
			Err:            &PollError{ProviderCallID: id, Err: fmt.Errorf("%w: %q", ErrUnknownStatus, res.Status)},
		}
	}
	return StatusUpdate{
		ProviderCallID: id,
		Status:         status,
		Raw:            res.Status,
		Fields:         registry.Fields{DurationSeconds: res.DurationSeconds, Direction: res.Direction},
	}
}

func permanentOrNil(err error) error {
	if err == nil {
		return nil
	}
	return utils.Permanent(err)
}

// Reconcile polls the live active set of broadcastID and applies the whole
// round to the Registry at once.
func (r *Reconciler) Reconcile(ctx context.Context, broadcastID string) Round {
	round := Round{BroadcastID: broadcastID}
	ids := r.registry.ActiveIDs(broadcastID)
	round.Polled = len(ids)
	if len(ids) == 0 {
		round.Counts = r.registry.Counts(broadcastID)
		return round
	}

	results := r.PollOnce(ctx, ids)
	r.track(ctx, results)
	updates := make([]registry.StatusUpdate, 0, len(results))
	for _, u := range results {
		if u.Err != nil {
			round.Errors++
			if errors.Is(u.Err, ErrUnknownStatus) {
				r.log.Warn("unknown call status ignored", "broadcast_id", broadcastID, "call_id", u.ProviderCallID, "status", u.Raw)
			} else {
				r.log.Debug("status poll failed", "broadcast_id", broadcastID, "call_id", u.ProviderCallID, "err", u.Err)
			}
			continue
		}
		updates = append(updates, registry.StatusUpdate{ProviderCallID: u.ProviderCallID, Status: u.Status, Fields: u.Fields})
	}

	round.Delta = r.registry.ApplyRound(broadcastID, updates)
	round.Counts = r.registry.Counts(broadcastID)
	round.Unreachable = r.unreachable(ids)
	if len(round.Unreachable) > 0 {
		r.log.Warn("provider connectivity degraded", "broadcast_id", broadcastID, "unreachable", len(round.Unreachable))
	}
	return round
}

// Forget drops failure bookkeeping for ids that will not be polled again.
func (r *Reconciler) Forget(ids ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		delete(r.failures, id)
	}
}

func (r *Reconciler) unreachable(ids []string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, id := range ids {
		if r.failures[id] >= r.cfg.WarnAfter {
			out = append(out, id)
		}
	}
	return out
}
