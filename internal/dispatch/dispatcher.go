package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"voicecast/internal/calls"
	"voicecast/internal/registry"
	"voicecast/internal/telephony"
	"voicecast/pkg/utils"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

type Config struct {
	// InterBatchDelay is the minimum spacing between two batch submissions of
	// one broadcast.
	InterBatchDelay time.Duration
	Retry           utils.RetryPolicy
	Voice           telephony.Voice

	Instructions string
	Restrictions string
}

func DefaultConfig() Config {
	return Config{
		InterBatchDelay: time.Second,
		Retry:           utils.RetryPolicy{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second},
		Voice: telephony.Voice{
			VoiceID:           "21m00Tcm4TlvDq8ikWAM",
			Stability:         90,
			SimilarityBoost:   20,
			StyleExaggeration: 10,
		},
	}
}

// Dispatcher submits batches to the call provider and records the resulting
// jobs in the Registry.
type Dispatcher struct {
	provider telephony.CallProvider
	registry *registry.Registry
	cfg      Config
	log      *slog.Logger
	newID    func() string
}

func New(provider telephony.CallProvider, reg *registry.Registry, cfg Config, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		provider: provider,
		registry: reg,
		cfg:      cfg,
		log:      log,
		newID:    uuid.NewString,
	}
}

// Session dispatches the batches of one broadcast. It owns the broadcast's
// inter-batch pacing; a new session starts unthrottled.
type Session struct {
	d           *Dispatcher
	broadcastID string
	template    calls.Template
	limiter     *rate.Limiter
}

func (d *Dispatcher) NewSession(broadcastID string, tmpl calls.Template) *Session {
	limit := rate.Inf
	if d.cfg.InterBatchDelay > 0 {
		limit = rate.Every(d.cfg.InterBatchDelay)
	}
	return &Session{
		d:           d,
		broadcastID: broadcastID,
		template:    tmpl,
		limiter:     rate.NewLimiter(limit, 1),
	}
}

func (s *Session) BroadcastID() string { return s.broadcastID }

// Dispatch submits one batch as a single provider request. On success one
// pending CallJob per contact is created and the provider call ids are
// returned in batch order, even if ctx was cancelled while the request was in
// flight. On failure no job is created.
func (s *Session) Dispatch(ctx context.Context, b calls.Batch) ([]string, error) {
	if len(b.Contacts) == 0 {
		return nil, nil
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req := s.buildRequest(b)
	log := s.d.log.With("broadcast_id", s.broadcastID, "batch", b.Index, "contacts", len(b.Contacts))

	attempts := 0
	policy := s.d.cfg.Retry
	policy.OnRetry = func(err error, wait time.Duration) {
		log.Warn("batch dispatch retry", "attempt", attempts, "wait", wait, "err", err)
	}

	// An attempt that reached the provider may already have placed calls, so
	// it runs to completion even when the run is paused or cancelled. Only the
	// pacing wait and the retry sleeps follow ctx; the provider's own client
	// timeout bounds the attempt.
	res, err := utils.Retry(ctx, policy, func(ctx context.Context) (telephony.MakeCallsResult, error) {
		attempts++
		out, err := s.d.provider.MakeCalls(context.WithoutCancel(ctx), req)
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return out, utils.Permanent(err)
		}
		if _, retry := classify(err); !retry {
			return out, utils.Permanent(err)
		}
		return out, err
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		kind, _ := classify(err)
		return nil, &Error{Kind: kind, BroadcastID: s.broadcastID, Batch: b.Index, Contacts: len(b.Contacts), Attempts: attempts, Err: err}
	}

	if err := validateIDs(res.ProviderCallIDs, len(b.Contacts)); err != nil {
		return nil, &Error{Kind: KindMalformedResponse, BroadcastID: s.broadcastID, Batch: b.Index, Contacts: len(b.Contacts), Attempts: attempts, Err: err}
	}

	now := time.Now().UTC()
	jobs := make([]calls.CallJob, len(b.Contacts))
	for i, c := range b.Contacts {
		jobs[i] = calls.CallJob{
			JobID:          s.d.newID(),
			BroadcastID:    s.broadcastID,
			ContactID:      c.ID,
			ContactName:    c.DisplayName(),
			Phone:          c.Phone,
			ProviderCallID: res.ProviderCallIDs[i],
			CreatedAt:      now,
		}
	}
	if err := s.d.registry.Create(jobs); err != nil {
		// The calls were placed but the broadcast went away meanwhile.
		log.Warn("dispatched batch not recorded", "err", err)
		return nil, fmt.Errorf("dispatch: record batch %d: %w", b.Index, err)
	}

	log.Info("batch dispatched", "attempts", attempts)
	return append([]string(nil), res.ProviderCallIDs...), nil
}

func (s *Session) buildRequest(b calls.Batch) telephony.MakeCallsRequest {
	targets := make([]telephony.CallTarget, len(b.Contacts))
	for i, c := range b.Contacts {
		contactID := c.FileNumber
		if contactID == "" {
			contactID = c.ID
		}
		targets[i] = telephony.CallTarget{
			ContactID: contactID,
			Name:      c.DisplayName(),
			Phone:     strings.TrimSpace(c.Phone),
			Email:     c.Email,
			Company:   c.Company,
			Position:  c.Position,
			Content:   calls.Render(s.template.Content, c),
		}
	}
	return telephony.MakeCallsRequest{
		CampaignID:   s.broadcastID,
		Targets:      targets,
		Voice:        s.d.cfg.Voice,
		Instructions: s.d.cfg.Instructions,
		Restrictions: s.d.cfg.Restrictions,
	}
}

var errCountMismatch = errors.New("call id count does not match batch size")

func validateIDs(ids []string, want int) error {
	if len(ids) != want {
		return fmt.Errorf("%w: got %d, want %d: %w", errCountMismatch, len(ids), want, telephony.ErrMalformedResponse)
	}
	seen := make(map[string]struct{}, len(ids))
	for i, id := range ids {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("empty call id at position %d: %w", i, telephony.ErrMalformedResponse)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("duplicate call id %q: %w", id, telephony.ErrMalformedResponse)
		}
		seen[id] = struct{}{}
	}
	return nil
}
