package audit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"voicecast/internal/broadcast"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events. It is
// append-only: there is no Update or Delete.
type Repository interface {
	Append(ctx context.Context, e Event) error
	ListByBroadcast(ctx context.Context, broadcastID string, limit int) ([]Event, error)
}

// Service records audit events. Callers treat it as best-effort.
type Service struct {
	repo  Repository
	log   *slog.Logger
	clock func() time.Time
}

func NewService(repo Repository, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{repo: repo, log: log.With("component", "audit"), clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}
	if e.BroadcastID == "" && e.ScheduleID == "" {
		return ErrInvalidEvent
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

func (s *Service) ListByBroadcast(ctx context.Context, broadcastID string, limit int) ([]Event, error) {
	return s.repo.ListByBroadcast(ctx, broadcastID, limit)
}

// LogOperatorAction records an API action taken on a broadcast.
func (s *Service) LogOperatorAction(ctx context.Context, broadcastID, actorUserID, actorRole, ip, action string) error {
	return s.Append(ctx, Event{
		Type:        EventTypeOperatorAction,
		BroadcastID: broadcastID,
		ActorUserID: actorUserID,
		ActorRole:   actorRole,
		IPAddress:   ip,
		Message:     action,
	})
}

// ScheduleFailed records a scheduled broadcast that could not be started.
func (s *Service) ScheduleFailed(ctx context.Context, scheduleID string, cause error) {
	e := Event{Type: EventTypeScheduleFailed, ScheduleID: scheduleID}
	if cause != nil {
		e.Message = cause.Error()
	}
	s.record(ctx, e)
}

var broadcastEventTypes = map[broadcast.EventType]EventType{
	broadcast.EventStarted:      EventTypeBroadcastStarted,
	broadcast.EventCompleted:    EventTypeBroadcastCompleted,
	broadcast.EventCancelled:    EventTypeBroadcastCancelled,
	broadcast.EventAborted:      EventTypeBroadcastAborted,
	broadcast.EventPaused:       EventTypeBroadcastPaused,
	broadcast.EventResumed:      EventTypeBroadcastResumed,
	broadcast.EventBatchFailed:  EventTypeBatchFailed,
	broadcast.EventCancelFailed: EventTypeCancelFailed,
	broadcast.EventConnectivity: EventTypeConnectivity,
}

// HandleBroadcastEvent records lifecycle and failure events published by the
// broadcast controller. Per-batch dispatch events are not recorded.
func (s *Service) HandleBroadcastEvent(ev broadcast.Event) {
	typ, ok := broadcastEventTypes[ev.Type]
	if !ok {
		return
	}
	e := Event{
		Type:        typ,
		BroadcastID: ev.BroadcastID,
		ScheduleID:  ev.ScheduleID,
		Message:     ev.Message,
		CreatedAt:   ev.At,
	}
	if ev.Type == broadcast.EventConnectivity {
		e.CallIDs = ev.ProviderCallIDs
	}
	if ev.Err != nil {
		if e.Message == "" {
			e.Message = ev.Err.Error()
		} else {
			e.Message += ": " + ev.Err.Error()
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.record(ctx, e)
}

func (s *Service) record(ctx context.Context, e Event) {
	if err := s.Append(ctx, e); err != nil {
		s.log.Warn("audit append failed", "type", e.Type, "broadcast_id", e.BroadcastID, "schedule_id", e.ScheduleID, "err", err)
	}
}
