package reporting

import (
	"context"
	"errors"
	"math"
	"strings"

	"voicecast/internal/calls"
)

var (
	ErrInvalidRequest = errors.New("reporting: invalid request")
	ErrNotFound       = errors.New("reporting: broadcast not found")
)

// Repository abstracts data access for reporting.
type Repository interface {
	ListJobs(ctx context.Context, broadcastID string) ([]calls.CallJob, error)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

func (s *Service) CallsSummary(ctx context.Context, req CallsSummaryRequest) (CallsSummary, error) {
	if strings.TrimSpace(req.BroadcastID) == "" {
		return CallsSummary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return CallsSummary{}, errors.New("reporting: repository not configured")
	}

	jobs, err := s.repo.ListJobs(ctx, req.BroadcastID)
	if err != nil {
		return CallsSummary{}, err
	}

	out := CallsSummary{BroadcastID: req.BroadcastID}
	success, terminal := 0, 0
	for _, j := range jobs {
		out.TotalCalls++
		out.TotalDurationSeconds += j.DurationSeconds
		switch j.Status {
		case calls.CallStatusCompleted:
			out.CompletedCalls++
		case calls.CallStatusVoicemail:
			out.VoicemailCalls++
		case calls.CallStatusFailed:
			out.FailedCalls++
		case calls.CallStatusNoAnswer:
			out.NoAnswerCalls++
		case calls.CallStatusBusy:
			out.BusyCalls++
		case calls.CallStatusCanceled:
			out.CanceledCalls++
		default:
			out.PendingCalls++
		}
		switch j.Status.Class() {
		case calls.ClassSuccess:
			success++
			terminal++
		case calls.ClassFailure:
			terminal++
			if j.FailureReason != "" {
				if out.FailureReasons == nil {
					out.FailureReasons = map[string]int{}
				}
				out.FailureReasons[j.FailureReason]++
			}
		}
	}
	if out.TotalCalls > 0 {
		out.AverageDurationSeconds = out.TotalDurationSeconds / out.TotalCalls
	}
	if terminal > 0 {
		out.SuccessRate = math.Round(float64(success)/float64(terminal)*1000) / 1000
	}
	return out, nil
}
