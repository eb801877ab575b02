package reporting

// CallsSummaryRequest requests aggregated call metrics for one broadcast.
type CallsSummaryRequest struct {
	BroadcastID string `json:"broadcast_id"`
}

// CallsSummary breaks a broadcast's jobs down by status. Pending covers every
// non-terminal status.
type CallsSummary struct {
	BroadcastID string `json:"broadcast_id"`

	TotalCalls     int `json:"total_calls"`
	CompletedCalls int `json:"completed_calls"`
	VoicemailCalls int `json:"voicemail_calls"`
	FailedCalls    int `json:"failed_calls"`
	NoAnswerCalls  int `json:"no_answer_calls"`
	BusyCalls      int `json:"busy_calls"`
	CanceledCalls  int `json:"canceled_calls"`
	PendingCalls   int `json:"pending_calls"`

	TotalDurationSeconds   int `json:"total_duration_seconds"`
	AverageDurationSeconds int `json:"average_duration_seconds"`

	// SuccessRate is successes over terminal jobs, 0 when none is terminal.
	SuccessRate float64 `json:"success_rate"`

	// FailureReasons counts failure-terminal jobs by reason.
	FailureReasons map[string]int `json:"failure_reasons,omitempty"`
}
