package telephony

import (
	"context"
)

// CallProvider is the call-origination service used by the broadcast engine.
//
// Rules:
// - No provider HTTP calls outside telephony adapters.
// - Requests and results are provider-agnostic; status strings are returned raw
//   and classified by the caller.
type CallProvider interface {
	Name() string

	// MakeCalls submits one batch. On success the result carries one provider
	// call id per target, in request order.
	MakeCalls(ctx context.Context, req MakeCallsRequest) (MakeCallsResult, error)
	CallStatus(ctx context.Context, providerCallID string) (CallStatusResult, error)
	CancelAll(ctx context.Context, campaignID string) error
}

// CallTarget is one rendered call within a batch.
type CallTarget struct {
	ContactID string `json:"contact_id"`
	Name      string `json:"name"`
	Phone     string `json:"phone"`
	Email     string `json:"email,omitempty"`
	Company   string `json:"company,omitempty"`
	Position  string `json:"position,omitempty"`

	// Content is the personalized message for this contact.
	Content string `json:"content"`
}

// Voice holds the per-campaign voice/style parameters.
type Voice struct {
	VoiceID           string `json:"voice_id"`
	Stability         int    `json:"stability"`
	SimilarityBoost   int    `json:"similarity_boost"`
	StyleExaggeration int    `json:"style_exaggeration"`
	AIProfile         string `json:"ai_profile,omitempty"`
}

type MakeCallsRequest struct {
	CampaignID string       `json:"campaign_id"`
	Targets    []CallTarget `json:"targets"`
	Voice      Voice        `json:"voice"`

	// Instructions and Restrictions are free-form agent guidance.
	Instructions string `json:"instructions,omitempty"`
	Restrictions string `json:"restrictions,omitempty"`
}

type MakeCallsResult struct {
	ProviderCallIDs []string `json:"provider_call_ids"`
}

type CallStatusResult struct {
	ProviderCallID string `json:"provider_call_id"`

	// Status is the provider's raw status string.
	Status string `json:"status"`

	DurationSeconds int    `json:"duration_seconds,omitempty"`
	Direction       string `json:"direction,omitempty"`
}
