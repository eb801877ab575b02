package telephony

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const maxErrorBody = 512

// HTTPProvider talks to the call-origination REST API:
//
//	POST {base}/make-call
//	POST {base}/call-status/{id}
//	POST {base}/cancel-all-calls
type HTTPProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPProvider(baseURL, apiKey string, timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPProvider{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:  strings.TrimSpace(apiKey),
		client:  &http.Client{Timeout: timeout},
	}
}

// WithHTTPClient replaces the underlying client (tests).
func (p *HTTPProvider) WithHTTPClient(c *http.Client) *HTTPProvider {
	if c != nil {
		p.client = c
	}
	return p
}

func (p *HTTPProvider) Name() string { return "http" }

type makeCallPayload struct {
	PhoneNumber       string `json:"phonenumber"`
	ContactID         string `json:"contact_id"`
	ContactName       string `json:"contact_name"`
	Email             string `json:"email"`
	ContactCompany    string `json:"contact_company"`
	ContactPosition   string `json:"contact_position"`
	Empresa           string `json:"empresa"`
	VoiceID           string `json:"voiceId"`
	Stability         int    `json:"stability"`
	SimilarityBoost   int    `json:"similarity_boost"`
	StyleExaggeration int    `json:"style_exaggeration"`
	Content           string `json:"content"`
	Todo              string `json:"todo"`
	NoTodo            string `json:"notodo"`
	CampaignID        string `json:"campaign_id"`
	AIProfileName     string `json:"ai_profile_name"`
}

type makeCallResponse struct {
	Data *struct {
		CallSids []string `json:"callSids"`
	} `json:"data"`
}

type callStatusResponse struct {
	Data *struct {
		Status    string  `json:"status"`
		Duration  flexInt `json:"duration"`
		Direction string  `json:"direction"`
	} `json:"data"`
}

// flexInt accepts 12, "12" or null.
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*f = flexInt(v)
	return nil
}

func buildMakeCallPayload(req MakeCallsRequest) makeCallPayload {
	n := len(req.Targets)
	phones := make([]string, n)
	ids := make([]string, n)
	names := make([]string, n)
	emails := make([]string, n)
	companies := make([]string, n)
	positions := make([]string, n)
	contents := make([]string, n)
	for i, t := range req.Targets {
		phones[i] = t.Phone
		ids[i] = t.ContactID
		names[i] = t.Name
		emails[i] = t.Email
		companies[i] = t.Company
		positions[i] = t.Position
		contents[i] = t.Content
	}
	return makeCallPayload{
		PhoneNumber:       strings.Join(phones, ","),
		ContactID:         strings.Join(ids, ","),
		ContactName:       strings.Join(names, ","),
		Email:             strings.Join(emails, ","),
		ContactCompany:    strings.Join(companies, ","),
		ContactPosition:   strings.Join(positions, ","),
		VoiceID:           req.Voice.VoiceID,
		Stability:         req.Voice.Stability,
		SimilarityBoost:   req.Voice.SimilarityBoost,
		StyleExaggeration: req.Voice.StyleExaggeration,
		Content:           strings.Join(contents, ","),
		Todo:              req.Instructions,
		NoTodo:            req.Restrictions,
		CampaignID:        req.CampaignID,
		AIProfileName:     req.Voice.AIProfile,
	}
}

func (p *HTTPProvider) MakeCalls(ctx context.Context, req MakeCallsRequest) (MakeCallsResult, error) {
	var out makeCallResponse
	if err := p.post(ctx, "make-call", "/make-call", buildMakeCallPayload(req), &out); err != nil {
		return MakeCallsResult{}, err
	}
	if out.Data == nil || out.Data.CallSids == nil {
		return MakeCallsResult{}, fmt.Errorf("%w: make-call: missing data.callSids", ErrMalformedResponse)
	}
	return MakeCallsResult{ProviderCallIDs: out.Data.CallSids}, nil
}

func (p *HTTPProvider) CallStatus(ctx context.Context, providerCallID string) (CallStatusResult, error) {
	if strings.TrimSpace(providerCallID) == "" {
		return CallStatusResult{}, fmt.Errorf("telephony: call-status: empty call id")
	}
	var out callStatusResponse
	path := "/call-status/" + url.PathEscape(providerCallID)
	if err := p.post(ctx, "call-status", path, nil, &out); err != nil {
		return CallStatusResult{}, err
	}
	if out.Data == nil || strings.TrimSpace(out.Data.Status) == "" {
		return CallStatusResult{}, fmt.Errorf("%w: call-status: missing data.status", ErrMalformedResponse)
	}
	return CallStatusResult{
		ProviderCallID:  providerCallID,
		Status:          out.Data.Status,
		DurationSeconds: int(out.Data.Duration),
		Direction:       out.Data.Direction,
	}, nil
}

func (p *HTTPProvider) CancelAll(ctx context.Context, campaignID string) error {
	body := map[string]string{"campaign_id": campaignID}
	return p.post(ctx, "cancel-all-calls", "/cancel-all-calls", body, nil)
}

func (p *HTTPProvider) post(ctx context.Context, op, path string, in any, out any) error {
	if p == nil || p.baseURL == "" {
		return ErrNotConfigured
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("telephony: %s: encode: %w", op, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("telephony: %s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("telephony: %s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Op: op, Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedResponse, op, err)
	}
	return nil
}
