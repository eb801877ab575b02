package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"voicecast/internal/calls"
	"voicecast/internal/registry"
	"voicecast/internal/telephony"
	"voicecast/pkg/utils"
)

type stubProvider struct {
	mu       sync.Mutex
	requests []telephony.MakeCallsRequest
	next     int
	// failures are returned, in order, before any success
	failures []error
	// short drops this many ids from every response
	short int
	// entered is signalled, and hold awaited, before a request is answered
	entered chan struct{}
	hold    chan struct{}
	// cancelled records whether a request's context was done when answered
	cancelled bool
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) MakeCalls(ctx context.Context, req telephony.MakeCallsRequest) (telephony.MakeCallsResult, error) {
	if p.entered != nil {
		p.entered <- struct{}{}
	}
	if p.hold != nil {
		<-p.hold
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelled = p.cancelled || ctx.Err() != nil
	p.requests = append(p.requests, req)
	if len(p.failures) > 0 {
		err := p.failures[0]
		p.failures = p.failures[1:]
		return telephony.MakeCallsResult{}, err
	}
	n := len(req.Targets) - p.short
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		p.next++
		ids = append(ids, "CA"+strconv.Itoa(p.next))
	}
	return telephony.MakeCallsResult{ProviderCallIDs: ids}, nil
}

func (p *stubProvider) CallStatus(ctx context.Context, id string) (telephony.CallStatusResult, error) {
	return telephony.CallStatusResult{}, errors.New("not used")
}

func (p *stubProvider) CancelAll(ctx context.Context, campaignID string) error { return nil }

func (p *stubProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.InterBatchDelay = 0
	cfg.Retry = utils.RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	return cfg
}

func contacts(n int) []calls.Contact {
	out := make([]calls.Contact, n)
	for i := range out {
		out[i] = calls.Contact{ID: "c" + strconv.Itoa(i), FirstName: "F" + strconv.Itoa(i), Phone: "+1555" + strconv.Itoa(i)}
	}
	return out
}

func TestDispatch_120ContactsGives120PendingJobs(t *testing.T) {
	reg := registry.New()
	reg.Open("b1")
	p := &stubProvider{}
	s := New(p, reg, testConfig(), nil).NewSession("b1", calls.Template{Content: "Hi {firstName}"})

	batches := calls.Split(contacts(120), 50)
	if len(batches) != 3 {
		t.Fatalf("expected 3 batches, got %d", len(batches))
	}
	for _, b := range batches {
		ids, err := s.Dispatch(context.Background(), b)
		if err != nil {
			t.Fatalf("dispatch batch %d: %v", b.Index, err)
		}
		if len(ids) != len(b.Contacts) {
			t.Fatalf("expected %d ids, got %d", len(b.Contacts), len(ids))
		}
	}

	c := reg.Counts("b1")
	if c.Total != 120 || c.Active != 120 {
		t.Fatalf("expected 120 pending jobs, got %+v", c)
	}
	for _, j := range reg.Jobs("b1") {
		if j.Status != calls.CallStatusPending {
			t.Fatalf("expected pending, got %s", j.Status)
		}
	}
	if got := p.requests[0].Targets[3].Content; got != "Hi F3" {
		t.Fatalf("expected rendered content, got %q", got)
	}
	if p.requests[2].CampaignID != "b1" || len(p.requests[2].Targets) != 20 {
		t.Fatalf("unexpected last request %+v", p.requests[2])
	}
}

func TestDispatch_CountMismatchCreatesNoJobs(t *testing.T) {
	reg := registry.New()
	reg.Open("b1")
	p := &stubProvider{short: 1}
	s := New(p, reg, testConfig(), nil).NewSession("b1", calls.Template{})

	_, err := s.Dispatch(context.Background(), calls.Split(contacts(5), 50)[0])
	if !IsKind(err, KindMalformedResponse) {
		t.Fatalf("expected malformed-response error, got %v", err)
	}
	if !errors.Is(err, telephony.ErrMalformedResponse) {
		t.Fatalf("expected wrapped ErrMalformedResponse, got %v", err)
	}
	if c := reg.Counts("b1"); c.Total != 0 {
		t.Fatalf("expected zero jobs, got %+v", c)
	}
	if p.calls() != 1 {
		t.Fatalf("malformed response must not be retried, got %d calls", p.calls())
	}
}

func TestDispatch_RetriesRateLimitThenSucceeds(t *testing.T) {
	reg := registry.New()
	reg.Open("b1")
	limited := &telephony.StatusError{Op: "make-call", Code: http.StatusTooManyRequests}
	p := &stubProvider{failures: []error{limited, fmt.Errorf("dial: connection reset")}}
	s := New(p, reg, testConfig(), nil).NewSession("b1", calls.Template{})

	ids, err := s.Dispatch(context.Background(), calls.Split(contacts(2), 50)[0])
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if len(ids) != 2 || p.calls() != 3 {
		t.Fatalf("expected 2 ids after 3 calls, got %d ids / %d calls", len(ids), p.calls())
	}
}

func TestDispatch_ExhaustedRetriesSurfaceRateLimited(t *testing.T) {
	reg := registry.New()
	reg.Open("b1")
	limited := &telephony.StatusError{Op: "make-call", Code: http.StatusTooManyRequests}
	p := &stubProvider{failures: []error{limited, limited, limited, limited, limited}}
	s := New(p, reg, testConfig(), nil).NewSession("b1", calls.Template{})

	_, err := s.Dispatch(context.Background(), calls.Split(contacts(2), 50)[0])
	var de *Error
	if !errors.As(err, &de) || de.Kind != KindRateLimited {
		t.Fatalf("expected rate-limited dispatch error, got %v", err)
	}
	if de.Attempts != 4 || p.calls() != 4 {
		t.Fatalf("expected 1 attempt + 3 retries, got attempts=%d calls=%d", de.Attempts, p.calls())
	}
	if reg.Counts("b1").Total != 0 {
		t.Fatalf("failed batch must create no jobs")
	}
}

func TestDispatch_ClientErrorIsNotRetried(t *testing.T) {
	reg := registry.New()
	reg.Open("b1")
	p := &stubProvider{failures: []error{&telephony.StatusError{Op: "make-call", Code: http.StatusBadRequest}}}
	s := New(p, reg, testConfig(), nil).NewSession("b1", calls.Template{})

	_, err := s.Dispatch(context.Background(), calls.Split(contacts(1), 50)[0])
	if !IsKind(err, KindRejected) || p.calls() != 1 {
		t.Fatalf("expected one rejected attempt, got %v after %d calls", err, p.calls())
	}
}

func TestDispatch_ClosedBroadcastRejectsLateBatch(t *testing.T) {
	reg := registry.New()
	reg.Open("b1")
	reg.Discard("b1")
	s := New(&stubProvider{}, reg, testConfig(), nil).NewSession("b1", calls.Template{})

	_, err := s.Dispatch(context.Background(), calls.Split(contacts(3), 50)[0])
	if !errors.Is(err, registry.ErrBroadcastClosed) {
		t.Fatalf("expected ErrBroadcastClosed, got %v", err)
	}
}

func TestDispatch_ContactIDPrefersFileNumber(t *testing.T) {
	reg := registry.New()
	reg.Open("b1")
	p := &stubProvider{}
	s := New(p, reg, testConfig(), nil).NewSession("b1", calls.Template{})

	b := calls.Batch{Contacts: []calls.Contact{{ID: "c1", FileNumber: "F-77", Phone: "+1"}, {ID: "c2", Phone: "+2"}}}
	if _, err := s.Dispatch(context.Background(), b); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	tg := p.requests[0].Targets
	if tg[0].ContactID != "F-77" || tg[1].ContactID != "c2" {
		t.Fatalf("unexpected contact ids %q %q", tg[0].ContactID, tg[1].ContactID)
	}
}

func TestSession_EnforcesInterBatchDelay(t *testing.T) {
	reg := registry.New()
	reg.Open("b1")
	cfg := testConfig()
	cfg.InterBatchDelay = 30 * time.Millisecond
	s := New(&stubProvider{}, reg, cfg, nil).NewSession("b1", calls.Template{})

	start := time.Now()
	for _, b := range calls.Split(contacts(3), 1) {
		if _, err := s.Dispatch(context.Background(), b); err != nil {
			t.Fatalf("dispatch: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 55*time.Millisecond {
		t.Fatalf("expected two inter-batch delays, elapsed %s", elapsed)
	}
}

func TestDispatch_InFlightRequestSurvivesCancellation(t *testing.T) {
	reg := registry.New()
	reg.Open("b1")
	p := &stubProvider{entered: make(chan struct{}, 1), hold: make(chan struct{})}
	s := New(p, reg, testConfig(), nil).NewSession("b1", calls.Template{})

	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		ids []string
		err error
	}
	done := make(chan result, 1)
	go func() {
		ids, err := s.Dispatch(ctx, calls.Split(contacts(2), 50)[0])
		done <- result{ids, err}
	}()

	<-p.entered
	cancel()
	close(p.hold)

	var res result
	select {
	case res = <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("dispatch did not return")
	}
	if res.err != nil || len(res.ids) != 2 {
		t.Fatalf("expected the placed batch to be returned, got %v %v", res.ids, res.err)
	}
	if p.cancelled {
		t.Fatalf("provider request must not see the run's cancellation")
	}
	if c := reg.Counts("b1"); c.Total != 2 || c.Active != 2 {
		t.Fatalf("placed calls must be recorded, got %+v", c)
	}
	if p.calls() != 1 {
		t.Fatalf("expected exactly one provider request, got %d", p.calls())
	}
}

func TestDispatch_CancelledBeforePacingSendsNothing(t *testing.T) {
	reg := registry.New()
	reg.Open("b1")
	cfg := testConfig()
	cfg.InterBatchDelay = time.Hour
	p := &stubProvider{}
	s := New(p, reg, cfg, nil).NewSession("b1", calls.Template{})

	if _, err := s.Dispatch(context.Background(), calls.Split(contacts(1), 50)[0]); err != nil {
		t.Fatalf("first batch: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Dispatch(ctx, calls.Batch{Index: 1, Contacts: contacts(1)}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled while pacing, got %v", err)
	}
	if p.calls() != 1 {
		t.Fatalf("a cancelled wait must not reach the provider, got %d calls", p.calls())
	}
}
