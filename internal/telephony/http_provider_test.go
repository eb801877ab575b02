package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPProvider_MakeCalls_JoinsFieldsInOrder(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/make-call" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer k1" {
			t.Errorf("missing bearer key")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"data":{"callSids":["CA1","CA2"]}}`))
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL+"/api/", "k1", time.Second)
	res, err := p.MakeCalls(context.Background(), MakeCallsRequest{
		CampaignID: "b1",
		Targets: []CallTarget{
			{ContactID: "F1", Name: "Ada L", Phone: "+1", Content: "hi Ada"},
			{ContactID: "F2", Name: "Bob M", Phone: "+2", Content: "hi Bob"},
		},
		Voice: Voice{VoiceID: "v", Stability: 90, SimilarityBoost: 20, StyleExaggeration: 10},
	})
	if err != nil {
		t.Fatalf("make calls: %v", err)
	}
	if len(res.ProviderCallIDs) != 2 || res.ProviderCallIDs[1] != "CA2" {
		t.Fatalf("unexpected ids %v", res.ProviderCallIDs)
	}
	if got["phonenumber"] != "+1,+2" || got["contact_id"] != "F1,F2" || got["content"] != "hi Ada,hi Bob" {
		t.Fatalf("unexpected payload %v", got)
	}
	if got["campaign_id"] != "b1" || got["voiceId"] != "v" || got["stability"] != float64(90) {
		t.Fatalf("unexpected campaign fields %v", got)
	}
}

func TestHTTPProvider_MakeCalls_MissingDataIsMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	_, err := NewHTTPProvider(srv.URL, "", time.Second).MakeCalls(context.Background(), MakeCallsRequest{})
	if !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("expected ErrMalformedResponse, got %v", err)
	}
}

func TestHTTPProvider_StatusErrors(t *testing.T) {
	for _, tc := range []struct {
		code      int
		limited   bool
		retryable bool
	}{
		{http.StatusTooManyRequests, true, true},
		{http.StatusBadGateway, false, true},
		{http.StatusBadRequest, false, false},
	} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", tc.code)
		}))
		_, err := NewHTTPProvider(srv.URL, "", time.Second).CallStatus(context.Background(), "CA1")
		srv.Close()

		var se *StatusError
		if !errors.As(err, &se) {
			t.Fatalf("%d: expected StatusError, got %v", tc.code, err)
		}
		if se.Code != tc.code || se.RateLimited() != tc.limited || se.Retryable() != tc.retryable {
			t.Fatalf("%d: unexpected classification %+v", tc.code, se)
		}
	}
}

func TestHTTPProvider_CallStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/call-status/CA%2F9" && r.URL.RawPath != "/call-status/CA%2F9" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"data":{"status":"completed","duration":"42","direction":"outbound-api"}}`))
	}))
	defer srv.Close()

	res, err := NewHTTPProvider(srv.URL, "", time.Second).CallStatus(context.Background(), "CA/9")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if res.Status != "completed" || res.DurationSeconds != 42 || res.Direction != "outbound-api" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestHTTPProvider_CancelAll(t *testing.T) {
	var body map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/cancel-all-calls" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	if err := NewHTTPProvider(srv.URL, "", time.Second).CancelAll(context.Background(), "b7"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if body["campaign_id"] != "b7" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestHTTPProvider_NotConfigured(t *testing.T) {
	err := NewHTTPProvider("", "", 0).CancelAll(context.Background(), "b1")
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}
