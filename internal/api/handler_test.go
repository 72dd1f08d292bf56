package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/edupro/ai-gateway/internal/auth"
	"github.com/edupro/ai-gateway/internal/cache"
	"github.com/edupro/ai-gateway/internal/catalog"
	"github.com/edupro/ai-gateway/internal/cost"
	"github.com/edupro/ai-gateway/internal/domain"
	"github.com/edupro/ai-gateway/internal/metrics"
	"github.com/edupro/ai-gateway/internal/notifications"
	"github.com/edupro/ai-gateway/internal/policy"
	"github.com/edupro/ai-gateway/internal/provider"
	"github.com/edupro/ai-gateway/internal/quota"
	"github.com/edupro/ai-gateway/internal/ratelimit"
	"github.com/edupro/ai-gateway/internal/tier"
	"github.com/edupro/ai-gateway/internal/usage"
)

type stubRelay struct {
	id        string
	resp      *provider.Response
	err       error
	events    []provider.StreamEvent
	streamErr error
	calls     int
}

func (s *stubRelay) ID() string { return s.id }

func (s *stubRelay) Complete(ctx context.Context, req provider.Request) (*provider.Response, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

func (s *stubRelay) Stream(ctx context.Context, req provider.Request) (<-chan provider.StreamEvent, <-chan error) {
	s.calls++
	events := make(chan provider.StreamEvent)
	errs := make(chan error, 1)
	go func() {
		defer close(events)
		defer close(errs)
		for _, ev := range s.events {
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
		if s.streamErr != nil {
			errs <- s.streamErr
		}
	}()
	return events, errs
}

type fixture struct {
	handler  *Handler
	store    *usage.InMemoryStore
	recorder *usage.Recorder
	relay    *stubRelay

	freeToken       string
	starterToken    string
	individualToken string
}

func newFixture(t *testing.T, relay *stubRelay) *fixture {
	t.Helper()

	verifier := auth.NewInMemoryVerifier()
	freeToken, err := verifier.Issue("key_free", "user-free", "tenant-free", "s3cret")
	if err != nil {
		t.Fatalf("issue key: %v", err)
	}
	starterToken, err := verifier.Issue("key_starter", "user-starter", "tenant-starter", "s3cret")
	if err != nil {
		t.Fatalf("issue key: %v", err)
	}
	individualToken, err := verifier.Issue("key_solo", "user-solo", "", "s3cret")
	if err != nil {
		t.Fatalf("issue key: %v", err)
	}

	tierStore := tier.NewInMemoryStore()
	tierStore.AddSubscription("tenant-starter", tier.Subscription{
		Plan:      "basic",
		Status:    "active",
		CreatedAt: time.Now().Add(-time.Hour),
	})

	store := usage.NewInMemoryStore()
	recorder := usage.NewRecorder(store, 64)
	cat := catalog.Default()

	h := NewHandler(HandlerConfig{
		Verifier:    verifier,
		Tiers:       tier.NewResolver(tierStore, cache.NewInMemoryTierCache(), time.Minute),
		Catalog:     cat,
		Policy:      policy.New(cat),
		Quota:       quota.NewLedger(store, quota.DefaultLimits(), false),
		Limits:      quota.DefaultLimits(),
		RateLimiter: ratelimit.NewInMemoryLimiter(),
		Relays:      []provider.Relay{relay},
		Recorder:    recorder,
		Cost:        cost.NewCalculator(),
		MaxTokens:   4096,
		HasAPIKey:   true,
	})

	return &fixture{
		handler:         h,
		store:           store,
		recorder:        recorder,
		relay:           relay,
		freeToken:       freeToken,
		starterToken:    starterToken,
		individualToken: individualToken,
	}
}

func textRelay(text string) *stubRelay {
	return &stubRelay{
		id: "anthropic",
		resp: &provider.Response{
			Content:    text,
			RawContent: []domain.ContentBlock{{Type: domain.BlockText, Text: text}},
			Usage:      domain.TokenUsage{InputTokens: 10, OutputTokens: 20},
			StopReason: "end_turn",
		},
	}
}

func (f *fixture) post(t *testing.T, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/exchange", strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestExchange_Unauthorized(t *testing.T) {
	f := newFixture(t, textRelay("hi"))
	defer f.recorder.Close()

	tests := []struct {
		name  string
		token string
	}{
		{"missing token", ""},
		{"malformed token", "no-dot-here"},
		{"wrong secret", "key_free.wrong"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.post(t, tt.token, `{"action":"general_assistance","content":"hi"}`)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", rec.Code)
			}
			if body := decodeBody(t, rec); body["error"] != "unauthorized" {
				t.Errorf("error = %v", body["error"])
			}
		})
	}
}

func TestExchange_BadRequests(t *testing.T) {
	f := newFixture(t, textRelay("hi"))
	defer f.recorder.Close()

	tests := []struct {
		name      string
		body      string
		wantError string
	}{
		{"invalid json", `{not json`, "Invalid JSON body"},
		{"unknown action", `{"action":"summon_demon"}`, "Unknown action"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.post(t, f.freeToken, tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			if body := decodeBody(t, rec); body["error"] != tt.wantError {
				t.Errorf("error = %v, want %q", body["error"], tt.wantError)
			}
		})
	}
}

func TestExchange_Health(t *testing.T) {
	f := newFixture(t, textRelay("hi"))
	defer f.recorder.Close()

	rec := f.post(t, f.freeToken, `{"action":"health"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["status"] != "ok" {
		t.Errorf("status = %v", body["status"])
	}
	if body["hasApiKey"] != true {
		t.Errorf("hasApiKey = %v", body["hasApiKey"])
	}
	if body["userId"] != "user-free" {
		t.Errorf("userId = %v", body["userId"])
	}
	if f.relay.calls != 0 {
		t.Error("health must not reach the relay")
	}
}

func TestExchange_HealthRequiresAuth(t *testing.T) {
	f := newFixture(t, textRelay("hi"))
	defer f.recorder.Close()

	rec := f.post(t, "", `{"action":"health"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestExchange_ModelAccessDenied(t *testing.T) {
	// A starter tenant explicitly asking for the premium-gated model is
	// rejected, not silently downgraded, and the error names a model the
	// tier can actually use.
	f := newFixture(t, textRelay("hi"))
	defer f.recorder.Close()

	rec := f.post(t, f.starterToken, `{"action":"general_assistance","content":"hi","model":"advanced"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["error"] != "model_access_denied" {
		t.Errorf("error = %v", body["error"])
	}
	if body["tier"] != "starter" {
		t.Errorf("tier = %v", body["tier"])
	}
	if body["available_model"] != "fast" {
		t.Errorf("available_model = %v", body["available_model"])
	}
	if f.relay.calls != 0 {
		t.Error("denied request must not reach the relay")
	}
}

func TestExchange_NoModelUsesTierDefault(t *testing.T) {
	f := newFixture(t, textRelay("answer"))
	defer f.recorder.Close()

	rec := f.post(t, f.freeToken, `{"action":"general_assistance","content":"hi"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	f.recorder.Close()
	entries := f.store.Entries()
	if len(entries) != 1 {
		t.Fatalf("got %d usage entries, want 1", len(entries))
	}
	if entries[0].Model != "claude-3-5-haiku-20241022" {
		t.Errorf("logged model = %q, want the free default's provider id", entries[0].Model)
	}
	if entries[0].Status != domain.StatusSuccess {
		t.Errorf("status = %q", entries[0].Status)
	}
	if entries[0].InputTokens != 10 || entries[0].OutputTokens != 20 {
		t.Errorf("tokens = %d/%d", entries[0].InputTokens, entries[0].OutputTokens)
	}
}

func TestExchange_QuotaExceeded(t *testing.T) {
	f := newFixture(t, textRelay("hi"))
	defer f.recorder.Close()

	// Exhaust the free monthly allowance for this feature.
	for i := 0; i < 50; i++ {
		f.store.Record(context.Background(), domain.UsageLogEntry{
			TenantID:  "tenant-free",
			Feature:   "general_assistance",
			Status:    domain.StatusSuccess,
			CreatedAt: time.Now().UTC(),
		})
	}

	rec := f.post(t, f.freeToken, `{"action":"general_assistance","content":"hi"}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["error"] != "quota_exceeded" {
		t.Errorf("error = %v", body["error"])
	}
	if body["used"] != float64(50) || body["limit"] != float64(50) {
		t.Errorf("used/limit = %v/%v", body["used"], body["limit"])
	}
	if f.relay.calls != 0 {
		t.Error("denied request must not reach the relay")
	}
}

func TestExchange_AnonymousSkipsQuota(t *testing.T) {
	f := newFixture(t, textRelay("hi"))
	defer f.recorder.Close()

	rec := f.post(t, f.individualToken, `{"action":"general_assistance","content":"hi"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestExchange_ProviderFailureFallsBack(t *testing.T) {
	relay := &stubRelay{
		id:  "anthropic",
		err: &provider.Error{Relay: "anthropic", StatusCode: 529, Body: "overloaded"},
	}
	f := newFixture(t, relay)

	rec := f.post(t, f.freeToken, `{"action":"lesson_generation","topic":"Colors","gradeLevel":2,"duration":30}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 with fallback", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["provider_error"] != true {
		t.Errorf("provider_error = %v", body["provider_error"])
	}
	content, _ := body["content"].(string)
	if content == "" || strings.Contains(content, "overloaded") {
		t.Errorf("fallback content leaked provider detail: %q", content)
	}

	f.recorder.Close()
	entries := f.store.Entries()
	if len(entries) != 1 || entries[0].Status != domain.StatusProviderError {
		t.Fatalf("entries = %+v", entries)
	}
}

func TestExchange_ToolCalls(t *testing.T) {
	raw := []domain.ContentBlock{
		{Type: domain.BlockText, Text: "Checking."},
		{Type: domain.BlockToolUse, ID: "toolu_1", Name: "lookup_student", Input: json.RawMessage(`{"name":"Ada"}`)},
	}
	relay := &stubRelay{
		id: "anthropic",
		resp: &provider.Response{
			Content:    "Checking.",
			RawContent: raw,
			ToolCalls:  []domain.ToolCall{{ID: "toolu_1", Name: "lookup_student", Input: json.RawMessage(`{"name":"Ada"}`)}},
			Usage:      domain.TokenUsage{InputTokens: 5, OutputTokens: 7},
			StopReason: "tool_use",
		},
	}
	f := newFixture(t, relay)
	defer f.recorder.Close()

	rec := f.post(t, f.freeToken, `{"action":"general_assistance","content":"absences?","tools":[{"name":"lookup_student","input_schema":{"type":"object"}}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp domain.ExchangeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "lookup_student" {
		t.Errorf("tool_calls = %+v", resp.ToolCalls)
	}
	if len(resp.RawContent) != 2 {
		t.Errorf("raw_content = %+v", resp.RawContent)
	}
	if resp.StopReason != "tool_use" {
		t.Errorf("stop_reason = %q", resp.StopReason)
	}
	if resp.Cost != nil {
		t.Errorf("cost must be null on the wire, got %v", *resp.Cost)
	}
}

func sseEvents(t *testing.T, body string) []string {
	t.Helper()
	var events []string
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "data: ") {
			events = append(events, strings.TrimPrefix(line, "data: "))
		}
	}
	return events
}

func TestExchange_Streaming(t *testing.T) {
	relay := &stubRelay{
		id: "anthropic",
		events: []provider.StreamEvent{
			{Type: provider.EventDelta, Text: "The score "},
			{Type: provider.EventDelta, Text: "is 8/10."},
			{Type: provider.EventFinal, Text: "The score is 8/10.", Usage: &domain.TokenUsage{InputTokens: 15, OutputTokens: 8}},
		},
	}
	f := newFixture(t, relay)

	rec := f.post(t, f.freeToken, `{"action":"grading_assistance_stream","submission":"an essay"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}

	events := sseEvents(t, rec.Body.String())
	if len(events) == 0 || events[len(events)-1] != "[DONE]" {
		t.Fatalf("stream must end with [DONE]: %v", events)
	}

	var deltas strings.Builder
	var finals int
	var finalText string
	for _, raw := range events[:len(events)-1] {
		var ev map[string]string
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			t.Fatalf("bad event %q: %v", raw, err)
		}
		switch ev["type"] {
		case "delta":
			deltas.WriteString(ev["text"])
		case "final":
			finals++
			finalText = ev["feedback"]
		default:
			t.Errorf("unexpected event %q", raw)
		}
	}
	if finals != 1 {
		t.Fatalf("got %d final events, want exactly 1", finals)
	}
	if finalText != "The score is 8/10." {
		t.Errorf("final feedback = %q", finalText)
	}
	if deltas.String() != finalText {
		t.Errorf("deltas %q != final %q", deltas.String(), finalText)
	}

	f.recorder.Close()
	entries := f.store.Entries()
	if len(entries) != 1 || entries[0].Status != domain.StatusSuccess {
		t.Fatalf("entries = %+v", entries)
	}
	if entries[0].Output != "The score is 8/10." {
		t.Errorf("logged output = %q", entries[0].Output)
	}
}

func TestExchange_StreamingMidFailure(t *testing.T) {
	relay := &stubRelay{
		id: "anthropic",
		events: []provider.StreamEvent{
			{Type: provider.EventDelta, Text: "partial "},
		},
		streamErr: &provider.Error{Relay: "anthropic", StatusCode: 500, Body: "upstream died"},
	}
	f := newFixture(t, relay)

	failedExchanges := metrics.ExchangesTotal.WithLabelValues(
		"general_assistance", "claude-3-5-haiku-20241022", "free", domain.StatusProviderError)
	before := testutil.ToFloat64(failedExchanges)

	rec := f.post(t, f.freeToken, `{"action":"general_assistance","content":"hi","stream":true}`)
	events := sseEvents(t, rec.Body.String())
	if len(events) < 2 {
		t.Fatalf("events = %v", events)
	}
	if events[len(events)-1] != "[DONE]" {
		t.Errorf("stream must still terminate with [DONE]: %v", events)
	}
	var errEvent map[string]string
	if err := json.Unmarshal([]byte(events[len(events)-2]), &errEvent); err != nil || errEvent["type"] != "error" {
		t.Errorf("penultimate event should be the error marker: %v", events)
	}
	if errEvent["error"] != "provider_error" || errEvent["message"] == "" {
		t.Errorf("error event = %v, want error=provider_error with a message", errEvent)
	}
	if strings.Contains(errEvent["message"], "upstream died") {
		t.Errorf("error event leaks upstream detail: %v", errEvent)
	}

	f.recorder.Close()
	entries := f.store.Entries()
	if len(entries) != 1 || entries[0].Status != domain.StatusProviderError {
		t.Fatalf("entries = %+v", entries)
	}

	// Failed streams count toward the exchange metric like buffered ones.
	if got := testutil.ToFloat64(failedExchanges) - before; got != 1 {
		t.Errorf("provider_error exchange count increased by %v, want 1", got)
	}
}

func TestExchange_RateLimit(t *testing.T) {
	f := newFixture(t, textRelay("hi"))
	defer f.recorder.Close()

	// Free tier allows 5 requests per minute.
	var lastCode int
	for i := 0; i < 6; i++ {
		rec := f.post(t, f.freeToken, `{"action":"general_assistance","content":"hi"}`)
		lastCode = rec.Code
	}
	if lastCode != http.StatusTooManyRequests {
		t.Fatalf("sixth request status = %d, want 429", lastCode)
	}
}

func TestCORS(t *testing.T) {
	f := newFixture(t, textRelay("hi"))
	defer f.recorder.Close()

	t.Run("preflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/v1/exchange", nil)
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusNoContent {
			t.Fatalf("status = %d, want 204", rec.Code)
		}
		if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
			t.Error("missing Access-Control-Allow-Origin")
		}
		if rec.Header().Get("Access-Control-Allow-Methods") == "" {
			t.Error("missing Access-Control-Allow-Methods")
		}
	})

	t.Run("regular responses carry headers", func(t *testing.T) {
		rec := f.post(t, "", `{"action":"health"}`)
		if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
			t.Error("error responses must carry CORS headers too")
		}
	})
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t, textRelay("hi"))
	defer f.recorder.Close()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["status"] != "ok" {
		t.Errorf("status = %v", body["status"])
	}
}

// gatedCounter blocks CountSince until the gate opens, standing in for a
// slow usage store behind the quota monitor.
type gatedCounter struct {
	gate  chan struct{}
	count int
}

func (c *gatedCounter) CountSince(ctx context.Context, tenantID, feature string, since time.Time) (int, error) {
	<-c.gate
	return c.count, nil
}

func TestExchange_QuotaMonitorOffRequestPath(t *testing.T) {
	verifier := auth.NewInMemoryVerifier()
	token, err := verifier.Issue("key_free", "user-free", "tenant-free", "s3cret")
	if err != nil {
		t.Fatalf("issue key: %v", err)
	}

	store := usage.NewInMemoryStore()
	recorder := usage.NewRecorder(store, 64)
	defer recorder.Close()
	cat := catalog.Default()

	// 42/50 crosses the 80% warning threshold once the count completes.
	counter := &gatedCounter{gate: make(chan struct{}), count: 42}
	notifier := notifications.NewInMemoryNotifier()
	monitor := quota.NewMonitor(counter, quota.DefaultLimits(), notifier, quota.DefaultThresholds())

	h := NewHandler(HandlerConfig{
		Verifier:    verifier,
		Tiers:       tier.NewResolver(tier.NewInMemoryStore(), nil, time.Minute),
		Catalog:     cat,
		Policy:      policy.New(cat),
		Quota:       quota.NewLedger(store, quota.DefaultLimits(), false),
		Limits:      quota.DefaultLimits(),
		RateLimiter: ratelimit.NewInMemoryLimiter(),
		Relays:      []provider.Relay{textRelay("ok")},
		Recorder:    recorder,
		Monitor:     monitor,
		Cost:        cost.NewCalculator(),
		MaxTokens:   4096,
		HasAPIKey:   true,
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/exchange", strings.NewReader(`{"action":"general_assistance","content":"hi"}`))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	// The monitor's counter is still blocked; a synchronous Observe would
	// hang the response here.
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	close(counter.gate)

	deadline := time.Now().Add(2 * time.Second)
	for len(notifier.Notifications()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("monitor never delivered the warning notification")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := notifier.Notifications(); got[0].Level != notifications.LevelQuotaWarning {
		t.Errorf("notification level = %v, want quota_warning", got[0].Level)
	}
}
