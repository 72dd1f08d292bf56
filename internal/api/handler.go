// Package api exposes the gateway's HTTP surface: one action-discriminated
// exchange endpoint plus health and metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/edupro/ai-gateway/internal/auth"
	"github.com/edupro/ai-gateway/internal/catalog"
	"github.com/edupro/ai-gateway/internal/circuitbreaker"
	"github.com/edupro/ai-gateway/internal/cost"
	"github.com/edupro/ai-gateway/internal/domain"
	"github.com/edupro/ai-gateway/internal/metrics"
	"github.com/edupro/ai-gateway/internal/policy"
	"github.com/edupro/ai-gateway/internal/prompt"
	"github.com/edupro/ai-gateway/internal/provider"
	"github.com/edupro/ai-gateway/internal/quota"
	"github.com/edupro/ai-gateway/internal/ratelimit"
	"github.com/edupro/ai-gateway/internal/telemetry"
	"github.com/edupro/ai-gateway/internal/tier"
	"github.com/edupro/ai-gateway/internal/usage"
)

type HandlerConfig struct {
	Verifier    auth.Verifier
	Tiers       *tier.Resolver
	Catalog     *catalog.Catalog
	Policy      *policy.Policy
	Quota       *quota.Ledger
	Limits      quota.Limits
	RateLimiter ratelimit.Limiter
	Relays      []provider.Relay // primary first, fallbacks after
	Recorder    *usage.Recorder
	Monitor     *quota.Monitor
	Cost        *cost.Calculator
	MaxTokens   int
	HasAPIKey   bool
}

type Handler struct {
	verifier    auth.Verifier
	tiers       *tier.Resolver
	catalog     *catalog.Catalog
	policy      *policy.Policy
	quota       *quota.Ledger
	limits      quota.Limits
	rateLimiter ratelimit.Limiter
	relays      []provider.Relay
	breakers    map[string]*circuitbreaker.Breaker
	recorder    *usage.Recorder
	monitor     *quota.Monitor
	cost        *cost.Calculator
	maxTokens   int
	hasAPIKey   bool
	mux         *http.ServeMux
}

func NewHandler(cfg HandlerConfig) *Handler {
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	breakers := make(map[string]*circuitbreaker.Breaker, len(cfg.Relays))
	for _, relay := range cfg.Relays {
		breakers[relay.ID()] = circuitbreaker.New(circuitbreaker.DefaultConfig())
	}

	h := &Handler{
		verifier:    cfg.Verifier,
		tiers:       cfg.Tiers,
		catalog:     cfg.Catalog,
		policy:      cfg.Policy,
		quota:       cfg.Quota,
		limits:      cfg.Limits,
		rateLimiter: cfg.RateLimiter,
		relays:      cfg.Relays,
		breakers:    breakers,
		recorder:    cfg.Recorder,
		monitor:     cfg.Monitor,
		cost:        cfg.Cost,
		maxTokens:   maxTokens,
		hasAPIKey:   cfg.HasAPIKey,
		mux:         http.NewServeMux(),
	}

	h.mux.HandleFunc("POST /v1/exchange", h.handleExchange)
	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.mux.ServeHTTP(w, r)
}

func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
	w.Header().Set("Access-Control-Max-Age", "86400")
}

func (h *Handler) handleExchange(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()

	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.New().String()
	}
	w.Header().Set("X-Request-ID", requestID)

	identity, err := h.verifier.Verify(ctx, auth.TokenFromRequest(r))
	if err != nil {
		slog.Warn("authentication failed", "error", err, "request_id", requestID)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	var req domain.ExchangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON body"})
		return
	}
	if err := req.Validate(); err != nil {
		if errors.Is(err, domain.ErrUnknownAction) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Unknown action"})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	ctx, span := telemetry.StartSpan(ctx, "gateway.exchange")
	defer span.End()

	// Health bypasses policy, quota and the relay but not authentication.
	if req.Action == domain.ActionHealth {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "ok",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"hasApiKey": h.hasAPIKey,
			"userId":    identity.UserID,
		})
		return
	}

	resolvedTier := h.tiers.Resolve(ctx, identity.TenantID)
	feature := string(req.Action)
	telemetry.AddExchangeAttributes(span, identity.TenantID, feature, req.Model, requestID)

	if !h.admit(ctx, w, identity, resolvedTier, requestID) {
		return
	}

	modelID, downgraded := h.policy.EffectiveModel(resolvedTier, req.Model)
	if downgraded && req.Model != "" {
		available := h.catalog.TierDefault(resolvedTier)
		metrics.RecordModelAccessDenial(resolvedTier.String(), req.Model)
		slog.Warn("model access denied",
			"tenant_id", identity.TenantID,
			"tier", resolvedTier.String(),
			"requested_model", req.Model,
			"request_id", requestID,
		)
		writeJSON(w, http.StatusForbidden, map[string]any{
			"error":           "model_access_denied",
			"message":         fmt.Sprintf("model %q requires a higher subscription tier; your tier can use %q", req.Model, available),
			"tier":            resolvedTier.String(),
			"available_model": available,
		})
		return
	}

	decision := h.quota.Check(ctx, identity.TenantID, feature, resolvedTier)
	if !decision.Allowed {
		metrics.RecordQuotaDenial(resolvedTier.String(), feature)
		slog.Warn("quota exceeded",
			"tenant_id", identity.TenantID,
			"feature", feature,
			"used", decision.Used,
			"limit", decision.Limit,
			"request_id", requestID,
		)
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":   "quota_exceeded",
			"used":    decision.Used,
			"limit":   decision.Limit,
			"message": fmt.Sprintf("monthly quota exhausted: %d of %d requests used", decision.Used, decision.Limit),
		})
		return
	}

	exchange := prompt.Build(&req)
	providerModel := h.catalog.ProviderID(modelID)

	preq := provider.Request{
		Model:       providerModel,
		System:      exchange.System,
		Messages:    exchange.Messages,
		MaxTokens:   h.requestMaxTokens(&req),
		Temperature: req.Temperature,
		Tools:       req.Tools,
		ToolChoice:  req.ToolChoice,
	}

	ex := &exchangeState{
		identity:      identity,
		tier:          resolvedTier,
		feature:       feature,
		action:        req.Action,
		providerModel: providerModel,
		exchange:      exchange,
		requestID:     requestID,
		start:         start,
	}

	if req.WantStream() {
		h.serveStreaming(ctx, w, preq, ex)
		return
	}
	h.serveBuffered(ctx, w, preq, ex)
}

// admit applies the per-minute ceiling. Anonymous callers are keyed by
// user id so individual accounts cannot share one unbounded window.
func (h *Handler) admit(ctx context.Context, w http.ResponseWriter, identity *auth.Identity, resolvedTier domain.Tier, requestID string) bool {
	key := identity.TenantID
	if key == "" {
		key = "user:" + identity.UserID
	}
	limit := h.limits.RPMLimit(resolvedTier)

	allowed, remaining, resetAt, err := h.rateLimiter.Allow(ctx, key, limit)
	if err != nil {
		// Admission control is advisory; a broken limiter must not take
		// the gateway down with it.
		slog.Error("rate limiter error", "error", err, "request_id", requestID)
		return true
	}

	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	w.Header().Set("X-RateLimit-Reset", resetAt.Format(time.RFC3339))

	if !allowed {
		metrics.RecordRateLimitHit(resolvedTier.String())
		slog.Warn("rate limit exceeded", "key", key, "request_id", requestID)
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":   "rate_limit_exceeded",
			"message": fmt.Sprintf("per-minute ceiling of %d requests reached", limit),
		})
		return false
	}
	return true
}

func (h *Handler) requestMaxTokens(req *domain.ExchangeRequest) int {
	if req.MaxTokens > 0 && req.MaxTokens <= h.maxTokens {
		return req.MaxTokens
	}
	return h.maxTokens
}

// exchangeState carries the per-request context the relay paths share.
type exchangeState struct {
	identity      *auth.Identity
	tier          domain.Tier
	feature       string
	action        domain.Action
	providerModel string
	exchange      prompt.Exchange
	requestID     string
	start         time.Time
}

func (h *Handler) serveBuffered(ctx context.Context, w http.ResponseWriter, preq provider.Request, ex *exchangeState) {
	resp, relayID, err := h.complete(ctx, preq, ex.requestID)
	if err != nil {
		h.logExchange(ex, "", nil, domain.StatusProviderError)
		metrics.RecordExchange(ex.feature, ex.providerModel, ex.tier.String(), domain.StatusProviderError, time.Since(ex.start).Seconds())
		slog.Error("all relays failed", "error", err, "request_id", ex.requestID)
		writeJSON(w, http.StatusOK, domain.ExchangeResponse{
			Content:       fallbackContent(ex.action),
			ProviderError: true,
		})
		return
	}

	out := domain.ExchangeResponse{
		Content:    resp.Content,
		Usage:      &resp.Usage,
		ToolCalls:  resp.ToolCalls,
		StopReason: resp.StopReason,
	}
	if len(resp.ToolCalls) > 0 {
		// The raw block list lets the caller echo the assistant turn back
		// verbatim on the tool-result continuation.
		out.RawContent = resp.RawContent
	}

	h.logExchange(ex, resp.Content, &resp.Usage, domain.StatusSuccess)
	h.observeQuota(ex)
	metrics.RecordExchange(ex.feature, ex.providerModel, ex.tier.String(), domain.StatusSuccess, time.Since(ex.start).Seconds())
	metrics.RecordTokens(ex.providerModel, resp.Usage.InputTokens, resp.Usage.OutputTokens)

	slog.Info("exchange completed",
		"request_id", ex.requestID,
		"tenant_id", ex.identity.TenantID,
		"feature", ex.feature,
		"model", ex.providerModel,
		"relay", relayID,
		"latency_ms", time.Since(ex.start).Milliseconds(),
	)
	writeJSON(w, http.StatusOK, out)
}

// complete walks the relay chain in order, skipping open breakers.
func (h *Handler) complete(ctx context.Context, preq provider.Request, requestID string) (*provider.Response, string, error) {
	var lastErr error

	for _, relay := range h.relays {
		breaker := h.breakers[relay.ID()]
		if err := breaker.Allow(ctx); err != nil {
			lastErr = err
			continue
		}

		resp, err := relay.Complete(ctx, preq)
		if err == nil {
			breaker.RecordSuccess(ctx)
			return resp, relay.ID(), nil
		}

		breaker.RecordFailure(ctx)
		metrics.RecordProviderError(relay.ID(), errorKind(err))
		slog.Warn("relay failed, trying fallback",
			"relay", relay.ID(),
			"error", err,
			"request_id", requestID,
		)
		lastErr = err
	}

	if lastErr == nil {
		lastErr = domain.ErrProviderError
	}
	return nil, "", lastErr
}

func (h *Handler) serveStreaming(ctx context.Context, w http.ResponseWriter, preq provider.Request, ex *exchangeState) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming not supported"})
		return
	}

	relay, breaker := h.streamRelay(ctx)
	if relay == nil {
		h.logExchange(ex, "", nil, domain.StatusProviderError)
		writeJSON(w, http.StatusOK, domain.ExchangeResponse{
			Content:       fallbackContent(ex.action),
			ProviderError: true,
		})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	metrics.ActiveStreams.Inc()
	defer metrics.ActiveStreams.Dec()

	events, errs := relay.Stream(ctx, preq)

	var finalText string
	var finalUsage *domain.TokenUsage
	sawEvent := false

	writeEvent := func(v any) {
		data, _ := json.Marshal(v)
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}
	writeDone := func() {
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}
	errorEvent := map[string]string{
		"type":    "error",
		"error":   "provider_error",
		"message": "The model provider failed before the response completed.",
	}

	for {
		select {
		case event, ok := <-events:
			if !ok {
				// A pending error must win over a clean-close interpretation.
				var err error
				if errs != nil {
					err = <-errs
				}
				if err != nil {
					breaker.RecordFailure(ctx)
					metrics.RecordProviderError(relay.ID(), errorKind(err))
					h.logExchange(ex, finalText, finalUsage, domain.StatusProviderError)
					metrics.RecordExchange(ex.feature, ex.providerModel, ex.tier.String(), domain.StatusProviderError, time.Since(ex.start).Seconds())
					slog.Error("streaming relay failed", "relay", relay.ID(), "error", err, "request_id", ex.requestID)
					writeEvent(errorEvent)
					writeDone()
					return
				}
				writeDone()
				if !sawEvent {
					breaker.RecordFailure(ctx)
					h.logExchange(ex, "", nil, domain.StatusProviderError)
					metrics.RecordExchange(ex.feature, ex.providerModel, ex.tier.String(), domain.StatusProviderError, time.Since(ex.start).Seconds())
					return
				}
				breaker.RecordSuccess(ctx)
				h.logExchange(ex, finalText, finalUsage, domain.StatusSuccess)
				h.observeQuota(ex)
				metrics.RecordExchange(ex.feature, ex.providerModel, ex.tier.String(), domain.StatusSuccess, time.Since(ex.start).Seconds())
				if finalUsage != nil {
					metrics.RecordTokens(ex.providerModel, finalUsage.InputTokens, finalUsage.OutputTokens)
				}
				slog.Info("streaming exchange completed",
					"request_id", ex.requestID,
					"tenant_id", ex.identity.TenantID,
					"feature", ex.feature,
					"model", ex.providerModel,
					"relay", relay.ID(),
					"latency_ms", time.Since(ex.start).Milliseconds(),
				)
				return
			}

			sawEvent = true
			switch event.Type {
			case provider.EventDelta:
				writeEvent(map[string]string{"type": "delta", "text": event.Text})
			case provider.EventFinal:
				finalText = event.Text
				finalUsage = event.Usage
				// Grading streams label the complete text as feedback.
				if ex.action == domain.ActionGradingStream {
					writeEvent(map[string]string{"type": "final", "feedback": event.Text})
				} else {
					writeEvent(map[string]string{"type": "final", "text": event.Text})
				}
			}

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err == nil {
				continue
			}
			// Once deltas have gone out there is no safe fallback; a
			// labeled error event is more honest than fabricated text.
			breaker.RecordFailure(ctx)
			metrics.RecordProviderError(relay.ID(), errorKind(err))
			h.logExchange(ex, finalText, finalUsage, domain.StatusProviderError)
			metrics.RecordExchange(ex.feature, ex.providerModel, ex.tier.String(), domain.StatusProviderError, time.Since(ex.start).Seconds())
			slog.Error("streaming relay failed", "relay", relay.ID(), "error", err, "request_id", ex.requestID)
			writeEvent(errorEvent)
			writeDone()
			return

		case <-ctx.Done():
			return
		}
	}
}

// streamRelay picks the first relay whose breaker admits the call. Streams
// never fail over mid-flight; the chain is consulted once, up front.
func (h *Handler) streamRelay(ctx context.Context) (provider.Relay, *circuitbreaker.Breaker) {
	for _, relay := range h.relays {
		breaker := h.breakers[relay.ID()]
		if err := breaker.Allow(ctx); err != nil {
			continue
		}
		return relay, breaker
	}
	return nil, nil
}

func (h *Handler) logExchange(ex *exchangeState, output string, tokens *domain.TokenUsage, status string) {
	if h.recorder == nil {
		return
	}

	entry := domain.UsageLogEntry{
		ID:           uuid.New().String(),
		TenantID:     ex.identity.TenantID,
		UserID:       ex.identity.UserID,
		Feature:      ex.feature,
		Model:        ex.providerModel,
		SystemPrompt: ex.exchange.System,
		Input:        serializeMessages(ex.exchange.Messages),
		Output:       output,
		Status:       status,
		CreatedAt:    time.Now().UTC(),
	}
	if tokens != nil {
		entry.InputTokens = tokens.InputTokens
		entry.OutputTokens = tokens.OutputTokens
		if h.cost != nil {
			entry.CostUSD = h.cost.Estimate(ex.providerModel, tokens)
		}
	}
	h.recorder.Enqueue(entry)
}

// observeQuota hands the completed exchange to the threshold monitor
// off the request goroutine. The monitor re-counts usage and may publish
// a notification; neither belongs in the caller's latency.
func (h *Handler) observeQuota(ex *exchangeState) {
	if h.monitor == nil || ex.identity.TenantID == "" {
		return
	}
	go h.monitor.Observe(context.Background(), ex.identity.TenantID, ex.feature, ex.tier)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func serializeMessages(msgs []domain.Message) string {
	data, err := json.Marshal(msgs)
	if err != nil {
		return ""
	}
	return string(data)
}

func errorKind(err error) string {
	var provErr *provider.Error
	if errors.As(err, &provErr) {
		return strconv.Itoa(provErr.StatusCode)
	}
	if errors.Is(err, domain.ErrCircuitBreakerOpen) {
		return "circuit_open"
	}
	return "transport"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
