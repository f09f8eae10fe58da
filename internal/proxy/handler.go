package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vnmchuo/scribeflow/internal/auth"
	"github.com/vnmchuo/scribeflow/internal/logging"
	"github.com/vnmchuo/scribeflow/internal/provider"
	"github.com/vnmchuo/scribeflow/internal/usage"
	"github.com/vnmchuo/scribeflow/pkg/ratelimit"
)

// Defaults fill in what a request leaves out.
type Defaults struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

type Handler struct {
	router   *Router
	usage    usage.Store
	limiter  *ratelimit.Limiter
	tracer   trace.Tracer
	defaults Defaults
}

func NewHandler(router *Router, usageStore usage.Store, limiter *ratelimit.Limiter, tracer trace.Tracer, defaults Defaults) *Handler {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("")
	}
	return &Handler{
		router:   router,
		usage:    usageStore,
		limiter:  limiter,
		tracer:   tracer,
		defaults: defaults,
	}
}

type chatRequest struct {
	Messages    []provider.Message `json:"messages"`
	Provider    string             `json:"provider,omitempty"`
	Model       string             `json:"model,omitempty"`
	Temperature *float64           `json:"temperature,omitempty"`
	MaxTokens   *int               `json:"max_tokens,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

type analyzeRequest struct {
	Text         string `json:"text"`
	AnalysisType string `json:"analysis_type"`
}

type usageBody struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

const analysisSystemPrompt = "You are a professional writing assistant."

var analysisPrompts = map[string]string{
	"grammar": "Please analyze the following text for grammatical errors and suggest improvements:\n\n%s",
	"style":   "Please analyze the writing style of the following text and provide suggestions for improvement:\n\n%s",
	"clarity": "Please analyze the clarity of the following text and suggest ways to make it clearer:\n\n%s",
	"tone":    "Please analyze the tone of the following text and describe it:\n\n%s",
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps a routing failure onto the HTTP status reported to callers.
func statusFor(err error) int {
	switch {
	case provider.IsConfigurationError(err), errors.Is(err, provider.ErrInvalidRequest):
		return http.StatusBadRequest
	case provider.IsProviderError(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// resolve picks the effective provider and model for a caller: explicit
// request values first, then the caller's preference, then system defaults.
// A preferred or default model is only used when it belongs to the chosen
// provider's catalog; otherwise the catalog head is used.
func (h *Handler) resolve(profile *auth.Profile, requested, model string) (provider.ID, string, error) {
	id := h.router.DefaultProvider()
	if profile.PreferredProvider != "" {
		id = profile.PreferredProvider
	}
	if requested != "" {
		parsed, err := provider.ParseID(requested)
		if err != nil {
			return "", "", err
		}
		id = parsed
	}
	if model != "" {
		return id, model, nil
	}

	var candidates []string
	if id == profile.PreferredProvider && profile.PreferredModel != "" {
		candidates = append(candidates, profile.PreferredModel)
	}
	if id == h.router.DefaultProvider() && h.defaults.Model != "" {
		candidates = append(candidates, h.defaults.Model)
	}
	for _, c := range candidates {
		if h.router.Supports(id, c) {
			return id, c, nil
		}
	}
	return id, "", nil
}

func (h *Handler) params(temperature *float64, maxTokens *int) provider.Params {
	p := provider.Params{Temperature: h.defaults.Temperature, MaxTokens: h.defaults.MaxTokens}
	if temperature != nil {
		p.Temperature = *temperature
	}
	if maxTokens != nil {
		p.MaxTokens = *maxTokens
	}
	return p
}

// admit authenticates the caller and consumes one request from their rate
// limit budget. It writes the rejection itself and reports whether to go on.
func (h *Handler) admit(w http.ResponseWriter, r *http.Request) (*auth.Profile, bool) {
	profile := auth.GetProfile(r.Context())
	if profile == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return nil, false
	}

	allowed, err := h.limiter.Allow(r.Context(), profile.ID)
	if err != nil {
		// The limiter's backend being down should not take the AI endpoints with it.
		logging.Warn().Err(err).Int64("user_id", profile.ID).Msg("rate limiter unavailable")
		return profile, true
	}
	if !allowed {
		retry := strconv.Itoa(int(h.limiter.RetryAfter().Seconds()))
		w.Header().Set("Retry-After", retry)
		writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"error":       "rate limit exceeded",
			"retry_after": retry,
		})
		return nil, false
	}
	return profile, true
}

// prepare decodes a chat body and turns it into a routed request.
func (h *Handler) prepare(w http.ResponseWriter, r *http.Request) (*auth.Profile, *chatRequest, *Request, bool) {
	profile, ok := h.admit(w, r)
	if !ok {
		return nil, nil, nil, false
	}

	var body chatRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return nil, nil, nil, false
	}

	id, model, err := h.resolve(profile, body.Provider, body.Model)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, nil, nil, false
	}

	return profile, &body, &Request{
		Messages: body.Messages,
		Provider: id,
		Model:    model,
		Params:   h.params(body.Temperature, body.MaxTokens),
	}, true
}

// logUsage records a completion without holding up the response.
func (h *Handler) logUsage(entry *usage.UsageLog) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.usage.LogUsage(ctx, entry); err != nil {
			logging.Warn().Err(err).Str("request_id", entry.RequestID).Msg("failed to log usage")
		}
	}()
}

func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	profile, body, req, ok := h.prepare(w, r)
	if !ok {
		return
	}
	if body.Stream {
		writeError(w, http.StatusBadRequest, "streaming not supported on this endpoint, use /ai/chat/stream")
		return
	}

	ctx, span := h.tracer.Start(r.Context(), "proxy.chat", trace.WithAttributes(
		attribute.Int64("user_id", profile.ID),
		attribute.String("request_id", auth.GetRequestID(r.Context())),
		attribute.String("provider", req.Provider.String()),
		attribute.String("model", req.Model),
	))
	defer span.End()

	h.complete(ctx, w, profile, req, func(resp *provider.Response) any {
		return map[string]any{
			"content":  resp.Content,
			"provider": resp.Provider,
			"model":    resp.Model,
			"usage": usageBody{
				PromptTokens:     resp.InputTokens,
				CompletionTokens: resp.OutputTokens,
				TotalTokens:      resp.InputTokens + resp.OutputTokens,
			},
		}
	})
}

// complete runs a one-shot completion, logs its usage and renders the
// response through render.
func (h *Handler) complete(ctx context.Context, w http.ResponseWriter, profile *auth.Profile, req *Request, render func(*provider.Response) any) {
	span := trace.SpanFromContext(ctx)
	requestID := auth.GetRequestID(ctx)

	start := time.Now()
	resp, err := h.router.ChatCompletion(ctx, req)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		status := statusFor(err)
		if status == http.StatusBadGateway {
			h.logUsage(&usage.UsageLog{
				UserID:    profile.ID,
				RequestID: requestID,
				Provider:  req.Provider.String(),
				Model:     req.Model,
				LatencyMs: latency,
				Status:    usage.StatusError,
			})
		}
		writeError(w, status, err.Error())
		return
	}

	h.logUsage(&usage.UsageLog{
		UserID:       profile.ID,
		RequestID:    requestID,
		Provider:     resp.Provider.String(),
		Model:        resp.Model,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		LatencyMs:    latency,
		Status:       usage.StatusOK,
	})

	writeJSON(w, http.StatusOK, render(resp))
}

func (h *Handler) HandleChatStream(w http.ResponseWriter, r *http.Request) {
	profile, _, req, ok := h.prepare(w, r)
	if !ok {
		return
	}

	if _, ok := w.(http.Flusher); !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ctx, span := h.tracer.Start(r.Context(), "proxy.stream", trace.WithAttributes(
		attribute.Int64("user_id", profile.ID),
		attribute.String("request_id", auth.GetRequestID(r.Context())),
	))
	defer span.End()

	start := time.Now()
	stream, err := h.router.StreamCompletion(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		writeError(w, statusFor(err), err.Error())
		return
	}
	defer stream.Close()

	span.SetAttributes(
		attribute.String("provider", stream.Provider.String()),
		attribute.String("model", stream.Model),
	)

	relay := NewRelay(w, stream.Provider, stream.Model)
	state := relay.Run(ctx, stream.Chunks)
	span.SetAttributes(
		attribute.String("relay_state", state.String()),
		attribute.Int("fragments", relay.Fragments()),
	)

	status := usage.StatusOK
	switch state {
	case RelayErrored:
		status = usage.StatusError
		span.RecordError(relay.Err())
		span.SetStatus(codes.Error, relay.Err().Error())
	case RelayCanceled:
		status = usage.StatusCanceled
	}

	h.logUsage(&usage.UsageLog{
		UserID:    profile.ID,
		RequestID: auth.GetRequestID(ctx),
		Provider:  stream.Provider.String(),
		Model:     stream.Model,
		LatencyMs: time.Since(start).Milliseconds(),
		Streamed:  true,
		Status:    status,
	})
}

func (h *Handler) HandleAnalyzeText(w http.ResponseWriter, r *http.Request) {
	profile, ok := h.admit(w, r)
	if !ok {
		return
	}

	var body analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	prompt, ok := analysisPrompts[body.AnalysisType]
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported analysis type: %s", body.AnalysisType))
		return
	}
	if body.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	id, model, err := h.resolve(profile, "", "")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req := &Request{
		Messages: []provider.Message{
			{Role: provider.RoleSystem, Content: analysisSystemPrompt},
			{Role: provider.RoleUser, Content: fmt.Sprintf(prompt, body.Text)},
		},
		Provider: id,
		Model:    model,
		Params:   h.params(nil, nil),
	}

	ctx, span := h.tracer.Start(r.Context(), "proxy.analyze_text", trace.WithAttributes(
		attribute.Int64("user_id", profile.ID),
		attribute.String("analysis_type", body.AnalysisType),
		attribute.String("provider", id.String()),
	))
	defer span.End()

	h.complete(ctx, w, profile, req, func(resp *provider.Response) any {
		return map[string]any{
			"analysis_type": body.AnalysisType,
			"original_text": body.Text,
			"analysis":      resp.Content,
			"provider":      resp.Provider,
			"model":         resp.Model,
		}
	})
}

func (h *Handler) HandleProviders(w http.ResponseWriter, r *http.Request) {
	providers := h.router.AvailableProviders()
	if providers == nil {
		providers = []provider.ID{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"providers":        providers,
		"default_provider": h.router.DefaultProvider(),
	})
}

func (h *Handler) HandleModels(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "provider")
	models := h.router.Models(provider.ID(name))
	if len(models) == 0 {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no models found for provider: %s", name))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"provider": name,
		"models":   models,
	})
}

func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	profile := auth.GetProfile(ctx)
	if profile == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	// Parse query parameters
	now := time.Now()
	from := now.AddDate(0, 0, -30) // Default: last 30 days
	to := now

	if fromStr := r.URL.Query().Get("from"); fromStr != "" {
		var err error
		from, err = time.Parse(time.RFC3339, fromStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'from' date format (use RFC3339)")
			return
		}
	}

	if toStr := r.URL.Query().Get("to"); toStr != "" {
		var err error
		to, err = time.Parse(time.RFC3339, toStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'to' date format (use RFC3339)")
			return
		}
	}

	logs, err := h.usage.GetUsageByUser(ctx, profile.ID, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	totals, err := h.usage.GetTotalsByUser(ctx, profile.ID, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if logs == nil {
		logs = []*usage.UsageLog{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": profile.ID,
		"totals":  totals,
		"logs":    logs,
		"from":    from,
		"to":      to,
	})
}
