package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	extratelimit "github.com/vnmchuo/ratelimiter"

	"github.com/vnmchuo/scribeflow/internal/auth"
	"github.com/vnmchuo/scribeflow/internal/provider"
	"github.com/vnmchuo/scribeflow/internal/usage"
	"github.com/vnmchuo/scribeflow/pkg/ratelimit"
)

// Mock Usage Store
type mockUsageStore struct {
	logged chan *usage.UsageLog

	getUsageFunc  func(ctx context.Context, userID int64, from, to time.Time) ([]*usage.UsageLog, error)
	getTotalsFunc func(ctx context.Context, userID int64, from, to time.Time) (*usage.Totals, error)
}

func newMockUsageStore() *mockUsageStore {
	return &mockUsageStore{logged: make(chan *usage.UsageLog, 16)}
}

func (m *mockUsageStore) LogUsage(ctx context.Context, log *usage.UsageLog) error {
	m.logged <- log
	return nil
}

func (m *mockUsageStore) GetUsageByUser(ctx context.Context, userID int64, from, to time.Time) ([]*usage.UsageLog, error) {
	if m.getUsageFunc != nil {
		return m.getUsageFunc(ctx, userID, from, to)
	}
	return nil, nil
}

func (m *mockUsageStore) GetTotalsByUser(ctx context.Context, userID int64, from, to time.Time) (*usage.Totals, error) {
	if m.getTotalsFunc != nil {
		return m.getTotalsFunc(ctx, userID, from, to)
	}
	return &usage.Totals{}, nil
}

func (m *mockUsageStore) next(t *testing.T) *usage.UsageLog {
	t.Helper()
	select {
	case l := <-m.logged:
		return l
	case <-time.After(2 * time.Second):
		t.Fatal("usage was not logged")
		return nil
	}
}

// Mock Limiter Store
type mockLimiterStore struct {
	allowed bool
	err     error
}

func (m *mockLimiterStore) AllowN(ctx context.Context, key string, n int) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func (m *mockLimiterStore) Allow(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func (m *mockLimiterStore) Status(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

type testEnv struct {
	handler   *Handler
	usage     *mockUsageStore
	factories *countingFactories
	limiter   *mockLimiterStore
}

func setupTest(t *testing.T, tweak func(*fakeClient)) *testEnv {
	t.Helper()
	f := newCountingFactories()
	f.tweak = tweak
	router := NewRouter(NewCache(testConfigs(), f.factories()), provider.OpenAI, 0, nil)
	store := newMockUsageStore()
	limiterStore := &mockLimiterStore{allowed: true}
	limiter := ratelimit.NewTestLimiter(limiterStore, time.Minute)

	h := NewHandler(router, store, limiter, nil, Defaults{Model: "gpt-4", Temperature: 0.7, MaxTokens: 4000})
	return &testEnv{handler: h, usage: store, factories: f, limiter: limiterStore}
}

var testProfile = &auth.Profile{ID: 1, Email: "writer@example.com", Active: true}

func authed(r *http.Request, p *auth.Profile) *http.Request {
	ctx := auth.WithProfile(r.Context(), p)
	ctx = auth.WithRequestID(ctx, "req-1")
	return r.WithContext(ctx)
}

func postJSON(t *testing.T, path string, body any) *http.Request {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	return authed(httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw)), testProfile)
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func chatBody(extra map[string]any) map[string]any {
	body := map[string]any{
		"messages": []map[string]string{{"role": "user", "content": "Hi"}},
	}
	for k, v := range extra {
		body[k] = v
	}
	return body
}

func TestHandleChat_Unauthorized(t *testing.T) {
	env := setupTest(t, nil)
	w := httptest.NewRecorder()

	env.handler.HandleChat(w, httptest.NewRequest(http.MethodPost, "/api/v1/ai/chat", nil))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "unauthorized", decode(t, w)["error"])
}

func TestHandleChat_InvalidBody(t *testing.T) {
	env := setupTest(t, nil)
	req := authed(httptest.NewRequest(http.MethodPost, "/api/v1/ai/chat", strings.NewReader(`{invalid json}`)), testProfile)
	w := httptest.NewRecorder()

	env.handler.HandleChat(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid request body", decode(t, w)["error"])
}

func TestHandleChat_RateLimited(t *testing.T) {
	env := setupTest(t, nil)
	env.limiter.allowed = false
	w := httptest.NewRecorder()

	env.handler.HandleChat(w, postJSON(t, "/api/v1/ai/chat", chatBody(nil)))

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.Equal(t, "rate limit exceeded", decode(t, w)["error"])
	assert.Zero(t, env.factories.count(provider.OpenAI))
}

func TestHandleChat_LimiterOutageFailsOpen(t *testing.T) {
	env := setupTest(t, nil)
	env.limiter.err = errors.New("redis down")
	w := httptest.NewRecorder()

	env.handler.HandleChat(w, postJSON(t, "/api/v1/ai/chat", chatBody(nil)))

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandleChat_Success(t *testing.T) {
	env := setupTest(t, nil)
	w := httptest.NewRecorder()

	env.handler.HandleChat(w, postJSON(t, "/api/v1/ai/chat", chatBody(nil)))

	require.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	assert.Equal(t, "ok", resp["content"])
	assert.Equal(t, "openai", resp["provider"])
	assert.Equal(t, "gpt-4", resp["model"])
	assert.Equal(t, map[string]any{"prompt_tokens": 3.0, "completion_tokens": 5.0, "total_tokens": 8.0}, resp["usage"])

	logged := env.usage.next(t)
	assert.Equal(t, int64(1), logged.UserID)
	assert.Equal(t, "req-1", logged.RequestID)
	assert.Equal(t, usage.StatusOK, logged.Status)
	assert.Equal(t, 8, logged.InputTokens+logged.OutputTokens)
}

func TestHandleChat_ExplicitProviderUsesCatalogHead(t *testing.T) {
	env := setupTest(t, nil)
	w := httptest.NewRecorder()

	env.handler.HandleChat(w, postJSON(t, "/api/v1/ai/chat", chatBody(map[string]any{"provider": "cohere"})))

	require.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	assert.Equal(t, "cohere", resp["provider"])
	assert.Equal(t, "command-r-plus", resp["model"])
	assert.Equal(t, 1, env.factories.count(provider.Cohere))
}

func TestHandleChat_StreamFlagRejected(t *testing.T) {
	env := setupTest(t, nil)
	w := httptest.NewRecorder()

	env.handler.HandleChat(w, postJSON(t, "/api/v1/ai/chat", chatBody(map[string]any{"stream": true})))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Zero(t, env.factories.count(provider.OpenAI))
}

func TestHandleChat_ClientErrors(t *testing.T) {
	tests := []struct {
		name string
		body map[string]any
	}{
		{"unknown provider", chatBody(map[string]any{"provider": "mistral"})},
		{"provider without key", chatBody(map[string]any{"provider": "anthropic"})},
		{"no messages", map[string]any{"messages": []any{}}},
		{"bad temperature", chatBody(map[string]any{"temperature": 5})},
		{"zero max tokens", chatBody(map[string]any{"max_tokens": 0})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTest(t, nil)
			w := httptest.NewRecorder()

			env.handler.HandleChat(w, postJSON(t, "/api/v1/ai/chat", tt.body))

			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.NotEmpty(t, decode(t, w)["error"])
		})
	}
}

func TestHandleChat_ProviderFailure(t *testing.T) {
	env := setupTest(t, func(fc *fakeClient) {
		fc.err = provider.StatusError(fc.id, 503, []byte("overloaded"))
	})
	w := httptest.NewRecorder()

	env.handler.HandleChat(w, postJSON(t, "/api/v1/ai/chat", chatBody(nil)))

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "openai api error (status 503): overloaded", decode(t, w)["error"])
	assert.Equal(t, usage.StatusError, env.usage.next(t).Status)
}

func TestHandle_PreferenceResolution(t *testing.T) {
	tests := []struct {
		name      string
		profile   *auth.Profile
		body      map[string]any
		wantProv  string
		wantModel string
	}{
		{
			name:      "system defaults",
			profile:   &auth.Profile{ID: 1},
			body:      chatBody(nil),
			wantProv:  "openai",
			wantModel: "gpt-4",
		},
		{
			name:      "preferred provider and model",
			profile:   &auth.Profile{ID: 1, PreferredProvider: provider.Cohere, PreferredModel: "command-r"},
			body:      chatBody(nil),
			wantProv:  "cohere",
			wantModel: "command-r",
		},
		{
			name:      "preferred model outside catalog",
			profile:   &auth.Profile{ID: 1, PreferredProvider: provider.Cohere, PreferredModel: "gpt-4"},
			body:      chatBody(nil),
			wantProv:  "cohere",
			wantModel: "command-r-plus",
		},
		{
			name:      "request overrides preference",
			profile:   &auth.Profile{ID: 1, PreferredProvider: provider.Cohere, PreferredModel: "command-r"},
			body:      chatBody(map[string]any{"provider": "openai", "model": "gpt-3.5-turbo"}),
			wantProv:  "openai",
			wantModel: "gpt-3.5-turbo",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTest(t, nil)
			raw, _ := json.Marshal(tt.body)
			req := authed(httptest.NewRequest(http.MethodPost, "/api/v1/ai/chat", bytes.NewReader(raw)), tt.profile)
			w := httptest.NewRecorder()

			env.handler.HandleChat(w, req)

			require.Equal(t, http.StatusOK, w.Code)
			resp := decode(t, w)
			assert.Equal(t, tt.wantProv, resp["provider"])
			assert.Equal(t, tt.wantModel, resp["model"])
		})
	}
}

func TestHandleChatStream_Success(t *testing.T) {
	env := setupTest(t, func(fc *fakeClient) {
		fc.chunks = []*provider.Chunk{{Delta: "Hel"}, {Delta: "lo"}, {Done: true}}
	})
	w := httptest.NewRecorder()

	env.handler.HandleChatStream(w, postJSON(t, "/api/v1/ai/chat/stream", chatBody(map[string]any{"provider": "cohere"})))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	got := frames(t, w.Body.String())
	require.Len(t, got, 3)
	assert.Equal(t, map[string]any{"content": "Hel", "provider": "cohere", "model": "command-r-plus"}, got[0])
	assert.Equal(t, map[string]any{"done": true}, got[2])

	logged := env.usage.next(t)
	assert.True(t, logged.Streamed)
	assert.Equal(t, usage.StatusOK, logged.Status)
}

func TestHandleChatStream_MidStreamError(t *testing.T) {
	env := setupTest(t, func(fc *fakeClient) {
		fc.chunks = []*provider.Chunk{
			{Delta: "a"},
			{Delta: "b"},
			{Err: &provider.ProviderError{Provider: fc.id, Message: "overloaded"}},
		}
	})
	w := httptest.NewRecorder()

	env.handler.HandleChatStream(w, postJSON(t, "/api/v1/ai/chat/stream", chatBody(nil)))

	got := frames(t, w.Body.String())
	require.Len(t, got, 3)
	assert.Equal(t, "openai api error: overloaded", got[2]["error"])
	assert.NotContains(t, w.Body.String(), `"done"`)
	assert.Equal(t, usage.StatusError, env.usage.next(t).Status)
}

func TestHandleChatStream_ConfigurationErrorBeforeStream(t *testing.T) {
	env := setupTest(t, nil)
	w := httptest.NewRecorder()

	env.handler.HandleChatStream(w, postJSON(t, "/api/v1/ai/chat/stream", chatBody(map[string]any{"provider": "anthropic"})))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, "API key not configured for provider: anthropic", decode(t, w)["error"])
}

func TestHandleAnalyzeText(t *testing.T) {
	tests := []struct {
		analysisType string
		prompt       string
	}{
		{"grammar", "Please analyze the following text for grammatical errors and suggest improvements:"},
		{"style", "Please analyze the writing style of the following text and provide suggestions for improvement:"},
		{"clarity", "Please analyze the clarity of the following text and suggest ways to make it clearer:"},
		{"tone", "Please analyze the tone of the following text and describe it:"},
	}

	for _, tt := range tests {
		t.Run(tt.analysisType, func(t *testing.T) {
			var captured []provider.Message
			env := setupTest(t, nil)
			env.handler.router.cache.factories[provider.OpenAI] = func(k, m string) provider.Client {
				return &capturingClient{fakeClient: fakeClient{id: provider.OpenAI, model: m}, captured: &captured}
			}
			w := httptest.NewRecorder()

			env.handler.HandleAnalyzeText(w, postJSON(t, "/api/v1/ai/analyze-text", map[string]string{
				"text":          "Their going home.",
				"analysis_type": tt.analysisType,
			}))

			require.Equal(t, http.StatusOK, w.Code)
			resp := decode(t, w)
			assert.Equal(t, tt.analysisType, resp["analysis_type"])
			assert.Equal(t, "Their going home.", resp["original_text"])
			assert.Equal(t, "openai", resp["provider"])

			require.Len(t, captured, 2)
			assert.Equal(t, provider.Message{Role: provider.RoleSystem, Content: "You are a professional writing assistant."}, captured[0])
			assert.Equal(t, provider.Message{Role: provider.RoleUser, Content: tt.prompt + "\n\nTheir going home."}, captured[1])
		})
	}
}

func TestHandleAnalyzeText_UnknownType(t *testing.T) {
	env := setupTest(t, nil)
	w := httptest.NewRecorder()

	env.handler.HandleAnalyzeText(w, postJSON(t, "/api/v1/ai/analyze-text", map[string]string{
		"text":          "Hello",
		"analysis_type": "poetry",
	}))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Zero(t, env.factories.count(provider.OpenAI))
}

func TestHandleProvidersAndModels(t *testing.T) {
	env := setupTest(t, nil)

	r := chi.NewRouter()
	r.Get("/ai/providers", env.handler.HandleProviders)
	r.Get("/ai/providers/{provider}/models", env.handler.HandleModels)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ai/providers", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]any{
		"providers":        []any{"openai", "google", "cohere"},
		"default_provider": "openai",
	}, decode(t, w))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ai/providers/cohere/models", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []any{"command-r-plus", "command-r"}, decode(t, w)["models"])

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ai/providers/google/models", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleUsage(t *testing.T) {
	env := setupTest(t, nil)
	var gotFrom, gotTo time.Time
	env.usage.getUsageFunc = func(ctx context.Context, userID int64, from, to time.Time) ([]*usage.UsageLog, error) {
		gotFrom, gotTo = from, to
		return []*usage.UsageLog{{UserID: userID, Provider: "openai", Status: usage.StatusOK}}, nil
	}
	env.usage.getTotalsFunc = func(ctx context.Context, userID int64, from, to time.Time) (*usage.Totals, error) {
		return &usage.Totals{Requests: 1, InputTokens: 3, OutputTokens: 5}, nil
	}

	req := authed(httptest.NewRequest(http.MethodGet, "/api/v1/ai/usage?from=2024-01-01T00:00:00Z&to=2024-02-01T00:00:00Z", nil), testProfile)
	w := httptest.NewRecorder()
	env.handler.HandleUsage(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), gotFrom)
	assert.Equal(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), gotTo)

	resp := decode(t, w)
	assert.Equal(t, 1.0, resp["user_id"])
	assert.Equal(t, map[string]any{"requests": 1.0, "input_tokens": 3.0, "output_tokens": 5.0}, resp["totals"])
	assert.Len(t, resp["logs"], 1)
}

func TestHandleUsage_BadDate(t *testing.T) {
	env := setupTest(t, nil)
	req := authed(httptest.NewRequest(http.MethodGet, "/api/v1/ai/usage?from=yesterday", nil), testProfile)
	w := httptest.NewRecorder()

	env.handler.HandleUsage(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

type capturingClient struct {
	fakeClient
	captured *[]provider.Message
}

func (c *capturingClient) ChatCompletion(ctx context.Context, messages []provider.Message, params provider.Params) (*provider.Response, error) {
	*c.captured = append([]provider.Message(nil), messages...)
	return &provider.Response{Content: "Looks fine.", Provider: c.id, Model: c.model}, nil
}
