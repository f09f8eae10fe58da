package google

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/vnmchuo/scribeflow/internal/provider"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com"

// Client talks to the Gemini generateContent API. The conversation is sent as
// one flattened user turn rather than as Gemini contents.
type Client struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

type generateRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generationConfig struct {
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	Temperature     float64 `json:"temperature"`
}

type generateResponse struct {
	Candidates    []candidate   `json:"candidates"`
	UsageMetadata usageMetadata `json:"usageMetadata"`
	Error         *apiError     `json:"error,omitempty"`
}

type candidate struct {
	Content content `json:"content"`
}

type usageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func New(apiKey, model string) *Client {
	return &Client{
		apiKey:     apiKey,
		model:      model,
		baseURL:    defaultBaseURL,
		httpClient: http.DefaultClient,
	}
}

func (c *Client) Provider() provider.ID { return provider.Google }
func (c *Client) Model() string         { return c.model }

func (c *Client) header() http.Header {
	h := http.Header{}
	h.Set("x-goog-api-key", c.apiKey)
	return h
}

func (c *Client) mapRequest(messages []provider.Message, params provider.Params) generateRequest {
	return generateRequest{
		Contents: []content{{
			Role:  "user",
			Parts: []part{{Text: provider.FlattenMessages(messages)}},
		}},
		GenerationConfig: generationConfig{
			MaxOutputTokens: params.MaxTokens,
			Temperature:     params.Temperature,
		},
	}
}

// text joins the parts of the first candidate.
func (r *generateResponse) text() (string, bool) {
	if len(r.Candidates) == 0 || len(r.Candidates[0].Content.Parts) == 0 {
		return "", false
	}
	var b strings.Builder
	for _, p := range r.Candidates[0].Content.Parts {
		b.WriteString(p.Text)
	}
	return b.String(), true
}

func (c *Client) ChatCompletion(ctx context.Context, messages []provider.Message, params provider.Params) (*provider.Response, error) {
	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", c.baseURL, c.model)
	resp, err := provider.PostJSON(ctx, c.httpClient, provider.Google, url, c.header(), c.mapRequest(messages, params))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, provider.NewProviderError(provider.Google, fmt.Errorf("decode response: %w", err))
	}
	text, ok := out.text()
	if !ok {
		return nil, &provider.ProviderError{Provider: provider.Google, Message: "response contained no candidates"}
	}

	return &provider.Response{
		Content:      text,
		Model:        c.model,
		Provider:     provider.Google,
		InputTokens:  out.UsageMetadata.PromptTokenCount,
		OutputTokens: out.UsageMetadata.CandidatesTokenCount,
	}, nil
}

func (c *Client) StreamCompletion(ctx context.Context, messages []provider.Message, params provider.Params) (<-chan *provider.Chunk, error) {
	url := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse", c.baseURL, c.model)
	payload := c.mapRequest(messages, params)
	ch := make(chan *provider.Chunk)

	go func() {
		defer close(ch)

		resp, err := provider.PostJSON(ctx, c.httpClient, provider.Google, url, c.header(), payload)
		if err != nil {
			provider.Fail(ctx, ch, provider.Google, err)
			return
		}
		defer resp.Body.Close()

		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil && !(err == io.EOF && line != "") {
				if err == io.EOF {
					// Gemini has no end-of-stream sentinel; a clean EOF is the end.
					provider.Emit(ctx, ch, &provider.Chunk{Done: true})
					return
				}
				provider.Fail(ctx, ch, provider.Google, err)
				return
			}

			line = strings.TrimSpace(line)
			if !strings.HasPrefix(line, "data:") {
				continue
			}

			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			var event generateResponse
			if err := json.Unmarshal([]byte(data), &event); err != nil {
				provider.Fail(ctx, ch, provider.Google, fmt.Errorf("decode stream event: %w", err))
				return
			}
			if event.Error != nil {
				provider.Emit(ctx, ch, &provider.Chunk{Err: &provider.ProviderError{
					Provider:   provider.Google,
					StatusCode: event.Error.Code,
					Message:    event.Error.Message,
				}})
				return
			}

			if text, ok := event.text(); ok && text != "" {
				if !provider.Emit(ctx, ch, &provider.Chunk{Delta: text}) {
					return
				}
			}
		}
	}()

	return ch, nil
}
