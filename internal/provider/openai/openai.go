package openai

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

const defaultBaseURL = "https://api.openai.com/v1"

type Client struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
	Model   string       `json:"model"`
	Error   *chatError   `json:"error,omitempty"`
}

type chatError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type chatChoice struct {
	Message chatMessage `json:"message"`
	Delta   chatDelta   `json:"delta"`
}

type chatDelta struct {
	Content string `json:"content"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

func New(apiKey, model string) *Client {
	return &Client{
		apiKey:     apiKey,
		model:      model,
		baseURL:    defaultBaseURL,
		httpClient: http.DefaultClient,
	}
}

func (c *Client) Provider() provider.ID { return provider.OpenAI }
func (c *Client) Model() string         { return c.model }

func (c *Client) header() http.Header {
	h := http.Header{}
	h.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiKey))
	return h
}

func (c *Client) mapRequest(messages []provider.Message, params provider.Params, stream bool) chatRequest {
	out := make([]chatMessage, len(messages))
	for i, m := range messages {
		out[i] = chatMessage{Role: string(m.Role), Content: m.Content}
	}
	return chatRequest{
		Model:       c.model,
		Messages:    out,
		MaxTokens:   params.MaxTokens,
		Temperature: params.Temperature,
		Stream:      stream,
	}
}

func (c *Client) ChatCompletion(ctx context.Context, messages []provider.Message, params provider.Params) (*provider.Response, error) {
	url := fmt.Sprintf("%s/chat/completions", c.baseURL)
	resp, err := provider.PostJSON(ctx, c.httpClient, provider.OpenAI, url, c.header(), c.mapRequest(messages, params, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, provider.NewProviderError(provider.OpenAI, fmt.Errorf("decode response: %w", err))
	}
	if len(out.Choices) == 0 {
		return nil, &provider.ProviderError{Provider: provider.OpenAI, Message: "response contained no choices"}
	}

	return &provider.Response{
		ID:           out.ID,
		Content:      out.Choices[0].Message.Content,
		Model:        c.model,
		Provider:     provider.OpenAI,
		InputTokens:  out.Usage.PromptTokens,
		OutputTokens: out.Usage.CompletionTokens,
	}, nil
}

func (c *Client) StreamCompletion(ctx context.Context, messages []provider.Message, params provider.Params) (<-chan *provider.Chunk, error) {
	url := fmt.Sprintf("%s/chat/completions", c.baseURL)
	payload := c.mapRequest(messages, params, true)
	ch := make(chan *provider.Chunk)

	go func() {
		defer close(ch)

		resp, err := provider.PostJSON(ctx, c.httpClient, provider.OpenAI, url, c.header(), payload)
		if err != nil {
			provider.Fail(ctx, ch, provider.OpenAI, err)
			return
		}
		defer resp.Body.Close()

		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil && !(err == io.EOF && line != "") {
				if err == io.EOF {
					err = io.ErrUnexpectedEOF
				}
				provider.Fail(ctx, ch, provider.OpenAI, err)
				return
			}

			line = strings.TrimSpace(line)
			if !strings.HasPrefix(line, "data:") {
				continue
			}

			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				provider.Emit(ctx, ch, &provider.Chunk{Done: true})
				return
			}

			var event chatResponse
			if err := json.Unmarshal([]byte(data), &event); err != nil {
				provider.Fail(ctx, ch, provider.OpenAI, fmt.Errorf("decode stream event: %w", err))
				return
			}
			if event.Error != nil {
				provider.Emit(ctx, ch, &provider.Chunk{Err: &provider.ProviderError{Provider: provider.OpenAI, Message: event.Error.Message}})
				return
			}

			if len(event.Choices) > 0 && event.Choices[0].Delta.Content != "" {
				if !provider.Emit(ctx, ch, &provider.Chunk{Delta: event.Choices[0].Delta.Content}) {
					return
				}
			}
		}
	}()

	return ch, nil
}
