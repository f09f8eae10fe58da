package anthropic

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

const (
	defaultBaseURL = "https://api.anthropic.com/v1"
	apiVersion     = "2023-06-01"
)

type Client struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

type messagesRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
	System      string    `json:"system,omitempty"`
	Messages    []message `json:"messages"`
	Stream      bool      `json:"stream,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	ID      string         `json:"id"`
	Content []contentBlock `json:"content"`
	Model   string         `json:"model"`
	Usage   usage          `json:"usage"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type streamEvent struct {
	Type  string    `json:"type"`
	Delta delta     `json:"delta,omitempty"`
	Error *apiError `json:"error,omitempty"`
}

type delta struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type apiError struct {
	Type    string `json:"type"`
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

func (c *Client) Provider() provider.ID { return provider.Anthropic }
func (c *Client) Model() string         { return c.model }

func (c *Client) header() http.Header {
	h := http.Header{}
	h.Set("x-api-key", c.apiKey)
	h.Set("anthropic-version", apiVersion)
	return h
}

// mapRequest keeps the conversation order but moves system turns into the
// top-level system field; the Messages API has no system role.
func (c *Client) mapRequest(messages []provider.Message, params provider.Params, stream bool) messagesRequest {
	var system []string
	out := make([]message, 0, len(messages))

	for _, m := range messages {
		if m.Role == provider.RoleSystem {
			system = append(system, m.Content)
			continue
		}
		out = append(out, message{Role: string(m.Role), Content: m.Content})
	}

	return messagesRequest{
		Model:       c.model,
		MaxTokens:   params.MaxTokens,
		Temperature: params.Temperature,
		System:      strings.Join(system, "\n\n"),
		Messages:    out,
		Stream:      stream,
	}
}

func (c *Client) ChatCompletion(ctx context.Context, messages []provider.Message, params provider.Params) (*provider.Response, error) {
	url := fmt.Sprintf("%s/messages", c.baseURL)
	resp, err := provider.PostJSON(ctx, c.httpClient, provider.Anthropic, url, c.header(), c.mapRequest(messages, params, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, provider.NewProviderError(provider.Anthropic, fmt.Errorf("decode response: %w", err))
	}
	if len(out.Content) == 0 {
		return nil, &provider.ProviderError{Provider: provider.Anthropic, Message: "response contained no content"}
	}

	return &provider.Response{
		ID:           out.ID,
		Content:      out.Content[0].Text,
		Model:        c.model,
		Provider:     provider.Anthropic,
		InputTokens:  out.Usage.InputTokens,
		OutputTokens: out.Usage.OutputTokens,
	}, nil
}

func (c *Client) StreamCompletion(ctx context.Context, messages []provider.Message, params provider.Params) (<-chan *provider.Chunk, error) {
	url := fmt.Sprintf("%s/messages", c.baseURL)
	payload := c.mapRequest(messages, params, true)
	ch := make(chan *provider.Chunk)

	go func() {
		defer close(ch)

		resp, err := provider.PostJSON(ctx, c.httpClient, provider.Anthropic, url, c.header(), payload)
		if err != nil {
			provider.Fail(ctx, ch, provider.Anthropic, err)
			return
		}
		defer resp.Body.Close()

		reader := bufio.NewReader(resp.Body)
		var currentEvent string

		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err == io.EOF {
					// The stream must end with message_stop; anything else is a truncated response.
					provider.Fail(ctx, ch, provider.Anthropic, io.ErrUnexpectedEOF)
					return
				}
				provider.Fail(ctx, ch, provider.Anthropic, err)
				return
			}

			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}

			if strings.HasPrefix(line, "event:") {
				currentEvent = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
				continue
			}
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

			switch currentEvent {
			case "content_block_delta":
				var event streamEvent
				if err := json.Unmarshal([]byte(data), &event); err != nil {
					provider.Fail(ctx, ch, provider.Anthropic, fmt.Errorf("decode stream event: %w", err))
					return
				}
				if event.Delta.Type == "text_delta" && event.Delta.Text != "" {
					if !provider.Emit(ctx, ch, &provider.Chunk{Delta: event.Delta.Text}) {
						return
					}
				}
			case "message_stop":
				provider.Emit(ctx, ch, &provider.Chunk{Done: true})
				return
			case "error":
				var event streamEvent
				msg := data
				if err := json.Unmarshal([]byte(data), &event); err == nil && event.Error != nil {
					msg = event.Error.Message
				}
				provider.Emit(ctx, ch, &provider.Chunk{Err: &provider.ProviderError{Provider: provider.Anthropic, Message: msg}})
				return
			}
		}
	}()

	return ch, nil
}
