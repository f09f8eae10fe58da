package cohere

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/vnmchuo/scribeflow/internal/provider"
)

const defaultBaseURL = "https://api.cohere.ai/v1"

// Client uses the Cohere generate endpoint, which takes a single prompt.
type Client struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

type generateRequest struct {
	Model       string  `json:"model"`
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	Stream      bool    `json:"stream,omitempty"`
}

type generateResponse struct {
	ID          string       `json:"id"`
	Generations []generation `json:"generations"`
	Meta        meta         `json:"meta"`
}

type generation struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

type meta struct {
	BilledUnits billedUnits `json:"billed_units"`
}

type billedUnits struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func New(apiKey, model string) *Client {
	return &Client{
		apiKey:     apiKey,
		model:      model,
		baseURL:    defaultBaseURL,
		httpClient: http.DefaultClient,
	}
}

func (c *Client) Provider() provider.ID { return provider.Cohere }
func (c *Client) Model() string         { return c.model }

func (c *Client) header() http.Header {
	h := http.Header{}
	h.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiKey))
	h.Set("Accept", "application/json")
	return h
}

func (c *Client) mapRequest(messages []provider.Message, params provider.Params, stream bool) generateRequest {
	return generateRequest{
		Model:       c.model,
		Prompt:      provider.FlattenMessages(messages),
		MaxTokens:   params.MaxTokens,
		Temperature: params.Temperature,
		Stream:      stream,
	}
}

func (c *Client) ChatCompletion(ctx context.Context, messages []provider.Message, params provider.Params) (*provider.Response, error) {
	url := fmt.Sprintf("%s/generate", c.baseURL)
	resp, err := provider.PostJSON(ctx, c.httpClient, provider.Cohere, url, c.header(), c.mapRequest(messages, params, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, provider.NewProviderError(provider.Cohere, fmt.Errorf("decode response: %w", err))
	}
	if len(out.Generations) == 0 {
		return nil, &provider.ProviderError{Provider: provider.Cohere, Message: "response contained no generations"}
	}

	return &provider.Response{
		ID:           out.ID,
		Content:      out.Generations[0].Text,
		Model:        c.model,
		Provider:     provider.Cohere,
		InputTokens:  out.Meta.BilledUnits.InputTokens,
		OutputTokens: out.Meta.BilledUnits.OutputTokens,
	}, nil
}

// StreamCompletion reads Cohere's newline-delimited JSON stream. Each line is
// either a text fragment or, last, an object with is_finished set.
func (c *Client) StreamCompletion(ctx context.Context, messages []provider.Message, params provider.Params) (<-chan *provider.Chunk, error) {
	url := fmt.Sprintf("%s/generate", c.baseURL)
	payload := c.mapRequest(messages, params, true)
	ch := make(chan *provider.Chunk)

	go func() {
		defer close(ch)

		resp, err := provider.PostJSON(ctx, c.httpClient, provider.Cohere, url, c.header(), payload)
		if err != nil {
			provider.Fail(ctx, ch, provider.Cohere, err)
			return
		}
		defer resp.Body.Close()

		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil && !(err == io.EOF && line != "") {
				if err == io.EOF {
					provider.Fail(ctx, ch, provider.Cohere, io.ErrUnexpectedEOF)
					return
				}
				provider.Fail(ctx, ch, provider.Cohere, err)
				return
			}

			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if !gjson.Valid(line) {
				provider.Fail(ctx, ch, provider.Cohere, fmt.Errorf("decode stream event: invalid json %q", line))
				return
			}

			event := gjson.Parse(line)
			if event.Get("is_finished").Bool() {
				if reason := event.Get("finish_reason").String(); reason == "ERROR" || reason == "ERROR_TOXIC" {
					msg := event.Get("error").String()
					if msg == "" {
						msg = "generation finished with " + reason
					}
					provider.Emit(ctx, ch, &provider.Chunk{Err: &provider.ProviderError{Provider: provider.Cohere, Message: msg}})
					return
				}
				provider.Emit(ctx, ch, &provider.Chunk{Done: true})
				return
			}

			if text := event.Get("text").String(); text != "" {
				if !provider.Emit(ctx, ch, &provider.Chunk{Delta: text}) {
					return
				}
			}
		}
	}()

	return ch, nil
}
