package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// PostJSON marshals payload, POSTs it to url and returns the response when the
// vendor answered with a 2xx status. Any other outcome becomes a ProviderError;
// the caller owns the returned body.
func PostJSON(ctx context.Context, client *http.Client, id ID, url string, header http.Header, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, NewProviderError(id, fmt.Errorf("encode request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, NewProviderError(id, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}

	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, NewProviderError(id, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, StatusError(id, resp.StatusCode, respBody)
	}
	return resp, nil
}

// Emit sends c on ch unless ctx is cancelled first. It reports whether the
// chunk was delivered.
func Emit(ctx context.Context, ch chan<- *Chunk, c *Chunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

// Fail delivers a terminal error chunk tagged with the provider.
func Fail(ctx context.Context, ch chan<- *Chunk, id ID, err error) {
	Emit(ctx, ch, &Chunk{Err: NewProviderError(id, err)})
}
