package provider

import (
	"errors"
	"fmt"
)

// ErrInvalidRequest is wrapped by every request-shape validation failure.
var ErrInvalidRequest = errors.New("invalid request")

// ConfigurationError means a provider is unknown or has no API key configured.
type ConfigurationError struct {
	Provider string
	Reason   string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, e.Provider)
}

// ProviderError wraps any failure reported by, or on the way to, a vendor API.
type ProviderError struct {
	Provider   ID
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s api error (status %d): %s", e.Provider, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s api error: %s", e.Provider, msg)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// NewProviderError tags err with the vendor it came from. Errors that are
// already ProviderErrors are returned as is.
func NewProviderError(id ID, err error) error {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return err
	}
	return &ProviderError{Provider: id, Err: err}
}

// StatusError builds the error for a non-2xx vendor response.
func StatusError(id ID, status int, body []byte) error {
	return &ProviderError{Provider: id, StatusCode: status, Message: string(body)}
}

func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

func IsProviderError(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe)
}
