package provider

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlattenMessages(t *testing.T) {
	tests := []struct {
		name     string
		messages []Message
		want     string
	}{
		{
			name:     "empty",
			messages: nil,
			want:     "",
		},
		{
			name:     "single user turn",
			messages: []Message{{Role: RoleUser, Content: "Hi"}},
			want:     "Human: Hi",
		},
		{
			name: "all roles keep order",
			messages: []Message{
				{Role: RoleSystem, Content: "You are terse."},
				{Role: RoleUser, Content: "Hi"},
				{Role: RoleAssistant, Content: "Hello."},
				{Role: RoleUser, Content: "Bye"},
			},
			want: "System: You are terse.\n\nHuman: Hi\n\nAssistant: Hello.\n\nHuman: Bye",
		},
		{
			name: "unknown roles are skipped",
			messages: []Message{
				{Role: "tool", Content: "ignored"},
				{Role: RoleUser, Content: "kept"},
			},
			want: "Human: kept",
		},
		{
			name:     "multiline content is untouched",
			messages: []Message{{Role: RoleAssistant, Content: "a\n\nb"}},
			want:     "Assistant: a\n\nb",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FlattenMessages(tt.messages))
		})
	}
}

func TestFlattenMessages_Deterministic(t *testing.T) {
	msgs := []Message{
		{Role: RoleSystem, Content: "s"},
		{Role: RoleUser, Content: "u"},
		{Role: RoleAssistant, Content: "a"},
	}
	first := FlattenMessages(msgs)
	for i := 0; i < 50; i++ {
		require.Equal(t, first, FlattenMessages(msgs))
	}
}

func TestParseID(t *testing.T) {
	for _, id := range All {
		got, err := ParseID(string(id))
		require.NoError(t, err)
		assert.Equal(t, id, got)
	}

	_, err := ParseID("mistral")
	require.Error(t, err)
	assert.True(t, IsConfigurationError(err))
	assert.Equal(t, "unsupported AI provider: mistral", err.Error())
}

func TestValidation(t *testing.T) {
	assert.NoError(t, Params{Temperature: 0.7, MaxTokens: 4000}.Validate())
	assert.ErrorIs(t, Params{Temperature: 0.7}.Validate(), ErrInvalidRequest)
	assert.ErrorIs(t, Params{Temperature: 2.5, MaxTokens: 1}.Validate(), ErrInvalidRequest)

	assert.ErrorIs(t, ValidateMessages(nil), ErrInvalidRequest)
	assert.ErrorIs(t, ValidateMessages([]Message{{Role: "bot", Content: "x"}}), ErrInvalidRequest)
	assert.NoError(t, ValidateMessages([]Message{{Role: RoleUser, Content: "x"}}))
}

func TestProviderError(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewProviderError(Cohere, cause)

	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, Cohere, pe.Provider)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "cohere api error: connection reset", err.Error())

	// Re-tagging keeps the original vendor.
	var retagged *ProviderError
	require.ErrorAs(t, NewProviderError(OpenAI, fmt.Errorf("wrapped: %w", err)), &retagged)
	assert.Equal(t, Cohere, retagged.Provider)

	status := StatusError(OpenAI, 429, []byte("slow down"))
	assert.Equal(t, "openai api error (status 429): slow down", status.Error())
	assert.Nil(t, NewProviderError(OpenAI, nil))
}
