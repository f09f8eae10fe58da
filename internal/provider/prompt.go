package provider

import "strings"

var promptLabels = map[Role]string{
	RoleSystem:    "System",
	RoleUser:      "Human",
	RoleAssistant: "Assistant",
}

// FlattenMessages renders a conversation as a single prompt for vendors that
// take plain text. Each message becomes "Label: content" and messages are
// separated by a blank line. Messages with unknown roles are dropped.
//
// The exact output is part of the model input, so do not change the labels
// or the separator.
func FlattenMessages(messages []Message) string {
	parts := make([]string, 0, len(messages))
	for _, m := range messages {
		label, ok := promptLabels[m.Role]
		if !ok {
			continue
		}
		parts = append(parts, label+": "+m.Content)
	}
	return strings.Join(parts, "\n\n")
}
