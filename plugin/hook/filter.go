package hook

import (
	"context"
	"strings"
)

// BlockedWords returns a BeforeMessageSend handler that refuses drafts
// containing any of words, compared case-insensitively.
func BlockedWords(words []string) HookFn {
	lowered := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.ToLower(strings.TrimSpace(w))
		if w != "" {
			lowered = append(lowered, w)
		}
	}
	return func(_ context.Context, _ string, data interface{}) (interface{}, error) {
		draft, ok := data.(*MessageDraft)
		if !ok || len(lowered) == 0 {
			return data, nil
		}
		content := strings.ToLower(draft.Content)
		for _, w := range lowered {
			if strings.Contains(content, w) {
				return data, ErrInterrupt
			}
		}
		return data, nil
	}
}
