package domain

// ChatMessage is the provider-agnostic chat message shape used by the
// Backend Adapters when they translate conversation history for their backend.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// HistoryToChat converts stored history into chat messages, dropping entries
// with an unknown role or empty text.
func HistoryToChat(history []Message) []ChatMessage {
	out := make([]ChatMessage, 0, len(history))
	for _, m := range history {
		if !m.Role.Valid() || m.Text == "" {
			continue
		}
		out = append(out, ChatMessage{Role: string(m.Role), Content: m.Text})
	}
	return out
}
