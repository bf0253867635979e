package models

// ChatUpdatesChannelPrefix prefixes the Redis channel carrying live
// fragments for a chat id.
const ChatUpdatesChannelPrefix = "chat_updates:"

const (
	StreamEventFragment = "fragment"
	StreamEventDone     = "done"
	StreamEventError    = "error"
)

// StreamEvent is published for every streamed fragment and once at the end.
type StreamEvent struct {
	Type   string `json:"type"`
	ChatID string `json:"chatid"`
	Text   string `json:"text,omitempty"`
}

func ChatUpdatesChannel(chatID string) string {
	return ChatUpdatesChannelPrefix + chatID
}
