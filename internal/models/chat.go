package models

import "time"

// Turn is one completed (query, response) exchange.
type Turn struct {
	Query    string
	Response string
}

// ConversationRecord is the persisted history for one chat id.
// A zero LastWrittenAt means the record has never been written.
type ConversationRecord struct {
	ChatID        string
	Turns         []Turn
	LastWrittenAt time.Time
}

// ImageInput is one extra query parameter treated as an inline image.
type ImageInput struct {
	Key  string
	Data []byte
}

type ContentKind string

const (
	ContentText  ContentKind = "text"
	ContentImage ContentKind = "image"
)

// ContentItem is a single element of a model request. Image items carry a
// 1-based Index in the order they were supplied.
type ContentItem struct {
	Kind     ContentKind
	Text     string
	Index    int
	MIMEType string
	Data     []byte
}

type ModelRequest struct {
	Items []ContentItem
}

// GenerateResult is the outcome of one successful generate flow.
type GenerateResult struct {
	Response    string
	TotalTokens *int32
}

// GenerateResponse is returned by the generate path.
type GenerateResponse struct {
	Response    string `json:"response"`
	ChatID      string `json:"chatid"`
	TotalTokens *int32 `json:"totalTokens,omitempty"`
}

// ClearResponse is returned by the clear-history path.
type ClearResponse struct {
	Response string `json:"response"`
	ChatID   string `json:"chatid"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// Client-facing messages shared by every route that takes a chat id.
const (
	MsgChatIDRequired = "Chat ID (passcode) is required."
	MsgChatIDInvalid  = "Chat ID (passcode) is invalid."
)
