package handlers

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"

	"gemini-chat-backend/internal/models"
	"gemini-chat-backend/internal/repository"
)

const (
	msgInternalError  = "An error occurred while processing your request."
	msgHistoryCleared = "History cleared"
	msgClearFailed    = "Error clearing history"
)

var clearPhrases = map[string]struct{}{
	"clear":         {},
	"clear history": {},
	"clear chat":    {},
}

type conversationService interface {
	Ask(ctx context.Context, chatID, query string, images []models.ImageInput) (*models.GenerateResult, error)
	ClearHistory(ctx context.Context, chatID string) error
}

type GeminiHandler struct {
	conversations conversationService
}

func NewGeminiHandler(conversations conversationService) *GeminiHandler {
	return &GeminiHandler{conversations: conversations}
}

// Handle serves GET /gemini?query=...&chatid=...[&<image>=...].
func (h *GeminiHandler) Handle(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	chatID := params.Get("chatid")
	query := params.Get("query")

	if chatID == "" {
		writeJSON(w, http.StatusBadRequest, errorResp(models.MsgChatIDRequired))
		return
	}
	if !repository.ValidChatID(chatID) {
		writeJSON(w, http.StatusBadRequest, errorResp(models.MsgChatIDInvalid))
		return
	}

	if isClearCommand(query) {
		h.clearHistory(w, r, chatID)
		return
	}

	images := parseImageParams(r.URL.RawQuery)

	result, err := h.conversations.Ask(r.Context(), chatID, query, images)
	if err != nil {
		log.Error().Err(err).
			Str("chatid", chatID).
			Str("request_id", r.Header.Get("X-Request-ID")).
			Msg("generate failed")
		writeJSON(w, http.StatusInternalServerError, errorResp(msgInternalError))
		return
	}

	writeJSON(w, http.StatusOK, models.GenerateResponse{
		Response:    result.Response,
		ChatID:      chatID,
		TotalTokens: result.TotalTokens,
	})
}

func (h *GeminiHandler) clearHistory(w http.ResponseWriter, r *http.Request, chatID string) {
	resp := models.ClearResponse{Response: msgHistoryCleared, ChatID: chatID}
	if err := h.conversations.ClearHistory(r.Context(), chatID); err != nil {
		log.Error().Err(err).Str("chatid", chatID).Msg("clear history failed")
		resp.Response = msgClearFailed
	}
	writeJSON(w, http.StatusOK, resp)
}

func isClearCommand(query string) bool {
	_, ok := clearPhrases[strings.ToLower(strings.TrimSpace(query))]
	return ok
}

// parseImageParams walks the raw query string so that images keep the order
// in which the caller supplied them. Every parameter other than query and
// chatid with a non-empty value is an image.
func parseImageParams(rawQuery string) []models.ImageInput {
	var images []models.ImageInput
	for _, pair := range strings.Split(rawQuery, "&") {
		if pair == "" {
			continue
		}
		rawKey, rawValue, _ := strings.Cut(pair, "=")

		key, err := url.QueryUnescape(rawKey)
		if err != nil || key == "" || key == "query" || key == "chatid" {
			continue
		}
		value, err := url.QueryUnescape(rawValue)
		if err != nil || value == "" {
			continue
		}

		images = append(images, models.ImageInput{Key: key, Data: decodeImage(value)})
	}
	return images
}

// decodeImage accepts base64 (where '+' may have arrived as a space) and
// falls back to the raw bytes of the value.
func decodeImage(value string) []byte {
	candidate := strings.ReplaceAll(value, " ", "+")
	if data, err := base64.StdEncoding.DecodeString(candidate); err == nil {
		return data
	}
	if data, err := base64.RawStdEncoding.DecodeString(candidate); err == nil {
		return data
	}
	return []byte(value)
}
