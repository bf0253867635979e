package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"google.golang.org/api/iterator"

	"gemini-chat-backend/internal/models"
)

const imageMIMEType = "image/png"

// FragmentStream yields response text in arrival order and returns
// iterator.Done once the model has finished.
type FragmentStream interface {
	Next() (string, error)
}

type modelClient interface {
	Stream(ctx context.Context, req models.ModelRequest) (FragmentStream, error)
	CountTokens(ctx context.Context, req models.ModelRequest) (int32, error)
}

type historyStore interface {
	Load(ctx context.Context, chatID string) models.ConversationRecord
	Save(ctx context.Context, chatID string, turns []models.Turn) error
	Clear(ctx context.Context, chatID string) error
}

// ConversationService runs one chat exchange: it loads history, calls the
// model and appends the new turn.
type ConversationService struct {
	history   historyStore
	model     modelClient
	publisher FragmentPublisher
}

func NewConversationService(history historyStore, model modelClient, publisher FragmentPublisher) *ConversationService {
	if publisher == nil {
		publisher = NopPublisher{}
	}
	return &ConversationService{
		history:   history,
		model:     model,
		publisher: publisher,
	}
}

// BuildRequest flattens the stored turns (query then response), appends the
// new query and then one image item per input, indexed from 1.
func BuildRequest(record models.ConversationRecord, query string, images []models.ImageInput) models.ModelRequest {
	items := make([]models.ContentItem, 0, len(record.Turns)*2+1+len(images))
	for _, turn := range record.Turns {
		items = append(items,
			models.ContentItem{Kind: models.ContentText, Text: turn.Query},
			models.ContentItem{Kind: models.ContentText, Text: turn.Response},
		)
	}
	items = append(items, models.ContentItem{Kind: models.ContentText, Text: query})

	for i, img := range images {
		items = append(items, models.ContentItem{
			Kind:     models.ContentImage,
			Index:    i + 1,
			MIMEType: imageMIMEType,
			Data:     img.Data,
		})
	}

	return models.ModelRequest{Items: items}
}

// Generate streams a completion for req and returns the concatenated text.
// Each fragment is also handed to the publisher as it arrives.
func (s *ConversationService) Generate(ctx context.Context, chatID string, req models.ModelRequest) (string, error) {
	stream, err := s.model.Stream(ctx, req)
	if err != nil {
		s.publisher.Publish(ctx, chatID, models.StreamEvent{Type: models.StreamEventError, ChatID: chatID})
		return "", fmt.Errorf("Gemini stream error: %w", err)
	}

	var text strings.Builder
	for {
		fragment, err := stream.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			s.publisher.Publish(ctx, chatID, models.StreamEvent{Type: models.StreamEventError, ChatID: chatID})
			return "", fmt.Errorf("Gemini stream error: %w", err)
		}
		text.WriteString(fragment)
		s.publisher.Publish(ctx, chatID, models.StreamEvent{Type: models.StreamEventFragment, ChatID: chatID, Text: fragment})
	}

	s.publisher.Publish(ctx, chatID, models.StreamEvent{Type: models.StreamEventDone, ChatID: chatID})
	return text.String(), nil
}

// Commit appends (query, response) to record and persists it.
func (s *ConversationService) Commit(ctx context.Context, record models.ConversationRecord, query, response string) error {
	turns := make([]models.Turn, 0, len(record.Turns)+1)
	turns = append(turns, record.Turns...)
	turns = append(turns, models.Turn{Query: query, Response: response})

	if err := s.history.Save(ctx, record.ChatID, turns); err != nil {
		return fmt.Errorf("failed to save history: %w", err)
	}
	return nil
}

// CountTokens is telemetry only; failures are logged and reported as nil.
func (s *ConversationService) CountTokens(ctx context.Context, chatID string, req models.ModelRequest) *int32 {
	total, err := s.model.CountTokens(ctx, req)
	if err != nil {
		log.Warn().Err(err).Str("chatid", chatID).Msg("token count failed")
		return nil
	}
	log.Debug().Str("chatid", chatID).Int32("total_tokens", total).Msg("token count")
	return &total
}

// Ask runs the full generate flow for one query.
func (s *ConversationService) Ask(ctx context.Context, chatID, query string, images []models.ImageInput) (*models.GenerateResult, error) {
	record := s.history.Load(ctx, chatID)
	req := BuildRequest(record, query, images)

	totalTokens := s.CountTokens(ctx, chatID, req)

	response, err := s.Generate(ctx, chatID, req)
	if err != nil {
		return nil, err
	}

	if err := s.Commit(ctx, record, query, response); err != nil {
		return nil, err
	}

	log.Info().
		Str("chatid", chatID).
		Int("turns", len(record.Turns)+1).
		Int("images", len(images)).
		Msg("conversation turn committed")

	return &models.GenerateResult{Response: response, TotalTokens: totalTokens}, nil
}

func (s *ConversationService) ClearHistory(ctx context.Context, chatID string) error {
	return s.history.Clear(ctx, chatID)
}
