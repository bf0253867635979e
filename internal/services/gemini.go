package services

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"gemini-chat-backend/internal/models"
)

type GeminiService struct {
	client   *genai.Client
	model    *genai.GenerativeModel
	rateChan chan struct{} // Token bucket
}

func NewGeminiService(apiKey, modelName string, concurrentReqs int) (*GeminiService, error) {
	ctx := context.Background()
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	if concurrentReqs < 1 {
		concurrentReqs = 1
	}

	// Token bucket for rate limiting
	rateChan := make(chan struct{}, concurrentReqs)
	for i := 0; i < concurrentReqs; i++ {
		rateChan <- struct{}{}
	}

	return &GeminiService{
		client:   client,
		model:    client.GenerativeModel(modelName),
		rateChan: rateChan,
	}, nil
}

func (s *GeminiService) Close() {
	s.client.Close()
}

// acquireRate blocks until a rate slot is available or ctx is done.
func (s *GeminiService) acquireRate(ctx context.Context) error {
	select {
	case <-s.rateChan:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *GeminiService) releaseRate() {
	s.rateChan <- struct{}{}
}

// Stream starts a streaming completion. The rate slot is held until the
// returned stream reports an error or iterator.Done.
func (s *GeminiService) Stream(ctx context.Context, req models.ModelRequest) (FragmentStream, error) {
	if err := s.acquireRate(ctx); err != nil {
		return nil, err
	}

	it := s.model.GenerateContentStream(ctx, toParts(req)...)
	return &geminiStream{next: it.Next, release: s.releaseRate}, nil
}

// CountTokens asks the model how many tokens req would consume.
func (s *GeminiService) CountTokens(ctx context.Context, req models.ModelRequest) (int32, error) {
	resp, err := s.model.CountTokens(ctx, toParts(req)...)
	if err != nil {
		return 0, fmt.Errorf("Gemini count tokens error: %w", err)
	}
	return resp.TotalTokens, nil
}

type geminiStream struct {
	next    func() (*genai.GenerateContentResponse, error)
	release func()
	once    sync.Once
}

func (g *geminiStream) Next() (string, error) {
	resp, err := g.next()
	if err != nil {
		g.once.Do(g.release)
		return "", err
	}
	return extractText(resp), nil
}

// Helper functions

func toParts(req models.ModelRequest) []genai.Part {
	parts := make([]genai.Part, 0, len(req.Items))
	for _, item := range req.Items {
		switch item.Kind {
		case models.ContentImage:
			parts = append(parts, genai.Blob{MIMEType: item.MIMEType, Data: item.Data})
		default:
			parts = append(parts, genai.Text(item.Text))
		}
	}
	return parts
}

func extractText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	var text strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content != nil {
			for _, part := range cand.Content.Parts {
				if t, ok := part.(genai.Text); ok {
					text.WriteString(string(t))
				}
			}
		}
	}
	return text.String()
}
