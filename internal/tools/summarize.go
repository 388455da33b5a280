package tools

import (
	"context"
	"fmt"

	"github.com/duskpine/vombat/internal/cache"
	"github.com/duskpine/vombat/internal/llm"
	"github.com/duskpine/vombat/internal/storage"
)

const defaultSummaryPrompt = "Summarize the following chat conversation concisely, keeping names, decisions and open questions."

// SummaryService produces conversation summaries with content-addressed
// memoization: the same message span and prompt always return the stored
// summary without another model call.
type SummaryService struct {
	store      storage.Store
	dispatcher *llm.Dispatcher
	model      string

	// transcript loads the message span text; injected by the pipeline.
	transcript func(ctx context.Context, chatID, topicID int64, firstID, lastID string) (string, error)
}

func NewSummaryService(store storage.Store, dispatcher *llm.Dispatcher, model string,
	transcript func(ctx context.Context, chatID, topicID int64, firstID, lastID string) (string, error)) *SummaryService {
	return &SummaryService{store: store, dispatcher: dispatcher, model: model, transcript: transcript}
}

// Summarize returns the summary for the span, memoized by csid.
func (s *SummaryService) Summarize(ctx context.Context, chatID, topicID int64, firstID, lastID, prompt string) (string, error) {
	if prompt == "" {
		prompt = defaultSummaryPrompt
	}
	csid := cache.SummaryID(chatID, topicID, firstID, lastID, prompt)
	if summary, ok, err := cache.GetSummary(ctx, s.store, csid); err != nil {
		return "", err
	} else if ok {
		return summary, nil
	}

	text, err := s.transcript(ctx, chatID, topicID, firstID, lastID)
	if err != nil {
		return "", fmt.Errorf("load transcript: %w", err)
	}

	resp, err := s.dispatcher.Complete(ctx, s.model, []llm.Message{
		{Role: "system", Content: prompt},
		{Role: "user", Content: text},
	}, nil)
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}

	if err := cache.PutSummary(ctx, s.store, csid, chatID, resp.Content); err != nil {
		return "", err
	}
	return resp.Content, nil
}

// Tool exposes summarization to the model for the current conversation.
func (s *SummaryService) Tool() llm.Tool {
	return llm.Tool{
		Name:        "summarize",
		Description: "Summarize a span of this chat's history. Useful when the user asks what happened earlier.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"first_message_id": map[string]interface{}{
					"type":        "string",
					"description": "First message id of the span.",
				},
				"last_message_id": map[string]interface{}{
					"type":        "string",
					"description": "Last message id of the span.",
				},
				"prompt": map[string]interface{}{
					"type":        "string",
					"description": "Optional custom summarization instruction.",
				},
			},
			"required": []string{"first_message_id", "last_message_id"},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
			first, err := requireString(args, "first_message_id")
			if err != nil {
				return "", err
			}
			last, err := requireString(args, "last_message_id")
			if err != nil {
				return "", err
			}
			scope := ScopeFrom(ctx)
			return s.Summarize(ctx, scope.ChatID, scope.ThreadID, first, last, argString(args, "prompt"))
		},
	}
}
