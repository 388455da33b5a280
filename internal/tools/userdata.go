package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/duskpine/vombat/internal/llm"
	"github.com/duskpine/vombat/internal/storage"
)

// UserDataService persists small per-user key-value facts scoped to a chat,
// letting the model remember user preferences across conversations.
type UserDataService struct {
	store storage.Store
}

func NewUserDataService(store storage.Store) *UserDataService {
	return &UserDataService{store: store}
}

func (s *UserDataService) Set(ctx context.Context, userID, chatID int64, key, value string) error {
	return s.store.SetUserData(ctx, &storage.UserData{
		UserID: userID,
		ChatID: chatID,
		Key:    key,
		Value:  value,
	})
}

func (s *UserDataService) Get(ctx context.Context, userID, chatID int64, key string) (string, error) {
	return s.store.GetUserData(ctx, userID, chatID, key)
}

// Tool exposes user-data writes to the model. User identity comes from the
// conversation scope.
func (s *UserDataService) Tool() llm.Tool {
	return llm.Tool{
		Name:        "set_user_data",
		Description: "Remember a fact about the current user as a key-value pair, e.g. their home city or preferred language.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"key": map[string]interface{}{
					"type":        "string",
					"description": "Short identifier for the fact, e.g. 'home_city'.",
				},
				"value": map[string]interface{}{
					"type":        "string",
					"description": "The fact to remember.",
				},
			},
			"required": []string{"key", "value"},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
			key, err := requireString(args, "key")
			if err != nil {
				return "", err
			}
			value, err := requireString(args, "value")
			if err != nil {
				return "", err
			}
			scope := ScopeFrom(ctx)
			if scope.UserID == 0 {
				return "", errors.New("no user in scope")
			}
			if err := s.Set(ctx, scope.UserID, scope.ChatID, key, value); err != nil {
				return "", fmt.Errorf("store user data: %w", err)
			}
			return "saved " + key, nil
		},
	}
}
