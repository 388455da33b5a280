// Package platform defines the adapter contract every messenger backend
// implements and the outbound delivery queue shared by all of them.
package platform

import (
	"context"

	"github.com/duskpine/vombat/internal/bus"
)

// SendResult reports the platform message id assigned to a sent message.
type SendResult struct {
	MessageID string
}

// Adapter binds one messenger platform. Start launches ingress (long poll
// or webhook) and feeds normalized events into the bus; Perform executes
// one outgoing action against the platform API.
type Adapter interface {
	Name() string
	// BotUsername returns the bot's handle for command disambiguation.
	BotUsername() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Perform(ctx context.Context, action bus.OutgoingAction) (*SendResult, error)
	// DownloadFile fetches a platform file by its file id.
	DownloadFile(ctx context.Context, fileID string) ([]byte, error)
	// IsChatAdmin reports whether the user administers the chat.
	IsChatAdmin(ctx context.Context, chatID, userID int64) (bool, error)
}
