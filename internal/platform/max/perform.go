package max

import (
	"context"
	"fmt"

	"github.com/duskpine/vombat/internal/bus"
	"github.com/duskpine/vombat/internal/platform"
)

// Perform executes one outgoing action against the Bot API.
func (a *Adapter) Perform(ctx context.Context, action bus.OutgoingAction) (*platform.SendResult, error) {
	switch action.Kind {
	case bus.ActionSendText:
		body := newMessageBody{Text: action.Text, Format: formatOf(action.ParseMode), Notify: true}
		if action.ReplyTo != "" {
			body.Link = &messageLink{Type: "reply", MessageID: action.ReplyTo}
		}
		mid, err := a.client.SendMessage(ctx, action.ChatID, body)
		if err != nil {
			return nil, fmt.Errorf("send message: %w", err)
		}
		return &platform.SendResult{MessageID: mid}, nil

	case bus.ActionEditMessage:
		body := newMessageBody{Text: action.Text, Format: formatOf(action.ParseMode)}
		if err := a.client.EditMessage(ctx, action.MessageID, body); err != nil {
			return nil, fmt.Errorf("edit message: %w", err)
		}
		return &platform.SendResult{MessageID: action.MessageID}, nil

	case bus.ActionDeleteMessages:
		ids := action.MessageIDs
		if len(ids) == 0 && action.MessageID != "" {
			ids = []string{action.MessageID}
		}
		for _, id := range ids {
			if err := a.client.DeleteMessage(ctx, id); err != nil {
				return nil, fmt.Errorf("delete message %s: %w", id, err)
			}
		}
		return nil, nil

	case bus.ActionSendAction:
		return nil, a.client.SendAction(ctx, action.ChatID, "typing_on")

	case bus.ActionPin:
		return nil, a.client.PinMessage(ctx, action.ChatID, action.MessageID)

	case bus.ActionUnpin:
		return nil, a.client.UnpinMessage(ctx, action.ChatID)

	case bus.ActionSendMedia, bus.ActionSendMediaGroup:
		return a.sendMedia(ctx, action)

	case bus.ActionAnswerCallback:
		if a.answered.Seen(action.CallbackID) {
			return nil, nil
		}
		return nil, a.client.AnswerCallback(ctx, action.CallbackID, action.CallbackText)

	default:
		return nil, fmt.Errorf("max: unsupported action %q", action.Kind)
	}
}

// sendMedia delivers attachments in one message. The API accepts multiple
// attachments per message, so a media group is a single send.
func (a *Adapter) sendMedia(ctx context.Context, action bus.OutgoingAction) (*platform.SendResult, error) {
	if len(action.Media) == 0 {
		return nil, fmt.Errorf("send media: no attachments")
	}
	body := newMessageBody{Format: formatOf(action.ParseMode), Notify: true}
	for i, item := range action.Media {
		if i == 0 {
			body.Text = item.Caption
		}
		body.Attachments = append(body.Attachments, imageURLAttachment(item.URL))
	}
	mid, err := a.client.SendMessage(ctx, action.ChatID, body)
	if err != nil {
		return nil, fmt.Errorf("send media: %w", err)
	}
	return &platform.SendResult{MessageID: mid}, nil
}

// DownloadFile fetches a platform file. Max references files by direct
// URL in attachment payloads, so the id is the URL itself.
func (a *Adapter) DownloadFile(ctx context.Context, fileID string) ([]byte, error) {
	return a.client.Download(ctx, fileID)
}

func formatOf(mode string) string {
	switch mode {
	case "markdown":
		return "markdown"
	case "html":
		return "html"
	default:
		return ""
	}
}
