package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/mymmrac/telego"

	"github.com/duskpine/vombat/internal/bus"
	"github.com/duskpine/vombat/internal/platform"
)

// Perform executes one outgoing action against the Bot API.
func (a *Adapter) Perform(ctx context.Context, action bus.OutgoingAction) (*platform.SendResult, error) {
	switch action.Kind {
	case bus.ActionSendText:
		return a.sendText(ctx, action)
	case bus.ActionEditMessage:
		return a.editMessage(ctx, action)
	case bus.ActionDeleteMessages:
		return nil, a.deleteMessages(ctx, action)
	case bus.ActionSendAction:
		return nil, a.bot.SendChatAction(ctx, &telego.SendChatActionParams{
			ChatID: telego.ChatID{ID: action.ChatID},
			Action: telego.ChatActionTyping,
		})
	case bus.ActionPin:
		id, err := strconv.Atoi(action.MessageID)
		if err != nil {
			return nil, fmt.Errorf("pin: bad message id %q", action.MessageID)
		}
		return nil, a.bot.PinChatMessage(ctx, &telego.PinChatMessageParams{
			ChatID: telego.ChatID{ID: action.ChatID}, MessageID: id,
		})
	case bus.ActionUnpin:
		id, err := strconv.Atoi(action.MessageID)
		if err != nil {
			return nil, fmt.Errorf("unpin: bad message id %q", action.MessageID)
		}
		return nil, a.bot.UnpinChatMessage(ctx, &telego.UnpinChatMessageParams{
			ChatID: telego.ChatID{ID: action.ChatID}, MessageID: id,
		})
	case bus.ActionSendMedia:
		return a.sendMedia(ctx, action)
	case bus.ActionSendMediaGroup:
		return a.sendMediaGroup(ctx, action)
	case bus.ActionAnswerCallback:
		return nil, a.answerCallback(ctx, action)
	default:
		return nil, fmt.Errorf("telegram: unsupported action %q", action.Kind)
	}
}

func (a *Adapter) sendText(ctx context.Context, action bus.OutgoingAction) (*platform.SendResult, error) {
	params := &telego.SendMessageParams{
		ChatID:    telego.ChatID{ID: action.ChatID},
		Text:      action.Text,
		ParseMode: parseMode(action.ParseMode),
	}
	if action.ThreadID > 1 {
		// The "General" forum topic rejects an explicit thread id.
		params.MessageThreadID = int(action.ThreadID)
	}
	if action.ReplyTo != "" {
		if id, err := strconv.Atoi(action.ReplyTo); err == nil {
			params.ReplyParameters = &telego.ReplyParameters{MessageID: id}
		}
	}
	if len(action.Markup) > 0 {
		var kb telego.InlineKeyboardMarkup
		if err := json.Unmarshal(action.Markup, &kb); err == nil {
			params.ReplyMarkup = &kb
		}
	}
	msg, err := a.bot.SendMessage(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	return &platform.SendResult{MessageID: strconv.Itoa(msg.MessageID)}, nil
}

func (a *Adapter) editMessage(ctx context.Context, action bus.OutgoingAction) (*platform.SendResult, error) {
	id, err := strconv.Atoi(action.MessageID)
	if err != nil {
		return nil, fmt.Errorf("edit: bad message id %q", action.MessageID)
	}
	msg, err := a.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
		ChatID:    telego.ChatID{ID: action.ChatID},
		MessageID: id,
		Text:      action.Text,
		ParseMode: parseMode(action.ParseMode),
	})
	if err != nil {
		return nil, fmt.Errorf("edit message: %w", err)
	}
	return &platform.SendResult{MessageID: strconv.Itoa(msg.MessageID)}, nil
}

func (a *Adapter) deleteMessages(ctx context.Context, action bus.OutgoingAction) error {
	ids := action.MessageIDs
	if len(ids) == 0 && action.MessageID != "" {
		ids = []string{action.MessageID}
	}
	for _, raw := range ids {
		id, err := strconv.Atoi(raw)
		if err != nil {
			continue
		}
		if err := a.bot.DeleteMessage(ctx, &telego.DeleteMessageParams{
			ChatID: telego.ChatID{ID: action.ChatID}, MessageID: id,
		}); err != nil {
			return fmt.Errorf("delete message %d: %w", id, err)
		}
	}
	return nil
}

func (a *Adapter) sendMedia(ctx context.Context, action bus.OutgoingAction) (*platform.SendResult, error) {
	if len(action.Media) == 0 {
		return nil, fmt.Errorf("send media: no attachments")
	}
	item := action.Media[0]
	msg, err := a.bot.SendPhoto(ctx, &telego.SendPhotoParams{
		ChatID:    telego.ChatID{ID: action.ChatID},
		Photo:     telego.InputFile{URL: item.URL},
		Caption:   item.Caption,
		ParseMode: parseMode(action.ParseMode),
	})
	if err != nil {
		return nil, fmt.Errorf("send photo: %w", err)
	}
	return &platform.SendResult{MessageID: strconv.Itoa(msg.MessageID)}, nil
}

func (a *Adapter) sendMediaGroup(ctx context.Context, action bus.OutgoingAction) (*platform.SendResult, error) {
	media := make([]telego.InputMedia, 0, len(action.Media))
	for _, item := range action.Media {
		media = append(media, &telego.InputMediaPhoto{
			Type:    telego.MediaTypePhoto,
			Media:   telego.InputFile{URL: item.URL},
			Caption: item.Caption,
		})
	}
	msgs, err := a.bot.SendMediaGroup(ctx, &telego.SendMediaGroupParams{
		ChatID: telego.ChatID{ID: action.ChatID},
		Media:  media,
	})
	if err != nil {
		return nil, fmt.Errorf("send media group: %w", err)
	}
	if len(msgs) == 0 {
		return &platform.SendResult{}, nil
	}
	return &platform.SendResult{MessageID: strconv.Itoa(msgs[0].MessageID)}, nil
}

// answerCallback answers each callback query at most once; the platform
// rejects duplicate answers.
func (a *Adapter) answerCallback(ctx context.Context, action bus.OutgoingAction) error {
	if a.answered.Seen(action.CallbackID) {
		return nil
	}
	return a.bot.AnswerCallbackQuery(ctx, &telego.AnswerCallbackQueryParams{
		CallbackQueryID: action.CallbackID,
		Text:            action.CallbackText,
	})
}

// DownloadFile fetches a file through the Bot API file endpoint.
func (a *Adapter) DownloadFile(ctx context.Context, fileID string) ([]byte, error) {
	file, err := a.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
	if err != nil {
		return nil, fmt.Errorf("get file info: %w", err)
	}
	if file.FilePath == "" {
		return nil, fmt.Errorf("empty file path for file_id %s", fileID)
	}
	url := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", a.cfg.BotToken, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download failed with status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func parseMode(mode string) string {
	switch mode {
	case "markdown":
		return telego.ModeMarkdownV2
	case "html":
		return telego.ModeHTML
	default:
		return ""
	}
}
