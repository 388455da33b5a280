package max

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/duskpine/vombat/internal/bus"
	"github.com/duskpine/vombat/internal/storage"
)

// dispatch converts one raw update into a normalized event.
func (a *Adapter) dispatch(upd update) {
	switch upd.UpdateType {
	case "message_created", "bot_started":
		if upd.Message == nil {
			return
		}
		a.publish(a.messageEvent(upd.Message, bus.EventMessageCreated))
	case "message_edited":
		if upd.Message == nil {
			return
		}
		a.publish(a.messageEvent(upd.Message, bus.EventMessageEdited))
	case "message_removed":
		a.publish(bus.IncomingEvent{
			Kind:     bus.EventMessageDeleted,
			Platform: a.Name(),
			Chat:     &storage.Chat{ID: upd.ChatID, Platform: a.Name()},
		})
	case "message_callback":
		a.dispatchCallback(upd)
	case "bot_added":
		a.publish(a.membershipEvent(upd, bus.EventBotAdded))
	case "bot_removed":
		a.publish(a.membershipEvent(upd, bus.EventBotRemoved))
	case "user_added":
		a.publish(a.membershipEvent(upd, bus.EventUserJoined))
	case "user_removed":
		a.publish(a.membershipEvent(upd, bus.EventUserLeft))
	case "chat_title_changed":
		ev := a.membershipEvent(upd, bus.EventTitleChanged)
		ev.Title = upd.Title
		a.publish(ev)
	case "dialog_muted":
		a.publish(a.membershipEvent(upd, bus.EventDialogMuted))
	}
}

func (a *Adapter) messageEvent(msg *wireMessage, kind bus.EventKind) bus.IncomingEvent {
	return bus.IncomingEvent{
		Kind:     kind,
		Platform: a.Name(),
		Chat:     convertChat(msg.Recipient),
		User:     convertUser(msg.Sender),
		Message:  convertMessage(msg),
	}
}

func (a *Adapter) dispatchCallback(upd update) {
	if upd.Callback == nil {
		return
	}
	cb := &bus.CallbackInfo{ID: upd.Callback.CallbackID, Data: upd.Callback.Payload}
	var chat *storage.Chat
	if upd.Message != nil {
		chat = convertChat(upd.Message.Recipient)
		cb.MessageID = upd.Message.Body.MessageID
	}
	a.publish(bus.IncomingEvent{
		Kind:     bus.EventCallback,
		Platform: a.Name(),
		Chat:     chat,
		User:     convertUser(upd.Callback.User),
		Callback: cb,
	})
}

func (a *Adapter) membershipEvent(upd update, kind bus.EventKind) bus.IncomingEvent {
	chat := &storage.Chat{ID: upd.ChatID, Platform: a.Name()}
	if upd.Chat != nil {
		chat = convertChat(recipient{ChatID: upd.Chat.ChatID, ChatType: upd.Chat.Type})
		chat.Title = upd.Chat.Title
	}
	return bus.IncomingEvent{
		Kind:     kind,
		Platform: a.Name(),
		Chat:     chat,
		User:     convertUser(upd.User),
	}
}

func convertChat(r recipient) *storage.Chat {
	kind := storage.ChatPrivate
	switch r.ChatType {
	case "chat":
		kind = storage.ChatGroup
	case "channel":
		kind = storage.ChatChannel
	}
	return &storage.Chat{ID: r.ChatID, Platform: "max", Kind: kind}
}

func convertUser(u *wireUser) *bus.UserInfo {
	if u == nil {
		return nil
	}
	return &bus.UserInfo{ID: u.UserID, Username: u.Username, DisplayName: u.Name, IsBot: u.IsBot}
}

func convertMessage(msg *wireMessage) *storage.Message {
	m := &storage.Message{
		ChatID:    msg.Recipient.ChatID,
		MessageID: msg.Body.MessageID,
		Date:      time.UnixMilli(msg.Timestamp),
		Type:      storage.TypeText,
		Category:  storage.CategoryUnspecified,
		Text:      msg.Body.Text,
	}
	if msg.Sender != nil {
		m.UserID = msg.Sender.UserID
	}
	if msg.Link != nil && msg.Link.Type == "reply" && msg.Link.Message != nil {
		m.ReplyID = msg.Link.Message.Body.MessageID
	}

	for _, att := range msg.Body.Attachments {
		var payload mediaPayload
		if len(att.Payload) > 0 {
			json.Unmarshal(att.Payload, &payload)
		}
		switch att.Type {
		case "image":
			m.Type = storage.TypePhoto
			m.MediaID = strconv.FormatInt(payload.PhotoID, 10)
			meta, _ := json.Marshal(map[string]any{"token": payload.Token, "url": payload.URL})
			m.Metadata = meta
		case "video":
			m.Type = storage.TypeVideo
			m.MediaID = strconv.FormatInt(payload.FileID, 10)
			meta, _ := json.Marshal(map[string]any{"token": payload.Token, "url": payload.URL})
			m.Metadata = meta
		case "file":
			m.Type = storage.TypeDocument
			m.MediaID = strconv.FormatInt(payload.FileID, 10)
			meta, _ := json.Marshal(map[string]any{"token": payload.Token, "url": payload.URL})
			m.Metadata = meta
		case "audio":
			m.Type = storage.TypeVoice
			m.MediaID = strconv.FormatInt(payload.FileID, 10)
		case "sticker":
			m.Type = storage.TypeSticker
		}
		if att.Type == "image" || att.Type == "video" || att.Type == "file" || att.Type == "audio" {
			break
		}
	}
	return m
}
