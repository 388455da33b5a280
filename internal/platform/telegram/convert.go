package telegram

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/mymmrac/telego"

	"github.com/duskpine/vombat/internal/bus"
	"github.com/duskpine/vombat/internal/storage"
)

// dispatch converts one raw update into zero or more normalized events.
func (a *Adapter) dispatch(update telego.Update) {
	switch {
	case update.Message != nil:
		a.dispatchMessage(update.Message)
	case update.EditedMessage != nil:
		ev := a.messageEvent(update.EditedMessage, bus.EventMessageEdited)
		a.publish(ev)
	case update.CallbackQuery != nil:
		a.dispatchCallback(update.CallbackQuery)
	case update.MyChatMember != nil:
		a.dispatchMembership(update.MyChatMember)
	}
}

func (a *Adapter) dispatchMessage(msg *telego.Message) {
	// Service messages carry no text; they map to dedicated event kinds.
	switch {
	case len(msg.NewChatMembers) > 0:
		for _, u := range msg.NewChatMembers {
			kind := bus.EventUserJoined
			if u.ID == a.botID {
				kind = bus.EventBotAdded
			}
			a.publish(bus.IncomingEvent{
				Kind:     kind,
				Platform: a.Name(),
				Chat:     convertChat(msg.Chat),
				User:     convertUser(&u),
			})
		}
		return
	case msg.LeftChatMember != nil:
		kind := bus.EventUserLeft
		if msg.LeftChatMember.ID == a.botID {
			kind = bus.EventBotRemoved
		}
		a.publish(bus.IncomingEvent{
			Kind:     kind,
			Platform: a.Name(),
			Chat:     convertChat(msg.Chat),
			User:     convertUser(msg.LeftChatMember),
		})
		return
	case msg.NewChatTitle != "":
		a.publish(bus.IncomingEvent{
			Kind:     bus.EventTitleChanged,
			Platform: a.Name(),
			Chat:     convertChat(msg.Chat),
			User:     convertUser(msg.From),
			Title:    msg.NewChatTitle,
		})
		return
	}
	a.publish(a.messageEvent(msg, bus.EventMessageCreated))
}

func (a *Adapter) messageEvent(msg *telego.Message, kind bus.EventKind) bus.IncomingEvent {
	return bus.IncomingEvent{
		Kind:     kind,
		Platform: a.Name(),
		Chat:     convertChat(msg.Chat),
		User:     convertUser(msg.From),
		Message:  convertMessage(msg),
	}
}

func (a *Adapter) dispatchCallback(q *telego.CallbackQuery) {
	cb := &bus.CallbackInfo{ID: q.ID, Data: q.Data}
	var chat *storage.Chat
	if q.Message != nil {
		chat = convertChat(q.Message.GetChat())
		cb.MessageID = strconv.Itoa(q.Message.GetMessageID())
	}
	a.publish(bus.IncomingEvent{
		Kind:     bus.EventCallback,
		Platform: a.Name(),
		Chat:     chat,
		User:     convertUser(&q.From),
		Callback: cb,
	})
}

func (a *Adapter) dispatchMembership(m *telego.ChatMemberUpdated) {
	kind := bus.EventBotAdded
	switch m.NewChatMember.MemberStatus() {
	case telego.MemberStatusLeft, telego.MemberStatusBanned:
		kind = bus.EventBotRemoved
	}
	a.publish(bus.IncomingEvent{
		Kind:     kind,
		Platform: a.Name(),
		Chat:     convertChat(m.Chat),
		User:     convertUser(&m.From),
	})
}

func convertChat(c telego.Chat) *storage.Chat {
	kind := storage.ChatPrivate
	switch c.Type {
	case telego.ChatTypeGroup, telego.ChatTypeSupergroup:
		kind = storage.ChatGroup
		if c.IsForum {
			kind = storage.ChatForum
		}
	case telego.ChatTypeChannel:
		kind = storage.ChatChannel
	}
	title := c.Title
	if title == "" {
		title = c.FirstName
	}
	return &storage.Chat{ID: c.ID, Platform: "telegram", Kind: kind, Title: title}
}

func convertUser(u *telego.User) *bus.UserInfo {
	if u == nil {
		return nil
	}
	name := u.FirstName
	if u.LastName != "" {
		name += " " + u.LastName
	}
	return &bus.UserInfo{ID: u.ID, Username: u.Username, DisplayName: name, IsBot: u.IsBot}
}

func convertMessage(msg *telego.Message) *storage.Message {
	m := &storage.Message{
		ChatID:       msg.Chat.ID,
		MessageID:    strconv.Itoa(msg.MessageID),
		Date:         time.Unix(msg.Date, 0),
		Type:         storage.TypeText,
		Category:     storage.CategoryUnspecified,
		Text:         msg.Text,
		ThreadID:     int64(msg.MessageThreadID),
		MediaGroupID: msg.MediaGroupID,
	}
	if msg.From != nil {
		m.UserID = msg.From.ID
	}
	if msg.ReplyToMessage != nil {
		m.ReplyID = strconv.Itoa(msg.ReplyToMessage.MessageID)
	}
	if msg.Quote != nil {
		m.Quote = msg.Quote.Text
	}

	switch {
	case len(msg.Photo) > 0:
		m.Type = storage.TypePhoto
		m.Text = msg.Caption
		// Telegram offers several sizes per photo; keep the largest.
		best := msg.Photo[len(msg.Photo)-1]
		m.MediaID = best.FileUniqueID
		meta, _ := json.Marshal(map[string]any{
			"file_id": best.FileID, "width": best.Width, "height": best.Height,
		})
		m.Metadata = meta
	case msg.Video != nil:
		m.Type = storage.TypeVideo
		m.Text = msg.Caption
		m.MediaID = msg.Video.FileUniqueID
		meta, _ := json.Marshal(map[string]any{"file_id": msg.Video.FileID})
		m.Metadata = meta
	case msg.Document != nil:
		m.Type = storage.TypeDocument
		m.Text = msg.Caption
		m.MediaID = msg.Document.FileUniqueID
		meta, _ := json.Marshal(map[string]any{"file_id": msg.Document.FileID})
		m.Metadata = meta
	case msg.Voice != nil:
		m.Type = storage.TypeVoice
		m.MediaID = msg.Voice.FileUniqueID
		meta, _ := json.Marshal(map[string]any{"file_id": msg.Voice.FileID})
		m.Metadata = meta
	case msg.Sticker != nil:
		m.Type = storage.TypeSticker
		m.MediaID = msg.Sticker.FileUniqueID
	}
	return m
}
