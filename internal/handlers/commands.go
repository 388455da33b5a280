package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/duskpine/vombat/internal/bus"
	"github.com/duskpine/vombat/internal/llm"
	"github.com/duskpine/vombat/internal/spam"
	"github.com/duskpine/vombat/internal/storage"
	"github.com/duskpine/vombat/internal/tools"
)

const helpText = `I am a conversational bot. Talk to me directly, reply to my
messages or mention me in a group.

Commands:
/echo <text> - repeat the text back
/weather <city> - current weather
/search <query> - web search
/draw <prompt> - generate an image
/analyze - describe a replied image
/summary [n] - summarize recent messages
/remind <when> <text> - set a reminder (e.g. /remind 30m tea)
/settings, /set, /unset - chat configuration (admins)
/help - this message`

// Commands builds the built-in command handlers over shared services.
type Commands struct {
	Store       storage.Store
	Settings    *Settings
	Perms       *Permissions
	Spam        *spam.Classifier
	Registry    *llm.Registry
	Dispatcher  *llm.Dispatcher
	Tools       *tools.Registry
	BotUsername string
	BotID       int64
	// Send delivers an action and returns the platform message id so the
	// reply can be persisted with linkage.
	Send func(ctx context.Context, action bus.OutgoingAction) (string, error)
	// Respond submits an action for the event's platform.
	Respond func(platform string, action bus.OutgoingAction)
	// Admin resolves the platform admin checker for permission gating.
	Admin func(platform string) AdminChecker
	// Download fetches a platform file for /analyze.
	Download func(ctx context.Context, platform, fileID string) ([]byte, error)
}

// command couples a name with access level and implementation.
type command struct {
	name  string
	level Level
	run   func(ctx context.Context, ev bus.IncomingEvent, settings Resolved, cmd *Command) error
}

// Handlers returns the ordered handler list covering all built-in
// commands plus the unknown-command policy handler.
func (c *Commands) Handlers() []Handler {
	cmds := []command{
		{"start", LevelAny, c.cmdHelp},
		{"help", LevelAny, c.cmdHelp},
		{"echo", LevelAny, c.cmdEcho},
		{"configure", LevelAdmin, c.cmdConfigure},
		{"settings", LevelAdmin, c.cmdSettings},
		{"set", LevelAdmin, c.cmdSet},
		{"unset", LevelAdmin, c.cmdUnset},
		{"weather", LevelAny, c.cmdWeather},
		{"search", LevelAny, c.cmdSearch},
		{"draw", LevelAny, c.cmdDraw},
		{"analyze", LevelAny, c.cmdAnalyze},
		{"summary", LevelAny, c.cmdSummary},
		{"remind", LevelAny, c.cmdRemind},
		{"spam", LevelAdmin, c.cmdSpam},
		{"learn_spam", LevelAdmin, c.cmdLearnSpam},
		{"learn_ham", LevelAdmin, c.cmdLearnHam},
		{"get_spam_score", LevelAdmin, c.cmdSpamScore},
		{"unban", LevelAdmin, c.cmdUnban},
		{"pretrain_bayes", LevelAdmin, c.cmdPretrain},
		{"models", LevelOwner, c.cmdModels},
	}

	known := make(map[string]bool, len(cmds))
	handlers := make([]Handler, 0, len(cmds)+2)
	for _, cmd := range cmds {
		known[cmd.name] = true
		handlers = append(handlers, c.commandHandler(cmd))
	}
	handlers = append(handlers, c.configureCallbackHandler())
	handlers = append(handlers, c.unknownCommandHandler(known))
	return handlers
}

func (c *Commands) commandHandler(cmd command) Handler {
	return Handler{
		Name:     "cmd_" + cmd.name,
		Terminal: true,
		Match: func(ev bus.IncomingEvent, _ Resolved) bool {
			parsed := eventCommand(ev, c.BotUsername)
			return parsed != nil && parsed.Name == cmd.name
		},
		Handle: func(ctx context.Context, ev bus.IncomingEvent, settings Resolved) error {
			parsed := eventCommand(ev, c.BotUsername)
			if !c.Perms.Allows(ctx, cmd.level, c.Admin(ev.Platform), ev.Chat.ID, ev.User.ID) {
				c.reply(ctx, ev, "You are not allowed to do that.", storage.CategoryBotError)
				return nil
			}
			if err := cmd.run(ctx, ev, settings, parsed); err != nil {
				c.reply(ctx, ev, "Something went wrong: "+err.Error(), storage.CategoryBotError)
				return err
			}
			return nil
		},
	}
}

// unknownCommandHandler deletes or ignores unrecognized commands per the
// chat's delete-unknown-commands setting.
func (c *Commands) unknownCommandHandler(known map[string]bool) Handler {
	return Handler{
		Name:     "unknown_command",
		Terminal: true,
		Match: func(ev bus.IncomingEvent, _ Resolved) bool {
			parsed := eventCommand(ev, c.BotUsername)
			return parsed != nil && !known[parsed.Name]
		},
		Handle: func(ctx context.Context, ev bus.IncomingEvent, settings Resolved) error {
			if settings.Bool(KeyDeleteUnknownCommands) {
				c.Respond(ev.Platform, bus.OutgoingAction{
					Kind:      bus.ActionDeleteMessages,
					Platform:  ev.Platform,
					ChatID:    ev.Chat.ID,
					MessageID: ev.Message.MessageID,
				})
			}
			return nil
		},
	}
}

// eventCommand parses and address-checks a command event, nil otherwise.
func eventCommand(ev bus.IncomingEvent, botUsername string) *Command {
	if ev.Kind != bus.EventMessageCreated || ev.Message == nil || ev.Chat == nil || ev.User == nil {
		return nil
	}
	parsed := ParseCommand(ev.Message.Text)
	if parsed == nil || !parsed.AddressedTo(botUsername) {
		return nil
	}
	return parsed
}

// reply sends text back to the triggering chat and persists the sent
// message with reply linkage.
func (c *Commands) reply(ctx context.Context, ev bus.IncomingEvent, text string, category storage.MessageCategory) {
	action := bus.OutgoingAction{
		Kind:     bus.ActionSendText,
		Platform: ev.Platform,
		ChatID:   ev.Chat.ID,
		ThreadID: threadOf(ev),
		ReplyTo:  messageIDOf(ev),
		Text:     text,
		Category: category,
	}
	if c.Send == nil {
		c.Respond(ev.Platform, action)
		return
	}
	id, err := c.Send(ctx, action)
	if err != nil {
		slog.Warn("command reply failed", "chat", ev.Chat.ID, "error", err)
		return
	}
	if id == "" || ev.Message == nil {
		return
	}
	root := ev.Message.RootMessageID
	if root == "" {
		root = ev.Message.MessageID
	}
	if err := c.Store.SaveMessage(ctx, &storage.Message{
		ChatID:        ev.Chat.ID,
		MessageID:     id,
		Date:          time.Now(),
		UserID:        c.BotID,
		ReplyID:       ev.Message.MessageID,
		ThreadID:      ev.Message.ThreadID,
		RootMessageID: root,
		Text:          text,
		Type:          storage.TypeText,
		Category:      category,
	}); err != nil {
		slog.Warn("persist command reply failed", "chat", ev.Chat.ID, "error", err)
	}
}

func threadOf(ev bus.IncomingEvent) int64 {
	if ev.Message != nil {
		return ev.Message.ThreadID
	}
	return 0
}

func messageIDOf(ev bus.IncomingEvent) string {
	if ev.Message != nil {
		return ev.Message.MessageID
	}
	return ""
}

// --- informational ---

func (c *Commands) cmdHelp(ctx context.Context, ev bus.IncomingEvent, _ Resolved, _ *Command) error {
	c.reply(ctx, ev, helpText, storage.CategoryBotCommandReply)
	return nil
}

func (c *Commands) cmdEcho(ctx context.Context, ev bus.IncomingEvent, _ Resolved, cmd *Command) error {
	text := cmd.ArgString()
	if text == "" {
		text = "Usage: /echo <text>"
	}
	c.reply(ctx, ev, text, storage.CategoryBotCommandReply)
	return nil
}

// --- settings ---

func (c *Commands) cmdSettings(ctx context.Context, ev bus.IncomingEvent, settings Resolved, cmd *Command) error {
	out := settings.Render()
	if len(cmd.Args) > 0 && cmd.Args[0] == "debug" {
		stored, err := c.Store.ListChatSettings(ctx, ev.Chat.ID)
		if err == nil {
			var sb strings.Builder
			sb.WriteString(out)
			sb.WriteString("\nstored overrides:\n")
			for k, v := range stored {
				fmt.Fprintf(&sb, "%s = %s\n", k, v)
			}
			out = sb.String()
		}
	}
	c.reply(ctx, ev, out, storage.CategoryBotCommandReply)
	return nil
}

func (c *Commands) cmdSet(ctx context.Context, ev bus.IncomingEvent, _ Resolved, cmd *Command) error {
	if len(cmd.Args) < 2 {
		c.reply(ctx, ev, "Usage: /set <key> <value>", storage.CategoryBotCommandReply)
		return nil
	}
	key := cmd.Args[0]
	value := strings.Join(cmd.Args[1:], " ")
	if err := c.Settings.Set(ctx, ev.Chat.ID, key, value); err != nil {
		c.reply(ctx, ev, err.Error(), storage.CategoryBotError)
		return nil
	}
	c.reply(ctx, ev, fmt.Sprintf("%s = %s", key, value), storage.CategoryBotCommandReply)
	return nil
}

func (c *Commands) cmdUnset(ctx context.Context, ev bus.IncomingEvent, _ Resolved, cmd *Command) error {
	if len(cmd.Args) != 1 {
		c.reply(ctx, ev, "Usage: /unset <key>", storage.CategoryBotCommandReply)
		return nil
	}
	if err := c.Settings.Unset(ctx, ev.Chat.ID, cmd.Args[0]); err != nil {
		c.reply(ctx, ev, err.Error(), storage.CategoryBotError)
		return nil
	}
	c.reply(ctx, ev, cmd.Args[0]+" reset to default", storage.CategoryBotCommandReply)
	return nil
}

// cmdConfigure sends an inline keyboard toggling the boolean settings.
func (c *Commands) cmdConfigure(ctx context.Context, ev bus.IncomingEvent, settings Resolved, _ *Command) error {
	markup, err := json.Marshal(configureKeyboard(settings))
	if err != nil {
		return err
	}
	c.Respond(ev.Platform, bus.OutgoingAction{
		Kind:     bus.ActionSendText,
		Platform: ev.Platform,
		ChatID:   ev.Chat.ID,
		ThreadID: threadOf(ev),
		Text:     "Chat configuration. Tap a setting to toggle it.",
		Markup:   markup,
		Category: storage.CategoryBotCommandReply,
	})
	return nil
}

var configurableBools = []string{
	KeyDetectSpam, KeyParseImages, KeyEnableYandexSearch,
	KeyEnableWeather, KeyEnableDraw, KeyEnableReminders, KeyEnableSummarize,
	KeyDeleteUnknownCommands,
}

type keyboardButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

type inlineKeyboard struct {
	InlineKeyboard [][]keyboardButton `json:"inline_keyboard"`
}

func configureKeyboard(settings Resolved) inlineKeyboard {
	var rows [][]keyboardButton
	for _, key := range configurableBools {
		state := "off"
		if settings.Bool(key) {
			state = "on"
		}
		rows = append(rows, []keyboardButton{{
			Text:         fmt.Sprintf("%s: %s", key, state),
			CallbackData: "cfg:" + key,
		}})
	}
	return inlineKeyboard{InlineKeyboard: rows}
}

// configureCallbackHandler toggles a boolean setting from a cfg: callback
// and refreshes the keyboard in place.
func (c *Commands) configureCallbackHandler() Handler {
	return Handler{
		Name:     "configure_callback",
		Terminal: true,
		Match: func(ev bus.IncomingEvent, _ Resolved) bool {
			return ev.Kind == bus.EventCallback && ev.Callback != nil &&
				strings.HasPrefix(ev.Callback.Data, "cfg:")
		},
		Handle: func(ctx context.Context, ev bus.IncomingEvent, settings Resolved) error {
			key := strings.TrimPrefix(ev.Callback.Data, "cfg:")
			ack := func(text string) {
				c.Respond(ev.Platform, bus.OutgoingAction{
					Kind:         bus.ActionAnswerCallback,
					Platform:     ev.Platform,
					CallbackID:   ev.Callback.ID,
					CallbackText: text,
				})
			}
			if ev.Chat == nil || !KnownSettingKey(key) {
				ack("")
				return nil
			}
			if !c.Perms.Allows(ctx, LevelAdmin, c.Admin(ev.Platform), ev.Chat.ID, ev.User.ID) {
				ack("admins only")
				return nil
			}
			next := "true"
			if settings.Bool(key) {
				next = "false"
			}
			if err := c.Settings.Set(ctx, ev.Chat.ID, key, next); err != nil {
				ack("failed")
				return err
			}
			ack(fmt.Sprintf("%s = %s", key, next))

			updated, err := c.Settings.Resolve(ctx, ev.Chat.ID, ev.Chat.Kind)
			if err != nil {
				return err
			}
			markup, err := json.Marshal(configureKeyboard(updated))
			if err != nil {
				return err
			}
			c.Respond(ev.Platform, bus.OutgoingAction{
				Kind:      bus.ActionEditMessage,
				Platform:  ev.Platform,
				ChatID:    ev.Chat.ID,
				MessageID: ev.Callback.MessageID,
				Text:      "Chat configuration. Tap a setting to toggle it.",
				Markup:    markup,
			})
			return nil
		},
	}
}

// --- tool commands ---

func (c *Commands) cmdWeather(ctx context.Context, ev bus.IncomingEvent, _ Resolved, cmd *Command) error {
	if c.Tools.Weather == nil {
		c.reply(ctx, ev, "Weather service is not configured.", storage.CategoryBotCommandReply)
		return nil
	}
	if len(cmd.Args) == 0 {
		c.reply(ctx, ev, "Usage: /weather <city> [country code]", storage.CategoryBotCommandReply)
		return nil
	}
	report, err := c.Tools.Weather.Current(ctx, cmd.ArgString())
	if err != nil {
		return err
	}
	c.reply(ctx, ev, report, storage.CategoryBotCommandReply)
	return nil
}

func (c *Commands) cmdSearch(ctx context.Context, ev bus.IncomingEvent, _ Resolved, cmd *Command) error {
	if c.Tools.Search == nil {
		c.reply(ctx, ev, "Search is not configured.", storage.CategoryBotCommandReply)
		return nil
	}
	if len(cmd.Args) == 0 {
		c.reply(ctx, ev, "Usage: /search <query>", storage.CategoryBotCommandReply)
		return nil
	}
	query := cmd.ArgString()
	results, err := c.Tools.Search.Search(ctx, query, 5)
	if err != nil {
		return err
	}
	c.reply(ctx, ev, tools.FormatResults(query, results), storage.CategoryBotCommandReply)
	return nil
}

func (c *Commands) cmdDraw(ctx context.Context, ev bus.IncomingEvent, _ Resolved, cmd *Command) error {
	if c.Tools.Draw == nil {
		c.reply(ctx, ev, "Image generation is not configured.", storage.CategoryBotCommandReply)
		return nil
	}
	prompt := cmd.ArgString()
	if prompt == "" {
		prompt = "something surprising and beautiful"
	}
	c.Respond(ev.Platform, bus.OutgoingAction{
		Kind: bus.ActionSendAction, Platform: ev.Platform, ChatID: ev.Chat.ID,
	})
	img, err := c.Tools.Draw.Generate(ctx, prompt)
	if err != nil {
		return err
	}
	if img.URL == "" {
		return fmt.Errorf("backend returned no image url")
	}
	caption := img.Revised
	if caption == "" {
		caption = prompt
	}
	c.Respond(ev.Platform, bus.OutgoingAction{
		Kind:     bus.ActionSendMedia,
		Platform: ev.Platform,
		ChatID:   ev.Chat.ID,
		ThreadID: threadOf(ev),
		ReplyTo:  messageIDOf(ev),
		Media:    []bus.MediaItem{{URL: img.URL, Caption: caption}},
		Category: storage.CategoryBotCommandReply,
	})
	return nil
}

// cmdAnalyze describes the image in the replied-to message with a vision
// model call.
func (c *Commands) cmdAnalyze(ctx context.Context, ev bus.IncomingEvent, settings Resolved, cmd *Command) error {
	if ev.Message.ReplyID == "" {
		c.reply(ctx, ev, "Reply to an image with /analyze.", storage.CategoryBotCommandReply)
		return nil
	}
	target, err := c.Store.GetMessage(ctx, ev.Chat.ID, ev.Message.ReplyID)
	if err != nil {
		return fmt.Errorf("load replied message: %w", err)
	}
	if target.Type != storage.TypePhoto {
		c.reply(ctx, ev, "The replied message has no image.", storage.CategoryBotCommandReply)
		return nil
	}
	fileID := platformFileID(target)
	if fileID == "" {
		c.reply(ctx, ev, "The image is no longer available.", storage.CategoryBotCommandReply)
		return nil
	}
	data, err := c.Download(ctx, ev.Platform, fileID)
	if err != nil {
		return fmt.Errorf("download image: %w", err)
	}

	prompt := cmd.ArgString()
	if prompt == "" {
		prompt = "Describe this image in detail."
	}
	resp, err := c.Dispatcher.Complete(ctx, settings.String(KeyChatModel), []llm.Message{{
		Role:    "user",
		Content: prompt,
		Images: []llm.ImageContent{{
			Data:     base64.StdEncoding.EncodeToString(data),
			MimeType: "image/jpeg",
		}},
	}}, nil)
	if err != nil {
		return err
	}
	c.reply(ctx, ev, resp.Content, storage.CategoryBotCommandReply)
	return nil
}

// platformFileID digs the original platform file id out of message metadata.
func platformFileID(msg *storage.Message) string {
	if len(msg.Metadata) == 0 {
		return ""
	}
	var meta struct {
		FileID string `json:"file_id"`
		URL    string `json:"url"`
	}
	if err := json.Unmarshal(msg.Metadata, &meta); err != nil {
		return ""
	}
	if meta.FileID != "" {
		return meta.FileID
	}
	return meta.URL
}

func (c *Commands) cmdSummary(ctx context.Context, ev bus.IncomingEvent, _ Resolved, cmd *Command) error {
	if c.Tools.Summary == nil {
		c.reply(ctx, ev, "Summarization is not configured.", storage.CategoryBotCommandReply)
		return nil
	}
	n := 50
	if len(cmd.Args) > 0 {
		if parsed, err := strconv.Atoi(cmd.Args[0]); err == nil && parsed > 0 {
			n = parsed
		}
	}
	msgs, err := c.Store.ListRecentMessages(ctx, ev.Chat.ID, threadOf(ev), n)
	if err != nil {
		return err
	}
	if len(msgs) < 2 {
		c.reply(ctx, ev, "Not enough messages to summarize.", storage.CategoryBotCommandReply)
		return nil
	}
	first, last := msgs[0], msgs[len(msgs)-1]
	if first.Date.After(last.Date) {
		first, last = last, first
	}
	summary, err := c.Tools.Summary.Summarize(ctx, ev.Chat.ID, threadOf(ev), first.MessageID, last.MessageID, "")
	if err != nil {
		return err
	}
	c.reply(ctx, ev, summary, storage.CategoryBotSummary)
	return nil
}

func (c *Commands) cmdRemind(ctx context.Context, ev bus.IncomingEvent, _ Resolved, cmd *Command) error {
	if c.Tools.Reminder == nil {
		c.reply(ctx, ev, "Reminders are not configured.", storage.CategoryBotCommandReply)
		return nil
	}
	if len(cmd.Args) == 0 {
		c.reply(ctx, ev, "Usage: /remind <duration> [text], e.g. /remind 30m tea", storage.CategoryBotCommandReply)
		return nil
	}
	delay, err := time.ParseDuration(cmd.Args[0])
	if err != nil || delay <= 0 {
		c.reply(ctx, ev, fmt.Sprintf("Cannot parse %q as a duration.", cmd.Args[0]), storage.CategoryBotCommandReply)
		return nil
	}
	text := strings.Join(cmd.Args[1:], " ")
	if text == "" {
		text = "Reminder!"
	}
	_, err = c.Tools.Reminder.Set(ctx, tools.ReminderArgs{
		ChatID:   ev.Chat.ID,
		ThreadID: threadOf(ev),
		UserID:   ev.User.ID,
		Text:     text,
	}, delay)
	if err != nil {
		return err
	}
	c.reply(ctx, ev, fmt.Sprintf("Will remind you in %s.", delay), storage.CategoryBotCommandReply)
	return nil
}

// --- spam moderation ---

// repliedMessage loads the reply target of a moderation command.
func (c *Commands) repliedMessage(ctx context.Context, ev bus.IncomingEvent) (*storage.Message, error) {
	if ev.Message.ReplyID == "" {
		return nil, fmt.Errorf("reply to a message to use this command")
	}
	return c.Store.GetMessage(ctx, ev.Chat.ID, ev.Message.ReplyID)
}

// cmdSpam labels the replied message spam, trains the filter, bans the
// sender and removes the message.
func (c *Commands) cmdSpam(ctx context.Context, ev bus.IncomingEvent, _ Resolved, _ *Command) error {
	target, err := c.repliedMessage(ctx, ev)
	if err != nil {
		c.reply(ctx, ev, err.Error(), storage.CategoryBotCommandReply)
		return nil
	}
	chatID := ev.Chat.ID
	if err := c.Spam.Learn(ctx, target.Text, true, &chatID); err != nil {
		return err
	}
	if err := c.Store.SaveSpamMessage(ctx, &storage.SpamMessage{
		ChatID:    chatID,
		UserID:    target.UserID,
		MessageID: target.MessageID,
		Text:      target.Text,
		Reason:    storage.ReasonAdmin,
		Score:     1,
	}); err != nil {
		return err
	}
	if err := c.Store.SetMessageCategory(ctx, chatID, target.MessageID, storage.CategoryUserSpam); err != nil {
		return err
	}
	if err := c.Store.SetSpammer(ctx, chatID, target.UserID, true); err != nil {
		return err
	}
	c.Respond(ev.Platform, bus.OutgoingAction{
		Kind:      bus.ActionDeleteMessages,
		Platform:  ev.Platform,
		ChatID:    chatID,
		MessageID: target.MessageID,
	})
	c.reply(ctx, ev, "Marked as spam and banned the sender.", storage.CategoryBotSpamNotification)
	return nil
}

func (c *Commands) cmdLearnSpam(ctx context.Context, ev bus.IncomingEvent, _ Resolved, _ *Command) error {
	return c.learnReplied(ctx, ev, true)
}

func (c *Commands) cmdLearnHam(ctx context.Context, ev bus.IncomingEvent, _ Resolved, _ *Command) error {
	return c.learnReplied(ctx, ev, false)
}

func (c *Commands) learnReplied(ctx context.Context, ev bus.IncomingEvent, isSpam bool) error {
	target, err := c.repliedMessage(ctx, ev)
	if err != nil {
		c.reply(ctx, ev, err.Error(), storage.CategoryBotCommandReply)
		return nil
	}
	chatID := ev.Chat.ID
	if err := c.Spam.Learn(ctx, target.Text, isSpam, &chatID); err != nil {
		return err
	}
	if isSpam {
		err = c.Store.SaveSpamMessage(ctx, &storage.SpamMessage{
			ChatID: chatID, UserID: target.UserID, MessageID: target.MessageID,
			Text: target.Text, Reason: storage.ReasonAdmin,
		})
	} else {
		err = c.Store.SaveHamMessage(ctx, &storage.HamMessage{
			ChatID: chatID, UserID: target.UserID, MessageID: target.MessageID,
			Text: target.Text, Reason: storage.ReasonAdmin,
		})
	}
	if err != nil {
		return err
	}
	label := "ham"
	if isSpam {
		label = "spam"
	}
	c.reply(ctx, ev, "Learned as "+label+".", storage.CategoryBotCommandReply)
	return nil
}

func (c *Commands) cmdSpamScore(ctx context.Context, ev bus.IncomingEvent, _ Resolved, _ *Command) error {
	target, err := c.repliedMessage(ctx, ev)
	if err != nil {
		c.reply(ctx, ev, err.Error(), storage.CategoryBotCommandReply)
		return nil
	}
	chatID := ev.Chat.ID
	score, err := c.Spam.Score(ctx, target.Text, &chatID)
	if err != nil {
		return err
	}
	c.reply(ctx, ev, fmt.Sprintf("Spam score: %.4f", score), storage.CategoryBotCommandReply)
	return nil
}

// cmdUnban lifts a ban: clears the spammer flag and unlearns the latest
// spam label for the user so the model forgets the example.
func (c *Commands) cmdUnban(ctx context.Context, ev bus.IncomingEvent, _ Resolved, _ *Command) error {
	target, err := c.repliedMessage(ctx, ev)
	if err != nil {
		c.reply(ctx, ev, "Reply to a message from the banned user with /unban.", storage.CategoryBotCommandReply)
		return nil
	}
	chatID := ev.Chat.ID
	if err := c.Store.SetSpammer(ctx, chatID, target.UserID, false); err != nil {
		return err
	}
	if target.Category == storage.CategoryUserSpam {
		if err := c.Spam.Unlearn(ctx, target.Text, true, &chatID); err != nil {
			return err
		}
		if err := c.Store.SaveHamMessage(ctx, &storage.HamMessage{
			ChatID: chatID, UserID: target.UserID, MessageID: target.MessageID,
			Text: target.Text, Reason: storage.ReasonUnban,
		}); err != nil {
			return err
		}
	}
	c.reply(ctx, ev, "User unbanned.", storage.CategoryBotCommandReply)
	return nil
}

// cmdPretrain bulk-learns the stored spam labels of a chat (or all chats)
// into the Bayes model.
func (c *Commands) cmdPretrain(ctx context.Context, ev bus.IncomingEvent, _ Resolved, cmd *Command) error {
	var chatFilter *int64
	if len(cmd.Args) > 0 {
		id, err := strconv.ParseInt(cmd.Args[0], 10, 64)
		if err != nil {
			c.reply(ctx, ev, "Usage: /pretrain_bayes [chat_id]", storage.CategoryBotCommandReply)
			return nil
		}
		chatFilter = &id
	}
	msgs, err := c.Store.ListSpamMessages(ctx, chatFilter)
	if err != nil {
		return err
	}
	var trained int
	for _, sm := range msgs {
		chatID := sm.ChatID
		if err := c.Spam.Learn(ctx, sm.Text, true, &chatID); err != nil {
			return fmt.Errorf("after %d messages: %w", trained, err)
		}
		trained++
	}
	c.reply(ctx, ev, fmt.Sprintf("Trained on %d spam messages.", trained), storage.CategoryBotCommandReply)
	return nil
}

// --- owner ---

func (c *Commands) cmdModels(ctx context.Context, ev bus.IncomingEvent, _ Resolved, _ *Command) error {
	models := c.Registry.Models()
	if len(models) == 0 {
		c.reply(ctx, ev, "No models configured.", storage.CategoryBotCommandReply)
		return nil
	}
	var sb strings.Builder
	sb.WriteString("Configured models:\n")
	def := c.Registry.DefaultModel()
	for _, m := range models {
		if m == def {
			fmt.Fprintf(&sb, "- %s (default)\n", m)
		} else {
			fmt.Fprintf(&sb, "- %s\n", m)
		}
	}
	c.reply(ctx, ev, sb.String(), storage.CategoryBotCommandReply)
	return nil
}
