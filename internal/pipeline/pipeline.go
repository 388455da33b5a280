// Package pipeline orchestrates message processing: persistence, spam
// gating, engagement decisions, context assembly and the conversational
// LLM reply.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/duskpine/vombat/internal/bus"
	"github.com/duskpine/vombat/internal/handlers"
	"github.com/duskpine/vombat/internal/llm"
	"github.com/duskpine/vombat/internal/spam"
	"github.com/duskpine/vombat/internal/storage"
	"github.com/duskpine/vombat/internal/telemetry"
	"github.com/duskpine/vombat/internal/tools"
)

const defaultTokenBudget = 8000
const contextMessageLimit = 100

// Sender delivers one outgoing action and reports the platform message id.
type Sender func(ctx context.Context, action bus.OutgoingAction) (string, error)

// Pipeline holds the services the message stages draw on.
type Pipeline struct {
	Store       storage.Store
	Spam        *spam.Classifier
	Dispatcher  *llm.Dispatcher
	Tools       *tools.Registry
	Send        Sender
	BotUsername string
	BotID       int64
	TokenBudget int

	rng func() float64
	now func() time.Time
}

func New(store storage.Store, classifier *spam.Classifier, dispatcher *llm.Dispatcher,
	registry *tools.Registry, send Sender, botUsername string, botID int64, tokenBudget int) *Pipeline {
	if tokenBudget <= 0 {
		tokenBudget = defaultTokenBudget
	}
	return &Pipeline{
		Store:       store,
		Spam:        classifier,
		Dispatcher:  dispatcher,
		Tools:       registry,
		Send:        send,
		BotUsername: botUsername,
		BotID:       botID,
		TokenBudget: tokenBudget,
		rng:         rand.Float64,
		now:         time.Now,
	}
}

// --- stage 1+2: persist and stats ---

// PersistHandler stores every incoming message with its inferred category
// and bumps the daily counters. Non-terminal: the event continues to
// commands and conversation.
func (p *Pipeline) PersistHandler() handlers.Handler {
	return handlers.Handler{
		Name: "persist",
		Match: func(ev bus.IncomingEvent, _ handlers.Resolved) bool {
			return (ev.Kind == bus.EventMessageCreated || ev.Kind == bus.EventMessageEdited) &&
				ev.Message != nil && ev.Chat != nil && ev.User != nil
		},
		Handle: func(ctx context.Context, ev bus.IncomingEvent, _ handlers.Resolved) error {
			if err := p.Store.UpsertChat(ctx, ev.Chat); err != nil {
				return fmt.Errorf("upsert chat: %w", err)
			}
			if err := p.bumpChatUser(ctx, ev); err != nil {
				return err
			}

			msg := ev.Message
			if msg.Category == storage.CategoryUnspecified {
				msg.Category = inferCategory(ev)
			}
			if msg.ReplyID != "" && msg.RootMessageID == "" {
				msg.RootMessageID = p.rootOf(ctx, msg.ChatID, msg.ReplyID)
			}
			if err := p.Store.SaveMessage(ctx, msg); err != nil {
				return fmt.Errorf("save message: %w", err)
			}

			date := msg.Date.Format("2006-01-02")
			if err := p.Store.BumpDailyStats(ctx, msg.ChatID, msg.UserID, date); err != nil {
				slog.Warn("bump user stats failed", "chat", msg.ChatID, "error", err)
			}
			if err := p.Store.BumpDailyStats(ctx, msg.ChatID, 0, date); err != nil {
				slog.Warn("bump chat stats failed", "chat", msg.ChatID, "error", err)
			}
			return nil
		},
	}
}

func (p *Pipeline) bumpChatUser(ctx context.Context, ev bus.IncomingEvent) error {
	cu, err := p.Store.GetChatUser(ctx, ev.Chat.ID, ev.User.ID)
	if errors.Is(err, storage.ErrNotFound) {
		cu = &storage.ChatUser{ChatID: ev.Chat.ID, UserID: ev.User.ID}
	} else if err != nil {
		return fmt.Errorf("get chat user: %w", err)
	}
	cu.DisplayName = ev.User.DisplayName
	cu.Username = ev.User.Username
	if ev.Kind == bus.EventMessageCreated {
		cu.MessageCount++
	}
	if err := p.Store.UpsertChatUser(ctx, cu); err != nil {
		return fmt.Errorf("upsert chat user: %w", err)
	}
	return nil
}

// rootOf walks one reply hop up to inherit the conversation root.
func (p *Pipeline) rootOf(ctx context.Context, chatID int64, replyID string) string {
	parent, err := p.Store.GetMessage(ctx, chatID, replyID)
	if err != nil {
		return replyID
	}
	if parent.RootMessageID != "" {
		return parent.RootMessageID
	}
	return parent.MessageID
}

func inferCategory(ev bus.IncomingEvent) storage.MessageCategory {
	if handlers.ParseCommand(ev.Message.Text) != nil {
		return storage.CategoryUserCommand
	}
	if ev.Chat.Kind == storage.ChatChannel {
		return storage.CategoryChannel
	}
	return storage.CategoryUser
}

// --- stage 3: spam gate ---

// SpamGateHandler scores user messages when detect-spam is on. At or
// above the threshold it labels, acts per the spam-action setting and
// stops dispatch so no reply is ever produced for spam.
func (p *Pipeline) SpamGateHandler() handlers.Handler {
	return handlers.Handler{
		Name: "spam_gate",
		Match: func(ev bus.IncomingEvent, settings handlers.Resolved) bool {
			return ev.Kind == bus.EventMessageCreated &&
				ev.Message != nil && ev.Chat != nil && ev.User != nil &&
				!ev.User.IsBot &&
				ev.Message.Text != "" &&
				settings.Bool(handlers.KeyDetectSpam)
		},
		Handle: func(ctx context.Context, ev bus.IncomingEvent, settings handlers.Resolved) error {
			chatID := ev.Chat.ID
			if cu, err := p.Store.GetChatUser(ctx, chatID, ev.User.ID); err == nil {
				// Established members are effectively whitelisted.
				if cu.MessageCount > 10 && !cu.IsSpammer {
					return nil
				}
			}

			score, err := p.Spam.Score(ctx, ev.Message.Text, &chatID)
			if err != nil {
				return fmt.Errorf("spam score: %w", err)
			}
			threshold := settings.Float(handlers.KeySpamScoreThreshold)
			if score < threshold {
				return nil
			}

			if err := p.markSpam(ctx, ev, score); err != nil {
				return err
			}
			p.actOnSpam(ctx, ev, settings, score)
			return handlers.ErrStop
		},
	}
}

// markSpam records the label: category flip, SpamMessage row and the
// sender's spammer flag, keeping the invariant that every user-spam
// message has a matching SpamMessage.
func (p *Pipeline) markSpam(ctx context.Context, ev bus.IncomingEvent, score float64) error {
	msg := ev.Message
	if err := p.Store.SaveSpamMessage(ctx, &storage.SpamMessage{
		ChatID:    msg.ChatID,
		UserID:    msg.UserID,
		MessageID: msg.MessageID,
		Text:      msg.Text,
		Reason:    storage.ReasonAuto,
		Score:     score,
	}); err != nil {
		return fmt.Errorf("save spam message: %w", err)
	}
	if err := p.Store.SetMessageCategory(ctx, msg.ChatID, msg.MessageID, storage.CategoryUserSpam); err != nil {
		return fmt.Errorf("flip category: %w", err)
	}
	if err := p.Store.SetSpammer(ctx, msg.ChatID, msg.UserID, true); err != nil {
		return fmt.Errorf("set spammer: %w", err)
	}
	return nil
}

func (p *Pipeline) actOnSpam(ctx context.Context, ev bus.IncomingEvent, settings handlers.Resolved, score float64) {
	action := settings.String(handlers.KeySpamAction)
	switch action {
	case "delete", "ban":
		if _, err := p.Send(ctx, bus.OutgoingAction{
			Kind:      bus.ActionDeleteMessages,
			Platform:  ev.Platform,
			ChatID:    ev.Chat.ID,
			MessageID: ev.Message.MessageID,
		}); err != nil {
			slog.Warn("spam delete failed", "chat", ev.Chat.ID, "error", err)
		}
	default:
		text := fmt.Sprintf("Message from %s flagged as spam (score %.2f).", ev.User.DisplayName, score)
		if id, err := p.Send(ctx, bus.OutgoingAction{
			Kind:     bus.ActionSendText,
			Platform: ev.Platform,
			ChatID:   ev.Chat.ID,
			ThreadID: ev.Message.ThreadID,
			Text:     text,
		}); err != nil {
			slog.Warn("spam notification failed", "chat", ev.Chat.ID, "error", err)
		} else {
			p.persistReply(ctx, ev, id, text, storage.CategoryBotSpamNotification)
		}
	}
}

// --- stages 4-9: engagement, context, LLM call, render, send, persist ---

// ConverseHandler is the terminal conversational stage.
func (p *Pipeline) ConverseHandler() handlers.Handler {
	return handlers.Handler{
		Name:     "converse",
		Terminal: true,
		Match: func(ev bus.IncomingEvent, settings handlers.Resolved) bool {
			if ev.Kind != bus.EventMessageCreated || ev.Message == nil || ev.Chat == nil || ev.User == nil {
				return false
			}
			if ev.User.IsBot || ev.Message.Text == "" {
				return false
			}
			if handlers.ParseCommand(ev.Message.Text) != nil {
				return false
			}
			return true
		},
		Handle: func(ctx context.Context, ev bus.IncomingEvent, settings handlers.Resolved) error {
			if !p.shouldEngage(ctx, ev, settings) {
				return nil
			}
			if err := p.converse(ctx, ev, settings); err != nil {
				p.reportError(ctx, ev, err)
				return err
			}
			return nil
		},
	}
}

// shouldEngage decides whether the bot replies: direct chats always,
// mention or reply-to-bot always, otherwise a random-answer draw.
func (p *Pipeline) shouldEngage(ctx context.Context, ev bus.IncomingEvent, settings handlers.Resolved) bool {
	if ev.Chat.Kind == storage.ChatPrivate {
		return true
	}
	if p.BotUsername != "" && strings.Contains(ev.Message.Text, "@"+p.BotUsername) {
		return true
	}
	if ev.Message.ReplyID != "" {
		if parent, err := p.Store.GetMessage(ctx, ev.Chat.ID, ev.Message.ReplyID); err == nil {
			if parent.UserID == p.BotID || isBotCategory(parent.Category) {
				return true
			}
		}
	}
	if prob := settings.Float(handlers.KeyRandomAnswerProb); prob > 0 && p.rng() < prob {
		return true
	}
	return false
}

func isBotCategory(c storage.MessageCategory) bool {
	switch c {
	case storage.CategoryBot, storage.CategoryBotCommandReply, storage.CategoryBotSummary,
		storage.CategoryBotError, storage.CategoryBotResended, storage.CategoryBotSpamNotification:
		return true
	}
	return false
}

func (p *Pipeline) converse(ctx context.Context, ev bus.IncomingEvent, settings handlers.Resolved) error {
	ctx, span := telemetry.StartSpan(ctx, "pipeline.converse",
		attribute.Int64("chat.id", ev.Chat.ID))
	defer span.End()

	if _, err := p.Send(ctx, bus.OutgoingAction{
		Kind: bus.ActionSendAction, Platform: ev.Platform, ChatID: ev.Chat.ID,
	}); err != nil {
		slog.Debug("typing indicator failed", "chat", ev.Chat.ID, "error", err)
	}

	messages, err := p.assembleContext(ctx, ev, settings)
	if err != nil {
		return fmt.Errorf("assemble context: %w", err)
	}

	toolCtx := tools.WithScope(ctx, tools.Scope{
		ChatID:   ev.Chat.ID,
		ThreadID: ev.Message.ThreadID,
		UserID:   ev.User.ID,
		Platform: ev.Platform,
	})
	toolList := p.Tools.Tools(tools.Flags{
		Weather:   settings.Bool(handlers.KeyEnableWeather),
		Search:    settings.Bool(handlers.KeyEnableYandexSearch),
		Draw:      settings.Bool(handlers.KeyEnableDraw),
		Reminders: settings.Bool(handlers.KeyEnableReminders),
		UserData:  true,
		Summarize: settings.Bool(handlers.KeyEnableSummarize),
	})

	resp, err := p.Dispatcher.Complete(toolCtx, settings.String(handlers.KeyChatModel), messages, toolList)
	if err != nil {
		return fmt.Errorf("model call: %w", err)
	}
	if strings.TrimSpace(resp.Content) == "" {
		return nil
	}

	rendered := RenderMarkdown(resp.Content)
	for _, part := range SplitMessage(rendered, maxMessageLen) {
		id, err := p.Send(ctx, bus.OutgoingAction{
			Kind:      bus.ActionSendText,
			Platform:  ev.Platform,
			ChatID:    ev.Chat.ID,
			ThreadID:  ev.Message.ThreadID,
			ReplyTo:   ev.Message.MessageID,
			Text:      part,
			ParseMode: "markdown",
		})
		if err != nil {
			return fmt.Errorf("send reply: %w", err)
		}
		p.persistReply(ctx, ev, id, part, storage.CategoryBot)
	}
	return nil
}

// assembleContext builds the model message list from system prompt, user
// data, summaries of older context and recent history within the token
// budget.
func (p *Pipeline) assembleContext(ctx context.Context, ev bus.IncomingEvent, settings handlers.Resolved) ([]llm.Message, error) {
	system := settings.String(handlers.KeySystemPrompt)
	if system == "" {
		system = "You are a helpful assistant in a chat. Answer concisely in the language of the conversation."
	}
	budget := p.TokenBudget - estimateTokens(system)

	history, err := p.Store.ListRecentMessages(ctx, ev.Chat.ID, ev.Message.ThreadID, contextMessageLimit)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	// Pin the conversation root so long threads keep their anchor.
	var rootMsg *storage.Message
	if ev.Message.RootMessageID != "" && ev.Message.RootMessageID != ev.Message.MessageID {
		if m, err := p.Store.GetMessage(ctx, ev.Chat.ID, ev.Message.RootMessageID); err == nil {
			rootMsg = m
			budget -= estimateTokens(m.Text)
		}
	}

	// Walk history newest-first, stopping at the budget.
	var included []*storage.Message
	for i := len(history) - 1; i >= 0; i-- {
		m := history[i]
		if m.Category == storage.CategoryUserSpam || m.Text == "" {
			continue
		}
		cost := estimateTokens(m.Text)
		if budget-cost < 0 {
			break
		}
		budget -= cost
		included = append(included, m)
	}

	msgs := []llm.Message{{Role: "system", Content: system}}
	if rootMsg != nil {
		msgs = append(msgs, toLLMMessage(rootMsg, p.BotID))
	}
	for i := len(included) - 1; i >= 0; i-- {
		msgs = append(msgs, toLLMMessage(included[i], p.BotID))
	}
	// The triggering message is last even if history reads missed it.
	if len(included) == 0 || included[0].MessageID != ev.Message.MessageID {
		msgs = append(msgs, toLLMMessage(ev.Message, p.BotID))
	}
	return msgs, nil
}

func toLLMMessage(m *storage.Message, botID int64) llm.Message {
	role := "user"
	if m.UserID == botID || isBotCategory(m.Category) {
		role = "assistant"
	}
	return llm.Message{Role: role, Content: m.Text}
}

// persistReply stores the bot's sent message with reply linkage.
func (p *Pipeline) persistReply(ctx context.Context, ev bus.IncomingEvent, messageID, text string, category storage.MessageCategory) {
	if messageID == "" {
		return
	}
	root := ev.Message.RootMessageID
	if root == "" {
		root = ev.Message.MessageID
	}
	if err := p.Store.SaveMessage(ctx, &storage.Message{
		ChatID:        ev.Chat.ID,
		MessageID:     messageID,
		Date:          p.now(),
		UserID:        p.BotID,
		ReplyID:       ev.Message.MessageID,
		ThreadID:      ev.Message.ThreadID,
		RootMessageID: root,
		Text:          text,
		Type:          storage.TypeText,
		Category:      category,
	}); err != nil {
		slog.Warn("persist reply failed", "chat", ev.Chat.ID, "error", err)
	}
}

// reportError sends at most one bot-error reply for a failed event.
func (p *Pipeline) reportError(ctx context.Context, ev bus.IncomingEvent, cause error) {
	slog.Error("pipeline failed", "chat", ev.Chat.ID, "error", cause)
	id, err := p.Send(ctx, bus.OutgoingAction{
		Kind:     bus.ActionSendText,
		Platform: ev.Platform,
		ChatID:   ev.Chat.ID,
		ThreadID: ev.Message.ThreadID,
		ReplyTo:  ev.Message.MessageID,
		Text:     "Something went wrong while answering. Please try again.",
	})
	if err != nil {
		slog.Warn("error report failed", "chat", ev.Chat.ID, "error", err)
		return
	}
	p.persistReply(ctx, ev, id, "Something went wrong while answering. Please try again.", storage.CategoryBotError)
}
