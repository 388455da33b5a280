package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/duskpine/vombat/internal/llm"
	"github.com/duskpine/vombat/internal/scheduler"
)

// ReminderTaskFunction is the scheduler handler name reminders fire under.
const ReminderTaskFunction = "reminder"

// ReminderArgs is the kwargs payload for a scheduled reminder.
type ReminderArgs struct {
	ChatID   int64  `json:"chat_id"`
	ThreadID int64  `json:"thread_id,omitempty"`
	UserID   int64  `json:"user_id"`
	Text     string `json:"text"`
}

// ReminderService schedules delayed reminder deliveries.
type ReminderService struct {
	sched *scheduler.Scheduler
	now   func() time.Time
}

func NewReminderService(sched *scheduler.Scheduler) *ReminderService {
	return &ReminderService{sched: sched, now: time.Now}
}

// Set schedules a reminder and returns its task id.
func (s *ReminderService) Set(ctx context.Context, args ReminderArgs, delay time.Duration) (string, error) {
	if delay <= 0 {
		return "", fmt.Errorf("reminder delay must be positive")
	}
	id := "reminder:" + uuid.NewString()
	fireAt := s.now().Add(delay)
	if err := s.sched.Schedule(ctx, id, fireAt, ReminderTaskFunction, args); err != nil {
		return "", fmt.Errorf("schedule reminder: %w", err)
	}
	return id, nil
}

// Tool exposes reminder creation to the model. Chat and user identity come
// from the conversation scope baked in by the pipeline, not from the model.
func (s *ReminderService) Tool() llm.Tool {
	return llm.Tool{
		Name:        "set_reminder",
		Description: "Set a reminder to be delivered in this chat after a delay. Returns a confirmation with the fire time.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"delay_seconds": map[string]interface{}{
					"type":        "number",
					"description": "Seconds from now until the reminder fires.",
				},
				"text": map[string]interface{}{
					"type":        "string",
					"description": "Reminder text to deliver.",
				},
			},
			"required": []string{"delay_seconds", "text"},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
			secs, ok := argFloat(args, "delay_seconds")
			if !ok || secs <= 0 {
				return "", fmt.Errorf("delay_seconds must be a positive number")
			}
			text, err := requireString(args, "text")
			if err != nil {
				return "", err
			}
			scope := ScopeFrom(ctx)
			rargs := ReminderArgs{
				ChatID:   scope.ChatID,
				ThreadID: scope.ThreadID,
				UserID:   scope.UserID,
				Text:     text,
			}
			delay := time.Duration(secs) * time.Second
			if _, err := s.Set(ctx, rargs, delay); err != nil {
				return "", err
			}
			return fmt.Sprintf("reminder set for %s", s.now().Add(delay).Format(time.RFC3339)), nil
		},
	}
}
