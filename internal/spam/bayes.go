// Package spam is a multinomial naive Bayes classifier with online learning.
// Models are per-chat with a global fallback; token counts live in storage so
// the model survives restarts and is shared across workers.
package spam

import (
	"context"
	"fmt"
	"math"

	"github.com/duskpine/vombat/internal/storage"
)

// Config tunes the classifier.
type Config struct {
	// Alpha is the Laplace smoothing constant.
	Alpha float64
	// MinChatMessages is the training floor per class below which a chat
	// falls back to the global model.
	MinChatMessages int64
	// MinTokenLen drops short tokens during preprocessing.
	MinTokenLen int
}

// DefaultConfig matches the shipped configuration.
func DefaultConfig() Config {
	return Config{Alpha: 1.0, MinChatMessages: 20, MinTokenLen: 3}
}

// Classifier scores and trains against a storage.Store.
type Classifier struct {
	store storage.Store
	cfg   Config
	tok   Tokenizer
}

// New creates a classifier. Zero config fields take defaults.
func New(store storage.Store, cfg Config) *Classifier {
	if cfg.Alpha <= 0 {
		cfg.Alpha = 1.0
	}
	if cfg.MinChatMessages <= 0 {
		cfg.MinChatMessages = 20
	}
	return &Classifier{
		store: store,
		cfg:   cfg,
		tok:   Tokenizer{MinTokenLen: cfg.MinTokenLen},
	}
}

// Learn trains one message into the model identified by chatID (nil for
// global). The whole update is one storage transaction.
func (c *Classifier) Learn(ctx context.Context, text string, isSpam bool, chatID *int64) error {
	return c.apply(ctx, text, isSpam, chatID, 1)
}

// Unlearn reverses a prior Learn for the same text. Counts floor at zero, so
// unlearning text that was never learned is harmless.
func (c *Classifier) Unlearn(ctx context.Context, text string, isSpam bool, chatID *int64) error {
	return c.apply(ctx, text, isSpam, chatID, -1)
}

func (c *Classifier) apply(ctx context.Context, text string, isSpam bool, chatID *int64, sign int64) error {
	tokens := c.tok.Tokenize(text)
	if len(tokens) == 0 {
		return nil
	}
	counts := Counts(tokens)
	delta := &storage.BayesDelta{
		ChatID:       chatID,
		IsSpam:       isSpam,
		Tokens:       make(map[string]int64, len(counts)),
		MessageDelta: sign,
		TokenDelta:   sign * int64(len(tokens)),
	}
	for tok, n := range counts {
		delta.Tokens[tok] = sign * n
	}
	if err := c.store.ApplyBayesDelta(ctx, delta); err != nil {
		return fmt.Errorf("bayes update: %w", err)
	}
	return nil
}

// Score returns P(spam) in [0,1] for text. The per-chat model is used only
// when both classes meet the training floor; otherwise the global model
// scores the message.
func (c *Classifier) Score(ctx context.Context, text string, chatID *int64) (float64, error) {
	model, err := c.modelFor(ctx, chatID)
	if err != nil {
		return 0, err
	}

	tokens := c.tok.Tokenize(text)
	spamClass, err := c.store.GetBayesClass(ctx, model, true)
	if err != nil {
		return 0, fmt.Errorf("spam class: %w", err)
	}
	hamClass, err := c.store.GetBayesClass(ctx, model, false)
	if err != nil {
		return 0, fmt.Errorf("ham class: %w", err)
	}

	alpha := c.cfg.Alpha
	logOdds := math.Log(float64(spamClass.MessageCount)+alpha) -
		math.Log(float64(hamClass.MessageCount)+alpha)

	if len(tokens) > 0 {
		counts, err := c.store.GetBayesTokens(ctx, model, distinct(tokens))
		if err != nil {
			return 0, fmt.Errorf("token counts: %w", err)
		}
		// V is the distinct token count of this message plus one.
		vocab := float64(len(counts)) + 1
		spamDenom := math.Log(float64(spamClass.TokenCount) + alpha*vocab)
		hamDenom := math.Log(float64(hamClass.TokenCount) + alpha*vocab)
		for _, tok := range tokens {
			tc := counts[tok]
			logOdds += math.Log(float64(tc.Spam)+alpha) - spamDenom
			logOdds -= math.Log(float64(tc.Ham)+alpha) - hamDenom
		}
	}

	return logistic(logOdds), nil
}

// modelFor picks the per-chat model or falls back to global.
func (c *Classifier) modelFor(ctx context.Context, chatID *int64) (*int64, error) {
	if chatID == nil {
		return nil, nil
	}
	spamClass, err := c.store.GetBayesClass(ctx, chatID, true)
	if err != nil {
		return nil, fmt.Errorf("spam class: %w", err)
	}
	hamClass, err := c.store.GetBayesClass(ctx, chatID, false)
	if err != nil {
		return nil, fmt.Errorf("ham class: %w", err)
	}
	if spamClass.MessageCount >= c.cfg.MinChatMessages && hamClass.MessageCount >= c.cfg.MinChatMessages {
		return chatID, nil
	}
	return nil, nil
}

func distinct(tokens []string) []string {
	seen := make(map[string]bool, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

func logistic(x float64) float64 {
	// Guard against overflow on extreme log-odds.
	if x > 700 {
		return 1
	}
	if x < -700 {
		return 0
	}
	return 1 / (1 + math.Exp(-x))
}
