// Package handlers routes normalized events to command and listener
// handlers, resolves per-chat settings and enforces permissions.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/duskpine/vombat/internal/cache"
	"github.com/duskpine/vombat/internal/storage"
)

// Chat setting keys form a closed enumeration; /set rejects anything else.
const (
	KeyChatModel             = "chat-model"
	KeyParseImages           = "parse-images"
	KeyDetectSpam            = "detect-spam"
	KeyRandomAnswerProb      = "random-answer-probability"
	KeyEnableYandexSearch    = "enable-yandex-search"
	KeySpamScoreThreshold    = "spam-score-threshold"
	KeySpamAction            = "spam-action" // delete | ban | notify
	KeyDeleteUnknownCommands = "delete-unknown-commands"
	KeyEnableWeather         = "enable-weather"
	KeyEnableDraw            = "enable-draw"
	KeyEnableReminders       = "enable-reminders"
	KeyEnableSummarize       = "enable-summarize"
	KeySystemPrompt          = "system-prompt"
)

// settingSpec validates one key's values.
type settingSpec struct {
	validate func(string) error
	def      string // built-in default
}

func boolSpec(def string) settingSpec {
	return settingSpec{
		validate: func(v string) error {
			if _, err := strconv.ParseBool(v); err != nil {
				return fmt.Errorf("expected true/false, got %q", v)
			}
			return nil
		},
		def: def,
	}
}

func floatSpec(def string, min, max float64) settingSpec {
	return settingSpec{
		validate: func(v string) error {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil || f < min || f > max {
				return fmt.Errorf("expected number in [%g, %g], got %q", min, max, v)
			}
			return nil
		},
		def: def,
	}
}

func stringSpec(def string) settingSpec {
	return settingSpec{validate: func(string) error { return nil }, def: def}
}

var settingSpecs = map[string]settingSpec{
	KeyChatModel:             stringSpec(""),
	KeyParseImages:           boolSpec("false"),
	KeyDetectSpam:            boolSpec("false"),
	KeyRandomAnswerProb:      floatSpec("0", 0, 1),
	KeyEnableYandexSearch:    boolSpec("false"),
	KeySpamScoreThreshold:    floatSpec("0.95", 0, 1),
	KeySpamAction:            stringSpec("notify"),
	KeyDeleteUnknownCommands: boolSpec("false"),
	KeyEnableWeather:         boolSpec("true"),
	KeyEnableDraw:            boolSpec("false"),
	KeyEnableReminders:       boolSpec("true"),
	KeyEnableSummarize:       boolSpec("true"),
	KeySystemPrompt:          stringSpec(""),
}

// KnownSettingKey reports whether key belongs to the enumeration.
func KnownSettingKey(key string) bool {
	_, ok := settingSpecs[key]
	return ok
}

// SettingKeys returns the enumeration sorted for display.
func SettingKeys() []string {
	keys := make([]string, 0, len(settingSpecs))
	for k := range settingSpecs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SettingsNamespace is the cache namespace resolved settings are memoized
// in; the orchestrator reloads it at startup.
const SettingsNamespace = "chat_settings"

// Settings resolves chat settings through the layered lookup: per-chat
// stored value, then per-kind defaults, then global defaults, then
// built-ins. Resolved views are memoized in the cache with on-change
// persistence and invalidated on every write.
type Settings struct {
	store         storage.Store
	cache         *cache.Cache
	globals       map[string]string            // from bot.defaults.*
	kindDefaults  map[storage.ChatKind]map[string]string
}

func NewSettings(store storage.Store, c *cache.Cache, globals map[string]string,
	kindDefaults map[storage.ChatKind]map[string]string) *Settings {
	return &Settings{store: store, cache: c, globals: globals, kindDefaults: kindDefaults}
}

// Resolved is one chat's fully resolved settings view.
type Resolved map[string]string

func (r Resolved) Bool(key string) bool {
	b, _ := strconv.ParseBool(r[key])
	return b
}

func (r Resolved) Float(key string) float64 {
	f, _ := strconv.ParseFloat(r[key], 64)
	return f
}

func (r Resolved) String(key string) string { return r[key] }

// Resolve returns the chat's resolved settings, memoized per chat.
func (s *Settings) Resolve(ctx context.Context, chatID int64, kind storage.ChatKind) (Resolved, error) {
	cacheKey := strconv.FormatInt(chatID, 10)
	if raw, ok := s.cache.Get(ctx, SettingsNamespace, cacheKey); ok {
		var resolved Resolved
		if err := json.Unmarshal(raw, &resolved); err == nil {
			return resolved, nil
		}
	}

	resolved := make(Resolved, len(settingSpecs))
	for key, spec := range settingSpecs {
		resolved[key] = spec.def
	}
	for key, v := range s.globals {
		if KnownSettingKey(key) {
			resolved[key] = v
		}
	}
	for key, v := range s.kindDefaults[kind] {
		if KnownSettingKey(key) {
			resolved[key] = v
		}
	}
	stored, err := s.store.ListChatSettings(ctx, chatID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("list chat settings: %w", err)
	}
	for key, v := range stored {
		resolved[key] = v
	}

	if raw, err := json.Marshal(resolved); err == nil {
		s.cache.Set(ctx, SettingsNamespace, cacheKey, raw, 0, cache.OnChange)
	}
	return resolved, nil
}

// Set validates and stores one per-chat value, invalidating the memo.
func (s *Settings) Set(ctx context.Context, chatID int64, key, value string) error {
	spec, ok := settingSpecs[key]
	if !ok {
		return fmt.Errorf("unknown setting %q", key)
	}
	if err := spec.validate(value); err != nil {
		return fmt.Errorf("setting %s: %w", key, err)
	}
	if err := s.store.SetChatSetting(ctx, chatID, key, value); err != nil {
		return err
	}
	s.invalidate(ctx, chatID)
	return nil
}

// Unset removes the per-chat value so lower layers win again.
func (s *Settings) Unset(ctx context.Context, chatID int64, key string) error {
	if !KnownSettingKey(key) {
		return fmt.Errorf("unknown setting %q", key)
	}
	if err := s.store.DeleteChatSetting(ctx, chatID, key); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	s.invalidate(ctx, chatID)
	return nil
}

func (s *Settings) invalidate(ctx context.Context, chatID int64) {
	s.cache.Delete(ctx, SettingsNamespace, strconv.FormatInt(chatID, 10))
}

// Render formats the resolved view for /settings output.
func (r Resolved) Render() string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		v := r[k]
		if v == "" {
			v = "(unset)"
		}
		fmt.Fprintf(&sb, "%s = %s\n", k, v)
	}
	return sb.String()
}
