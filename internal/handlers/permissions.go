package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/duskpine/vombat/internal/cache"
)

// Level is the access required by a handler.
type Level int

const (
	LevelAny Level = iota
	LevelAdmin
	LevelOwner
)

// AdminChecker asks the owning platform whether a user administers a chat.
type AdminChecker interface {
	IsChatAdmin(ctx context.Context, chatID, userID int64) (bool, error)
}

const adminCacheNamespace = "admin_status"
const adminCacheTTL = 10 * time.Minute

// Permissions decides access. Owners come from bot.bot_owners; admin
// status is a live platform lookup memoized in the cache.
type Permissions struct {
	owners map[int64]bool
	cache  *cache.Cache
}

func NewPermissions(owners []int64, c *cache.Cache) *Permissions {
	set := make(map[int64]bool, len(owners))
	for _, id := range owners {
		set[id] = true
	}
	return &Permissions{owners: set, cache: c}
}

// IsOwner reports global owner status.
func (p *Permissions) IsOwner(userID int64) bool { return p.owners[userID] }

// Allows checks level for a user in a chat. Owners pass everything.
// Admin lookups that fail deny and log; a denied command beats a platform
// error leaking privileges.
func (p *Permissions) Allows(ctx context.Context, level Level, checker AdminChecker, chatID, userID int64) bool {
	switch level {
	case LevelAny:
		return true
	case LevelOwner:
		return p.IsOwner(userID)
	}
	if p.IsOwner(userID) {
		return true
	}
	if checker == nil {
		return false
	}

	key := strconv.FormatInt(chatID, 10) + ":" + strconv.FormatInt(userID, 10)
	if raw, ok := p.cache.Get(ctx, adminCacheNamespace, key); ok {
		var admin bool
		if json.Unmarshal(raw, &admin) == nil {
			return admin
		}
	}
	admin, err := checker.IsChatAdmin(ctx, chatID, userID)
	if err != nil {
		slog.Warn("admin status lookup failed", "chat", chatID, "user", userID, "error", err)
		return false
	}
	if raw, err := json.Marshal(admin); err == nil {
		p.cache.Set(ctx, adminCacheNamespace, key, raw, adminCacheTTL, cache.MemoryOnly)
	}
	return admin
}
