package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/duskpine/vombat/internal/storage"
)

// SummaryID derives the content-addressed id for a summarization request.
// Identical inputs always map to the same id, which makes repeated
// summarizations of the same message span free.
func SummaryID(chatID, topicID int64, firstID, lastID, prompt string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d\x00%d\x00%s\x00%s\x00%s", chatID, topicID, firstID, lastID, prompt)
	return hex.EncodeToString(h.Sum(nil))
}

// GetSummary returns the memoized summary text for csid, or ok=false.
func GetSummary(ctx context.Context, store storage.Store, csid string) (string, bool, error) {
	e, err := store.GetSummary(ctx, csid)
	if errors.Is(err, storage.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return e.Summary, true, nil
}

// PutSummary memoizes a summary. The store keeps the first write for a csid.
func PutSummary(ctx context.Context, store storage.Store, csid string, chatID int64, summary string) error {
	return store.PutSummary(ctx, &storage.SummaryEntry{
		CSID:    csid,
		ChatID:  chatID,
		Summary: summary,
	})
}
