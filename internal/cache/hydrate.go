package cache

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/matheus3301/mktinbox/internal/store"
)

// threadHydrateLimit caps how many cached messages per conversation are
// loaded at startup.
const threadHydrateLimit = 200

// Hydrate loads the cached snapshot into s. Nothing loaded here is treated as
// authoritative: the list is merged as partial and threads as not fully
// loaded, so the first fetch still decides unread counts and eviction.
func (db *DB) Hydrate(s *store.Store, logger *zap.Logger) error {
	convs, err := db.ListConversations()
	if err != nil {
		return fmt.Errorf("load cached conversations: %w", err)
	}
	s.UpsertConversationList(convs, false)

	msgCount := 0
	for _, c := range convs {
		msgs, err := db.ListMessages(c.ID, threadHydrateLimit)
		if err != nil {
			return fmt.Errorf("load cached messages for %s: %w", c.ID, err)
		}
		if len(msgs) > 0 {
			s.UpsertMessages(c.ID, msgs, false)
			msgCount += len(msgs)
		}
	}
	if logger != nil {
		logger.Info("cache hydrated", zap.Int("conversations", len(convs)), zap.Int("messages", msgCount))
	}
	return nil
}
