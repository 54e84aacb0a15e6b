package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	pebble "github.com/cockroachdb/pebble"

	"advancechat-sync/internal/model"
)

// Cache keeps the last known conversations and message pages per user so a
// restarted client has something to show before the first fetch returns.
type Cache struct {
	db *pebble.DB
}

func Open(dir string) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(dir), 0o700); err != nil {
		return nil, err
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	return &Cache{db: db}, nil
}

func (c *Cache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

func userPrefix(userID string) string { return "v1/" + userID + "/" }

func conversationsKey(userID string) []byte {
	return []byte(userPrefix(userID) + "conversations")
}

func messagesKey(userID, conversationID string) []byte {
	return []byte(userPrefix(userID) + "messages/" + conversationID)
}

func (c *Cache) SaveConversations(userID string, list []model.Conversation) error {
	return c.put(conversationsKey(userID), list)
}

// LoadConversations returns nil when nothing is cached.
func (c *Cache) LoadConversations(userID string) ([]model.Conversation, error) {
	var out []model.Conversation
	if err := c.get(conversationsKey(userID), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SaveMessages stores the confirmed messages of a conversation. Pending
// sends are left out; they belong to the session that made them.
func (c *Cache) SaveMessages(userID, conversationID string, list []model.Message) error {
	confirmed := make([]model.Message, 0, len(list))
	for _, m := range list {
		if !m.Status.Pending() {
			confirmed = append(confirmed, m)
		}
	}
	return c.put(messagesKey(userID, conversationID), confirmed)
}

func (c *Cache) LoadMessages(userID, conversationID string) ([]model.Message, error) {
	var out []model.Message
	if err := c.get(messagesKey(userID, conversationID), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Forget drops everything cached for userID.
func (c *Cache) Forget(userID string) error {
	prefix := userPrefix(userID)
	// '0' sorts right after '/', so this range covers exactly the prefix
	end := prefix[:len(prefix)-1] + "0"
	return c.db.DeleteRange([]byte(prefix), []byte(end), pebble.Sync)
}

func (c *Cache) put(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.db.Set(key, data, pebble.Sync)
}

func (c *Cache) get(key []byte, v any) error {
	data, closer, err := c.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	defer closer.Close()
	return json.Unmarshal(data, v)
}
