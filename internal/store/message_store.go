package store

import (
	"time"

	"advancechat-sync/internal/model"
)

// messageLog keeps each conversation's messages in timestamp order. It is
// guarded by Store.mu.
type messageLog struct {
	data map[string][]model.Message
	// message id -> conversation id
	index map[string]string
}

func newMessageLog() *messageLog {
	return &messageLog{
		data:  make(map[string][]model.Message),
		index: make(map[string]string),
	}
}

// nextTimestamp returns now, nudged forward so timestamps within a
// conversation are strictly increasing.
func (m *messageLog) nextTimestamp(conversationID string, now time.Time) time.Time {
	now = now.UTC().Truncate(time.Millisecond)
	if last, ok := m.last(conversationID); ok && !now.After(last.Timestamp) {
		return last.Timestamp.Add(time.Millisecond)
	}
	return now
}

func (m *messageLog) append(msg model.Message) {
	m.data[msg.ConversationID] = append(m.data[msg.ConversationID], msg)
	m.index[msg.ID] = msg.ConversationID
}

func (m *messageLog) position(id string) (string, int) {
	convID, ok := m.index[id]
	if !ok {
		return "", -1
	}
	for i, msg := range m.data[convID] {
		if msg.ID == id {
			return convID, i
		}
	}
	return "", -1
}

func (m *messageLog) get(id string) (model.Message, bool) {
	convID, i := m.position(id)
	if i < 0 {
		return model.Message{}, false
	}
	return m.data[convID][i], true
}

func (m *messageLog) replace(msg model.Message) {
	convID, i := m.position(msg.ID)
	if i < 0 {
		return
	}
	m.data[convID][i] = msg
}

func (m *messageLog) remove(id string) {
	convID, i := m.position(id)
	if i < 0 {
		return
	}
	msgs := m.data[convID]
	m.data[convID] = append(msgs[:i:i], msgs[i+1:]...)
	delete(m.index, id)
}

func (m *messageLog) last(conversationID string) (model.Message, bool) {
	msgs := m.data[conversationID]
	if len(msgs) == 0 {
		return model.Message{}, false
	}
	return msgs[len(msgs)-1], true
}

func (m *messageLog) all(conversationID string) []model.Message {
	return append([]model.Message(nil), m.data[conversationID]...)
}

func (m *messageLog) page(conversationID string, page, limit int) []model.Message {
	msgs := m.data[conversationID]
	end := len(msgs) - (page-1)*limit
	if end <= 0 {
		return []model.Message{}
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	return append([]model.Message(nil), msgs[start:end]...)
}

func (m *messageLog) deleteConversation(conversationID string) {
	for _, msg := range m.data[conversationID] {
		delete(m.index, msg.ID)
	}
	delete(m.data, conversationID)
}
