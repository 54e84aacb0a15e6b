package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"
)

var ErrMissingID = errors.New("missing id")

// MessagePatch is a partially decoded message. Nil fields were absent from
// the payload (or unreadable) and must leave the target untouched.
type MessagePatch struct {
	ID             string
	ClientID       *string
	ConversationID *string
	Sender         *User
	Content        *Content
	Timestamp      *time.Time
	Status         *MessageStatus
	Reactions      map[string][]string
}

type ConversationPatch struct {
	ID           string
	Type         *ConversationType
	Name         *string
	Participants []Participant
	LastMessage  *Message
	UnreadCount  *int
}

func DecodeMessagePatch(data []byte) (MessagePatch, error) {
	raw, err := decodeObject(data)
	if err != nil {
		return MessagePatch{}, err
	}

	var p MessagePatch
	p.ID, _ = stringField(raw, "_id", "id")
	if p.ID == "" {
		return MessagePatch{}, ErrMissingID
	}
	if v, ok := stringField(raw, "clientId", "localId"); ok && v != "" {
		p.ClientID = &v
	}
	if v, ok := refField(raw, "conversationId", "conversation"); ok {
		p.ConversationID = &v
	}
	if u, ok := decodeUser(raw["sender"]); ok {
		p.Sender = &u
	}
	if c, ok := decodeContent(raw["content"]); ok {
		p.Content = &c
	}
	if t, ok := timeField(raw, "timestamp", "createdAt"); ok {
		p.Timestamp = &t
	}
	if v, ok := stringField(raw, "status"); ok && v != "" {
		s := MessageStatus(v)
		p.Status = &s
	}
	if r, ok := decodeReactions(raw["reactions"]); ok {
		p.Reactions = r
	}
	return p, nil
}

func DecodeConversationPatch(data []byte) (ConversationPatch, error) {
	raw, err := decodeObject(data)
	if err != nil {
		return ConversationPatch{}, err
	}

	var p ConversationPatch
	p.ID, _ = stringField(raw, "_id", "id")
	if p.ID == "" {
		return ConversationPatch{}, ErrMissingID
	}
	if v, ok := stringField(raw, "type"); ok && v != "" {
		t := ConversationType(v)
		p.Type = &t
	}
	if v, ok := stringField(raw, "name"); ok {
		p.Name = &v
	}
	if ps, ok := decodeParticipants(raw["participants"]); ok {
		p.Participants = ps
	}
	if lm, ok := raw["lastMessage"]; ok && !isNull(lm) {
		if mp, err := DecodeMessagePatch(lm); err == nil {
			m := mp.Message()
			p.LastMessage = &m
		}
	}
	if v, ok := raw["unreadCount"]; ok && !isNull(v) {
		var n int
		if json.Unmarshal(v, &n) == nil {
			p.UnreadCount = &n
		}
	}
	return p, nil
}

// DecodeID reads a bare JSON string or the first non-empty key of an object.
func DecodeID(data []byte, keys ...string) (string, bool) {
	if isNull(data) || len(data) == 0 {
		return "", false
	}
	var s string
	if json.Unmarshal(data, &s) == nil {
		return s, s != ""
	}
	raw, err := decodeObject(data)
	if err != nil {
		return "", false
	}
	return stringField(raw, keys...)
}

func (m Message) Apply(p MessagePatch) Message {
	if p.ID != "" {
		m.ID = p.ID
	}
	if p.ClientID != nil {
		m.ClientID = *p.ClientID
	}
	if p.ConversationID != nil {
		m.ConversationID = *p.ConversationID
	}
	if p.Sender != nil {
		m.Sender = *p.Sender
	}
	if p.Content != nil {
		m.Content = *p.Content
	}
	if p.Timestamp != nil {
		m.Timestamp = *p.Timestamp
	}
	if p.Status != nil {
		m.Status = *p.Status
	}
	if p.Reactions != nil {
		m.Reactions = CloneReactions(p.Reactions)
	}
	return m
}

func (p MessagePatch) Message() Message {
	return Message{}.Apply(p)
}

// Patch returns the patch that, applied to any message, yields m's fields.
func (m Message) Patch() MessagePatch {
	p := MessagePatch{ID: m.ID, Reactions: m.Reactions}
	if m.ClientID != "" {
		p.ClientID = &m.ClientID
	}
	if m.ConversationID != "" {
		p.ConversationID = &m.ConversationID
	}
	if m.Sender.ID != "" {
		p.Sender = &m.Sender
	}
	if m.Content != (Content{}) {
		p.Content = &m.Content
	}
	if !m.Timestamp.IsZero() {
		p.Timestamp = &m.Timestamp
	}
	if m.Status != "" {
		p.Status = &m.Status
	}
	return p
}

func (c Conversation) Apply(p ConversationPatch) Conversation {
	if p.ID != "" {
		c.ID = p.ID
	}
	if p.Type != nil {
		c.Type = *p.Type
	}
	if p.Name != nil {
		c.Name = *p.Name
	}
	if p.Participants != nil {
		c.Participants = append([]Participant(nil), p.Participants...)
	}
	if p.LastMessage != nil {
		lm := *p.LastMessage
		c.LastMessage = &lm
	}
	if p.UnreadCount != nil {
		c.UnreadCount = *p.UnreadCount
	}
	return c
}

func (p ConversationPatch) Conversation() Conversation {
	return Conversation{}.Apply(p)
}

func (m *Message) UnmarshalJSON(data []byte) error {
	p, err := DecodeMessagePatch(data)
	if err != nil {
		return err
	}
	*m = p.Message()
	return nil
}

func (c *Conversation) UnmarshalJSON(data []byte) error {
	p, err := DecodeConversationPatch(data)
	if err != nil {
		return err
	}
	*c = p.Conversation()
	return nil
}

func decodeObject(data []byte) (map[string]json.RawMessage, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, errors.New("expected object")
	}
	return raw, nil
}

func isNull(v json.RawMessage) bool {
	return len(bytes.TrimSpace(v)) == 0 || bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

func stringField(raw map[string]json.RawMessage, keys ...string) (string, bool) {
	for _, k := range keys {
		v, ok := raw[k]
		if !ok || isNull(v) {
			continue
		}
		var s string
		if json.Unmarshal(v, &s) == nil {
			return s, true
		}
	}
	return "", false
}

// refField reads keys that may hold either an id string or a populated object.
func refField(raw map[string]json.RawMessage, keys ...string) (string, bool) {
	for _, k := range keys {
		v, ok := raw[k]
		if !ok {
			continue
		}
		if id, ok := DecodeID(v, "_id", "id"); ok {
			return id, true
		}
	}
	return "", false
}

func timeField(raw map[string]json.RawMessage, keys ...string) (time.Time, bool) {
	for _, k := range keys {
		v, ok := raw[k]
		if !ok || isNull(v) {
			continue
		}
		var t time.Time
		if json.Unmarshal(v, &t) == nil {
			return t, true
		}
		var ms int64
		if json.Unmarshal(v, &ms) == nil {
			return time.UnixMilli(ms).UTC(), true
		}
	}
	return time.Time{}, false
}

func decodeUser(data json.RawMessage) (User, bool) {
	if isNull(data) {
		return User{}, false
	}
	var id string
	if json.Unmarshal(data, &id) == nil {
		return User{ID: id}, id != ""
	}
	raw, err := decodeObject(data)
	if err != nil {
		return User{}, false
	}
	u := User{}
	u.ID, _ = stringField(raw, "_id", "id")
	if u.ID == "" {
		return User{}, false
	}
	u.Name = displayName(raw)
	return u, true
}

func displayName(raw map[string]json.RawMessage) string {
	if name, ok := stringField(raw, "name"); ok && name != "" {
		return name
	}
	first, _ := stringField(raw, "firstName")
	last, _ := stringField(raw, "lastName")
	if full := strings.TrimSpace(first + " " + last); full != "" {
		return full
	}
	username, _ := stringField(raw, "username")
	return username
}

func decodeContent(data json.RawMessage) (Content, bool) {
	if isNull(data) {
		return Content{}, false
	}
	var text string
	if json.Unmarshal(data, &text) == nil {
		return Content{Type: "text", Text: text}, true
	}
	raw, err := decodeObject(data)
	if err != nil {
		return Content{}, false
	}
	c := Content{}
	c.Type, _ = stringField(raw, "type")
	c.Text, _ = stringField(raw, "text")
	if c.Type == "" {
		c.Type = "text"
	}
	return c, true
}

func decodeParticipants(data json.RawMessage) ([]Participant, bool) {
	if isNull(data) {
		return nil, false
	}
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, false
	}
	out := make([]Participant, 0, len(items))
	for _, item := range items {
		p, ok := decodeParticipant(item)
		if ok {
			out = append(out, p)
		}
	}
	return out, true
}

// decodeParticipant accepts a bare user id, a flat participant, or a
// participant wrapping a populated user object.
func decodeParticipant(data json.RawMessage) (Participant, bool) {
	var id string
	if json.Unmarshal(data, &id) == nil {
		return Participant{UserID: id}, id != ""
	}
	raw, err := decodeObject(data)
	if err != nil {
		return Participant{}, false
	}
	p := Participant{}
	if u, ok := decodeUser(raw["user"]); ok {
		p.UserID = u.ID
		p.Name = u.Name
	} else {
		p.UserID, _ = stringField(raw, "_id", "id", "userId")
		p.Name = displayName(raw)
	}
	if v, ok := raw["isOnline"]; ok {
		_ = json.Unmarshal(v, &p.IsOnline)
	}
	return p, p.UserID != ""
}

func decodeReactions(data json.RawMessage) (map[string][]string, bool) {
	if isNull(data) {
		return nil, false
	}
	var raw map[string][]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, false
	}
	out := make(map[string][]string, len(raw))
	for key, users := range raw {
		ids := make([]string, 0, len(users))
		for _, u := range users {
			if id, ok := DecodeID(u, "_id", "id", "userId"); ok {
				ids = append(ids, id)
			}
		}
		if set := normalizeSet(ids); len(set) > 0 {
			out[key] = set
		}
	}
	return out, true
}

func normalizeSet(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	sort.Strings(ids)
	out := ids[:1]
	for _, id := range ids[1:] {
		if id != out[len(out)-1] {
			out = append(out, id)
		}
	}
	return out
}
