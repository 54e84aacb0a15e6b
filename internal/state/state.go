package state

import (
	"sort"
	"time"

	"advancechat-sync/internal/model"
)

type Settings struct {
	SoundEnabled         bool
	NotificationsEnabled bool
}

// State is an immutable snapshot of the chat data. Reducers never mutate
// the receiver's slices or maps; they copy what they change and return the
// new value. Callers holding a State must treat it as read-only.
type State struct {
	Session              model.Session
	Conversations        []model.Conversation
	ActiveConversationID string
	Messages             []model.Message
	Typing               map[string]map[string]time.Time
	Call                 model.Call
	Settings             Settings

	// message ids already counted into a conversation's unread counter
	counted map[string]map[string]struct{}

	messageLedger      Ledger
	conversationLedger Ledger
}

func Empty(settings Settings) State {
	return State{Settings: settings, Call: model.Call{State: model.CallIdle}}
}

func (s State) conversationIndex(id string) int {
	for i := range s.Conversations {
		if s.Conversations[i].ID == id {
			return i
		}
	}
	return -1
}

func (s State) messageIndex(id string) int {
	for i := range s.Messages {
		if s.Messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (s State) Conversation(id string) (model.Conversation, bool) {
	if i := s.conversationIndex(id); i >= 0 {
		return s.Conversations[i], true
	}
	return model.Conversation{}, false
}

// ActiveConversation resolves the active id against the conversation list,
// so updates to the underlying conversation are visible immediately.
func (s State) ActiveConversation() (model.Conversation, bool) {
	if s.ActiveConversationID == "" {
		return model.Conversation{}, false
	}
	return s.Conversation(s.ActiveConversationID)
}

func (s State) Message(id string) (model.Message, bool) {
	if i := s.messageIndex(id); i >= 0 {
		return s.Messages[i], true
	}
	return model.Message{}, false
}

// SortedConversations orders conversations by most recent activity.
func (s State) SortedConversations() []model.Conversation {
	out := append([]model.Conversation(nil), s.Conversations...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastActivity().After(out[j].LastActivity())
	})
	return out
}

func (s State) TotalUnread() int {
	total := 0
	for _, c := range s.Conversations {
		total += c.UnreadCount
	}
	return total
}

func (s State) WithSettings(settings Settings) State {
	s.Settings = settings
	return s
}

func (s State) ReplaceConversations(list []model.Conversation) State {
	s.Conversations = append([]model.Conversation(nil), list...)
	return s
}

func (s State) withConversation(i int, c model.Conversation) State {
	next := append([]model.Conversation(nil), s.Conversations...)
	next[i] = c
	s.Conversations = next
	return s
}

// UpsertConversation inserts c at the head of the list or merges it into
// the existing record with the same id.
func (s State) UpsertConversation(p model.ConversationPatch) State {
	if p.ID == "" {
		return s
	}
	if i := s.conversationIndex(p.ID); i >= 0 {
		return s.withConversation(i, s.Conversations[i].Apply(p))
	}
	next := make([]model.Conversation, 0, len(s.Conversations)+1)
	next = append(next, p.Conversation())
	next = append(next, s.Conversations...)
	s.Conversations = next
	s.conversationLedger = s.conversationLedger.track(p.ID)
	return s
}

// HydrateConversations installs a cached list when nothing is loaded yet.
// Cached records count as snapshot data, so the next fetch may drop them.
func (s State) HydrateConversations(list []model.Conversation) (State, bool) {
	if len(s.Conversations) > 0 || len(list) == 0 {
		return s, false
	}
	next := make([]model.Conversation, 0, len(list))
	for _, c := range list {
		if !s.conversationLedger.Deleted(c.ID) {
			next = append(next, c)
		}
	}
	s.Conversations = next
	return s, true
}

// PatchConversation merges p into an existing conversation. Unknown ids are
// ignored.
func (s State) PatchConversation(p model.ConversationPatch) (State, bool) {
	i := s.conversationIndex(p.ID)
	if i < 0 {
		return s, false
	}
	return s.withConversation(i, s.Conversations[i].Apply(p)), true
}

// RemoveConversation deletes id and remembers the deletion for the rest of
// the session. Removing an id never seen before still records it.
func (s State) RemoveConversation(id string) (State, bool) {
	if id == "" {
		return s, false
	}
	i := s.conversationIndex(id)
	if i < 0 && s.ActiveConversationID != id && s.conversationLedger.Deleted(id) {
		return s, false
	}
	s.conversationLedger = s.conversationLedger.tombstone(id)
	if i >= 0 {
		next := make([]model.Conversation, 0, len(s.Conversations)-1)
		next = append(next, s.Conversations[:i]...)
		next = append(next, s.Conversations[i+1:]...)
		s.Conversations = next
	}
	if s.ActiveConversationID == id {
		s.ActiveConversationID = ""
		s.Messages = nil
	}
	if _, ok := s.Typing[id]; ok {
		s.Typing = cloneTyping(s.Typing)
		delete(s.Typing, id)
	}
	s.counted = withoutCounted(s.counted, id)
	return s, true
}

// SetActiveConversation switches the open conversation. Switching clears
// the message list and marks the target conversation as read.
func (s State) SetActiveConversation(id string) State {
	if s.ActiveConversationID != id {
		s.Messages = nil
		s.messageLedger = s.messageLedger.forgetUnconfirmed()
	}
	s.ActiveConversationID = id
	if id == "" {
		return s
	}
	return s.MarkRead(id)
}

func (s State) MarkRead(id string) State {
	if i := s.conversationIndex(id); i >= 0 && s.Conversations[i].UnreadCount != 0 {
		c := s.Conversations[i]
		c.UnreadCount = 0
		s = s.withConversation(i, c)
	}
	s.counted = withoutCounted(s.counted, id)
	return s
}

// IncrementUnread counts messageID once into the conversation's unread
// counter. Repeated deliveries of the same message are ignored.
func (s State) IncrementUnread(conversationID, messageID string) (State, bool) {
	i := s.conversationIndex(conversationID)
	if i < 0 {
		return s, false
	}
	if _, seen := s.counted[conversationID][messageID]; seen {
		return s, false
	}
	c := s.Conversations[i]
	c.UnreadCount++
	s = s.withConversation(i, c)

	counted := make(map[string]map[string]struct{}, len(s.counted)+1)
	for k, v := range s.counted {
		counted[k] = v
	}
	ids := make(map[string]struct{}, len(s.counted[conversationID])+1)
	for k := range s.counted[conversationID] {
		ids[k] = struct{}{}
	}
	ids[messageID] = struct{}{}
	counted[conversationID] = ids
	s.counted = counted
	return s, true
}

// TouchLastMessage records m as the conversation's last message unless a
// newer one is already known.
func (s State) TouchLastMessage(m model.Message) State {
	i := s.conversationIndex(m.ConversationID)
	if i < 0 {
		return s
	}
	c := s.Conversations[i]
	if c.LastMessage != nil && c.LastMessage.ID != m.ID && c.LastMessage.Timestamp.After(m.Timestamp) {
		return s
	}
	lm := m
	c.LastMessage = &lm
	return s.withConversation(i, c)
}

// SetPresence flips the online flag of userID in every conversation that
// contains it, in a single pass over the list.
func (s State) SetPresence(userID string, online bool) (State, int) {
	var next []model.Conversation
	touched := 0
	for i, c := range s.Conversations {
		changed := false
		var participants []model.Participant
		for j, p := range c.Participants {
			if p.UserID != userID || p.IsOnline == online {
				continue
			}
			if participants == nil {
				participants = append([]model.Participant(nil), c.Participants...)
			}
			participants[j].IsOnline = online
			changed = true
		}
		if !changed {
			continue
		}
		if next == nil {
			next = append([]model.Conversation(nil), s.Conversations...)
		}
		c.Participants = participants
		next[i] = c
		touched++
	}
	if next != nil {
		s.Conversations = next
	}
	return s, touched
}

func withoutCounted(counted map[string]map[string]struct{}, conversationID string) map[string]map[string]struct{} {
	if _, ok := counted[conversationID]; !ok {
		return counted
	}
	next := make(map[string]map[string]struct{}, len(counted))
	for k, v := range counted {
		if k != conversationID {
			next[k] = v
		}
	}
	return next
}
