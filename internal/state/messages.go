package state

import (
	"sort"

	"advancechat-sync/internal/model"
)

type UpsertResult int

const (
	Ignored UpsertResult = iota
	Inserted
	Merged
	// ReplacedPending means the record replaced an optimistic message whose
	// temporary id matched the incoming client id.
	ReplacedPending
)

// ReplaceMessages installs list as the message history of the open
// conversation, ordered by timestamp.
func (s State) ReplaceMessages(list []model.Message) State {
	next := append([]model.Message(nil), list...)
	sort.SliceStable(next, func(i, j int) bool {
		return next[i].Timestamp.Before(next[j].Timestamp)
	})
	s.Messages = next
	return s
}

func (s State) withMessage(i int, m model.Message) State {
	next := append([]model.Message(nil), s.Messages...)
	next[i] = m
	s.Messages = next
	return s
}

func (s State) withoutMessage(i int) State {
	next := make([]model.Message, 0, len(s.Messages)-1)
	next = append(next, s.Messages[:i]...)
	next = append(next, s.Messages[i+1:]...)
	s.Messages = next
	return s
}

func (s State) insertMessage(m model.Message) State {
	i := sort.Search(len(s.Messages), func(i int) bool {
		return s.Messages[i].Timestamp.After(m.Timestamp)
	})
	next := make([]model.Message, 0, len(s.Messages)+1)
	next = append(next, s.Messages[:i]...)
	next = append(next, m)
	next = append(next, s.Messages[i:]...)
	s.Messages = next
	return s
}

// UpsertMessage adds or merges a message, deduplicating by server id and
// by the client id of a pending optimistic record.
func (s State) UpsertMessage(p model.MessagePatch) (State, UpsertResult) {
	if p.ID == "" || s.messageLedger.Deleted(p.ID) {
		return s, Ignored
	}
	if i := s.messageIndex(p.ID); i >= 0 {
		merged := s.Messages[i].Apply(p)
		if j := s.pendingIndex(p); j >= 0 && j != i {
			s = s.withMessage(i, merged)
			return s.withoutMessage(j), ReplacedPending
		}
		return s.withMessage(i, merged), Merged
	}
	s.messageLedger = s.messageLedger.track(p.ID)
	if j := s.pendingIndex(p); j >= 0 {
		m := s.Messages[j].Apply(p)
		if p.Status == nil {
			m.Status = model.StatusSent
		}
		s = s.withoutMessage(j)
		return s.insertMessage(m), ReplacedPending
	}
	m := p.Message()
	if m.Status == "" {
		m.Status = model.StatusSent
	}
	return s.insertMessage(m), Inserted
}

// HydrateMessages installs cached history when the open conversation shows
// nothing yet. Like conversations, cached messages count as snapshot data.
func (s State) HydrateMessages(list []model.Message) (State, bool) {
	if len(s.Messages) > 0 || len(list) == 0 {
		return s, false
	}
	next := make([]model.Message, 0, len(list))
	for _, m := range list {
		if m.ConversationID == s.ActiveConversationID && !s.messageLedger.Deleted(m.ID) {
			next = append(next, m)
		}
	}
	if len(next) == 0 {
		return s, false
	}
	return s.ReplaceMessages(next), true
}

func (s State) pendingIndex(p model.MessagePatch) int {
	if p.ClientID == nil || *p.ClientID == "" {
		return -1
	}
	i := s.messageIndex(*p.ClientID)
	if i < 0 || !s.Messages[i].Status.Pending() {
		return -1
	}
	return i
}

// PatchMessage merges p into an existing message. Unknown ids are ignored.
func (s State) PatchMessage(p model.MessagePatch) (State, bool) {
	i := s.messageIndex(p.ID)
	if i < 0 {
		return s, false
	}
	return s.withMessage(i, s.Messages[i].Apply(p)), true
}

// RemoveMessage deletes id and remembers the deletion for the rest of the
// session, so a snapshot fetched earlier cannot bring it back.
func (s State) RemoveMessage(id string) (State, bool) {
	if id == "" || s.messageLedger.Deleted(id) {
		return s, false
	}
	s.messageLedger = s.messageLedger.tombstone(id)
	if i := s.messageIndex(id); i >= 0 {
		return s.withoutMessage(i), true
	}
	return s, true
}

// AddPending appends an optimistic message to the open conversation.
func (s State) AddPending(m model.Message) State {
	m.Status = model.StatusSending
	if i := s.messageIndex(m.ID); i >= 0 {
		return s.withMessage(i, m)
	}
	return s.insertMessage(m)
}

// ConfirmPending swaps the optimistic record tempID for the server copy.
// If the server copy already arrived through the push channel the
// optimistic record is simply dropped.
func (s State) ConfirmPending(tempID string, confirmed model.Message) State {
	if confirmed.Status == "" || confirmed.Status.Pending() {
		confirmed.Status = model.StatusSent
	}
	if confirmed.ClientID == "" {
		confirmed.ClientID = tempID
	}
	if i := s.messageIndex(tempID); i >= 0 {
		s = s.withoutMessage(i)
	}
	if i := s.messageIndex(confirmed.ID); i >= 0 {
		return s.withMessage(i, s.Messages[i].Apply(confirmed.Patch()))
	}
	if confirmed.ConversationID != "" && confirmed.ConversationID != s.ActiveConversationID {
		return s
	}
	s.messageLedger = s.messageLedger.track(confirmed.ID)
	return s.insertMessage(confirmed)
}

func (s State) SetMessageStatus(id string, status model.MessageStatus) (State, bool) {
	i := s.messageIndex(id)
	if i < 0 || s.Messages[i].Status == status {
		return s, false
	}
	m := s.Messages[i]
	m.Status = status
	return s.withMessage(i, m), true
}

func (s State) AddReaction(messageID, reaction, userID string) (State, bool) {
	i := s.messageIndex(messageID)
	if i < 0 {
		return s, false
	}
	m, changed := s.Messages[i].WithReaction(reaction, userID)
	if !changed {
		return s, false
	}
	return s.withMessage(i, m), true
}

func (s State) RemoveReaction(messageID, reaction, userID string) (State, bool) {
	i := s.messageIndex(messageID)
	if i < 0 {
		return s, false
	}
	m, changed := s.Messages[i].WithoutReaction(reaction, userID)
	if !changed {
		return s, false
	}
	return s.withMessage(i, m), true
}
