package state

import (
	"sort"
	"time"
)

func cloneTyping(t map[string]map[string]time.Time) map[string]map[string]time.Time {
	out := make(map[string]map[string]time.Time, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

// StartTyping marks userID as typing in conversationID until expires.
// Repeating the call only refreshes the deadline.
func (s State) StartTyping(conversationID, userID string, expires time.Time) State {
	if conversationID == "" || userID == "" {
		return s
	}
	users := make(map[string]time.Time, len(s.Typing[conversationID])+1)
	for k, v := range s.Typing[conversationID] {
		users[k] = v
	}
	users[userID] = expires
	s.Typing = cloneTyping(s.Typing)
	s.Typing[conversationID] = users
	return s
}

func (s State) StopTyping(conversationID, userID string) (State, bool) {
	if _, ok := s.Typing[conversationID][userID]; !ok {
		return s, false
	}
	users := make(map[string]time.Time, len(s.Typing[conversationID]))
	for k, v := range s.Typing[conversationID] {
		if k != userID {
			users[k] = v
		}
	}
	s.Typing = cloneTyping(s.Typing)
	if len(users) == 0 {
		delete(s.Typing, conversationID)
	} else {
		s.Typing[conversationID] = users
	}
	return s, true
}

// ExpireTyping drops every typing indicator whose deadline is not after now.
func (s State) ExpireTyping(now time.Time) (State, int) {
	removed := 0
	var next map[string]map[string]time.Time
	for conv, users := range s.Typing {
		var kept map[string]time.Time
		dropped := 0
		for user, deadline := range users {
			if !deadline.After(now) {
				dropped++
				continue
			}
			if kept == nil {
				kept = make(map[string]time.Time, len(users))
			}
			kept[user] = deadline
		}
		if dropped == 0 {
			continue
		}
		removed += dropped
		if next == nil {
			next = cloneTyping(s.Typing)
		}
		if kept == nil {
			delete(next, conv)
		} else {
			next[conv] = kept
		}
	}
	if next != nil {
		s.Typing = next
	}
	return s, removed
}

// TypingUsers lists the users currently typing in conversationID, sorted.
// Entries past their deadline are hidden even before the sweeper runs.
func (s State) TypingUsers(conversationID string, now time.Time) []string {
	users := s.Typing[conversationID]
	if len(users) == 0 {
		return nil
	}
	out := make([]string, 0, len(users))
	for user, deadline := range users {
		if deadline.After(now) {
			out = append(out, user)
		}
	}
	sort.Strings(out)
	return out
}
