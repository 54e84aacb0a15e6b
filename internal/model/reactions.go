package model

import "sort"

func CloneReactions(r map[string][]string) map[string][]string {
	if r == nil {
		return nil
	}
	out := make(map[string][]string, len(r))
	for k, v := range r {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// WithReaction returns m with userID added to the reaction set. The
// original message is left untouched; changed is false when userID was
// already present.
func (m Message) WithReaction(reaction, userID string) (Message, bool) {
	users := m.Reactions[reaction]
	i := sort.SearchStrings(users, userID)
	if i < len(users) && users[i] == userID {
		return m, false
	}
	next := CloneReactions(m.Reactions)
	if next == nil {
		next = make(map[string][]string, 1)
	}
	updated := make([]string, 0, len(users)+1)
	updated = append(updated, users[:i]...)
	updated = append(updated, userID)
	updated = append(updated, users[i:]...)
	next[reaction] = updated
	m.Reactions = next
	return m, true
}

func (m Message) WithoutReaction(reaction, userID string) (Message, bool) {
	users := m.Reactions[reaction]
	i := sort.SearchStrings(users, userID)
	if i >= len(users) || users[i] != userID {
		return m, false
	}
	next := CloneReactions(m.Reactions)
	updated := append(append([]string(nil), users[:i]...), users[i+1:]...)
	if len(updated) == 0 {
		delete(next, reaction)
	} else {
		next[reaction] = updated
	}
	m.Reactions = next
	return m, true
}
