package state

// Ledger remembers, for one collection and one session, which records the
// push channel or a local send added that no REST snapshot has returned yet,
// and which records a push deleted. Snapshots consult it so they neither
// drop records they lag behind nor bring back deleted ones.
type Ledger struct {
	unconfirmed map[string]struct{}
	deleted     map[string]struct{}
}

// Unconfirmed reports whether id was added outside a snapshot and no
// snapshot has returned it since.
func (l Ledger) Unconfirmed(id string) bool {
	_, ok := l.unconfirmed[id]
	return ok
}

// Deleted reports whether a push removed id during this session.
func (l Ledger) Deleted(id string) bool {
	_, ok := l.deleted[id]
	return ok
}

func (l Ledger) track(id string) Ledger {
	if id == "" || l.Unconfirmed(id) {
		return l
	}
	l.unconfirmed = withKey(l.unconfirmed, id)
	return l
}

func (l Ledger) confirm(ids []string) Ledger {
	var next map[string]struct{}
	for _, id := range ids {
		if !l.Unconfirmed(id) {
			continue
		}
		if next == nil {
			next = copyKeys(l.unconfirmed)
		}
		delete(next, id)
	}
	if next != nil {
		l.unconfirmed = next
	}
	return l
}

func (l Ledger) tombstone(id string) Ledger {
	if l.Unconfirmed(id) {
		next := copyKeys(l.unconfirmed)
		delete(next, id)
		l.unconfirmed = next
	}
	if !l.Deleted(id) {
		l.deleted = withKey(l.deleted, id)
	}
	return l
}

func (l Ledger) forgetUnconfirmed() Ledger {
	l.unconfirmed = nil
	return l
}

func copyKeys(m map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(m)+1)
	for k := range m {
		out[k] = struct{}{}
	}
	return out
}

func withKey(m map[string]struct{}, key string) map[string]struct{} {
	out := copyKeys(m)
	out[key] = struct{}{}
	return out
}

// MessageLedger is the ledger of the open conversation's messages.
func (s State) MessageLedger() Ledger { return s.messageLedger }

func (s State) ConversationLedger() Ledger { return s.conversationLedger }

// ConfirmMessages marks ids as returned by a snapshot.
func (s State) ConfirmMessages(ids []string) State {
	s.messageLedger = s.messageLedger.confirm(ids)
	return s
}

func (s State) ConfirmConversations(ids []string) State {
	s.conversationLedger = s.conversationLedger.confirm(ids)
	return s
}
