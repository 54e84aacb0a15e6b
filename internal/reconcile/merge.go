package reconcile

import (
	"sort"
	"time"

	"advancechat-sync/internal/model"
)

// PendingMatchWindow bounds how far apart an optimistic message and its
// server copy may be stamped for the content heuristic to pair them.
const PendingMatchWindow = 2 * time.Minute

// Provenance is what the push channel knows about a collection that a REST
// snapshot may not know yet. state.Ledger implements it.
type Provenance interface {
	Unconfirmed(id string) bool
	Deleted(id string) bool
}

type noProvenance struct{}

func (noProvenance) Unconfirmed(string) bool { return false }
func (noProvenance) Deleted(string) bool     { return false }

func orNone(p Provenance) Provenance {
	if p == nil {
		return noProvenance{}
	}
	return p
}

// MergeMessages folds a REST page into the local message list.
//
// Records are unioned by id. A local record the page lacks survives when it
// is a pending send or was added by a push or send that no snapshot has
// confirmed yet; pages lag the push channel. Other local records came from
// an earlier snapshot or the cache, and the page drops them when they fall
// inside the range it covers. Records a push deleted never come back. For
// ids on both sides the REST fields win, except fields the page left out.
// Pending records are dropped once the page holds their server copy,
// matched by client id or, for records still sending, by conversation,
// sender, text and time. pageLimit is the size of a full page; a shorter
// page covers the whole history.
func MergeMessages(local, remote []model.Message, prov Provenance, pageLimit int) ([]model.Message, int) {
	prov = orNone(prov)
	out := make([]model.Message, 0, len(local)+len(remote))
	index := make(map[string]int, len(local)+len(remote))
	for _, m := range local {
		if prov.Deleted(m.ID) {
			continue
		}
		index[m.ID] = len(out)
		out = append(out, m)
	}

	// a record already held locally has already settled its own send
	claimed := make(map[string]bool)
	inPage := make(map[string]bool, len(remote))
	confirmed := make([]model.Message, 0, len(remote))
	var oldest time.Time
	for _, r := range remote {
		if r.ID == "" || prov.Deleted(r.ID) {
			continue
		}
		if oldest.IsZero() || r.Timestamp.Before(oldest) {
			oldest = r.Timestamp
		}
		if r.Status == "" || r.Status.Pending() {
			r.Status = model.StatusSent
		}
		inPage[r.ID] = true
		if i, ok := index[r.ID]; ok {
			if !out[i].Status.Pending() {
				claimed[r.ID] = true
			}
			out[i] = out[i].Apply(r.Patch())
		} else {
			index[r.ID] = len(out)
			out = append(out, r)
		}
		confirmed = append(confirmed, r)
	}

	drop := make(map[string]bool)
	for _, r := range confirmed {
		if r.ClientID == "" || r.ClientID == r.ID {
			continue
		}
		if i, ok := index[r.ClientID]; ok && out[i].Status.Pending() {
			drop[r.ClientID] = true
			claimed[r.ID] = true
		}
	}
	for _, m := range out {
		if m.Status != model.StatusSending || drop[m.ID] {
			continue
		}
		for _, r := range confirmed {
			if claimed[r.ID] || r.ID == m.ID || !sameSend(m, r) {
				continue
			}
			drop[m.ID] = true
			claimed[r.ID] = true
			break
		}
	}
	replaced := len(drop)

	complete := pageLimit <= 0 || len(remote) < pageLimit
	for _, m := range out {
		if inPage[m.ID] || drop[m.ID] || m.Status.Pending() || prov.Unconfirmed(m.ID) {
			continue
		}
		if complete || !m.Timestamp.Before(oldest) {
			drop[m.ID] = true
		}
	}

	if len(drop) > 0 {
		kept := out[:0]
		for _, m := range out {
			if !drop[m.ID] {
				kept = append(kept, m)
			}
		}
		out = kept
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, replaced
}

// MessageIDs lists the ids of list.
func MessageIDs(list []model.Message) []string {
	out := make([]string, 0, len(list))
	for _, m := range list {
		out = append(out, m.ID)
	}
	return out
}

func sameSend(pending, confirmed model.Message) bool {
	if pending.ConversationID != confirmed.ConversationID ||
		pending.Sender.ID != confirmed.Sender.ID ||
		pending.Content.Text != confirmed.Content.Text {
		return false
	}
	d := confirmed.Timestamp.Sub(pending.Timestamp)
	if d < 0 {
		d = -d
	}
	return d <= PendingMatchWindow
}

// MergeConversations folds a REST conversation list into the local one.
// The list is complete, so a local conversation it lacks survives only
// while it is unconfirmed. Those are kept ahead of the REST order.
// Conversations a push deleted never come back. A locally newer last
// message survives, and the open conversation stays read.
func MergeConversations(local, remote []model.Conversation, activeID string, prov Provenance) []model.Conversation {
	prov = orNone(prov)
	byID := make(map[string]model.Conversation, len(local))
	for _, c := range local {
		byID[c.ID] = c
	}
	seen := make(map[string]bool, len(remote))

	merged := make([]model.Conversation, 0, len(remote))
	for _, r := range remote {
		if r.ID == "" || seen[r.ID] || prov.Deleted(r.ID) {
			continue
		}
		seen[r.ID] = true
		if l, ok := byID[r.ID]; ok {
			r = mergeConversation(l, r)
		}
		if r.ID == activeID {
			r.UnreadCount = 0
		}
		merged = append(merged, r)
	}

	out := make([]model.Conversation, 0, len(local)+len(merged))
	for _, l := range local {
		if !seen[l.ID] && prov.Unconfirmed(l.ID) && !prov.Deleted(l.ID) {
			out = append(out, l)
		}
	}
	return append(out, merged...)
}

// ConversationIDs lists the ids of list.
func ConversationIDs(list []model.Conversation) []string {
	out := make([]string, 0, len(list))
	for _, c := range list {
		out = append(out, c.ID)
	}
	return out
}

func mergeConversation(local, remote model.Conversation) model.Conversation {
	if local.LastMessage == nil {
		return remote
	}
	if remote.LastMessage == nil || local.LastMessage.Timestamp.After(remote.LastMessage.Timestamp) {
		lm := *local.LastMessage
		remote.LastMessage = &lm
	}
	return remote
}
