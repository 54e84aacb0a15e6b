package hub

import "sync"

type Writer interface {
	Write(message []byte) error
	Close() error
}

// Hub groups writers into named rooms. A writer may belong to any number of
// rooms; a failed write closes it and drops it from all of them.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[Writer]struct{}
}

func New() *Hub {
	return &Hub{rooms: make(map[string]map[Writer]struct{})}
}

// Join adds w to room and reports whether w is the room's first member.
func (h *Hub) Join(room string, w Writer) bool {
	if room == "" {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.rooms[room]
	if set == nil {
		set = make(map[Writer]struct{})
		h.rooms[room] = set
	}
	if _, ok := set[w]; ok {
		return false
	}
	set[w] = struct{}{}
	return len(set) == 1
}

// Leave removes w from room and reports whether the room became empty.
func (h *Hub) Leave(room string, w Writer) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.leaveLocked(room, w)
}

func (h *Hub) leaveLocked(room string, w Writer) bool {
	set := h.rooms[room]
	if set == nil {
		return false
	}
	if _, ok := set[w]; !ok {
		return false
	}
	delete(set, w)
	if len(set) == 0 {
		delete(h.rooms, room)
		return true
	}
	return false
}

// LeaveAll removes w from every room and returns the rooms that became empty.
func (h *Hub) LeaveAll(w Writer) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	var emptied []string
	for room := range h.rooms {
		if h.leaveLocked(room, w) {
			emptied = append(emptied, room)
		}
	}
	return emptied
}

func (h *Hub) Size(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Broadcast writes message to every member of room except the given writer,
// which may be nil.
func (h *Hub) Broadcast(room string, message []byte, except Writer) {
	h.mu.RLock()
	set := h.rooms[room]
	members := make([]Writer, 0, len(set))
	for w := range set {
		if w != except {
			members = append(members, w)
		}
	}
	h.mu.RUnlock()

	var failed []Writer
	for _, w := range members {
		if err := w.Write(message); err != nil {
			failed = append(failed, w)
		}
	}
	for _, w := range failed {
		_ = w.Close()
		h.LeaveAll(w)
	}
}
