package state

import (
	"sync"

	"advancechat-sync/internal/model"
)

// Store owns the current State. Writers are serialized and subscribers run
// on the writer's goroutine after the new state is published; they may read
// the store but must not update it.
type Store struct {
	writeMu sync.Mutex

	mu    sync.RWMutex
	state State
	epoch uint64

	subMu   sync.Mutex
	subs    map[int]func(State)
	nextSub int
}

func NewStore(settings Settings) *Store {
	return &Store{
		state: Empty(settings),
		subs:  make(map[int]func(State)),
	}
}

func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Epoch identifies the current session. It changes on every Reset, which
// lets late asynchronous results detect that they belong to an old session.
func (s *Store) Epoch() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epoch
}

func (s *Store) Update(fn func(State) State) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.commit(fn(s.Snapshot()))
}

// UpdateIf commits the state returned by fn only when fn reports a change.
// Subscribers are not notified for no-op reductions.
func (s *Store) UpdateIf(fn func(State) (State, bool)) bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	next, changed := fn(s.Snapshot())
	if changed {
		s.commit(next)
	}
	return changed
}

// UpdateIfEpoch applies fn only while the session epoch is unchanged.
func (s *Store) UpdateIfEpoch(epoch uint64, fn func(State) State) bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.Epoch() != epoch {
		return false
	}
	s.commit(fn(s.Snapshot()))
	return true
}

// Reset clears all chat data for a new session and returns its epoch.
// Settings survive the reset.
func (s *Store) Reset(session model.Session) uint64 {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	next := Empty(s.Snapshot().Settings)
	next.Session = session
	s.mu.Lock()
	s.epoch++
	epoch := s.epoch
	s.mu.Unlock()
	s.commit(next)
	return epoch
}

func (s *Store) commit(next State) {
	s.mu.Lock()
	s.state = next
	s.mu.Unlock()

	s.subMu.Lock()
	subs := make([]func(State), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.subMu.Unlock()
	for _, fn := range subs {
		fn(next)
	}
}

func (s *Store) Subscribe(fn func(State)) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}
