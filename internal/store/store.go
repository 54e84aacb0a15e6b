package store

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"advancechat-sync/internal/model"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("forbidden")
	ErrInvalid   = errors.New("invalid request")
)

type User struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Online bool   `json:"-"`
}

type conversationRecord struct {
	ID        string                 `json:"id"`
	Type      model.ConversationType `json:"type"`
	Name      string                 `json:"name,omitempty"`
	Members   []string               `json:"members"`
	CreatedAt time.Time              `json:"createdAt"`
}

type Store struct {
	mu sync.RWMutex

	stateFile string
	persistMu sync.Mutex
	logger    *zap.Logger

	usersByID         map[string]User
	conversationsByID map[string]conversationRecord
	// conversation id -> user id -> unread count
	unread map[string]map[string]int

	messages *messageLog
}

type Options struct {
	StateFile string
	Logger    *zap.Logger
}

func New() *Store {
	return NewWithOptions(Options{})
}

func NewWithOptions(opts Options) *Store {
	s := &Store{
		stateFile:         opts.StateFile,
		logger:            opts.Logger,
		usersByID:         make(map[string]User),
		conversationsByID: make(map[string]conversationRecord),
		unread:            make(map[string]map[string]int),
		messages:          newMessageLog(),
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}

	if s.stateFile != "" {
		if err := s.loadFromFile(s.stateFile); err != nil {
			s.logger.Warn("store_load_failed", zap.String("path", s.stateFile), zap.Error(err))
		}
	}
	return s
}

type persistedState struct {
	Version       int                       `json:"version"`
	Users         []User                    `json:"users"`
	Conversations []conversationRecord      `json:"conversations"`
	Messages      []model.Message           `json:"messages"`
	Unread        map[string]map[string]int `json:"unread"`
	SavedAt       int64                     `json:"savedAt"`
}

func (s *Store) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}

	var file persistedState
	if err := json.Unmarshal(data, &file); err != nil {
		return err
	}
	if file.Version != 1 {
		return errors.New("unsupported state version")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range file.Users {
		if u.ID != "" {
			s.usersByID[u.ID] = u
		}
	}
	for _, c := range file.Conversations {
		if c.ID != "" {
			s.conversationsByID[c.ID] = c
		}
	}
	for _, m := range file.Messages {
		if _, ok := s.conversationsByID[m.ConversationID]; ok {
			s.messages.append(m)
		}
	}
	for convID, counts := range file.Unread {
		s.unread[convID] = counts
	}
	return nil
}

func (s *Store) snapshotLocked() *persistedState {
	if s.stateFile == "" {
		return nil
	}
	snap := &persistedState{Version: 1, Unread: make(map[string]map[string]int, len(s.unread))}
	for _, u := range s.usersByID {
		snap.Users = append(snap.Users, u)
	}
	sort.Slice(snap.Users, func(i, j int) bool { return snap.Users[i].ID < snap.Users[j].ID })
	for _, c := range s.conversationsByID {
		snap.Conversations = append(snap.Conversations, c)
	}
	sort.Slice(snap.Conversations, func(i, j int) bool { return snap.Conversations[i].ID < snap.Conversations[j].ID })
	for _, c := range snap.Conversations {
		snap.Messages = append(snap.Messages, s.messages.all(c.ID)...)
	}
	for convID, counts := range s.unread {
		copied := make(map[string]int, len(counts))
		for k, v := range counts {
			copied[k] = v
		}
		snap.Unread[convID] = copied
	}
	return snap
}

func (s *Store) persist(snap *persistedState) {
	path := s.stateFile
	if path == "" || snap == nil {
		return
	}

	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		s.logger.Warn("store_persist_failed", zap.String("step", "mkdir"), zap.Error(err))
		return
	}

	snap.SavedAt = time.Now().UnixMilli()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		s.logger.Warn("store_persist_failed", zap.String("step", "marshal"), zap.Error(err))
		return
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		s.logger.Warn("store_persist_failed", zap.String("step", "create_temp"), zap.Error(err))
		return
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		s.logger.Warn("store_persist_failed", zap.String("step", "chmod"), zap.Error(err))
		return
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		s.logger.Warn("store_persist_failed", zap.String("step", "write"), zap.Error(err))
		return
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		s.logger.Warn("store_persist_failed", zap.String("step", "sync"), zap.Error(err))
		return
	}
	if err := tmp.Close(); err != nil {
		s.logger.Warn("store_persist_failed", zap.String("step", "close"), zap.Error(err))
		return
	}
	if err := os.Rename(tmpName, path); err != nil {
		s.logger.Warn("store_persist_failed", zap.String("step", "rename"), zap.Error(err))
	}
}

// UpsertUser registers a user. An empty name keeps the current one.
func (s *Store) UpsertUser(id, name string) User {
	s.mu.Lock()
	u := s.usersByID[id]
	u.ID = id
	if name != "" {
		u.Name = name
	}
	if u.Name == "" {
		u.Name = id
	}
	s.usersByID[id] = u
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.persist(snap)
	return u
}

func (s *Store) GetUser(id string) (User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.usersByID[id]
	return u, ok
}

// SearchUsers matches query against user ids and names, case-insensitively.
// An empty query matches nobody.
func (s *Store) SearchUsers(query string, limit int) []User {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []User
	for _, u := range s.usersByID {
		if strings.Contains(strings.ToLower(u.ID), query) || strings.Contains(strings.ToLower(u.Name), query) {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// SetOnline records presence and reports whether it changed.
func (s *Store) SetOnline(userID string, online bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.usersByID[userID]
	if !ok || u.Online == online {
		return false
	}
	u.Online = online
	s.usersByID[userID] = u
	return true
}

func (s *Store) CreateConversation(creatorID string, typ model.ConversationType, name string, memberIDs []string, now time.Time) (model.Conversation, error) {
	if typ == "" {
		typ = model.ConversationDirect
	}
	if typ != model.ConversationDirect && typ != model.ConversationGroup {
		return model.Conversation{}, ErrInvalid
	}

	members := []string{creatorID}
	seen := map[string]bool{creatorID: true}
	for _, id := range memberIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		members = append(members, id)
	}
	if len(members) < 2 {
		return model.Conversation{}, ErrInvalid
	}
	if typ == model.ConversationDirect && len(members) != 2 {
		return model.Conversation{}, ErrInvalid
	}

	s.mu.Lock()
	for _, id := range members {
		if _, ok := s.usersByID[id]; !ok {
			s.mu.Unlock()
			return model.Conversation{}, ErrNotFound
		}
	}
	rec := conversationRecord{ID: uuid.NewString(), Type: typ, Name: name, Members: members, CreatedAt: now}
	s.conversationsByID[rec.ID] = rec
	view := s.viewLocked(rec, creatorID)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.persist(snap)
	return view, nil
}

func (s *Store) RenameConversation(userID, conversationID, name string) (model.Conversation, error) {
	s.mu.Lock()
	rec, err := s.memberConversationLocked(userID, conversationID)
	if err != nil {
		s.mu.Unlock()
		return model.Conversation{}, err
	}
	rec.Name = name
	s.conversationsByID[rec.ID] = rec
	view := s.viewLocked(rec, userID)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.persist(snap)
	return view, nil
}

// DeleteConversation removes the conversation and returns its members.
func (s *Store) DeleteConversation(userID, conversationID string) ([]string, error) {
	s.mu.Lock()
	rec, err := s.memberConversationLocked(userID, conversationID)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	delete(s.conversationsByID, rec.ID)
	delete(s.unread, rec.ID)
	s.messages.deleteConversation(rec.ID)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.persist(snap)
	return append([]string(nil), rec.Members...), nil
}

func (s *Store) memberConversationLocked(userID, conversationID string) (conversationRecord, error) {
	rec, ok := s.conversationsByID[conversationID]
	if !ok {
		return conversationRecord{}, ErrNotFound
	}
	for _, id := range rec.Members {
		if id == userID {
			return rec, nil
		}
	}
	return conversationRecord{}, ErrForbidden
}

func (s *Store) IsMember(userID, conversationID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, err := s.memberConversationLocked(userID, conversationID)
	return err == nil
}

func (s *Store) Members(conversationID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.conversationsByID[conversationID].Members...)
}

// Contacts lists every user sharing at least one conversation with userID.
func (s *Store) Contacts(userID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, rec := range s.conversationsByID {
		member := false
		for _, id := range rec.Members {
			if id == userID {
				member = true
				break
			}
		}
		if !member {
			continue
		}
		for _, id := range rec.Members {
			if id != userID && !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	sort.Strings(out)
	return out
}

func (s *Store) viewLocked(rec conversationRecord, userID string) model.Conversation {
	c := model.Conversation{
		ID:           rec.ID,
		Type:         rec.Type,
		Name:         rec.Name,
		Participants: make([]model.Participant, 0, len(rec.Members)),
		UnreadCount:  s.unread[rec.ID][userID],
	}
	for _, id := range rec.Members {
		u := s.usersByID[id]
		c.Participants = append(c.Participants, model.Participant{UserID: id, Name: u.Name, IsOnline: u.Online})
	}
	if last, ok := s.messages.last(rec.ID); ok {
		c.LastMessage = &last
	}
	return c
}

func (s *Store) GetConversation(userID, conversationID string) (model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, err := s.memberConversationLocked(userID, conversationID)
	if err != nil {
		return model.Conversation{}, err
	}
	return s.viewLocked(rec, userID), nil
}

// ListConversations returns the user's conversations, most recent first.
func (s *Store) ListConversations(userID string) []model.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Conversation
	for _, rec := range s.conversationsByID {
		if _, err := s.memberConversationLocked(userID, rec.ID); err != nil {
			continue
		}
		out = append(out, s.viewLocked(rec, userID))
	}
	sort.Slice(out, func(i, j int) bool {
		ai, aj := out[i].LastActivity(), out[j].LastActivity()
		if ai.Equal(aj) {
			return out[i].ID < out[j].ID
		}
		return ai.After(aj)
	})
	return out
}

// AppendMessage stores a text message and bumps the unread counter of
// every other member.
func (s *Store) AppendMessage(userID, conversationID, text, clientID string, now time.Time) (model.Message, error) {
	if text == "" {
		return model.Message{}, ErrInvalid
	}

	s.mu.Lock()
	rec, err := s.memberConversationLocked(userID, conversationID)
	if err != nil {
		s.mu.Unlock()
		return model.Message{}, err
	}
	sender := s.usersByID[userID]
	msg := model.Message{
		ID:             uuid.NewString(),
		ClientID:       clientID,
		ConversationID: rec.ID,
		Sender:         model.User{ID: sender.ID, Name: sender.Name},
		Content:        model.Content{Type: "text", Text: text},
		Timestamp:      s.messages.nextTimestamp(rec.ID, now),
		Status:         model.StatusSent,
	}
	s.messages.append(msg)

	counts := s.unread[rec.ID]
	if counts == nil {
		counts = make(map[string]int)
		s.unread[rec.ID] = counts
	}
	for _, id := range rec.Members {
		if id != userID {
			counts[id]++
		}
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.persist(snap)
	return msg, nil
}

// ListMessages pages backwards from the newest message. Page 1 holds the
// latest limit messages; each page is returned in chronological order.
func (s *Store) ListMessages(userID, conversationID string, page, limit int) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, err := s.memberConversationLocked(userID, conversationID); err != nil {
		return nil, err
	}
	if page <= 0 {
		page = 1
	}
	if limit <= 0 {
		limit = 50
	}
	return s.messages.page(conversationID, page, limit), nil
}

func (s *Store) EditMessage(userID, messageID, text string) (model.Message, error) {
	if text == "" {
		return model.Message{}, ErrInvalid
	}
	return s.mutateMessage(userID, messageID, true, func(m model.Message) (model.Message, bool) {
		m.Content.Text = text
		return m, true
	})
}

func (s *Store) DeleteMessage(userID, messageID string) (model.Message, error) {
	s.mu.Lock()
	m, ok := s.messages.get(messageID)
	if !ok {
		s.mu.Unlock()
		return model.Message{}, ErrNotFound
	}
	if m.Sender.ID != userID {
		s.mu.Unlock()
		return model.Message{}, ErrForbidden
	}
	s.messages.remove(messageID)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.persist(snap)
	return m, nil
}

// AddReaction adds userID to the reaction set. changed is false when the
// reaction was already present.
func (s *Store) AddReaction(userID, messageID, reaction string) (model.Message, bool, error) {
	changed := false
	m, err := s.mutateMessage(userID, messageID, false, func(m model.Message) (model.Message, bool) {
		m, changed = m.WithReaction(reaction, userID)
		return m, changed
	})
	return m, changed, err
}

func (s *Store) RemoveReaction(userID, messageID, reaction string) (model.Message, bool, error) {
	changed := false
	m, err := s.mutateMessage(userID, messageID, false, func(m model.Message) (model.Message, bool) {
		m, changed = m.WithoutReaction(reaction, userID)
		return m, changed
	})
	return m, changed, err
}

func (s *Store) mutateMessage(userID, messageID string, senderOnly bool, fn func(model.Message) (model.Message, bool)) (model.Message, error) {
	s.mu.Lock()
	m, ok := s.messages.get(messageID)
	if !ok {
		s.mu.Unlock()
		return model.Message{}, ErrNotFound
	}
	if _, err := s.memberConversationLocked(userID, m.ConversationID); err != nil {
		s.mu.Unlock()
		return model.Message{}, err
	}
	if senderOnly && m.Sender.ID != userID {
		s.mu.Unlock()
		return model.Message{}, ErrForbidden
	}
	next, changed := fn(m)
	if !changed {
		s.mu.Unlock()
		return m, nil
	}
	s.messages.replace(next)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.persist(snap)
	return next, nil
}

func (s *Store) MarkRead(userID, conversationID string) error {
	s.mu.Lock()
	if _, err := s.memberConversationLocked(userID, conversationID); err != nil {
		s.mu.Unlock()
		return err
	}
	if counts := s.unread[conversationID]; counts != nil {
		delete(counts, userID)
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.persist(snap)
	return nil
}
