package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Provider supplies the bearer token and is told when the backend rejects
// it.
type Provider interface {
	Token() string
	OnUnauthorized()
}

// Static holds a token in memory, for tokens passed on the command line or
// through the environment.
type Static struct {
	mu       sync.Mutex
	token    string
	onLogout func()
}

func NewStatic(token string, onLogout func()) *Static {
	return &Static{token: token, onLogout: onLogout}
}

func (s *Static) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

func (s *Static) OnUnauthorized() {
	s.mu.Lock()
	s.token = ""
	fn := s.onLogout
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

type fileState struct {
	Token   string `json:"token"`
	UserID  string `json:"userId,omitempty"`
	SavedAt int64  `json:"savedAt"`
}

// File persists the token as JSON and forgets it when the backend rejects
// it.
type File struct {
	path     string
	onLogout func()

	mu    sync.Mutex
	state fileState
}

// OpenFile loads the session file at path. A missing file is an empty,
// logged out session.
func OpenFile(path string, onLogout func()) (*File, error) {
	f := &File{path: path, onLogout: onLogout}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session file: %w", err)
	}
	if err := json.Unmarshal(data, &f.state); err != nil {
		return nil, fmt.Errorf("parse session file: %w", err)
	}
	return f, nil
}

func (f *File) Token() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state.Token
}

// Save stores a new token.
func (f *File) Save(token, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = fileState{Token: token, UserID: userID, SavedAt: time.Now().UnixMilli()}
	return f.writeLocked()
}

// OnUnauthorized clears the stored token and runs the logout hook.
func (f *File) OnUnauthorized() {
	f.mu.Lock()
	f.state = fileState{}
	_ = os.Remove(f.path)
	f.mu.Unlock()
	if f.onLogout != nil {
		f.onLogout()
	}
}

func (f *File) writeLocked() error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	data, err := json.MarshalIndent(f.state, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp session file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, f.path)
}
