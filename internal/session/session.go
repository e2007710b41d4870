// Package session binds conversations to remote upstream sessions and
// manages the files attached to them.
package session

import (
	"strings"
	"sync"
	"time"
)

// Session is a remote session created by one account.
type Session struct {
	// Name is the opaque session name returned by the upstream.
	Name        string
	AccountName string
	ConfigID    string
	CreatedAt   time.Time

	mu         sync.Mutex
	lastUsedAt time.Time
	fileIDs    []string
	delivered  map[string]bool
	turns      int
}

func newSession(name, accountName, configID string, now time.Time) *Session {
	return &Session{
		Name:        name,
		AccountName: accountName,
		ConfigID:    configID,
		CreatedAt:   now,
		lastUsedAt:  now,
	}
}

// ID returns the last path segment of the session name.
func (s *Session) ID() string {
	if i := strings.LastIndex(s.Name, "/"); i >= 0 {
		return s.Name[i+1:]
	}
	return s.Name
}

// LastUsedAt returns when the session was last handed out.
func (s *Session) LastUsedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsedAt
}

// FileIDs returns the ids of files uploaded into the session.
func (s *Session) FileIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.fileIDs...)
}

// Expired reports whether the session has been idle longer than ttl.
func (s *Session) Expired(now time.Time, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastUsedAt) > ttl
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastUsedAt = now
}

func (s *Session) addFile(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fileIDs = append(s.fileIDs, id)
}

// CompleteTurn records a chat turn that finished in the session.
func (s *Session) CompleteTurn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns++
}

// Turns returns how many chat turns finished in the session.
func (s *Session) Turns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turns
}

// MarkDelivered records that a generated file has been returned to the client.
func (s *Session) MarkDelivered(fileID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.delivered == nil {
		s.delivered = make(map[string]bool)
	}
	s.delivered[fileID] = true
}

// Delivered reports whether a generated file was already returned in an
// earlier turn of the conversation.
func (s *Session) Delivered(fileID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delivered[fileID]
}
