// Package channel implements the synchronization engine that keeps local
// conversation state consistent with the backend: the channel store, the
// event reducer, chunk coalescing, connection lifecycle, stale-state
// recovery, optimistic submission, and cancellation.
package channel

import (
	"github.com/ashureev/chansync/internal/domain"
)

// Store maps topic ids to channels. It has no locking: every access happens
// on the engine's single writer goroutine.
type Store struct {
	channels map[string]*domain.Channel
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{channels: make(map[string]*domain.Channel)}
}

// Get returns the channel for a topic, or nil.
func (s *Store) Get(topicID string) *domain.Channel {
	return s.channels[topicID]
}

// GetOrCreate returns the channel for a topic, creating it on first
// activation.
func (s *Store) GetOrCreate(topicID, sessionID string) *domain.Channel {
	if ch, ok := s.channels[topicID]; ok {
		return ch
	}
	ch := &domain.Channel{TopicID: topicID, SessionID: sessionID}
	s.channels[topicID] = ch
	return ch
}

// Delete removes the channel for a topic. The caller is responsible for
// releasing the topic's transport and timers first.
func (s *Store) Delete(topicID string) {
	delete(s.channels, topicID)
}

// Topics returns the topic ids of all known channels.
func (s *Store) Topics() []string {
	topics := make([]string, 0, len(s.channels))
	for id := range s.channels {
		topics = append(topics, id)
	}
	return topics
}

// BySession returns the topic ids of channels owned by a session.
func (s *Store) BySession(sessionID string) []string {
	var topics []string
	for id, ch := range s.channels {
		if ch.SessionID == sessionID {
			topics = append(topics, id)
		}
	}
	return topics
}
