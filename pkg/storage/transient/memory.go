// SPDX-FileCopyrightText: Copyright 2026 DarkAuth Contributors
// SPDX-License-Identifier: Apache-2.0

// Package transient holds the short-lived OPAQUE login state between the
// start and finish requests of a handshake. Entries are single-use, expire
// on their own, and never reach the relational store. The in-memory
// implementation serves single-node deployments; the Redis one lets several
// nodes share a login handshake.
package transient

import (
	"context"
	"sync"
	"time"

	"github.com/darkauth/darkauth/pkg/storage"
)

// DefaultCleanupInterval is how often the background cleanup runs.
const DefaultCleanupInterval = 30 * time.Second

// timedEntry wraps serialized state with its expiry for TTL tracking.
type timedEntry struct {
	state     []byte
	expiresAt time.Time
}

// MemoryStore implements storage.TransientLoginStore with an in-memory map.
// It is safe for concurrent use.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]timedEntry

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	cleanupDone     chan struct{}
}

// MemoryStoreOption configures a MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithCleanupInterval sets a custom cleanup interval.
func WithCleanupInterval(interval time.Duration) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.cleanupInterval = interval
	}
}

// NewMemoryStore creates a MemoryStore and starts its background cleanup
// goroutine.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		entries:         make(map[string]timedEntry),
		cleanupInterval: DefaultCleanupInterval,
		stopCleanup:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	go s.cleanupLoop()

	return s
}

var _ storage.TransientLoginStore = (*MemoryStore)(nil)

// CreateLoginState stores state under sessionID with the given TTL.
func (s *MemoryStore) CreateLoginState(_ context.Context, sessionID string, state []byte, ttl time.Duration) error {
	// Defensive copy: the caller may reuse the buffer.
	stateCopy := make([]byte, len(state))
	copy(stateCopy, state)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[sessionID] = timedEntry{
		state:     stateCopy,
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

// TakeLoginState atomically removes and returns the state for sessionID.
// Unknown, expired and already-taken sessions are indistinguishable.
func (s *MemoryStore) TakeLoginState(_ context.Context, sessionID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[sessionID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	delete(s.entries, sessionID)

	if time.Now().After(entry.expiresAt) {
		return nil, storage.ErrNotFound
	}
	return entry.state, nil
}

// Close stops the background cleanup goroutine and waits for it to finish.
func (s *MemoryStore) Close() error {
	close(s.stopCleanup)
	<-s.cleanupDone
	return nil
}

func (s *MemoryStore) cleanupLoop() {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanupExpired()
		}
	}
}

func (s *MemoryStore) cleanupExpired() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, entry := range s.entries {
		if now.After(entry.expiresAt) {
			delete(s.entries, id)
		}
	}
}
