// ABOUTME: In-memory registry of conversations keyed by id
// ABOUTME: Creates, fetches, deactivates and purges stopped conversations after a retention period

package conversation

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultRetention is how long a stopped conversation stays queryable.
const DefaultRetention = 30 * time.Minute

const minPurgeInterval = time.Minute

// StoreConfig configures a Store.
type StoreConfig struct {
	// Retention after stop before a conversation is purged. Zero uses
	// DefaultRetention; a negative value disables the background purge.
	Retention time.Duration

	// OnPurge is called for every purged conversation id.
	OnPurge func(id string)

	Logger *slog.Logger
}

// Store holds conversations for the lifetime of the process.
type Store struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation

	retention time.Duration
	onPurge   func(string)
	logger    *slog.Logger
	now       func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewStore creates a Store and starts its purge loop.
func NewStore(cfg StoreConfig) *Store {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Retention == 0 {
		cfg.Retention = DefaultRetention
	}

	s := &Store{
		conversations: make(map[string]*Conversation),
		retention:     cfg.Retention,
		onPurge:       cfg.OnPurge,
		logger:        cfg.Logger.With("component", "conversation_store"),
		now:           time.Now,
		stop:          make(chan struct{}),
	}

	if cfg.Retention > 0 {
		s.wg.Add(1)
		go s.purgeLoop(max(cfg.Retention/2, minPurgeInterval))
	}
	return s
}

// Create validates both personas and stores a new active conversation.
func (s *Store) Create(left, right Persona, topic string) (*Conversation, error) {
	if err := left.Validate(); err != nil {
		return nil, fmt.Errorf("left: %w", err)
	}
	if err := right.Validate(); err != nil {
		return nil, fmt.Errorf("right: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating conversation id: %w", err)
	}

	conv := newConversation(id.String(), left, right, strings.TrimSpace(topic), s.now())

	s.mu.Lock()
	s.conversations[conv.ID] = conv
	s.mu.Unlock()

	return conv, nil
}

// Get returns the conversation with id.
func (s *Store) Get(id string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return conv, nil
}

// Deactivate stops the conversation. Reports whether it was active.
func (s *Store) Deactivate(id string) (bool, error) {
	conv, err := s.Get(id)
	if err != nil {
		return false, err
	}
	return conv.stop(s.now()), nil
}

// Delete forgets a conversation. Reports whether it existed.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[id]; !ok {
		return false
	}
	delete(s.conversations, id)
	return true
}

// List returns all conversations, oldest first.
func (s *Store) List() []*Conversation {
	s.mu.RLock()
	out := make([]*Conversation, 0, len(s.conversations))
	for _, conv := range s.conversations {
		out = append(out, conv)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len returns the number of stored conversations.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conversations)
}

// PurgeStopped deletes conversations stopped more than olderThan ago and
// returns their ids.
func (s *Store) PurgeStopped(olderThan time.Duration) []string {
	cutoff := s.now().Add(-olderThan)

	s.mu.Lock()
	var purged []string
	for id, conv := range s.conversations {
		if conv.stoppedBefore(cutoff) {
			delete(s.conversations, id)
			purged = append(purged, id)
		}
	}
	s.mu.Unlock()

	sort.Strings(purged)
	for _, id := range purged {
		if s.onPurge != nil {
			s.onPurge(id)
		}
	}
	if len(purged) > 0 {
		s.logger.Info("purged stopped conversations", "count", len(purged))
	}
	return purged
}

func (s *Store) purgeLoop(interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.PurgeStopped(s.retention)
		}
	}
}

// Close stops the purge loop.
func (s *Store) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
}
