package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fathima-sithara/messaging-core/internal/domain"
	"github.com/fathima-sithara/messaging-core/internal/utils"
)

// MemoryStore keeps everything in process memory. Insertion order is
// creation order.
type MemoryStore struct {
	mu     sync.RWMutex
	convs  map[string]*domain.Conversation
	byPair map[string]string
	msgs   map[string]*domain.Message
	byConv map[string][]string
	order  []string
	clock  utils.Clock
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		convs:  make(map[string]*domain.Conversation),
		byPair: make(map[string]string),
		msgs:   make(map[string]*domain.Message),
		byConv: make(map[string][]string),
	}
}

func (s *MemoryStore) EnsureConversation(ctx context.Context, a, b, listingID string) (*domain.Conversation, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	_, key := domain.Pair(a, b)

	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byPair[key]; ok {
		return s.convs[id].Clone(), false, nil
	}
	c := domain.NewConversation(uuid.NewString(), a, b, listingID, s.clock.Now())
	s.convs[c.ID] = c
	s.byPair[key] = c.ID
	return c.Clone(), true, nil
}

func (s *MemoryStore) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[id]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	return c.Clone(), nil
}

func (s *MemoryStore) ListConversations(ctx context.Context, userID string, limit int) ([]*domain.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]*domain.Conversation, 0)
	for _, c := range s.convs {
		if c.HasParticipant(userID) {
			out = append(out, c.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) AppendMessage(ctx context.Context, m *domain.Message) (*domain.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[m.ConversationID]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", m.ConversationID, ErrNotFound)
	}
	if _, dup := s.msgs[m.ID]; dup {
		return nil, fmt.Errorf("message %s already exists", m.ID)
	}
	stored := m.Clone()
	stored.Normalize()
	s.msgs[m.ID] = stored
	s.byConv[m.ConversationID] = append(s.byConv[m.ConversationID], m.ID)
	s.order = append(s.order, m.ID)

	if c.LastMessage == nil || !stored.CreatedAt.Before(c.LastMessage.CreatedAt) {
		c.LastMessage = stored.Summary()
	}
	if stored.CreatedAt.After(c.UpdatedAt) {
		c.UpdatedAt = stored.CreatedAt
	}
	for _, p := range c.Participants {
		if p != m.SenderID {
			c.UnreadCounts[p]++
		}
	}
	return c.Clone(), nil
}

func (s *MemoryStore) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.msgs[id]
	if !ok {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	return m.Clone(), nil
}

func (s *MemoryStore) ListMessages(ctx context.Context, conversationID string, before time.Time, limit int) ([]*domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byConv[conversationID]
	out := make([]*domain.Message, 0)
	for i := len(ids) - 1; i >= 0; i-- {
		m := s.msgs[ids[i]]
		if !before.IsZero() && !m.CreatedAt.Before(before) {
			continue
		}
		out = append(out, m.Clone())
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) PendingFor(ctx context.Context, userID string, limit int) ([]*domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Message, 0)
	for _, id := range s.order {
		m := s.msgs[id]
		if m.RecipientID != userID || m.Status != domain.StatusPending {
			continue
		}
		out = append(out, m.Clone())
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) MarkDelivered(ctx context.Context, messageID string, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[messageID]
	if !ok {
		return false, fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	return m.MarkDelivered(at), nil
}

func (s *MemoryStore) AddReadReceipt(ctx context.Context, messageID, userID string, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[messageID]
	if !ok {
		return false, fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	return m.AddReceipt(userID, at), nil
}

func (s *MemoryStore) MarkConversationRead(ctx context.Context, conversationID, userID string, at time.Time) (int, int, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[conversationID]
	if !ok {
		return 0, 0, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	marked := 0
	for _, id := range s.byConv[conversationID] {
		m := s.msgs[id]
		if m.SenderID != userID && m.AddReceipt(userID, at) {
			marked++
		}
	}
	previous := c.UnreadCounts[userID]
	c.UnreadCounts[userID] = 0
	return previous, marked, nil
}

func (s *MemoryStore) TotalUnread(ctx context.Context, userID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, c := range s.convs {
		if c.HasParticipant(userID) {
			total += c.UnreadCounts[userID]
		}
	}
	return total, nil
}

func (s *MemoryStore) ToggleReaction(ctx context.Context, messageID, userID, token string) (*domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[messageID]
	if !ok {
		return nil, fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	m.ToggleReaction(userID, token)
	return m.Clone(), nil
}

func (s *MemoryStore) SearchMessages(ctx context.Context, conversationID, query string, limit int) ([]*domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q := strings.ToLower(query)
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byConv[conversationID]
	out := make([]*domain.Message, 0)
	for i := len(ids) - 1; i >= 0; i-- {
		m := s.msgs[ids[i]]
		if !m.Content.Matches(q) {
			continue
		}
		out = append(out, m.Clone())
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Close(context.Context) error { return nil }
