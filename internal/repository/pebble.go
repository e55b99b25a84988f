package repository

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"

	"github.com/fathima-sithara/messaging-core/internal/apperr"
	"github.com/fathima-sithara/messaging-core/internal/domain"
	"github.com/fathima-sithara/messaging-core/internal/utils"
)

// Key layout:
//
//	conv:<id>                  conversation JSON
//	pair:<a>|<b>               conversation id
//	part:<user>:<conv>         participant index
//	msg:<id>                   stored message JSON
//	cmsg:<conv>:<seq>          message id, conversation order
//	pend:<recipient>:<seq>     message id, undelivered only
//	meta:seq                   last assigned sequence
//
// seq is a zero padded global counter so lexical order is creation order.
const seqKey = "meta:seq"

type storedMessage struct {
	Seq     uint64          `json:"seq"`
	Message *domain.Message `json:"message"`
}

// PebbleStore is an embedded single-node Store. Writes are serialised by mu
// and committed as one batch each, so every operation is all-or-nothing.
type PebbleStore struct {
	db    *pebble.DB
	mu    sync.Mutex
	seq   uint64
	clock utils.Clock
}

func OpenPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s: %w", path, err)
	}
	s := &PebbleStore{db: db}
	val, closer, err := db.Get([]byte(seqKey))
	switch {
	case err == nil:
		s.seq = binary.BigEndian.Uint64(val)
		closer.Close()
	case errors.Is(err, pebble.ErrNotFound):
	default:
		db.Close()
		return nil, err
	}
	return s, nil
}

func seqString(n uint64) string { return fmt.Sprintf("%020d", n) }

func (s *PebbleStore) getJSON(key string, v any) error {
	val, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	defer closer.Close()
	return json.Unmarshal(val, v)
}

func setJSON(b *pebble.Batch, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Set([]byte(key), data, nil)
}

// scan walks keys under prefix, newest first when reverse is set, until fn
// returns false.
func (s *PebbleStore) scan(prefix string, reverse bool, fn func(key, val []byte) bool) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: []byte(prefix + "\xff"),
	})
	if err != nil {
		return err
	}
	if reverse {
		for ok := iter.Last(); ok; ok = iter.Prev() {
			if !fn(iter.Key(), iter.Value()) {
				break
			}
		}
	} else {
		for ok := iter.First(); ok; ok = iter.Next() {
			if !fn(iter.Key(), iter.Value()) {
				break
			}
		}
	}
	return iter.Close()
}

func (s *PebbleStore) loadConversation(id string) (*domain.Conversation, error) {
	var c domain.Conversation
	if err := s.getJSON("conv:"+id, &c); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	_, c.PairKey = domain.Pair(c.Participants[0], c.Participants[1])
	if c.UnreadCounts == nil {
		c.UnreadCounts = map[string]int{}
	}
	return &c, nil
}

func (s *PebbleStore) loadMessage(id string) (*storedMessage, error) {
	var sm storedMessage
	if err := s.getJSON("msg:"+id, &sm); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	sm.Message.Normalize()
	return &sm, nil
}

func (s *PebbleStore) EnsureConversation(ctx context.Context, a, b, listingID string) (*domain.Conversation, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if strings.Contains(a, ":") || strings.Contains(b, ":") {
		return nil, false, apperr.Validation("user ids must not contain ':'")
	}
	_, key := domain.Pair(a, b)

	s.mu.Lock()
	defer s.mu.Unlock()

	val, closer, err := s.db.Get([]byte("pair:" + key))
	if err == nil {
		id := string(val)
		closer.Close()
		c, err := s.loadConversation(id)
		return c, false, err
	}
	if !errors.Is(err, pebble.ErrNotFound) {
		return nil, false, err
	}

	c := domain.NewConversation(uuid.NewString(), a, b, listingID, s.clock.Now())
	batch := s.db.NewBatch()
	defer batch.Close()
	if err := setJSON(batch, "conv:"+c.ID, c); err != nil {
		return nil, false, err
	}
	_ = batch.Set([]byte("pair:"+key), []byte(c.ID), nil)
	for _, p := range c.Participants {
		_ = batch.Set([]byte("part:"+p+":"+c.ID), nil, nil)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return nil, false, err
	}
	return c, true, nil
}

func (s *PebbleStore) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.loadConversation(id)
}

func (s *PebbleStore) conversationsOf(userID string) ([]*domain.Conversation, error) {
	prefix := "part:" + userID + ":"
	var ids []string
	err := s.scan(prefix, false, func(k, _ []byte) bool {
		ids = append(ids, strings.TrimPrefix(string(k), prefix))
		return true
	})
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Conversation, 0, len(ids))
	for _, id := range ids {
		c, err := s.loadConversation(id)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *PebbleStore) ListConversations(ctx context.Context, userID string, limit int) ([]*domain.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out, err := s.conversationsOf(userID)
	if err != nil {
		return nil, err
	}
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

func (s *PebbleStore) AppendMessage(ctx context.Context, m *domain.Message) (*domain.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.loadConversation(m.ConversationID)
	if err != nil {
		return nil, err
	}
	if _, err := s.loadMessage(m.ID); err == nil {
		return nil, fmt.Errorf("message %s already exists", m.ID)
	}

	seq := s.seq + 1
	stored := m.Clone()
	stored.Normalize()

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

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := setJSON(batch, "msg:"+m.ID, storedMessage{Seq: seq, Message: stored}); err != nil {
		return nil, err
	}
	if err := setJSON(batch, "conv:"+c.ID, c); err != nil {
		return nil, err
	}
	_ = batch.Set([]byte("cmsg:"+c.ID+":"+seqString(seq)), []byte(m.ID), nil)
	if stored.Status == domain.StatusPending {
		_ = batch.Set([]byte("pend:"+m.RecipientID+":"+seqString(seq)), []byte(m.ID), nil)
	}
	var raw [8]byte
	binary.BigEndian.PutUint64(raw[:], seq)
	_ = batch.Set([]byte(seqKey), raw[:], nil)
	if err := batch.Commit(pebble.Sync); err != nil {
		return nil, err
	}
	s.seq = seq
	return c, nil
}

func (s *PebbleStore) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sm, err := s.loadMessage(id)
	if err != nil {
		return nil, err
	}
	return sm.Message, nil
}

// collect resolves message ids found under prefix, keeping those accepted by
// keep until limit is reached.
func (s *PebbleStore) collect(prefix string, reverse bool, limit int, keep func(*domain.Message) bool) ([]*domain.Message, error) {
	out := make([]*domain.Message, 0)
	var loadErr error
	err := s.scan(prefix, reverse, func(_, val []byte) bool {
		sm, err := s.loadMessage(string(val))
		if err != nil {
			loadErr = err
			return false
		}
		if keep == nil || keep(sm.Message) {
			out = append(out, sm.Message)
		}
		return limit <= 0 || len(out) < limit
	})
	if err != nil {
		return nil, err
	}
	if loadErr != nil {
		return nil, loadErr
	}
	return out, nil
}

func (s *PebbleStore) ListMessages(ctx context.Context, conversationID string, before time.Time, limit int) ([]*domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.collect("cmsg:"+conversationID+":", true, limit, func(m *domain.Message) bool {
		return before.IsZero() || m.CreatedAt.Before(before)
	})
}

func (s *PebbleStore) PendingFor(ctx context.Context, userID string, limit int) ([]*domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.collect("pend:"+userID+":", false, limit, nil)
}

// mutateMessage applies fn to a message under the write lock and persists
// the result when fn reports a change.
func (s *PebbleStore) mutateMessage(messageID string, fn func(*domain.Message) bool, extra func(*pebble.Batch, *storedMessage)) (*domain.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sm, err := s.loadMessage(messageID)
	if err != nil {
		return nil, false, err
	}
	if !fn(sm.Message) {
		return sm.Message, false, nil
	}
	batch := s.db.NewBatch()
	defer batch.Close()
	if err := setJSON(batch, "msg:"+messageID, sm); err != nil {
		return nil, false, err
	}
	if extra != nil {
		extra(batch, sm)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return nil, false, err
	}
	return sm.Message, true, nil
}

func (s *PebbleStore) MarkDelivered(ctx context.Context, messageID string, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, changed, err := s.mutateMessage(messageID,
		func(m *domain.Message) bool { return m.MarkDelivered(at) },
		func(b *pebble.Batch, sm *storedMessage) {
			_ = b.Delete([]byte("pend:"+sm.Message.RecipientID+":"+seqString(sm.Seq)), nil)
		})
	return changed, err
}

func (s *PebbleStore) AddReadReceipt(ctx context.Context, messageID, userID string, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, changed, err := s.mutateMessage(messageID,
		func(m *domain.Message) bool { return m.AddReceipt(userID, at) }, nil)
	return changed, err
}

func (s *PebbleStore) MarkConversationRead(ctx context.Context, conversationID, userID string, at time.Time) (int, int, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.loadConversation(conversationID)
	if err != nil {
		return 0, 0, err
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	marked := 0
	var loadErr error
	err = s.scan("cmsg:"+conversationID+":", false, func(_, val []byte) bool {
		sm, err := s.loadMessage(string(val))
		if err != nil {
			loadErr = err
			return false
		}
		if sm.Message.SenderID == userID || !sm.Message.AddReceipt(userID, at) {
			return true
		}
		if loadErr = setJSON(batch, "msg:"+sm.Message.ID, sm); loadErr != nil {
			return false
		}
		marked++
		return true
	})
	if err == nil {
		err = loadErr
	}
	if err != nil {
		return 0, 0, err
	}

	previous := c.UnreadCounts[userID]
	c.UnreadCounts[userID] = 0
	if err := setJSON(batch, "conv:"+c.ID, c); err != nil {
		return 0, 0, err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, 0, err
	}
	return previous, marked, nil
}

func (s *PebbleStore) TotalUnread(ctx context.Context, userID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	convs, err := s.conversationsOf(userID)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, c := range convs {
		total += c.Unread(userID)
	}
	return total, nil
}

func (s *PebbleStore) ToggleReaction(ctx context.Context, messageID, userID, token string) (*domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m, _, err := s.mutateMessage(messageID, func(m *domain.Message) bool {
		m.ToggleReaction(userID, token)
		return true
	}, nil)
	return m, err
}

func (s *PebbleStore) SearchMessages(ctx context.Context, conversationID, query string, limit int) ([]*domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q := strings.ToLower(query)
	return s.collect("cmsg:"+conversationID+":", true, limit, func(m *domain.Message) bool {
		return m.Content.Matches(q)
	})
}

func (s *PebbleStore) Close(context.Context) error {
	return s.db.Close()
}
