package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fathima-sithara/messaging-core/internal/apperr"
	"github.com/fathima-sithara/messaging-core/internal/domain"
	"github.com/fathima-sithara/messaging-core/internal/events"
	"github.com/fathima-sithara/messaging-core/internal/hub"
	"github.com/fathima-sithara/messaging-core/internal/presence"
	"github.com/fathima-sithara/messaging-core/internal/protocol"
	"github.com/fathima-sithara/messaging-core/internal/repository"
	"github.com/fathima-sithara/messaging-core/internal/typing"
)

type fakeConn struct {
	id   string
	user string

	mu     sync.Mutex
	frames [][]byte
	full   bool
	closed bool
}

func (c *fakeConn) ID() string     { return c.id }
func (c *fakeConn) UserID() string { return c.user }

func (c *fakeConn) Send(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.full {
		return false
	}
	c.frames = append(c.frames, frame)
	return true
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeConn) setFull(full bool) {
	c.mu.Lock()
	c.full = full
	c.mu.Unlock()
}

type wireFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// of returns the payloads of every frame of type typ, in arrival order.
func (c *fakeConn) of(typ string) []json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []json.RawMessage
	for _, raw := range c.frames {
		var f wireFrame
		if err := json.Unmarshal(raw, &f); err == nil && f.Type == typ {
			out = append(out, f.Payload)
		}
	}
	return out
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.ChatEvent
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.ChatEvent) error {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

type env struct {
	t        *testing.T
	svc      *Service
	store    repository.Store
	presence *presence.Registry
	hub      *hub.Hub
	typing   *typing.Registry
	events   *recordingPublisher
}

func newEnv(t *testing.T, opts ...func(*Deps)) *env {
	t.Helper()
	e := &env{
		t:        t,
		store:    repository.NewMemoryStore(),
		presence: presence.NewRegistry(),
		hub:      hub.New(),
		typing:   typing.NewRegistry(),
		events:   &recordingPublisher{},
	}
	d := Deps{
		Store:    e.store,
		Presence: e.presence,
		Hub:      e.hub,
		Typing:   e.typing,
		Events:   e.events,
	}
	for _, o := range opts {
		o(&d)
	}
	e.store = d.Store
	e.svc = New(d)
	return e
}

// connect registers a live connection for user and subscribes it to the
// user's conversations, without flushing the backlog.
func (e *env) connect(user string) *fakeConn {
	e.t.Helper()
	c := &fakeConn{id: user + "-conn", user: user}
	e.presence.Register(user, c)
	convs, err := e.store.ListConversations(context.Background(), user, 0)
	require.NoError(e.t, err)
	for _, conv := range convs {
		e.hub.Join(conv.ID, c)
	}
	return c
}

func (e *env) open(a, b string) *domain.Conversation {
	e.t.Helper()
	conv, _, err := e.svc.Conversations.Open(context.Background(), a, b, "")
	require.NoError(e.t, err)
	return conv
}

func (e *env) send(convID, from, text string) *domain.Message {
	e.t.Helper()
	m, err := e.svc.Delivery.Send(context.Background(), convID, from, SendInput{
		Content: domain.Content{Kind: domain.KindText, Text: text},
	})
	require.NoError(e.t, err)
	return m
}

func (e *env) unread(convID, user string) int {
	e.t.Helper()
	c, err := e.store.GetConversation(context.Background(), convID)
	require.NoError(e.t, err)
	return c.Unread(user)
}

func (e *env) status(msgID string) domain.DeliveryStatus {
	e.t.Helper()
	m, err := e.store.GetMessage(context.Background(), msgID)
	require.NoError(e.t, err)
	return m.Status
}

func texts(t *testing.T, payloads []json.RawMessage) []string {
	out := make([]string, 0, len(payloads))
	for _, p := range payloads {
		out = append(out, decode[protocol.Receive](t, p).Message.Content.Text)
	}
	return out
}

func TestSendToOfflineRecipientThenFlush(t *testing.T) {
	e := newEnv(t)
	conv := e.open("alice", "bob")
	alice := e.connect("alice")

	hello := e.send(conv.ID, "alice", "hello")
	second := e.send(conv.ID, "alice", "second")

	sent := alice.of(protocol.TypeSent)
	require.Len(t, sent, 2)
	assert.Equal(t, hello.ID, decode[protocol.Sent](t, sent[0]).Message.ID)
	assert.Empty(t, alice.of(protocol.TypeDelivered))
	assert.Equal(t, domain.StatusPending, e.status(hello.ID))
	assert.Equal(t, 2, e.unread(conv.ID, "bob"))
	assert.Equal(t, 0, e.unread(conv.ID, "alice"))

	bob := e.connect("bob")
	n, err := e.svc.Delivery.FlushBacklog(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	received := bob.of(protocol.TypeReceive)
	assert.Equal(t, []string{"hello", "second"}, texts(t, received))
	first := decode[protocol.Receive](t, received[0])
	assert.Equal(t, 2, first.UnreadCount)
	assert.Equal(t, domain.StatusDelivered, first.Message.Status)

	assert.Equal(t, domain.StatusDelivered, e.status(hello.ID))
	assert.Equal(t, domain.StatusDelivered, e.status(second.ID))

	delivered := alice.of(protocol.TypeDelivered)
	require.Len(t, delivered, 2)
	assert.Equal(t, hello.ID, decode[protocol.Delivered](t, delivered[0]).MessageID)

	// nothing left to flush
	n, err = e.svc.Delivery.FlushBacklog(context.Background(), "bob")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, bob.of(protocol.TypeReceive), 2)
}

func TestSendToOnlineRecipient(t *testing.T) {
	e := newEnv(t)
	conv := e.open("alice", "bob")
	alice := e.connect("alice")
	bob := e.connect("bob")

	m, err := e.svc.Delivery.Send(context.Background(), conv.ID, "alice", SendInput{
		Content:   domain.Content{Kind: domain.KindText, Text: "hi bob"},
		ClientRef: "ref-1",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDelivered, m.Status)

	received := bob.of(protocol.TypeReceive)
	require.Len(t, received, 1)
	got := decode[protocol.Receive](t, received[0])
	assert.Equal(t, m.ID, got.Message.ID)
	assert.Equal(t, 1, got.UnreadCount)

	delivered := alice.of(protocol.TypeDelivered)
	require.Len(t, delivered, 1)
	ack := decode[protocol.Delivered](t, delivered[0])
	assert.Equal(t, "ref-1", ack.ClientRef)
	assert.Empty(t, alice.of(protocol.TypeSent))

	for _, c := range []*fakeConn{alice, bob} {
		updates := c.of(protocol.TypeChatUpdated)
		require.Len(t, updates, 1)
		u := decode[protocol.ChatUpdated](t, updates[0])
		assert.Equal(t, m.ID, u.LastMessage.ID)
		assert.Equal(t, 1, u.UnreadCounts["bob"])
	}

	assert.Equal(t, domain.StatusDelivered, e.status(m.ID))
	assert.Contains(t, e.events.types(), events.MessageSent)
	assert.Contains(t, e.events.types(), events.MessageDelivered)
}

func TestSendRejections(t *testing.T) {
	e := newEnv(t)
	conv := e.open("alice", "bob")
	alice := e.connect("alice")
	carol := e.connect("carol")

	_, err := e.svc.Delivery.Send(context.Background(), conv.ID, "carol", SendInput{
		Content: domain.Content{Kind: domain.KindText, Text: "let me in"},
	})
	assert.True(t, errors.Is(err, apperr.ErrUnauthorized))

	_, err = e.svc.Delivery.Send(context.Background(), conv.ID, "alice", SendInput{
		Content: domain.Content{Kind: domain.KindText, Text: "   "},
	})
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	_, err = e.svc.Delivery.Send(context.Background(), "missing", "alice", SendInput{
		Content: domain.Content{Kind: domain.KindText, Text: "hello"},
	})
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	assert.Zero(t, e.unread(conv.ID, "bob"))
	assert.Empty(t, alice.of(protocol.TypeChatUpdated))
	assert.Empty(t, carol.frames)
	assert.NotContains(t, e.events.types(), events.MessageSent)
}

type failingStore struct {
	repository.Store
	block bool
}

func (f *failingStore) AppendMessage(ctx context.Context, m *domain.Message) (*domain.Conversation, error) {
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return nil, errors.New("disk on fire")
}

func TestSendPersistenceFailure(t *testing.T) {
	for _, block := range []bool{false, true} {
		t.Run(fmt.Sprintf("block=%v", block), func(t *testing.T) {
			fs := &failingStore{Store: repository.NewMemoryStore(), block: block}
			e := newEnv(t, func(d *Deps) {
				d.Store = fs
				d.PersistTimeout = 20 * time.Millisecond
			})
			conv := e.open("alice", "bob")
			alice := e.connect("alice")
			bob := e.connect("bob")

			_, err := e.svc.Delivery.Send(context.Background(), conv.ID, "alice", SendInput{
				Content: domain.Content{Kind: domain.KindText, Text: "lost"},
			})
			require.Error(t, err)
			assert.True(t, errors.Is(err, apperr.ErrPersistence))
			assert.Equal(t, apperr.CodePersistence, apperr.Code(err))

			assert.Zero(t, e.unread(conv.ID, "bob"))
			assert.Empty(t, bob.of(protocol.TypeReceive))
			assert.Empty(t, alice.of(protocol.TypeSent))
			assert.Empty(t, alice.of(protocol.TypeChatUpdated))
		})
	}
}

func TestLiveSendDrainsOlderBacklogFirst(t *testing.T) {
	e := newEnv(t)
	conv := e.open("alice", "bob")
	e.connect("alice")

	e.send(conv.ID, "alice", "A")
	e.send(conv.ID, "alice", "B")

	// bob is reachable but his flush has not run yet
	bob := e.connect("bob")
	e.send(conv.ID, "alice", "C")

	assert.Equal(t, []string{"A", "B", "C"}, texts(t, bob.of(protocol.TypeReceive)))

	n, err := e.svc.Delivery.FlushBacklog(context.Background(), "bob")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, bob.of(protocol.TypeReceive), 3)
}

func TestFailedPushLeavesMessagePending(t *testing.T) {
	e := newEnv(t)
	conv := e.open("alice", "bob")
	alice := e.connect("alice")
	bob := e.connect("bob")
	bob.setFull(true)

	m := e.send(conv.ID, "alice", "are you there")
	assert.Equal(t, domain.StatusPending, e.status(m.ID))
	assert.Len(t, alice.of(protocol.TypeSent), 1)

	bob.setFull(false)
	n, err := e.svc.Delivery.FlushBacklog(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, domain.StatusDelivered, e.status(m.ID))
	assert.Len(t, alice.of(protocol.TypeDelivered), 1)
}

func TestConcurrentSendsNeverLoseIncrements(t *testing.T) {
	e := newEnv(t)
	conv := e.open("alice", "bob")
	e.connect("alice")
	bob := e.connect("bob")

	const n = 25
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.svc.Delivery.Send(context.Background(), conv.ID, "alice", SendInput{
				Content: domain.Content{Kind: domain.KindText, Text: fmt.Sprintf("m%d", i)},
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, n, e.unread(conv.ID, "bob"))
	assert.Len(t, bob.of(protocol.TypeReceive), n, "every message pushed exactly once")
}

func TestMarkMessageReadIsIdempotent(t *testing.T) {
	e := newEnv(t)
	conv := e.open("alice", "bob")
	alice := e.connect("alice")
	bob := e.connect("bob")
	m := e.send(conv.ID, "alice", "read me")

	require.NoError(t, e.svc.Tracker.MarkMessageRead(context.Background(), conv.ID, m.ID, "bob"))
	require.NoError(t, e.svc.Tracker.MarkMessageRead(context.Background(), conv.ID, m.ID, "bob"))

	stored, err := e.store.GetMessage(context.Background(), m.ID)
	require.NoError(t, err)
	require.Len(t, stored.ReadBy, 1)
	assert.Equal(t, "bob", stored.ReadBy[0].UserID)

	updates := alice.of(protocol.TypeReadUpdate)
	require.Len(t, updates, 1)
	assert.Equal(t, "bob", decode[protocol.ReadUpdate](t, updates[0]).ReaderID)
	assert.Empty(t, bob.of(protocol.TypeReadUpdate))

	// own message and outsiders
	require.NoError(t, e.svc.Tracker.MarkMessageRead(context.Background(), conv.ID, m.ID, "alice"))
	err = e.svc.Tracker.MarkMessageRead(context.Background(), conv.ID, m.ID, "carol")
	assert.True(t, errors.Is(err, apperr.ErrUnauthorized))
	err = e.svc.Tracker.MarkMessageRead(context.Background(), conv.ID, "nope", "bob")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestMarkMessageReadChecksConversation(t *testing.T) {
	e := newEnv(t)
	conv := e.open("alice", "bob")
	other := e.open("bob", "dave")
	alice := e.connect("alice")
	m := e.send(conv.ID, "alice", "read me")

	err := e.svc.Tracker.MarkMessageRead(context.Background(), other.ID, m.ID, "bob")
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	stored, err := e.store.GetMessage(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.ReadBy)
	assert.Empty(t, alice.of(protocol.TypeReadUpdate))
}

func TestMarkConversationRead(t *testing.T) {
	e := newEnv(t)
	conv := e.open("alice", "bob")
	other := e.open("bob", "dave")
	alice := e.connect("alice")
	e.send(conv.ID, "alice", "one")
	e.send(conv.ID, "alice", "two")
	e.send(other.ID, "dave", "elsewhere")
	bob := e.connect("bob")

	total, err := e.svc.Tracker.GetTotalUnread(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, 3, total)

	prev, err := e.svc.Tracker.MarkConversationRead(context.Background(), conv.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, 2, prev)

	total, err = e.svc.Tracker.GetTotalUnread(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, total, "only the other conversation still counts")

	cleared := bob.of(protocol.TypeUnreadCleared)
	require.Len(t, cleared, 1)
	assert.Equal(t, 2, decode[protocol.UnreadCleared](t, cleared[0]).PreviousCount)

	read := alice.of(protocol.TypeMessagesRead)
	require.Len(t, read, 1)
	assert.Equal(t, "bob", decode[protocol.MessagesRead](t, read[0]).ReaderID)
	assert.Empty(t, bob.of(protocol.TypeMessagesRead))

	msgs, err := e.store.ListMessages(context.Background(), conv.ID, time.Time{}, 0)
	require.NoError(t, err)
	for _, m := range msgs {
		assert.True(t, m.ReadByUser("bob"))
	}

	_, err = e.svc.Tracker.MarkConversationRead(context.Background(), conv.ID, "carol")
	assert.True(t, errors.Is(err, apperr.ErrUnauthorized))
}

func TestToggleReactionIsAnInvolution(t *testing.T) {
	e := newEnv(t)
	conv := e.open("alice", "bob")
	alice := e.connect("alice")
	bob := e.connect("bob")
	m := e.send(conv.ID, "alice", "nice")

	rs, err := e.svc.Reactions.ToggleReaction(context.Background(), m.ID, "bob", "👍")
	require.NoError(t, err)
	assert.Equal(t, []domain.Reaction{{UserID: "bob", Token: "👍"}}, rs)

	rs, err = e.svc.Reactions.ToggleReaction(context.Background(), m.ID, "bob", "👍")
	require.NoError(t, err)
	assert.Empty(t, rs)

	for _, c := range []*fakeConn{alice, bob} {
		updates := c.of(protocol.TypeReactionUpdate)
		require.Len(t, updates, 2)
		assert.Len(t, decode[protocol.ReactionUpdate](t, updates[0]).Reactions, 1)
		assert.Empty(t, decode[protocol.ReactionUpdate](t, updates[1]).Reactions)
	}

	_, err = e.svc.Reactions.ToggleReaction(context.Background(), m.ID, "carol", "👍")
	assert.True(t, errors.Is(err, apperr.ErrUnauthorized))
	_, err = e.svc.Reactions.ToggleReaction(context.Background(), m.ID, "bob", "")
	assert.True(t, errors.Is(err, apperr.ErrValidation))
}

func TestSearch(t *testing.T) {
	e := newEnv(t, func(d *Deps) { d.SearchLimit = 2 })
	conv := e.open("alice", "bob")
	e.send(conv.ID, "alice", "Lunch at noon?")
	e.send(conv.ID, "bob", "lunch sounds good")
	_, err := e.svc.Delivery.Send(context.Background(), conv.ID, "alice", SendInput{
		Content: domain.Content{Kind: domain.KindFile, FileName: "LUNCH-menu.pdf", FileURL: "https://files/menu.pdf"},
	})
	require.NoError(t, err)
	e.send(conv.ID, "bob", "unrelated")

	found, err := e.svc.Reactions.Search(context.Background(), conv.ID, "bob", "lunch")
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, "LUNCH-menu.pdf", found[0].Content.FileName)
	assert.Equal(t, "lunch sounds good", found[1].Content.Text)

	_, err = e.svc.Reactions.Search(context.Background(), conv.ID, "carol", "lunch")
	assert.True(t, errors.Is(err, apperr.ErrUnauthorized))
	_, err = e.svc.Reactions.Search(context.Background(), conv.ID, "bob", " ")
	assert.True(t, errors.Is(err, apperr.ErrValidation))
}

func TestTypingBroadcastsOnlyChanges(t *testing.T) {
	e := newEnv(t)
	conv := e.open("alice", "bob")
	alice := e.connect("alice")
	bob := e.connect("bob")
	ctx := context.Background()

	require.NoError(t, e.svc.Typing.Start(ctx, conv.ID, "bob"))
	require.NoError(t, e.svc.Typing.Start(ctx, conv.ID, "bob"))
	assert.True(t, e.typing.IsTyping(conv.ID, "bob"))

	require.NoError(t, e.svc.Typing.Stop(ctx, conv.ID, "bob"))
	require.NoError(t, e.svc.Typing.Stop(ctx, conv.ID, "bob"))
	assert.False(t, e.typing.IsTyping(conv.ID, "bob"))

	got := alice.of(protocol.TypeTypingUser)
	require.Len(t, got, 2)
	assert.True(t, decode[protocol.TypingUser](t, got[0]).IsTyping)
	assert.False(t, decode[protocol.TypingUser](t, got[1]).IsTyping)
	assert.Empty(t, bob.of(protocol.TypeTypingUser))

	assert.True(t, errors.Is(e.svc.Typing.Start(ctx, conv.ID, "carol"), apperr.ErrUnauthorized))
	assert.Empty(t, e.typing.Typing(conv.ID))
}

func TestTypingClearUser(t *testing.T) {
	e := newEnv(t)
	c1 := e.open("alice", "bob")
	c2 := e.open("bob", "dave")
	alice := e.connect("alice")
	dave := e.connect("dave")
	e.connect("bob")
	ctx := context.Background()

	require.NoError(t, e.svc.Typing.Start(ctx, c1.ID, "bob"))
	require.NoError(t, e.svc.Typing.Start(ctx, c2.ID, "bob"))

	cleared := e.svc.Typing.ClearUser("bob")
	assert.ElementsMatch(t, []string{c1.ID, c2.ID}, cleared)
	assert.Empty(t, e.typing.Typing(c1.ID))
	assert.Empty(t, e.typing.Typing(c2.ID))

	for _, c := range []*fakeConn{alice, dave} {
		got := c.of(protocol.TypeTypingUser)
		require.Len(t, got, 2)
		assert.False(t, decode[protocol.TypingUser](t, got[1]).IsTyping)
	}
}

func TestOpenConversation(t *testing.T) {
	e := newEnv(t)
	alice := e.connect("alice")

	conv, created, err := e.svc.Conversations.Open(context.Background(), "alice", "bob", "listing-9")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "listing-9", conv.ListingID)
	assert.True(t, e.hub.Subscribed(conv.ID, alice))
	assert.Len(t, alice.of(protocol.TypeConversationNew), 1)

	again, created, err := e.svc.Conversations.Open(context.Background(), "bob", "alice", "")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, conv.ID, again.ID)
	assert.Len(t, alice.of(protocol.TypeConversationNew), 1)

	_, _, err = e.svc.Conversations.Open(context.Background(), "alice", "alice", "")
	assert.True(t, errors.Is(err, apperr.ErrValidation))
	assert.Contains(t, e.events.types(), events.ChatCreated)
}

func TestListAndHistory(t *testing.T) {
	e := newEnv(t)
	c1 := e.open("alice", "bob")
	c2 := e.open("alice", "dave")
	e.connect("dave")
	e.send(c1.ID, "bob", "first")
	time.Sleep(2 * time.Millisecond)
	e.send(c2.ID, "dave", "newer")

	views, err := e.svc.Conversations.List(context.Background(), "alice", 10)
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.Equal(t, c2.ID, views[0].ID)
	assert.True(t, views[0].PeerOnline)
	assert.Equal(t, 1, views[0].UnreadCount)
	assert.False(t, views[1].PeerOnline)

	msgs, err := e.svc.Conversations.History(context.Background(), c1.ID, "alice", time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "first", msgs[0].Content.Text)

	_, err = e.svc.Conversations.History(context.Background(), c1.ID, "dave", time.Time{}, 0)
	assert.True(t, errors.Is(err, apperr.ErrUnauthorized))
}
