package repository

import (
	"context"
	"time"

	"github.com/fathima-sithara/messaging-core/internal/apperr"
	"github.com/fathima-sithara/messaging-core/internal/domain"
)

var ErrNotFound = apperr.ErrNotFound

// Store is the persistence contract for conversations and messages.
// Implementations must apply unread increments and the per-message
// conditional transitions atomically; callers never read-modify-write them.
type Store interface {
	// EnsureConversation returns the conversation for the pair (a, b),
	// creating it on first contact. created reports whether it was new.
	EnsureConversation(ctx context.Context, a, b, listingID string) (conv *domain.Conversation, created bool, err error)
	GetConversation(ctx context.Context, id string) (*domain.Conversation, error)
	// ListConversations returns userID's conversations, most recent activity first.
	ListConversations(ctx context.Context, userID string, limit int) ([]*domain.Conversation, error)

	// AppendMessage persists m (pending), moves the conversation's last
	// message and activity timestamp, and increments the unread counter of
	// every participant other than the sender. Either all of it happens or
	// none of it does.
	AppendMessage(ctx context.Context, m *domain.Message) (*domain.Conversation, error)
	GetMessage(ctx context.Context, id string) (*domain.Message, error)
	// ListMessages pages history newest first, strictly older than before
	// when before is non-zero.
	ListMessages(ctx context.Context, conversationID string, before time.Time, limit int) ([]*domain.Message, error)
	// PendingFor lists undelivered messages addressed to userID in creation order.
	PendingFor(ctx context.Context, userID string, limit int) ([]*domain.Message, error)
	// MarkDelivered transitions a pending message; false when it was not pending.
	MarkDelivered(ctx context.Context, messageID string, at time.Time) (bool, error)

	// AddReadReceipt appends a receipt for userID; false when one existed.
	AddReadReceipt(ctx context.Context, messageID, userID string, at time.Time) (bool, error)
	// MarkConversationRead adds receipts for every message userID has not
	// read and did not send, then resets userID's unread counter. It returns
	// the counter value before the reset and the number of receipts added.
	MarkConversationRead(ctx context.Context, conversationID, userID string, at time.Time) (previous int, marked int, err error)
	TotalUnread(ctx context.Context, userID string) (int, error)

	// ToggleReaction adds or removes the (userID, token) pair and returns the
	// message with its updated reaction list.
	ToggleReaction(ctx context.Context, messageID, userID, token string) (*domain.Message, error)
	// SearchMessages matches query case-insensitively against text and file
	// names, newest first.
	SearchMessages(ctx context.Context, conversationID, query string, limit int) ([]*domain.Message, error)

	Close(ctx context.Context) error
}
