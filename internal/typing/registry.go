package typing

import (
	"sort"

	"github.com/fathima-sithara/messaging-core/internal/syncx"
)

// Registry holds who is typing in which conversation. Nothing expires on
// its own: entries go away on an explicit stop or on disconnect.
//
// Writes for one user hold that user's lock so both indexes change
// together; a disconnect can never leave a mark behind.
type Registry struct {
	byConv *syncx.Sets[string] // conversation id -> user ids
	byUser *syncx.Sets[string] // user id -> conversation ids
	users  *syncx.KeyedMutex
}

func NewRegistry() *Registry {
	return &Registry{
		byConv: syncx.NewSets[string](),
		byUser: syncx.NewSets[string](),
		users:  syncx.NewKeyedMutex(),
	}
}

// Start marks userID as typing and reports whether that is a change.
func (r *Registry) Start(conversationID, userID string) bool {
	unlock := r.users.Lock(userID)
	defer unlock()
	if !r.byConv.Add(conversationID, userID) {
		return false
	}
	r.byUser.Add(userID, conversationID)
	return true
}

// Stop clears the mark and reports whether one was set.
func (r *Registry) Stop(conversationID, userID string) bool {
	unlock := r.users.Lock(userID)
	defer unlock()
	if !r.byConv.Remove(conversationID, userID) {
		return false
	}
	r.byUser.Remove(userID, conversationID)
	return true
}

// RemoveUser clears userID everywhere and returns the conversations whose
// typing set actually changed.
func (r *Registry) RemoveUser(userID string) []string {
	unlock := r.users.Lock(userID)
	defer unlock()
	var changed []string
	for _, conv := range r.byUser.Take(userID) {
		if r.byConv.Remove(conv, userID) {
			changed = append(changed, conv)
		}
	}
	sort.Strings(changed)
	return changed
}

func (r *Registry) IsTyping(conversationID, userID string) bool {
	return r.byConv.Contains(conversationID, userID)
}

// Typing returns the users typing in conversationID, sorted.
func (r *Registry) Typing(conversationID string) []string {
	users := r.byConv.Members(conversationID)
	sort.Strings(users)
	return users
}
