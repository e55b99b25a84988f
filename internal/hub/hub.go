package hub

import (
	"github.com/fathima-sithara/messaging-core/internal/syncx"
)

// Hub tracks which connections are subscribed to which conversations.
type Hub struct {
	rooms  *syncx.Sets[Conn]   // conversation id -> connections
	joined *syncx.Sets[string] // connection id -> conversation ids
}

func New() *Hub {
	return &Hub{
		rooms:  syncx.NewSets[Conn](),
		joined: syncx.NewSets[string](),
	}
}

// Join subscribes c to conversationID. It reports whether c was new there.
func (h *Hub) Join(conversationID string, c Conn) bool {
	h.joined.Add(c.ID(), conversationID)
	return h.rooms.Add(conversationID, c)
}

func (h *Hub) Leave(conversationID string, c Conn) {
	h.rooms.Remove(conversationID, c)
	h.joined.Remove(c.ID(), conversationID)
}

// LeaveAll drops every subscription of c and returns the conversations it
// was part of.
func (h *Hub) LeaveAll(c Conn) []string {
	convs := h.joined.Take(c.ID())
	for _, id := range convs {
		h.rooms.Remove(id, c)
	}
	return convs
}

func (h *Hub) Subscribed(conversationID string, c Conn) bool {
	return h.rooms.Contains(conversationID, c)
}

func (h *Hub) Members(conversationID string) []Conn {
	return h.rooms.Members(conversationID)
}

// Broadcast sends frame to every subscriber of conversationID except
// connections owned by exceptUser (empty means nobody is skipped). It
// returns how many connections accepted the frame.
func (h *Hub) Broadcast(conversationID string, frame []byte, exceptUser string) int {
	sent := 0
	for _, c := range h.rooms.Members(conversationID) {
		if exceptUser != "" && c.UserID() == exceptUser {
			continue
		}
		if c.Send(frame) {
			sent++
		}
	}
	return sent
}
