package presence

import (
	"sync"
	"sync/atomic"

	"github.com/fathima-sithara/messaging-core/internal/hub"
)

// Registry maps a user to its single live connection. The last connection
// to register wins.
type Registry struct {
	conns sync.Map // user id -> hub.Conn
	count atomic.Int64
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register binds c to userID and returns the connection it displaced, if any.
func (r *Registry) Register(userID string, c hub.Conn) hub.Conn {
	prev, loaded := r.conns.Swap(userID, c)
	if !loaded {
		r.count.Add(1)
		return nil
	}
	old := prev.(hub.Conn)
	if old == c {
		return nil
	}
	return old
}

// Unregister removes userID only while c is still its current connection,
// so a displaced connection closing late cannot evict its replacement.
func (r *Registry) Unregister(userID string, c hub.Conn) bool {
	if r.conns.CompareAndDelete(userID, c) {
		r.count.Add(-1)
		return true
	}
	return false
}

func (r *Registry) Lookup(userID string) (hub.Conn, bool) {
	v, ok := r.conns.Load(userID)
	if !ok {
		return nil, false
	}
	return v.(hub.Conn), true
}

func (r *Registry) IsCurrent(userID string, c hub.Conn) bool {
	cur, ok := r.Lookup(userID)
	return ok && cur == c
}

func (r *Registry) IsOnline(userID string) bool {
	_, ok := r.conns.Load(userID)
	return ok
}

func (r *Registry) Online() []string {
	out := make([]string, 0, r.Count())
	r.conns.Range(func(k, _ any) bool {
		out = append(out, k.(string))
		return true
	})
	return out
}

func (r *Registry) Count() int {
	return int(r.count.Load())
}

// Broadcast pushes frame to every registered connection except exceptUser's.
func (r *Registry) Broadcast(frame []byte, exceptUser string) int {
	sent := 0
	r.conns.Range(func(k, v any) bool {
		if k.(string) == exceptUser {
			return true
		}
		if v.(hub.Conn).Send(frame) {
			sent++
		}
		return true
	})
	return sent
}
