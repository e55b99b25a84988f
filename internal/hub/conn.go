package hub

// Conn is the outbound half of one client connection as seen by the
// registries and services. Send must not block: it queues the frame and
// returns false when the connection is closed or cannot keep up.
type Conn interface {
	ID() string
	UserID() string
	Send(frame []byte) bool
	Close()
}
