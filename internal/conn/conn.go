// Package conn defines the connection handle shared by the presence, room and
// call registries. A handle lives exactly as long as one transport session.
package conn

// Handle is one live transport session.
type Handle interface {
	// ID is unique for the lifetime of the process.
	ID() string
	// Deliver queues an encoded outbound event without blocking and reports
	// whether it was accepted.
	Deliver(payload []byte) bool
}

// Same reports whether a and b refer to the same connection.
func Same(a, b Handle) bool {
	if a == nil || b == nil {
		return false
	}
	return a.ID() == b.ID()
}
