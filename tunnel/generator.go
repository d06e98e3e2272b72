package tunnel

import "sync/atomic"

// IDGenerator mints process-unique Tunnel IDs. Implementations must guarantee that Next never
// returns the same value twice for the lifetime of the process.
type IDGenerator interface {
	Next() ID
}

// Counter is the reference IDGenerator: a monotonically-increasing atomic counter starting at 1
// (0 is reserved as the zero value / "no tunnel" sentinel).
type Counter struct {
	next atomic.Uint64
}

// NewCounter returns a ready-to-use Counter.
func NewCounter() *Counter {
	return &Counter{}
}

// Next returns the next unique ID.
func (c *Counter) Next() ID {
	return ID(c.next.Add(1))
}
