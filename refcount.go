package usbcore

import "sync/atomic"

// refcount is the strong-reference counter shared by Device, Endpoint and
// Transfer (spec §9 "cyclic ownership"). Destruction runs exactly once,
// the instant the count falls to zero; every other caller only ever sees
// a live object.
type refcount struct {
	n atomic.Int32
}

// newRefcount starts a reference count at one, representing the
// allocation's own reference.
func newRefcount() refcount {
	var r refcount
	r.n.Store(1)
	return r
}

// add takes an additional reference. Callers must already hold one (or
// be under a lock that prevents the count reaching zero concurrently).
func (r *refcount) add() {
	r.n.Add(1)
}

// release drops a reference and reports whether it was the last one.
func (r *refcount) release() bool {
	return r.n.Add(-1) == 0
}

func (r *refcount) load() int32 {
	return r.n.Load()
}
