package usbcore

import "golang.org/x/sync/errgroup"

// workPool is a bounded dispatch pool backing the controller's normal
// completion queue worker, the hub deferred worker and root hub
// port-change handling (SPEC_FULL.md "Completion queue & dispatch"). The
// paging-device queue and cancel-all's fan-out do not run on it. It is the home found for the teacher's unused
// indirect golang.org/x/sync dependency: errgroup.Group.SetLimit gives
// the bounded-concurrency-thread-pool semantics spec §5 describes
// ("the worker to an ordinary thread pool") without hand-rolling one.
type workPool struct {
	g errgroup.Group
}

func newWorkPool(limit int) *workPool {
	p := &workPool{}
	p.g.SetLimit(limit)
	return p
}

// Go schedules fn on the pool, blocking the caller only if the pool is
// already at its concurrency limit.
func (p *workPool) Go(fn func()) {
	p.g.Go(func() error {
		fn()
		return nil
	})
}
