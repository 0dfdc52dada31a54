package health

import "sync/atomic"

// Readiness aggregates coarse DB/TCP readiness flags set through
// SetDBReady and SetTCPReady, independent of the Checker-based
// Aggregator. The bootstrap does not use it: /readyz is served from its
// own readiness function.
type Readiness struct {
	dbReady  atomic.Bool
	tcpReady atomic.Bool
}

func New() *Readiness { return &Readiness{} }

func (r *Readiness) SetDBReady(v bool)  { r.dbReady.Store(v) }
func (r *Readiness) SetTCPReady(v bool) { r.tcpReady.Store(v) }

// Ready reports true only once every subsystem has reported ready.
func (r *Readiness) Ready() bool {
	return r.dbReady.Load() && r.tcpReady.Load()
}
