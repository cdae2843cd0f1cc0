package machine

import "sync"

// PauseGate coordinates a two-phase, all-vCPU pause barrier for the
// checkpoint path: a message-based alternative to the reference
// SIGRTMIN handler, since Go goroutines have no signal-delivery
// equivalent worth reaching for here. Each vCPU's RunLoop calls
// Checkpoint between exits; a separate goroutine calls RequestPause
// to drive one round.
type PauseGate struct {
	n int

	mu         sync.Mutex
	active     bool
	arrived    int
	allArrived chan struct{}
	resume     chan struct{}
}

// NewPauseGate builds a gate for n participating vCPUs.
func NewPauseGate(n int) *PauseGate { return &PauseGate{n: n} }

// RequestPause arms the gate and blocks until every vCPU has called
// Checkpoint and run its per-vCPU serialize callback (phase 1). It
// returns a release function the caller must invoke once it has
// finished any single-threaded work (memory dump, config rewrite) to
// let every vCPU resume (phase 2).
func (g *PauseGate) RequestPause() func() {
	g.mu.Lock()
	g.active = true
	g.arrived = 0
	allArrived := make(chan struct{})
	resume := make(chan struct{})
	g.allArrived, g.resume = allArrived, resume
	g.mu.Unlock()

	<-allArrived

	return func() {
		g.mu.Lock()
		g.active = false
		g.mu.Unlock()
		close(resume)
	}
}

// Checkpoint is called by a vCPU's run loop between exits. If a pause
// is active, it runs serialize(cpu) then blocks until the
// corresponding RequestPause's release function is called. The first
// error serialize returns is propagated to the caller after the
// barrier releases, so a write failure still participates in the
// barrier instead of deadlocking its siblings.
func (g *PauseGate) Checkpoint(cpu int, serialize func(cpu int) error) error {
	g.mu.Lock()
	active := g.active
	allArrived := g.allArrived
	resume := g.resume
	g.mu.Unlock()

	if !active {
		return nil
	}

	err := serialize(cpu)

	g.mu.Lock()
	g.arrived++
	done := g.arrived == g.n
	g.mu.Unlock()

	if done {
		close(allArrived)
	}

	<-resume

	return err
}
