// Package gate implements the Concurrency Gate: a pure counting
// semaphore bounding how many runs may execute at once, globally and
// per agent, with a cancelled-run set the Scheduler Core consults
// before starting dispatch of a run that was cancelled while queued.
//
// This is deliberately NOT a circuit breaker: it tracks capacity, not
// failure rate, and it never refuses admission based on past errors.
package gate

import "sync"

// Gate bounds concurrent execution by a global cap and a per-agent cap.
type Gate struct {
	mu sync.Mutex

	globalCap int
	globalNow int

	perAgentCap int
	perAgentNow map[string]int

	cancelled map[string]struct{}
}

// New builds a Gate with the given global and per-agent caps.
func New(globalCap, perAgentCap int) *Gate {
	return &Gate{
		globalCap:   globalCap,
		perAgentCap: perAgentCap,
		perAgentNow: make(map[string]int),
		cancelled:   make(map[string]struct{}),
	}
}

// TryAcquire attempts to reserve one global slot and one per-agent slot
// for agentName. It succeeds only if both caps have headroom; a
// per-agent-only block leaves the global slot untouched.
func (g *Gate) TryAcquire(agentName string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.globalNow >= g.globalCap {
		return false
	}
	if g.perAgentNow[agentName] >= g.perAgentCap {
		return false
	}

	g.globalNow++
	g.perAgentNow[agentName]++
	return true
}

// DryRun reports whether TryAcquire would currently succeed for
// agentName, without reserving anything. Used by the dispatch loop to
// decide whether to skip a head-of-line run without mutating state.
func (g *Gate) DryRun(agentName string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.globalNow >= g.globalCap {
		return false
	}
	return g.perAgentNow[agentName] < g.perAgentCap
}

// Release returns one global slot and one per-agent slot for
// agentName, called once a dispatched run reaches a terminal state.
func (g *Gate) Release(agentName string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.globalNow > 0 {
		g.globalNow--
	}
	if g.perAgentNow[agentName] > 0 {
		g.perAgentNow[agentName]--
		if g.perAgentNow[agentName] == 0 {
			delete(g.perAgentNow, agentName)
		}
	}
}

// Cancel marks runID as cancelled. The Scheduler Core checks
// IsCancelled right before dispatch so a cancel() received while a run
// was still queued is honored instead of silently starting it.
func (g *Gate) Cancel(runID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelled[runID] = struct{}{}
}

// IsCancelled reports whether runID was cancelled.
func (g *Gate) IsCancelled(runID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.cancelled[runID]
	return ok
}

// ClearCancelled forgets runID, called once its cancellation has been
// fully processed (terminal state reached) so the set does not grow
// without bound.
func (g *Gate) ClearCancelled(runID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.cancelled, runID)
}

// GlobalInUse reports the number of globally occupied slots.
func (g *Gate) GlobalInUse() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.globalNow
}

// AgentInUse reports the number of slots occupied by agentName.
func (g *Gate) AgentInUse(agentName string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.perAgentNow[agentName]
}
