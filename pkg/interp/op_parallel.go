package interp

import (
	"context"
	"sync"

	"github.com/gatekeep-io/gatekeep/pkg/domain"
)

// parallelState tracks one parallel section: a detached sub-evaluation per
// child, each with its own request clone and interpreter stack. The group
// frame stays parked until the last child reaches a terminal result, so a
// child that yields never blocks its siblings.
type parallelState struct {
	group *Group

	mu       sync.Mutex
	children []*Request
	results  []Outcome
	done     []bool
	pending  int
}

func (ps *parallelState) complete(idx int, out Outcome) (last bool) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.done[idx] {
		return false
	}
	ps.done[idx] = true
	ps.results[idx] = out
	ps.pending--
	return ps.pending == 0
}

func (ps *parallelState) finished() bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.pending == 0
}

func (ps *parallelState) signalChildren(sig domain.Signal) {
	ps.mu.Lock()
	children := append([]*Request(nil), ps.children...)
	ps.mu.Unlock()
	// Signal claims each child's state itself, so delivery is safe whether
	// the child is parked or still running on its own goroutine.
	for _, c := range children {
		c.in.Signal(c, sig)
	}
}

func opParallel(ctx context.Context, in *Interpreter, req *Request, f *frame) (action, domain.Rcode, int) {
	g := f.instruction.(*Group)

	// Dedicated frame: the group parks here while children run.
	if !f.repeat {
		if g.head == nil {
			return actionCalculate, domain.RcodeNoop, -1
		}
		pf, err := req.stack.push(g, false, false)
		if err != nil {
			return overflow(req, g, err)
		}
		pf.repeat = true

		ps := &parallelState{
			group:   g,
			results: make([]Outcome, g.num),
			done:    make([]bool, g.num),
			pending: g.num,
		}
		pf.state = ps

		children := g.Children()
		ps.children = make([]*Request, g.num)
		for i, child := range children {
			creq := in.NewRequest(req.Request.Clone())
			ps.children[i] = creq
			idx := i
			creq.OnDone = func(out Outcome) {
				if ps.complete(idx, out) {
					in.wake(req)
				}
			}
			go in.runDetached(ctx, creq, child)
		}
		return actionYield, 0, 0
	}

	ps := f.state.(*parallelState)
	if !ps.finished() {
		// Woken early (e.g. a spurious wake); keep waiting.
		return actionYield, 0, 0
	}

	// Fold the child results: strictly higher priority wins, ties keep
	// the earliest child.
	best := Outcome{Rcode: domain.RcodeNoop, Priority: -1}
	for _, out := range ps.results {
		if out.Priority > best.Priority {
			best = out
		}
	}
	f.result = best.Rcode
	f.priority = -1
	return actionContinue, 0, 0
}

// runDetached drives a parallel child on its own goroutine. A child that
// parks is picked back up through the normal resume path; its OnDone
// callback reports the terminal outcome either way.
func (in *Interpreter) runDetached(ctx context.Context, req *Request, entry Node) {
	if _, _, err := in.Execute(ctx, req, entry); err != nil {
		req.Log.Error("parallel child failed to start", "error", err)
	}
}
