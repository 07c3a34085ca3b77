package interp

import (
	"sync/atomic"

	"github.com/gatekeep-io/gatekeep/pkg/domain"
)

// StackMax bounds the interpreter stack depth. Graphs nesting deeper than
// this fail the request; the policy compiler rejects them up front.
const StackMax = 64

// frame is one entry of the interpreter stack: the instruction currently
// being evaluated plus the mutable progress state for it. Frames are the
// only mutable execution state and belong to exactly one request.
type frame struct {
	instruction Node

	// Result folded so far for the section this frame is walking.
	// priority is -1 until the first fold.
	result   domain.Rcode
	priority int

	// unwind, when set, makes the driver pop frames until the matching
	// enclosing construct. Set by break and return statements.
	unwind NodeType

	nextSibling bool // walk the instruction's sibling list
	wasIf       bool // last instruction was a conditional
	ifTaken     bool // ...and its branch ran
	resumed     bool // a child section completed and this op runs again
	topFrame    bool // popping this frame ends the whole request
	repeat      bool // re-dispatch this op when a child section completes

	// Specialisation state, selected by the instruction kind:
	// *walkState, *foreachState or *parallelState. Mutable per-request
	// state must live here, never on the shared instruction.
	state any

	// Result delivered by the completed child section when repeat is set.
	childResult   domain.Rcode
	childPriority int
}

// walkState tracks a redundant or load-balanced sibling walk.
type walkState struct {
	group *Group
	start Node // first child tried
	tried int
	found Node // child that produced the good result
	wrap  bool // continue from the head after the tail
}

// foreachState tracks one foreach loop.
type foreachState struct {
	values []string
	idx    int
	depth  int // loop nesting level, for the loop variable name
	last   domain.Rcode
	ran    bool // at least one iteration completed
	broken bool
	varKey string
}

// stack is the per-request interpreter stack: a flat bounded array, never
// shared between requests.
type stack struct {
	depth  int
	frames [StackMax]frame
}

func (s *stack) top() *frame { return &s.frames[s.depth-1] }

// push adds a frame for the given instruction. Overflow is a hard failure
// reported before the instruction runs.
func (s *stack) push(inst Node, topFrame, nextSibling bool) (*frame, error) {
	if s.depth >= StackMax {
		return nil, domain.ErrStackOverflow
	}
	f := &s.frames[s.depth]
	*f = frame{
		instruction: inst,
		result:      domain.RcodeNoop,
		priority:    -1,
		topFrame:    topFrame,
		nextSibling: nextSibling,
	}
	s.depth++
	return f, nil
}

func (s *stack) pop() { s.depth-- }

// Request execution states.
const (
	stateIdle int32 = iota
	stateRunning
	stateParked
	stateDone
)

// Request binds one in-flight request to its interpreter stack. A request
// is only ever driven by one goroutine at a time; parking and resumption
// hand it between goroutines without overlap.
type Request struct {
	*domain.Request

	// Handles caches worker-local module handles. The scheduler may seed
	// it with a per-worker set so handles are reused across requests.
	Handles map[string]any

	// OnDone, when set, is called exactly once with the terminal outcome.
	// Used by the scheduler and by parallel sections.
	OnDone func(Outcome)

	in    *Interpreter
	stack stack
	state atomic.Int32
	stop  atomic.Bool

	// wakePending records a wake that arrived while the request was still
	// transitioning into the parked state; it is replayed once parking
	// completes.
	wakePending atomic.Bool
}

// Depth reports the current interpreter stack depth.
func (r *Request) Depth() int { return r.stack.depth }

// Parked reports whether the request is suspended awaiting an external event.
func (r *Request) Parked() bool { return r.state.Load() == stateParked }

func (r *Request) transition(from, to int32) bool {
	return r.state.CompareAndSwap(from, to)
}

// handle returns the worker-local handle for the module, creating and
// caching one on first use.
func (r *Request) handle(proc ModuleProc) any {
	if r.Handles == nil {
		r.Handles = make(map[string]any)
	}
	h, ok := r.Handles[proc.Name()]
	if !ok {
		h = proc.NewThread()
		r.Handles[proc.Name()] = h
	}
	return h
}
