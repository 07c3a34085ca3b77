package interp

import (
	"context"

	"github.com/gatekeep-io/gatekeep/pkg/domain"
)

// Condition is a compiled boolean expression evaluated against request state.
// The engine never parses conditions itself; the policy compiler supplies
// them fully compiled.
type Condition interface {
	Eval(ctx context.Context, req *domain.Request) (bool, error)
}

// Template is a compiled value expression producing a string from request
// state. Used by switch sections and inline expression statements.
type Template interface {
	Eval(ctx context.Context, req *domain.Request) (string, error)
}

// Mapping applies a compiled attribute update to a request.
type Mapping interface {
	Apply(ctx context.Context, req *domain.Request) error
}

// MapProc is an external mapping procedure; unlike Mapping it classifies its
// own outcome.
type MapProc interface {
	Apply(ctx context.Context, req *domain.Request) (domain.Rcode, error)
}

// ResumeFunc is invoked when the condition a module yielded on is satisfied.
// It receives the opaque context captured at yield time and produces a new
// result code, or yields again.
type ResumeFunc func(ctx context.Context, inv *Invocation, rctx any) domain.Rcode

// SignalFunc is invoked out-of-band while a module call is suspended, for
// cancellation, timeouts or duplicate suppression. It may fire any number of
// times before the resume callback runs, and must be idempotent.
type SignalFunc func(inv *Invocation, rctx any, sig domain.Signal)

// ModuleProc is a resolved module method the engine can call. One instance
// serves all requests; per-call state lives on the Invocation and per-worker
// state on the thread handle.
type ModuleProc interface {
	Name() string

	// NewThread builds a worker-local handle. The engine creates one per
	// worker and passes it back on every call made from that worker.
	NewThread() any

	// Process performs the module's work and returns a terminal result
	// code, or the yield pseudo-code after calling inv.Yield.
	Process(ctx context.Context, inv *Invocation) domain.Rcode
}

// Invocation is the per-call context handed to a module method. It carries
// the request, the worker-local handle, and the yield protocol.
type Invocation struct {
	Req    *Request
	Thread any

	resume SignalableResume
}

// SignalableResume bundles the two callback slots captured at yield time.
type SignalableResume struct {
	Resume ResumeFunc
	Signal SignalFunc
	Ctx    any
	set    bool
}

// Yield suspends the module call. The engine parks the request; resume runs
// when the awaited condition resolves, signal runs out-of-band for
// cancellation-type events. Both receive rctx, which represents the module's
// internal progress at the time of yielding. Returns the value Process must
// return.
func (inv *Invocation) Yield(resume ResumeFunc, signal SignalFunc, rctx any) domain.Rcode {
	inv.resume = SignalableResume{Resume: resume, Signal: signal, Ctx: rctx, set: true}
	return domain.RcodeYield
}

// MarkRunnable tells the engine the awaited condition resolved and the
// parked request should be resumed. Safe to call from any goroutine.
func (inv *Invocation) MarkRunnable() {
	inv.Req.in.wake(inv.Req)
}

// Waker is notified when a parked request becomes runnable again. The
// request scheduler implements it to re-enqueue the request on a worker;
// when no Waker is configured the engine resumes on the calling goroutine.
type Waker interface {
	Wake(req *Request)
}
