package interp

import (
	"context"
	"sync/atomic"

	"github.com/gatekeep-io/gatekeep/pkg/domain"
)

// resumption is pushed in place of a module call when the module yields.
// It captures everything needed to pick the call back up: the original
// instruction (so debug context and the action table survive), the
// worker-local handle, the two callback slots and the module's opaque
// progress context. Consumed at most once.
type resumption struct {
	nodeBase

	call *ModuleCall
	inv  *Invocation
	rec  SignalableResume

	fired atomic.Bool
}

func newResumption(call *ModuleCall, inv *Invocation, rec SignalableResume) *resumption {
	r := &resumption{call: call, inv: inv, rec: rec}
	r.nodeBase = call.nodeBase
	r.nodeBase.typ = TypeResumption
	return r
}

func opModuleCall(ctx context.Context, in *Interpreter, req *Request, f *frame) (action, domain.Rcode, int) {
	mc := f.instruction.(*ModuleCall)

	inv := &Invocation{Req: req, Thread: req.handle(mc.proc)}
	r := mc.proc.Process(ctx, inv)

	if r == domain.RcodeYield {
		if !inv.resume.set {
			req.Log.Error("module yielded without a resume callback", "module", mc.Name())
			return actionCalculate, domain.RcodeFail, -1
		}
		f.instruction = newResumption(mc, inv, inv.resume)
		in.recordYield(ctx, mc.Name())
		return actionYield, 0, 0
	}

	if !r.Valid() {
		req.Log.Error("module returned an invalid result code", "module", mc.Name(), "rcode", int(r))
		r = domain.RcodeFail
	}
	return actionCalculate, r, -1
}

// opResumption runs when a parked frame is re-entered: it fires the resume
// callback instead of the normal module method.
func opResumption(ctx context.Context, in *Interpreter, req *Request, f *frame) (action, domain.Rcode, int) {
	rec := f.instruction.(*resumption)

	if !rec.fired.CompareAndSwap(false, true) {
		req.Log.Error("resumption record consumed twice", "module", rec.call.Name(),
			"error", domain.ErrDoubleResume)
		return actionStop, domain.RcodeReject, 0
	}

	inv := rec.inv
	inv.resume = SignalableResume{}
	r := rec.rec.Resume(ctx, inv, rec.rec.Ctx)

	if r == domain.RcodeYield {
		if !inv.resume.set {
			req.Log.Error("module re-yielded without a resume callback", "module", rec.call.Name())
			f.instruction = rec.call
			return actionCalculate, domain.RcodeFail, -1
		}
		f.instruction = newResumption(rec.call, inv, inv.resume)
		in.recordYield(ctx, rec.call.Name())
		return actionYield, 0, 0
	}

	// Restore the original call so the sibling walk and the action table
	// see the real instruction again.
	f.instruction = rec.call
	f.resumed = true

	if !r.Valid() {
		r = domain.RcodeFail
	}
	return actionCalculate, r, -1
}

// deliverSignal hands an out-of-band event to every suspended module call
// on the stack, top down. Resume and signal delivery are not ordered with
// respect to each other; records that already fired are skipped.
func deliverSignal(req *Request, sig domain.Signal) {
	for i := req.stack.depth - 1; i >= 0; i-- {
		f := &req.stack.frames[i]
		switch inst := f.instruction.(type) {
		case *resumption:
			if inst.rec.Signal != nil && !inst.fired.Load() {
				inst.rec.Signal(inst.inv, inst.rec.Ctx, sig)
			}
		case *Group:
			if ps, ok := f.state.(*parallelState); ok && inst.Type() == TypeParallel {
				ps.signalChildren(sig)
			}
		}
	}
}
