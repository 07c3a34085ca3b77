package interp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/gatekeep-io/gatekeep/pkg/domain"
	"github.com/gatekeep-io/gatekeep/pkg/telemetry"
)

// Outcome is the terminal result of one policy evaluation.
type Outcome struct {
	Rcode    domain.Rcode
	Priority int
}

// Options configure an Interpreter.
type Options struct {
	Logger *slog.Logger
	// Good overrides the result codes that satisfy a redundant group.
	Good domain.RcodeSet
	// Waker receives requests whose awaited condition resolved. When nil,
	// the engine resumes them on the goroutine that marked them runnable.
	Waker Waker
}

// Interpreter evaluates compiled policy graphs. One instance serves all
// requests; it holds no per-request state.
type Interpreter struct {
	log    *slog.Logger
	good   domain.RcodeSet
	waker  Waker
	tracer trace.Tracer
}

// New builds an Interpreter.
func New(opts Options) *Interpreter {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	good := opts.Good
	if good == 0 {
		good = domain.GoodRcodes
	}
	return &Interpreter{
		log:    log,
		good:   good,
		waker:  opts.Waker,
		tracer: otel.Tracer("gatekeep.interp"),
	}
}

// NewRequest binds a request to this interpreter with a fresh stack.
func (in *Interpreter) NewRequest(d *domain.Request) *Request {
	return &Request{Request: d, in: in}
}

// Execute evaluates the graph rooted at entry against the request, until
// either the stack empties (done is true and out holds the terminal result)
// or a module suspends the request (done is false; the request stays parked
// until Resume).
func (in *Interpreter) Execute(ctx context.Context, req *Request, entry Node) (out Outcome, done bool, err error) {
	if entry == nil {
		return Outcome{}, false, fmt.Errorf("interp: nil entry instruction")
	}
	if !req.transition(stateIdle, stateRunning) {
		return Outcome{}, false, fmt.Errorf("interp: request %s already executing", req.ID)
	}

	ctx, span := in.tracer.Start(ctx, "policy.execute", trace.WithAttributes(
		attribute.String("request.id", req.ID.String()),
		attribute.String("policy.entry", entry.Name()),
	))
	defer span.End()

	if _, err := req.stack.push(entry, true, false); err != nil {
		out := Outcome{Rcode: domain.RcodeReject}
		in.finish(req, out)
		span.SetAttributes(attribute.String("policy.rcode", out.Rcode.String()))
		return out, true, nil
	}

	start := time.Now()
	out, done = in.run(ctx, req)
	in.settle(ctx, req, entry.Name(), out, done, time.Since(start))
	if done {
		span.SetAttributes(attribute.String("policy.rcode", out.Rcode.String()))
	} else {
		span.SetAttributes(attribute.Bool("policy.parked", true))
	}
	return out, done, nil
}

// Resume re-enters the driver loop on a parked request. The top frame
// recognises its resumption record and fires the resume callback instead of
// the normal dispatch entry. Resuming a request that is not parked is
// rejected, including one whose record was already consumed.
func (in *Interpreter) Resume(ctx context.Context, req *Request) (out Outcome, done bool, err error) {
	if !req.transition(stateParked, stateRunning) {
		if req.state.Load() == stateDone {
			return Outcome{}, false, domain.ErrDoubleResume
		}
		return Outcome{}, false, domain.ErrNotParked
	}

	ctx, span := in.tracer.Start(ctx, "policy.resume", trace.WithAttributes(
		attribute.String("request.id", req.ID.String()),
	))
	defer span.End()

	start := time.Now()
	out, done = in.run(ctx, req)
	in.settle(ctx, req, "", out, done, time.Since(start))
	if done {
		span.SetAttributes(attribute.String("policy.rcode", out.Rcode.String()))
	}
	return out, done, nil
}

// Signal delivers an out-of-band event to a parked request, independent of
// its normal resumption path. A cancel unwinds the request the next time it
// runs, equivalent to a stop at the top level.
//
// Delivery claims the parked state first: stack frames belong to whichever
// goroutine holds the running state, and walking them while a worker runs
// the request would race. A request that is idle, running or done has no
// suspended record to notify, so only the cancel flag survives; a running
// request observes it when it next parks or checks for stop.
func (in *Interpreter) Signal(req *Request, sig domain.Signal) {
	if req.transition(stateParked, stateRunning) {
		deliverSignal(req, sig)
		req.state.Store(stateParked)
		if req.wakePending.CompareAndSwap(true, false) {
			in.wake(req)
		}
	}
	if sig == domain.SignalCancel {
		req.stop.Store(true)
		in.wake(req)
	}
}

func (in *Interpreter) settle(ctx context.Context, req *Request, entry string, out Outcome, done bool, elapsed time.Duration) {
	if done {
		in.finish(req, out)
	} else {
		req.state.Store(stateParked)
		if req.wakePending.CompareAndSwap(true, false) {
			in.wake(req)
		}
	}
	telemetry.RecordEvaluation(ctx, telemetry.EvaluationMetrics{
		Entry:    entry,
		Rcode:    out.Rcode.String(),
		Parked:   !done,
		Duration: elapsed,
	})
}

func (in *Interpreter) finish(req *Request, out Outcome) {
	req.state.Store(stateDone)
	if req.OnDone != nil {
		req.OnDone(out)
	}
}

// wake makes a parked request runnable again: through the configured Waker
// when there is one, otherwise inline on the calling goroutine.
func (in *Interpreter) wake(req *Request) {
	if req.state.Load() != stateParked {
		// The wake beat the yielding run to the parked state. Leave it
		// pending; settle replays it once parking completes. The second
		// check closes the window where parking lands in between.
		req.wakePending.Store(true)
		if req.state.Load() != stateParked || !req.wakePending.CompareAndSwap(true, false) {
			return
		}
	}
	if in.waker != nil {
		in.waker.Wake(req)
		return
	}
	if _, _, err := in.Resume(context.Background(), req); err != nil {
		in.log.Debug("wake ignored", "request_id", req.ID, "error", err)
	}
}

// run is the driver loop: it repeatedly dispatches the top frame's
// instruction and interprets the returned action until the stack empties or
// an instruction yields.
func (in *Interpreter) run(ctx context.Context, req *Request) (Outcome, bool) {
	st := &req.stack

	var (
		deliver bool         // a completed child section's result is pending
		dr      domain.Rcode // ...its result
		dp      int          // ...its priority
	)

	for st.depth > 0 {
		if req.stop.Load() {
			st.depth = 0
			return Outcome{Rcode: domain.RcodeReject}, true
		}

		f := st.top()

		var a action
		var r domain.Rcode
		var p int

		switch {
		case deliver && f.repeat:
			// The op below asked to see its child's result itself
			// (foreach iterations, parallel sections).
			deliver = false
			f.resumed = true
			f.childResult, f.childPriority = dr, dp
			a, r, p = in.dispatch(ctx, req, f)
		case deliver:
			deliver = false
			a, r, p = actionCalculate, dr, dp
		default:
			a, r, p = in.dispatch(ctx, req, f)
		}

		switch a {
		case actionPushed:
			continue

		case actionYield:
			return Outcome{}, false

		case actionStop:
			st.depth = 0
			return Outcome{Rcode: r}, true

		case actionBreak:
			target := f.unwind
			f.unwind = TypeNone
			if target != unwindTop {
				// Pop until the innermost enclosing loop frame.
				broke := false
				for st.depth > 0 {
					g := st.top()
					if fs, ok := g.state.(*foreachState); ok {
						fs.broken = true
						g.resumed = true
						g.childResult, g.childPriority = r, p
						broke = true
						break
					}
					isTop := g.topFrame
					st.pop()
					if isTop {
						break
					}
				}
				if broke {
					continue
				}
			}
			// return statement, or a break with no enclosing loop:
			// the whole request section finishes with the carried
			// result.
			st.depth = 0
			return Outcome{Rcode: r, Priority: max(p, 0)}, true

		case actionContinue:
			if f.nextSibling && f.instruction.Next() != nil {
				advance(f, f.instruction.Next())
				continue
			}
			dr, dp = f.result, f.priority
			st.pop()
			if st.depth == 0 {
				return Outcome{Rcode: dr, Priority: max(dp, 0)}, true
			}
			deliver = true

		case actionCalculate:
			inst := f.instruction
			ap := inst.Actions().Get(r)

			switch ap {
			case domain.ActionReturn:
				// The configured action forces the enclosing
				// request section to finish with this result.
				st.depth = 0
				return Outcome{Rcode: r}, true
			case domain.ActionReject:
				st.depth = 0
				return Outcome{Rcode: domain.RcodeReject}, true
			}

			// Strictly higher priority wins; ties keep the result
			// folded earlier.
			if int(ap) > f.priority {
				f.result, f.priority = r, int(ap)
			}

			var next Node
			sectionDone := false
			switch {
			case f.state != nil:
				if ws, ok := f.state.(*walkState); ok {
					next, sectionDone = ws.advance(in, f, inst, r, int(ap))
					break
				}
				sectionDone = !f.nextSibling || f.instruction.Next() == nil
				next = f.instruction.Next()
			case f.nextSibling:
				next = f.instruction.Next()
				sectionDone = next == nil
			default:
				sectionDone = true
			}

			if !sectionDone {
				advance(f, next)
				continue
			}
			dr, dp = f.result, f.priority
			st.pop()
			if st.depth == 0 {
				return Outcome{Rcode: dr, Priority: max(dp, 0)}, true
			}
			deliver = true
		}
	}

	return Outcome{Rcode: domain.RcodeNoop}, true
}

// advance moves a sibling-walk frame to its next instruction. Conditional
// bookkeeping survives only into an else or elsif chain.
func advance(f *frame, next Node) {
	f.instruction = next
	f.resumed = false
	if t := next.Type(); t != TypeElse && t != TypeElsif {
		f.wasIf, f.ifTaken = false, false
	}
}

// advance applies the redundant walk policy: stop at the first good result,
// otherwise try the next child, wrapping for redundant load-balancing.
func (ws *walkState) advance(in *Interpreter, f *frame, inst Node, r domain.Rcode, prio int) (Node, bool) {
	ws.tried++
	if in.good.Contains(r) {
		ws.found = inst
		f.result, f.priority = r, prio
		return nil, true
	}
	if ws.tried >= ws.group.num {
		return nil, true
	}
	next := inst.Next()
	if next == nil && ws.wrap {
		next = ws.group.head
	}
	return next, next == nil
}

func (in *Interpreter) dispatch(ctx context.Context, req *Request, f *frame) (action, domain.Rcode, int) {
	t := f.instruction.Type()
	if t <= TypeNone || t >= typeMax {
		req.Log.Error("unresolved instruction type", "type", int(t), "error", domain.ErrUnknownOp)
		return actionStop, domain.RcodeReject, 0
	}
	o := ops[t]

	if req.Log.Enabled(ctx, slog.LevelDebug) {
		indent := strings.Repeat("  ", req.stack.depth-1)
		if o.debugBraces {
			req.Log.Debug(indent + o.name + " " + f.instruction.DebugName() + " {")
		} else {
			req.Log.Debug(indent + f.instruction.DebugName())
		}
	}

	a, r, p := o.fn(ctx, in, req, f)
	if a == actionCalculate {
		telemetry.RecordInstruction(ctx, o.name, r.String())
	}
	return a, r, p
}

func (in *Interpreter) recordYield(ctx context.Context, module string) {
	telemetry.RecordYield(ctx, module)
}
