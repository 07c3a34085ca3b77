package interp

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"

	"github.com/gatekeep-io/gatekeep/pkg/domain"
)

// action tells the driver loop what to do after an operation ran.
type action int

const (
	// actionCalculate folds the returned result into the current frame
	// via the instruction's action table.
	actionCalculate action = iota + 1
	// actionContinue advances to the next sibling without contributing a
	// result; at the end of a sibling list it completes the section.
	actionContinue
	// actionPushed means a child frame was placed on the stack; run it.
	actionPushed
	// actionBreak pops frames until the frame's unwind target.
	actionBreak
	// actionStop unwinds the entire stack immediately. Terminal.
	actionStop
	// actionYield parks the request; the driver returns to its caller.
	actionYield
)

// opFunc evaluates the top frame's instruction and returns the control-flow
// action, plus a result and priority when the action is actionCalculate.
type opFunc func(ctx context.Context, in *Interpreter, req *Request, f *frame) (action, domain.Rcode, int)

// op describes one instruction kind: the only polymorphic entry point is
// the fn lookup.
type op struct {
	name        string
	fn          opFunc
	debugBraces bool
}

// ops is the dispatch table, indexed by NodeType. Populated and checked for
// exhaustiveness at startup; a gap is a build defect, not a runtime error.
var ops [typeMax]op

func init() {
	ops[TypeModuleCall] = op{"module", opModuleCall, false}
	ops[TypeGroup] = op{"group", opGroup, true}
	ops[TypeLoadBalance] = op{"load-balance", opLoadBalance, true}
	ops[TypeRedundantLoadBalance] = op{"redundant-load-balance", opRedundantLoadBalance, true}
	ops[TypeParallel] = op{"parallel", opParallel, true}
	ops[TypeIf] = op{"if", opIf, true}
	ops[TypeElse] = op{"else", opElse, true}
	ops[TypeElsif] = op{"elsif", opIf, true}
	ops[TypeUpdate] = op{"update", opUpdate, true}
	ops[TypeSwitch] = op{"switch", opSwitch, true}
	ops[TypeCase] = op{"case", opCase, true}
	ops[TypeForeach] = op{"foreach", opForeach, true}
	ops[TypeBreak] = op{"break", opBreak, false}
	ops[TypeReturn] = op{"return", opReturn, false}
	ops[TypeMap] = op{"map", opMap, true}
	ops[TypePolicy] = op{"policy", opGroup, true}
	ops[TypeExpr] = op{"expr", opExpr, false}
	ops[TypeResumption] = op{"resume", opResumption, false}

	for t := TypeNone + 1; t < typeMax; t++ {
		if ops[t].fn == nil {
			panic(fmt.Sprintf("interp: no operation registered for instruction type %d", int(t)))
		}
	}
}

// pushSection places a sibling-walk frame for the group's children.
func pushSection(req *Request, g *Group) (action, domain.Rcode, int) {
	f, err := req.stack.push(g.head, false, true)
	if err != nil {
		return overflow(req, g, err)
	}
	if g.policy == policyRedundant {
		f.state = &walkState{group: g, start: g.head, wrap: g.Type() == TypeRedundantLoadBalance}
	}
	return actionPushed, 0, 0
}

func overflow(req *Request, n Node, err error) (action, domain.Rcode, int) {
	req.Log.Error("policy nesting exceeds interpreter stack", "instruction", n.DebugName(), "error", err)
	return actionStop, domain.RcodeReject, 0
}

func opGroup(_ context.Context, _ *Interpreter, req *Request, f *frame) (action, domain.Rcode, int) {
	g := f.instruction.(*Group)
	if g.head == nil {
		return actionCalculate, domain.RcodeNoop, -1
	}
	return pushSection(req, g)
}

func opCase(_ context.Context, _ *Interpreter, req *Request, f *frame) (action, domain.Rcode, int) {
	g := f.instruction.(*Group)
	if g.head == nil {
		return actionCalculate, domain.RcodeNoop, -1
	}
	return pushSection(req, g)
}

func opLoadBalance(_ context.Context, _ *Interpreter, req *Request, f *frame) (action, domain.Rcode, int) {
	g := f.instruction.(*Group)
	if g.head == nil {
		return actionCalculate, domain.RcodeNoop, -1
	}
	child := nthChild(g, rand.IntN(g.num))
	if _, err := req.stack.push(child, false, false); err != nil {
		return overflow(req, g, err)
	}
	return actionPushed, 0, 0
}

func opRedundantLoadBalance(_ context.Context, _ *Interpreter, req *Request, f *frame) (action, domain.Rcode, int) {
	g := f.instruction.(*Group)
	if g.head == nil {
		return actionCalculate, domain.RcodeNoop, -1
	}
	start := nthChild(g, rand.IntN(g.num))
	cf, err := req.stack.push(start, false, true)
	if err != nil {
		return overflow(req, g, err)
	}
	cf.state = &walkState{group: g, start: start, wrap: true}
	return actionPushed, 0, 0
}

func nthChild(g *Group, n int) Node {
	c := g.head
	for ; n > 0; n-- {
		c = c.Next()
	}
	return c
}

// opIf serves both if and elsif instructions.
func opIf(ctx context.Context, in *Interpreter, req *Request, f *frame) (action, domain.Rcode, int) {
	g := f.instruction.(*Group)

	// An elsif after a taken branch is skipped without evaluating its
	// condition.
	if g.Type() == TypeElsif && f.wasIf && f.ifTaken {
		return actionContinue, 0, 0
	}

	pass, err := g.cond.Eval(ctx, req.Request)
	if err != nil {
		req.Log.Warn("condition evaluation failed, treating as false",
			"instruction", g.DebugName(), "error", err)
		pass = false
	}

	f.wasIf = true
	f.ifTaken = pass
	if !pass {
		return actionContinue, 0, 0
	}
	if g.head == nil {
		return actionCalculate, domain.RcodeNoop, -1
	}
	return pushSection(req, g)
}

func opElse(_ context.Context, _ *Interpreter, req *Request, f *frame) (action, domain.Rcode, int) {
	if f.wasIf && f.ifTaken {
		return actionContinue, 0, 0
	}
	g := f.instruction.(*Group)
	if g.head == nil {
		return actionCalculate, domain.RcodeNoop, -1
	}
	return pushSection(req, g)
}

func opSwitch(ctx context.Context, _ *Interpreter, req *Request, f *frame) (action, domain.Rcode, int) {
	g := f.instruction.(*Group)

	value, err := g.tmpl.Eval(ctx, req.Request)
	if err != nil {
		req.Log.Warn("switch expansion failed", "instruction", g.DebugName(), "error", err)
		return actionCalculate, domain.RcodeFail, -1
	}

	var match, fallback Node
	for c := g.head; c != nil; c = c.Next() {
		arm, ok := c.(*Group)
		if !ok || arm.Type() != TypeCase {
			continue
		}
		if arm.caseAny {
			if fallback == nil {
				fallback = c
			}
			continue
		}
		if arm.caseVal == value {
			match = c
			break
		}
	}
	if match == nil {
		match = fallback
	}
	if match == nil {
		return actionCalculate, domain.RcodeNoop, -1
	}
	if _, err := req.stack.push(match, false, false); err != nil {
		return overflow(req, g, err)
	}
	return actionPushed, 0, 0
}

func opUpdate(ctx context.Context, _ *Interpreter, req *Request, f *frame) (action, domain.Rcode, int) {
	g := f.instruction.(*Group)
	if err := g.mapping.Apply(ctx, req.Request); err != nil {
		req.Log.Error("update failed", "instruction", g.DebugName(), "error", err)
		return actionCalculate, domain.RcodeFail, -1
	}
	return actionCalculate, domain.RcodeNoop, -1
}

func opMap(ctx context.Context, _ *Interpreter, req *Request, f *frame) (action, domain.Rcode, int) {
	g := f.instruction.(*Group)
	r, err := g.mapProc.Apply(ctx, req.Request)
	if err != nil {
		req.Log.Error("map procedure failed", "instruction", g.DebugName(), "error", err)
		return actionCalculate, domain.RcodeFail, -1
	}
	if !r.Valid() {
		r = domain.RcodeFail
	}
	return actionCalculate, r, -1
}

func opForeach(_ context.Context, _ *Interpreter, req *Request, f *frame) (action, domain.Rcode, int) {
	g := f.instruction.(*Group)

	// First sight of the loop: size it up and claim a dedicated frame so
	// the cursor survives while the body runs.
	if !f.repeat {
		values := req.Request.Attrs(g.loopAttr)
		if len(values) == 0 || g.head == nil {
			return actionCalculate, domain.RcodeNoop, -1
		}
		depth := 0
		for i := 0; i < req.stack.depth; i++ {
			if _, ok := req.stack.frames[i].state.(*foreachState); ok {
				depth++
			}
		}
		lf, err := req.stack.push(g, false, false)
		if err != nil {
			return overflow(req, g, err)
		}
		lf.repeat = true
		lf.state = &foreachState{
			values: values,
			depth:  depth,
			varKey: "Foreach-Variable-" + strconv.Itoa(depth),
		}
		return actionPushed, 0, 0
	}

	fs := f.state.(*foreachState)

	if f.resumed {
		f.resumed = false
		fs.last = f.childResult
		fs.ran = true
		fs.idx++
	}

	if fs.broken || fs.idx >= len(fs.values) {
		req.Control.Delete(fs.varKey)
		if fs.ran {
			f.result = fs.last
		} else {
			f.result = domain.RcodeNoop
		}
		f.priority = -1
		return actionContinue, 0, 0
	}

	req.Control.Set(fs.varKey, fs.values[fs.idx])
	if _, err := req.stack.push(g.head, false, true); err != nil {
		return overflow(req, g, err)
	}
	return actionPushed, 0, 0
}

func opBreak(_ context.Context, _ *Interpreter, _ *Request, f *frame) (action, domain.Rcode, int) {
	f.unwind = TypeForeach
	return actionBreak, f.result, f.priority
}

func opReturn(_ context.Context, _ *Interpreter, _ *Request, f *frame) (action, domain.Rcode, int) {
	f.unwind = unwindTop
	return actionBreak, f.result, f.priority
}

func opExpr(ctx context.Context, _ *Interpreter, req *Request, f *frame) (action, domain.Rcode, int) {
	e := f.instruction.(*ExprNode)
	if _, err := e.tmpl.Eval(ctx, req.Request); err != nil {
		req.Log.Error("expression failed", "instruction", e.DebugName(), "error", err)
		return actionCalculate, domain.RcodeFail, -1
	}
	return actionCalculate, domain.RcodeOK, -1
}
