package interp

import (
	"github.com/gatekeep-io/gatekeep/pkg/domain"
)

// NodeType discriminates the instruction kinds in a compiled policy graph.
type NodeType int

const (
	TypeNone NodeType = iota
	TypeModuleCall
	TypeGroup
	TypeLoadBalance
	TypeRedundantLoadBalance
	TypeParallel
	TypeIf
	TypeElse
	TypeElsif
	TypeUpdate
	TypeSwitch
	TypeCase
	TypeForeach
	TypeBreak
	TypeReturn
	TypeMap
	TypePolicy
	TypeExpr
	TypeResumption

	typeMax
)

// unwindTop is the pseudo-target used by return statements: pop everything.
const unwindTop NodeType = -1

func (t NodeType) String() string {
	if t == unwindTop {
		return "top"
	}
	if t <= TypeNone || t >= typeMax {
		return "none"
	}
	return ops[t].name
}

// Node is one instruction in a compiled policy graph. Nodes are built once
// at compile time and shared read-only across all requests; nothing mutable
// may ever be stored on a Node.
type Node interface {
	Type() NodeType
	// Name is the keyword or module name the node was compiled from.
	Name() string
	// DebugName is the fully qualified name printed in trace output.
	DebugName() string
	Parent() Node
	Next() Node
	Actions() *domain.ActionTable

	base() *nodeBase
}

// nodeBase is the part shared by every instruction kind.
type nodeBase struct {
	parent    Node
	next      Node
	name      string
	debugName string
	typ       NodeType
	actions   domain.ActionTable
}

func (n *nodeBase) Type() NodeType               { return n.typ }
func (n *nodeBase) Name() string                 { return n.name }
func (n *nodeBase) DebugName() string            { return n.debugName }
func (n *nodeBase) Parent() Node                 { return n.parent }
func (n *nodeBase) Next() Node                   { return n.next }
func (n *nodeBase) Actions() *domain.ActionTable { return &n.actions }
func (n *nodeBase) base() *nodeBase              { return n }

func newBase(typ NodeType, name string, actions domain.ActionTable) nodeBase {
	return nodeBase{typ: typ, name: name, debugName: name, actions: actions}
}

// groupPolicy selects how a group's children determine its overall result.
type groupPolicy int

const (
	policySequential groupPolicy = iota
	policyRedundant
)

// Group is the generic grouping instruction. It backs plain groups, policy
// references, conditionals, switch/case, update and map blocks, foreach
// loops, and the load-balance variants; the Type distinguishes them.
type Group struct {
	nodeBase

	policy groupPolicy
	head   Node
	tail   Node
	num    int

	cond     Condition // if, elsif
	tmpl     Template  // switch
	caseVal  string    // case
	caseAny  bool      // default case
	mapping  Mapping   // update
	mapProc  MapProc   // map
	loopAttr string    // foreach
}

// AddChild appends a child instruction, linking parent and sibling pointers.
// Must only be called before the graph is published.
func (g *Group) AddChild(n Node) {
	b := n.base()
	b.parent = g
	if g.tail == nil {
		g.head = n
	} else {
		g.tail.base().next = n
	}
	g.tail = n
	g.num++
}

// Children returns the child instructions in declared order.
func (g *Group) Children() []Node {
	out := make([]Node, 0, g.num)
	for c := g.head; c != nil; c = c.Next() {
		out = append(out, c)
	}
	return out
}

// NumChildren returns the number of direct children.
func (g *Group) NumChildren() int { return g.num }

// NewGroup builds a sequential grouping section.
func NewGroup(name string, actions domain.ActionTable) *Group {
	return &Group{nodeBase: newBase(TypeGroup, name, actions)}
}

// NewRedundant builds a group that stops at the first child producing a
// good result.
func NewRedundant(name string, actions domain.ActionTable) *Group {
	return &Group{nodeBase: newBase(TypeGroup, name, actions), policy: policyRedundant}
}

// NewLoadBalance builds a group that evaluates exactly one child, chosen
// per request.
func NewLoadBalance(name string, actions domain.ActionTable) *Group {
	return &Group{nodeBase: newBase(TypeLoadBalance, name, actions)}
}

// NewRedundantLoadBalance builds a group that starts at a per-request child
// and walks the siblings, wrapping around, until one produces a good result.
func NewRedundantLoadBalance(name string, actions domain.ActionTable) *Group {
	return &Group{nodeBase: newBase(TypeRedundantLoadBalance, name, actions), policy: policyRedundant}
}

// NewParallel builds a group whose children are evaluated concurrently.
func NewParallel(name string, actions domain.ActionTable) *Group {
	return &Group{nodeBase: newBase(TypeParallel, name, actions)}
}

// NewPolicy builds a named policy section; the compiler inlines one per
// reference site.
func NewPolicy(name string, actions domain.ActionTable) *Group {
	return &Group{nodeBase: newBase(TypePolicy, name, actions)}
}

// NewIf builds a conditional section guarding its children.
func NewIf(name string, cond Condition, actions domain.ActionTable) *Group {
	return &Group{nodeBase: newBase(TypeIf, name, actions), cond: cond}
}

// NewElsif builds a chained conditional; it only runs when no earlier branch
// of the chain was taken and its own condition holds.
func NewElsif(name string, cond Condition, actions domain.ActionTable) *Group {
	return &Group{nodeBase: newBase(TypeElsif, name, actions), cond: cond}
}

// NewElse builds the fallback branch of a conditional chain.
func NewElse(name string, actions domain.ActionTable) *Group {
	return &Group{nodeBase: newBase(TypeElse, name, actions)}
}

// NewSwitch builds a switch over the value the template produces.
func NewSwitch(name string, tmpl Template, actions domain.ActionTable) *Group {
	return &Group{nodeBase: newBase(TypeSwitch, name, actions), tmpl: tmpl}
}

// NewCase builds a switch arm matching the given value.
func NewCase(name, value string, actions domain.ActionTable) *Group {
	return &Group{nodeBase: newBase(TypeCase, name, actions), caseVal: value}
}

// NewDefaultCase builds the switch arm taken when no value matches.
func NewDefaultCase(name string, actions domain.ActionTable) *Group {
	return &Group{nodeBase: newBase(TypeCase, name, actions), caseAny: true}
}

// NewUpdate builds an attribute update block.
func NewUpdate(name string, mapping Mapping, actions domain.ActionTable) *Group {
	return &Group{nodeBase: newBase(TypeUpdate, name, actions), mapping: mapping}
}

// NewMap builds a mapping block driven by an external map procedure.
func NewMap(name string, proc MapProc, actions domain.ActionTable) *Group {
	return &Group{nodeBase: newBase(TypeMap, name, actions), mapProc: proc}
}

// NewForeach builds a loop over the request attributes with the given name.
func NewForeach(name, attr string, actions domain.ActionTable) *Group {
	return &Group{nodeBase: newBase(TypeForeach, name, actions), loopAttr: attr}
}

// ModuleCall invokes an external module method.
type ModuleCall struct {
	nodeBase
	proc ModuleProc
}

// NewModuleCall builds a call to the given module.
func NewModuleCall(proc ModuleProc, actions domain.ActionTable) *ModuleCall {
	return &ModuleCall{nodeBase: newBase(TypeModuleCall, proc.Name(), actions), proc: proc}
}

// Module returns the module the call resolves to.
func (m *ModuleCall) Module() ModuleProc { return m.proc }

// BreakNode ends the innermost enclosing foreach loop early.
type BreakNode struct {
	nodeBase
}

// NewBreak builds a break statement.
func NewBreak() *BreakNode {
	return &BreakNode{nodeBase: newBase(TypeBreak, "break", domain.ActionTable{})}
}

// ReturnNode finishes the whole request section with the result folded so far.
type ReturnNode struct {
	nodeBase
}

// NewReturn builds a return statement.
func NewReturn() *ReturnNode {
	return &ReturnNode{nodeBase: newBase(TypeReturn, "return", domain.ActionTable{})}
}

// ExprNode evaluates an inline expression for its side effects.
type ExprNode struct {
	nodeBase
	tmpl Template
}

// NewExpr builds an inline expression statement.
func NewExpr(name string, tmpl Template, actions domain.ActionTable) *ExprNode {
	return &ExprNode{nodeBase: newBase(TypeExpr, name, actions), tmpl: tmpl}
}

// SetDebugName overrides the name printed in trace output. The compiler uses
// it to qualify instructions with their section path.
func SetDebugName(n Node, debugName string) {
	n.base().debugName = debugName
}
