package policy

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/gatekeep-io/gatekeep/pkg/domain"
	"github.com/gatekeep-io/gatekeep/pkg/interp"
	"github.com/gatekeep-io/gatekeep/pkg/module"
)

// Compiler turns parsed policy documents into instruction graphs.
type Compiler struct {
	modules *module.Registry
}

// NewCompiler builds a compiler resolving module names against reg.
func NewCompiler(reg *module.Registry) *Compiler {
	return &Compiler{modules: reg}
}

// Set is an immutable collection of compiled policies. Once published it is
// shared by every in-flight request and never mutated.
type Set struct {
	policies map[string]interp.Node
}

// Lookup resolves a compiled policy by name.
func (s *Set) Lookup(name string) (interp.Node, error) {
	n, ok := s.policies[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrPolicyNotFound, name)
	}
	return n, nil
}

// Names lists the compiled policy names, sorted.
func (s *Set) Names() []string {
	names := make([]string, 0, len(s.policies))
	for name := range s.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// scope carries the structural context of the step being compiled.
type scope struct {
	doc       *Document
	path      string
	depth     int
	inForeach bool
	active    map[string]bool // named policies on the inline stack
}

func (sc scope) at(i int, suffix string) scope {
	sc.path = sc.path + "[" + strconv.Itoa(i) + "]" + suffix
	return sc
}

func (sc scope) deeper(by int) scope {
	sc.depth += by
	return sc
}

// redundantChildActions is the default table for direct children of
// redundant sections: every result is a plain priority so a failing child
// falls through to the next one.
var redundantChildActions = func() domain.ActionTable {
	var t domain.ActionTable
	for i := range t {
		t[i] = 1
	}
	return t
}()

// Compile builds every policy in the document.
func (c *Compiler) Compile(doc *Document) (*Set, error) {
	set := &Set{policies: make(map[string]interp.Node, len(doc.Policies))}

	names := make([]string, 0, len(doc.Policies))
	for name := range doc.Policies {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		sc := scope{
			doc:    doc,
			path:   name,
			depth:  2, // entry frame plus the section walk
			active: map[string]bool{name: true},
		}
		g := interp.NewPolicy(name, domain.DefaultActions)
		interp.SetDebugName(g, name)
		if err := c.addSteps(g, doc.Policies[name], domain.DefaultActions, sc); err != nil {
			return nil, fmt.Errorf("policy %q: %w", name, err)
		}
		set.policies[name] = g
	}
	return set, nil
}

// addSteps compiles the steps of one section into g. childBase is the
// default action table for the section's direct children.
func (c *Compiler) addSteps(g *interp.Group, steps []Step, childBase domain.ActionTable, sc scope) error {
	if sc.depth > interp.StackMax {
		return fmt.Errorf("%s: policy nesting exceeds the interpreter stack (%d frames)", sc.path, interp.StackMax)
	}

	prevConditional := false
	for i := range steps {
		step := &steps[i]
		kind, err := step.kind()
		if err != nil {
			return fmt.Errorf("%s[%d]: %w", sc.path, i, err)
		}
		if (kind == "elsif" || kind == "else") && !prevConditional {
			return fmt.Errorf("%s[%d]: %q must directly follow an if or elsif", sc.path, i, kind)
		}

		n, err := c.step(step, kind, childBase, sc.at(i, "."+kind))
		if err != nil {
			return err
		}
		g.AddChild(n)

		prevConditional = kind == "if" || kind == "elsif"
	}
	return nil
}

func (c *Compiler) step(step *Step, kind string, childBase domain.ActionTable, sc scope) (interp.Node, error) {
	actions, err := actionsFor(step.Actions, childBase, sc.path)
	if err != nil {
		return nil, err
	}
	if step.Else != nil && kind != "else" {
		return nil, fmt.Errorf("%s: else steps stand alone", sc.path)
	}

	switch kind {
	case "module":
		proc, err := c.modules.Lookup(step.Module)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", sc.path, err)
		}
		n := interp.NewModuleCall(proc, actions)
		interp.SetDebugName(n, sc.path+":"+step.Module)
		return n, nil

	case "group":
		return c.section(interp.NewGroup("group", actions), step.Group, domain.DefaultActions, sc.deeper(1))
	case "redundant":
		return c.section(interp.NewRedundant("redundant", actions), step.Redundant, redundantChildActions, sc.deeper(1))
	case "load-balance":
		return c.section(interp.NewLoadBalance("load-balance", actions), step.LoadBalance, domain.DefaultActions, sc.deeper(1))
	case "redundant-load-balance":
		return c.section(interp.NewRedundantLoadBalance("redundant-load-balance", actions), step.RedundantLoadBalance, redundantChildActions, sc.deeper(1))
	case "parallel":
		// Children start detached evaluations with their own stacks, so
		// nesting below them restarts at depth zero.
		return c.section(interp.NewParallel("parallel", actions), step.Parallel, domain.DefaultActions, sc)

	case "if", "elsif":
		src := step.If
		ctor := interp.NewIf
		if kind == "elsif" {
			src = step.Elsif
			ctor = interp.NewElsif
		}
		cond, err := compileCondition(src)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", sc.path, err)
		}
		return c.section(ctor(kind, cond, actions), step.Then, domain.DefaultActions, sc.deeper(1))
	case "else":
		return c.section(interp.NewElse("else", actions), step.Else, domain.DefaultActions, sc.deeper(1))

	case "switch":
		tmpl, err := compileTemplate(step.Switch)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", sc.path, err)
		}
		sw := interp.NewSwitch("switch", tmpl, actions)
		interp.SetDebugName(sw, sc.path)

		values := make([]string, 0, len(step.Cases))
		for v := range step.Cases {
			values = append(values, v)
		}
		sort.Strings(values)
		for _, v := range values {
			var cn *interp.Group
			if v == "default" {
				cn = interp.NewDefaultCase("case", domain.DefaultActions)
			} else {
				cn = interp.NewCase("case", v, domain.DefaultActions)
			}
			csc := sc.deeper(2)
			csc.path = sc.path + ".case:" + v
			if _, err := c.section(cn, step.Cases[v], domain.DefaultActions, csc); err != nil {
				return nil, err
			}
			sw.AddChild(cn)
		}
		return sw, nil

	case "update":
		mapping, err := compileMapping(step.Update)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", sc.path, err)
		}
		n := interp.NewUpdate("update", mapping, actions)
		interp.SetDebugName(n, sc.path)
		return n, nil

	case "foreach":
		fe := interp.NewForeach("foreach", step.Foreach, actions)
		fsc := sc.deeper(2) // loop frame plus body walk
		fsc.inForeach = true
		return c.section(fe, step.Do, domain.DefaultActions, fsc)

	case "break":
		if !sc.inForeach {
			return nil, fmt.Errorf("%s: break outside foreach", sc.path)
		}
		return interp.NewBreak(), nil
	case "return":
		return interp.NewReturn(), nil

	case "policy":
		return c.inlinePolicy(step.Policy, actions, sc)

	case "expr":
		tmpl, err := compileTemplate(step.Expr)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", sc.path, err)
		}
		n := interp.NewExpr("expr", tmpl, actions)
		interp.SetDebugName(n, sc.path)
		return n, nil
	}
	return nil, fmt.Errorf("%s: unhandled step kind %q", sc.path, kind)
}

func (c *Compiler) section(g *interp.Group, steps []Step, childBase domain.ActionTable, sc scope) (*interp.Group, error) {
	interp.SetDebugName(g, sc.path)
	if err := c.addSteps(g, steps, childBase, sc); err != nil {
		return nil, err
	}
	return g, nil
}

// inlinePolicy expands a named policy reference in place. Every call site
// gets its own copy of the subgraph, so per-site action overrides and debug
// names stay independent.
func (c *Compiler) inlinePolicy(name string, actions domain.ActionTable, sc scope) (interp.Node, error) {
	steps, ok := sc.doc.Policies[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w: %s", sc.path, domain.ErrPolicyNotFound, name)
	}
	if sc.active[name] {
		return nil, fmt.Errorf("%s: recursive policy reference %q", sc.path, name)
	}

	psc := sc.deeper(1)
	psc.active = make(map[string]bool, len(sc.active)+1)
	for n := range sc.active {
		psc.active[n] = true
	}
	psc.active[name] = true
	psc.path = sc.path + "(" + name + ")"

	return c.section(interp.NewPolicy(name, actions), steps, domain.DefaultActions, psc)
}

// actionsFor merges explicit overrides onto the base table.
func actionsFor(over map[string]string, base domain.ActionTable, path string) (domain.ActionTable, error) {
	if len(over) == 0 {
		return base, nil
	}
	t := base
	for rs, as := range over {
		r, err := domain.ParseRcode(rs)
		if err != nil {
			return t, fmt.Errorf("%s: actions: %w", path, err)
		}
		a, err := domain.ParseAction(as)
		if err != nil {
			return t, fmt.Errorf("%s: actions[%s]: %w", path, rs, err)
		}
		t[r] = a
	}
	return t, nil
}
