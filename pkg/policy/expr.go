package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/gatekeep-io/gatekeep/pkg/domain"
)

// exprEnv builds the evaluation environment for one request. Each attribute
// list is exposed as a name to first-value map; multi-valued attributes are
// additionally available through the values() helper.
func exprEnv(r *domain.Request) map[string]any {
	return map[string]any{
		"request": listToMap(r.Request),
		"reply":   listToMap(r.Reply),
		"control": listToMap(r.Control),
		"values": func(list, name string) []string {
			switch list {
			case "reply":
				return r.Reply.GetAll(name)
			case "control":
				return r.Control.GetAll(name)
			default:
				return r.Request.GetAll(name)
			}
		},
	}
}

func listToMap(l *domain.PairList) map[string]string {
	out := make(map[string]string, l.Len())
	for _, p := range l.Pairs() {
		if _, ok := out[p.Name]; !ok {
			out[p.Name] = p.Value
		}
	}
	return out
}

// exprCondition is a compiled boolean policy condition.
type exprCondition struct {
	src  string
	prog *vm.Program
}

func compileCondition(src string) (*exprCondition, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, fmt.Errorf("empty condition")
	}
	prog, err := expr.Compile(src, expr.AsBool(), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compile condition %q: %w", src, err)
	}
	return &exprCondition{src: src, prog: prog}, nil
}

func (c *exprCondition) Eval(_ context.Context, r *domain.Request) (bool, error) {
	out, err := expr.Run(c.prog, exprEnv(r))
	if err != nil {
		return false, fmt.Errorf("condition %q: %w", c.src, err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q evaluated to %T, not bool", c.src, out)
	}
	return b, nil
}

// exprTemplate is a compiled expansion producing a string.
type exprTemplate struct {
	src  string
	prog *vm.Program
}

func compileTemplate(src string) (*exprTemplate, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, fmt.Errorf("empty expansion")
	}
	prog, err := expr.Compile(src, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compile expansion %q: %w", src, err)
	}
	return &exprTemplate{src: src, prog: prog}, nil
}

func (t *exprTemplate) Eval(_ context.Context, r *domain.Request) (string, error) {
	out, err := expr.Run(t.prog, exprEnv(r))
	if err != nil {
		return "", fmt.Errorf("expansion %q: %w", t.src, err)
	}
	if out == nil {
		return "", nil
	}
	return fmt.Sprint(out), nil
}

// attrEdit is one compiled edit of an update block.
type attrEdit struct {
	list  string // request, reply or control
	op    byte   // '=', '+' (add) or '-' (delete)
	name  string
	value *exprTemplate
}

// exprMapping applies the edits of an update block, list by list.
type exprMapping struct {
	edits []attrEdit
}

// compileMapping turns {list: {attr: value-expr}} into a Mapping. An attr
// prefixed with "+" appends instead of replacing; "-" deletes and ignores
// the value.
func compileMapping(lists map[string]map[string]string) (*exprMapping, error) {
	m := &exprMapping{}
	for _, list := range []string{"request", "reply", "control"} {
		attrs, ok := lists[list]
		if !ok {
			continue
		}
		names := make([]string, 0, len(attrs))
		for name := range attrs {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			value := attrs[name]
			edit := attrEdit{list: list, op: '=', name: name}
			switch {
			case strings.HasPrefix(name, "+"):
				edit.op, edit.name = '+', name[1:]
			case strings.HasPrefix(name, "-"):
				edit.op, edit.name = '-', name[1:]
			}
			if edit.name == "" {
				return nil, fmt.Errorf("update %s: empty attribute name", list)
			}
			if edit.op != '-' {
				tmpl, err := compileTemplate(value)
				if err != nil {
					return nil, fmt.Errorf("update %s.%s: %w", list, edit.name, err)
				}
				edit.value = tmpl
			}
			m.edits = append(m.edits, edit)
		}
	}
	for list := range lists {
		if list != "request" && list != "reply" && list != "control" {
			return nil, fmt.Errorf("update: unknown attribute list %q", list)
		}
	}
	if len(m.edits) == 0 {
		return nil, fmt.Errorf("update: no edits")
	}
	return m, nil
}

func (m *exprMapping) Apply(ctx context.Context, r *domain.Request) error {
	for _, e := range m.edits {
		var target *domain.PairList
		switch e.list {
		case "request":
			target = r.Request
		case "reply":
			target = r.Reply
		case "control":
			target = r.Control
		}

		if e.op == '-' {
			target.Delete(e.name)
			continue
		}
		value, err := e.value.Eval(ctx, r)
		if err != nil {
			return err
		}
		if e.op == '+' {
			target.Add(e.name, value)
		} else {
			target.Set(e.name, value)
		}
	}
	return nil
}
