package module

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/gatekeep-io/gatekeep/pkg/domain"
	"github.com/gatekeep-io/gatekeep/pkg/interp"
)

const defaultRegoQuery = "data.gatekeep.result"

// Rego evaluates an embedded Rego module against the request attributes.
//
// The query result is either a plain result-code string, or an object of the
// form {"rcode": "ok", "reply": {"Reply-Message": "hello"}}. An undefined
// decision resolves to noop.
type Rego struct {
	name     string
	prepared rego.PreparedEvalQuery
}

// NewRego compiles the module source and prepares the query once; the
// prepared query is safe for concurrent evaluation.
func NewRego(name, source, query string) (*Rego, error) {
	if strings.TrimSpace(source) == "" {
		return nil, errors.New("rego module requires source")
	}
	if strings.TrimSpace(query) == "" {
		query = defaultRegoQuery
	}

	prepared, err := rego.New(
		rego.Query(query),
		rego.Module(name+".rego", source),
	).PrepareForEval(context.Background())
	if err != nil {
		return nil, fmt.Errorf("compile rego module: %w", err)
	}

	return &Rego{name: name, prepared: prepared}, nil
}

func (m *Rego) Name() string   { return m.name }
func (m *Rego) NewThread() any { return nil }

func (m *Rego) Process(ctx context.Context, inv *interp.Invocation) domain.Rcode {
	input := map[string]any{
		"request": pairsToMap(inv.Req.Request.Request),
		"reply":   pairsToMap(inv.Req.Reply),
		"control": pairsToMap(inv.Req.Control),
	}

	results, err := m.prepared.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		inv.Req.Log.Error("rego evaluation failed", "module", m.name, "error", err)
		return domain.RcodeFail
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return domain.RcodeNoop
	}

	switch v := results[0].Expressions[0].Value.(type) {
	case string:
		return m.parse(inv, v)
	case map[string]any:
		if reply, ok := v["reply"].(map[string]any); ok {
			for name, value := range reply {
				inv.Req.Reply.Set(name, fmt.Sprint(value))
			}
		}
		rcode, _ := v["rcode"].(string)
		if rcode == "" {
			return domain.RcodeNoop
		}
		return m.parse(inv, rcode)
	case bool:
		if v {
			return domain.RcodeOK
		}
		return domain.RcodeReject
	}
	inv.Req.Log.Error("rego decision has unexpected type",
		"module", m.name, "type", fmt.Sprintf("%T", results[0].Expressions[0].Value))
	return domain.RcodeFail
}

func (m *Rego) parse(inv *interp.Invocation, s string) domain.Rcode {
	r, err := domain.ParseRcode(s)
	if err != nil {
		inv.Req.Log.Error("rego decision is not a result code", "module", m.name, "value", s)
		return domain.RcodeFail
	}
	return r
}

func pairsToMap(l *domain.PairList) map[string]any {
	out := make(map[string]any, l.Len())
	for _, p := range l.Pairs() {
		if existing, ok := out[p.Name]; ok {
			switch v := existing.(type) {
			case []any:
				out[p.Name] = append(v, p.Value)
			default:
				out[p.Name] = []any{v, p.Value}
			}
			continue
		}
		out[p.Name] = p.Value
	}
	return out
}

var _ interp.ModuleProc = (*Rego)(nil)
