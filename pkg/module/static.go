package module

import (
	"context"
	"fmt"
	"sort"

	"github.com/gatekeep-io/gatekeep/pkg/domain"
	"github.com/gatekeep-io/gatekeep/pkg/interp"
)

// Static always produces the configured result code, optionally adding reply
// attributes. Useful as a policy terminator and in tests.
type Static struct {
	name  string
	rcode domain.Rcode
	reply []domain.Pair
}

// NewStatic builds a static module. rcode defaults to noop when empty.
func NewStatic(name, rcode string, reply map[string]string) (*Static, error) {
	r := domain.RcodeNoop
	if rcode != "" {
		parsed, err := domain.ParseRcode(rcode)
		if err != nil {
			return nil, err
		}
		r = parsed
	}
	// Configuration maps carry no order, so fix one: replies apply in
	// attribute-name order on every run.
	names := make([]string, 0, len(reply))
	for name := range reply {
		names = append(names, name)
	}
	sort.Strings(names)
	pairs := make([]domain.Pair, 0, len(names))
	for _, name := range names {
		pairs = append(pairs, domain.Pair{Name: name, Value: reply[name]})
	}
	return &Static{name: name, rcode: r, reply: pairs}, nil
}

func (s *Static) Name() string   { return s.name }
func (s *Static) NewThread() any { return nil }

func (s *Static) Process(_ context.Context, inv *interp.Invocation) domain.Rcode {
	for _, p := range s.reply {
		inv.Req.Reply.Set(p.Name, p.Value)
	}
	return s.rcode
}

var _ interp.ModuleProc = (*Static)(nil)

func (s *Static) String() string {
	return fmt.Sprintf("static(%s -> %s)", s.name, s.rcode)
}
