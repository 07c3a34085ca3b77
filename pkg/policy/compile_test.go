package policy

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/gatekeep-io/gatekeep/pkg/config"
	"github.com/gatekeep-io/gatekeep/pkg/domain"
	"github.com/gatekeep-io/gatekeep/pkg/interp"
	"github.com/gatekeep-io/gatekeep/pkg/module"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRegistry(t *testing.T) *module.Registry {
	t.Helper()
	reg, err := module.Build([]config.ModuleConfig{
		{Name: "always_ok", Type: "static", Rcode: "ok"},
		{Name: "always_fail", Type: "static", Rcode: "fail"},
		{Name: "always_reject", Type: "static", Rcode: "reject"},
		{Name: "noop", Type: "static", Rcode: "noop"},
		{Name: "greet", Type: "static", Rcode: "updated",
			Reply: map[string]string{"Reply-Message": "hello"}},
	}, testLogger())
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	return reg
}

func compile(t *testing.T, doc string) *Set {
	t.Helper()
	set, err := tryCompile(t, doc)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return set
}

func tryCompile(t *testing.T, doc string) (*Set, error) {
	t.Helper()
	parsed, err := Parse([]byte(doc))
	if err != nil {
		return nil, err
	}
	return NewCompiler(testRegistry(t)).Compile(parsed)
}

func execute(t *testing.T, set *Set, policy string, attrs map[string]string) (interp.Outcome, *interp.Request) {
	t.Helper()
	entry, err := set.Lookup(policy)
	if err != nil {
		t.Fatalf("lookup %s: %v", policy, err)
	}
	in := interp.New(interp.Options{Logger: testLogger()})
	req := in.NewRequest(domain.NewRequest(testLogger()))
	for name, value := range attrs {
		req.Request.Request.Set(name, value)
	}
	out, done, err := in.Execute(context.Background(), req, entry)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !done {
		t.Fatalf("request parked unexpectedly")
	}
	return out, req
}

func TestCompileAndRunConditional(t *testing.T) {
	set := compile(t, `
policies:
  authorize:
    - if: 'request["User-Name"] == "root"'
      then:
        - module: always_reject
    - else:
        - module: greet
`)

	out, req := execute(t, set, "authorize", map[string]string{"User-Name": "alice"})
	if out.Rcode != domain.RcodeUpdated {
		t.Fatalf("alice: got %s, want updated", out.Rcode)
	}
	if v, _ := req.Reply.Get("Reply-Message"); v != "hello" {
		t.Fatalf("alice: reply not set, got %q", v)
	}

	out, _ = execute(t, set, "authorize", map[string]string{"User-Name": "root"})
	if out.Rcode != domain.RcodeReject {
		t.Fatalf("root: got %s, want reject", out.Rcode)
	}
}

func TestCompileRedundantFallsThrough(t *testing.T) {
	set := compile(t, `
policies:
  authorize:
    - redundant:
        - module: always_fail
        - module: always_ok
`)
	out, _ := execute(t, set, "authorize", nil)
	if out.Rcode != domain.RcodeOK {
		t.Fatalf("got %s, want ok from the second child", out.Rcode)
	}
}

func TestCompileSwitchAndUpdate(t *testing.T) {
	set := compile(t, `
policies:
  authorize:
    - switch: 'request["Realm"]'
      cases:
        staff:
          - update:
              reply:
                Realm-Class: '"employees"'
        default:
          - update:
              reply:
                Realm-Class: '"guests"'
`)

	_, req := execute(t, set, "authorize", map[string]string{"Realm": "staff"})
	if v, _ := req.Reply.Get("Realm-Class"); v != "employees" {
		t.Fatalf("staff realm classified as %q", v)
	}

	_, req = execute(t, set, "authorize", map[string]string{"Realm": "other"})
	if v, _ := req.Reply.Get("Realm-Class"); v != "guests" {
		t.Fatalf("unknown realm classified as %q", v)
	}
}

func TestCompileForeachWithBreak(t *testing.T) {
	set := compile(t, `
policies:
  authorize:
    - foreach: Group-Name
      do:
        - update:
            reply:
              '+Seen-Group': 'control["Foreach-Variable-0"]'
        - if: 'control["Foreach-Variable-0"] == "stop"'
          then:
            - break: true
`)

	entry, err := set.Lookup("authorize")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	in := interp.New(interp.Options{Logger: testLogger()})
	req := in.NewRequest(domain.NewRequest(testLogger()))
	for _, g := range []string{"admin", "stop", "vpn"} {
		req.Request.Request.Add("Group-Name", g)
	}
	if _, done, err := in.Execute(context.Background(), req, entry); err != nil || !done {
		t.Fatalf("execute: done=%v err=%v", done, err)
	}

	seen := req.Reply.GetAll("Seen-Group")
	if len(seen) != 2 || seen[0] != "admin" || seen[1] != "stop" {
		t.Fatalf("break must stop the loop, saw %v", seen)
	}
}

func TestCompileInlinesNamedPolicies(t *testing.T) {
	set := compile(t, `
policies:
  greet_user:
    - module: greet
  authorize:
    - policy: greet_user
    - module: always_ok
`)
	out, req := execute(t, set, "authorize", nil)
	if out.Rcode != domain.RcodeUpdated {
		t.Fatalf("got %s, want updated from the inlined policy", out.Rcode)
	}
	if v, _ := req.Reply.Get("Reply-Message"); v != "hello" {
		t.Fatalf("inlined policy did not run, reply %q", v)
	}
}

func TestCompileActionOverrides(t *testing.T) {
	set := compile(t, `
policies:
  authorize:
    - module: always_fail
      actions:
        fail: 10
    - module: always_ok
      actions:
        ok: 20
`)
	out, _ := execute(t, set, "authorize", nil)
	if out.Rcode != domain.RcodeOK {
		t.Fatalf("got %s, want ok with the higher priority", out.Rcode)
	}
}

func TestCompileRejectsInvalidDocuments(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		want string
	}{
		{"break outside foreach", `
policies:
  p:
    - break: true
`, "break outside foreach"},
		{"elsif without if", `
policies:
  p:
    - elsif: 'true'
      then:
        - module: always_ok
`, "must directly follow"},
		{"unknown module", `
policies:
  p:
    - module: ldap
`, "module not found"},
		{"recursive policy", `
policies:
  p:
    - policy: q
  q:
    - policy: p
`, "recursive policy"},
		{"mixed directives", `
policies:
  p:
    - module: always_ok
      foreach: Group-Name
`, "mixes directives"},
		{"bad condition", `
policies:
  p:
    - if: '=== nope'
      then:
        - module: always_ok
`, "compile condition"},
		{"bad action", `
policies:
  p:
    - module: always_ok
      actions:
        ok: sideways
`, "invalid action"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tryCompile(t, tc.doc)
			if err == nil {
				t.Fatalf("expected a compile error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestCompileRejectsExcessiveNesting(t *testing.T) {
	var b strings.Builder
	b.WriteString("policies:\n  p:\n")
	indent := "    "
	for i := 0; i < interp.StackMax+4; i++ {
		b.WriteString(indent + "- group:\n")
		indent += "    "
	}
	b.WriteString(indent + "- module: always_ok\n")

	if _, err := tryCompile(t, b.String()); err == nil {
		t.Fatalf("expected a nesting depth error")
	}
}
