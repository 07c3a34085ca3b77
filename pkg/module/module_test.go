package module

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gatekeep-io/gatekeep/pkg/config"
	"github.com/gatekeep-io/gatekeep/pkg/domain"
	"github.com/gatekeep-io/gatekeep/pkg/interp"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func invocation(t *testing.T) *interp.Invocation {
	t.Helper()
	in := interp.New(interp.Options{Logger: testLogger()})
	return &interp.Invocation{Req: in.NewRequest(domain.NewRequest(testLogger()))}
}

func TestStaticSetsReplyAndRcode(t *testing.T) {
	m, err := NewStatic("always_ok", "ok", map[string]string{"Reply-Message": "welcome"})
	if err != nil {
		t.Fatalf("new static: %v", err)
	}

	inv := invocation(t)
	if r := m.Process(context.Background(), inv); r != domain.RcodeOK {
		t.Fatalf("got %s, want ok", r)
	}
	if v, ok := inv.Req.Reply.Get("Reply-Message"); !ok || v != "welcome" {
		t.Fatalf("reply not set, got %q ok=%v", v, ok)
	}
}

func TestStaticReplyOrderIsDeterministic(t *testing.T) {
	reply := map[string]string{
		"Session-Timeout": "3600",
		"Class":           "staff",
		"Reply-Message":   "welcome",
		"Idle-Timeout":    "600",
	}
	want := []string{"Class", "Idle-Timeout", "Reply-Message", "Session-Timeout"}

	// Map iteration order varies run to run; the module must not.
	for i := 0; i < 5; i++ {
		m, err := NewStatic("always_ok", "ok", reply)
		if err != nil {
			t.Fatalf("new static: %v", err)
		}
		inv := invocation(t)
		m.Process(context.Background(), inv)

		pairs := inv.Req.Reply.Pairs()
		if len(pairs) != len(want) {
			t.Fatalf("got %d reply pairs, want %d", len(pairs), len(want))
		}
		for j, p := range pairs {
			if p.Name != want[j] {
				t.Fatalf("reply[%d] = %s, want %s", j, p.Name, want[j])
			}
		}
	}
}

func TestStaticRejectsBadRcode(t *testing.T) {
	if _, err := NewStatic("bad", "frobnicate", nil); err == nil {
		t.Fatalf("expected an error for an unknown rcode")
	}
}

func writeUsers(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "users.csv")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write users file: %v", err)
	}
	return path
}

func TestFilesLookup(t *testing.T) {
	path := writeUsers(t, `alice,ok,Reply-Message=welcome,Session-Timeout=3600
bob,reject
# comment line
`)
	m, err := NewFiles("users", path)
	if err != nil {
		t.Fatalf("new files: %v", err)
	}

	inv := invocation(t)
	inv.Req.Request.Request.Set("User-Name", "alice")
	if r := m.Process(context.Background(), inv); r != domain.RcodeOK {
		t.Fatalf("alice: got %s, want ok", r)
	}
	if v, _ := inv.Req.Reply.Get("Session-Timeout"); v != "3600" {
		t.Fatalf("alice reply missing, got %q", v)
	}

	inv = invocation(t)
	inv.Req.Request.Request.Set("User-Name", "bob")
	if r := m.Process(context.Background(), inv); r != domain.RcodeReject {
		t.Fatalf("bob: got %s, want reject", r)
	}

	inv = invocation(t)
	inv.Req.Request.Request.Set("User-Name", "mallory")
	if r := m.Process(context.Background(), inv); r != domain.RcodeNotfound {
		t.Fatalf("unknown user: got %s, want notfound", r)
	}

	inv = invocation(t)
	if r := m.Process(context.Background(), inv); r != domain.RcodeNotfound {
		t.Fatalf("missing User-Name: got %s, want notfound", r)
	}
}

func TestFilesRejectsMalformedRecords(t *testing.T) {
	for _, body := range []string{
		"alice\n",
		"alice,nonsense\n",
		"alice,ok,NoEquals\n",
	} {
		if _, err := NewFiles("users", writeUsers(t, body)); err == nil {
			t.Fatalf("expected an error for %q", body)
		}
	}
}

func TestRegoStringDecision(t *testing.T) {
	m, err := NewRego("check", `package gatekeep

import rego.v1

result := "ok" if input.request["User-Name"] == "alice"
result := "reject" if input.request["User-Name"] != "alice"
`, "")
	if err != nil {
		t.Fatalf("new rego: %v", err)
	}

	inv := invocation(t)
	inv.Req.Request.Request.Set("User-Name", "alice")
	if r := m.Process(context.Background(), inv); r != domain.RcodeOK {
		t.Fatalf("alice: got %s, want ok", r)
	}

	inv = invocation(t)
	inv.Req.Request.Request.Set("User-Name", "bob")
	if r := m.Process(context.Background(), inv); r != domain.RcodeReject {
		t.Fatalf("bob: got %s, want reject", r)
	}
}

func TestRegoObjectDecisionSetsReply(t *testing.T) {
	m, err := NewRego("check", `package gatekeep

import rego.v1

result := {"rcode": "updated", "reply": {"Reply-Message": "policy says hi"}} if {
	input.request["User-Name"]
}
`, "")
	if err != nil {
		t.Fatalf("new rego: %v", err)
	}

	inv := invocation(t)
	inv.Req.Request.Request.Set("User-Name", "alice")
	if r := m.Process(context.Background(), inv); r != domain.RcodeUpdated {
		t.Fatalf("got %s, want updated", r)
	}
	if v, _ := inv.Req.Reply.Get("Reply-Message"); v != "policy says hi" {
		t.Fatalf("reply not applied, got %q", v)
	}
}

func TestRegoUndefinedDecisionIsNoop(t *testing.T) {
	m, err := NewRego("check", `package gatekeep

import rego.v1

result := "ok" if input.request["User-Name"] == "nobody-matches"
`, "")
	if err != nil {
		t.Fatalf("new rego: %v", err)
	}

	inv := invocation(t)
	if r := m.Process(context.Background(), inv); r != domain.RcodeNoop {
		t.Fatalf("undefined decision: got %s, want noop", r)
	}
}

func TestDelayParksAndCompletes(t *testing.T) {
	m := NewDelay("throttle", 5*time.Millisecond, testLogger())

	in := interp.New(interp.Options{Logger: testLogger()})
	req := in.NewRequest(domain.NewRequest(testLogger()))

	outc := make(chan interp.Outcome, 1)
	req.OnDone = func(out interp.Outcome) { outc <- out }

	_, done, err := in.Execute(context.Background(), req, interp.NewModuleCall(m, domain.DefaultActions))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if done {
		t.Fatalf("delay must park the request")
	}

	select {
	case out := <-outc:
		if out.Rcode != domain.RcodeOK {
			t.Fatalf("got %s, want ok", out.Rcode)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("delayed request never completed")
	}
}

func TestDelayCancelStopsTimer(t *testing.T) {
	m := NewDelay("throttle", time.Hour, testLogger())

	in := interp.New(interp.Options{Logger: testLogger()})
	req := in.NewRequest(domain.NewRequest(testLogger()))

	outc := make(chan interp.Outcome, 1)
	req.OnDone = func(out interp.Outcome) { outc <- out }

	_, done, err := in.Execute(context.Background(), req, interp.NewModuleCall(m, domain.DefaultActions))
	if err != nil || done {
		t.Fatalf("execute: done=%v err=%v", done, err)
	}

	in.Signal(req, domain.SignalCancel)

	select {
	case out := <-outc:
		if out.Rcode != domain.RcodeReject {
			t.Fatalf("got %s, want reject after cancel", out.Rcode)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("cancelled request never completed")
	}
}

func TestBuildRegistryFromConfig(t *testing.T) {
	reg, err := Build([]config.ModuleConfig{
		{Name: "always_ok", Type: "static", Rcode: "ok"},
		{Name: "throttle", Type: "delay", Delay: time.Millisecond},
	}, testLogger())
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if _, err := reg.Lookup("always_ok"); err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if _, err := reg.Lookup("missing"); err == nil {
		t.Fatalf("expected a lookup error for an unknown module")
	}

	_, err = Build([]config.ModuleConfig{
		{Name: "dup", Type: "static"},
		{Name: "dup", Type: "static"},
	}, testLogger())
	if err == nil {
		t.Fatalf("expected an error for duplicate module names")
	}
}
