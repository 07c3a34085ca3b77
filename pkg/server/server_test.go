package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gatekeep-io/gatekeep/pkg/module"
	"github.com/gatekeep-io/gatekeep/pkg/policy"
	"github.com/gatekeep-io/gatekeep/pkg/sched"
)

const testPolicies = `
policies:
  authorize:
    - if: 'request["User-Name"] == "alice"'
      then:
        - module: greet
    - else:
        - module: deny
  slow:
    - module: pause
    - module: greet
`

func newTestServer(t *testing.T) (*httptest.Server, *sched.Scheduler) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	reg := module.NewRegistry()
	greet, err := module.NewStatic("greet", "ok", map[string]string{"Reply-Message": "welcome"})
	if err != nil {
		t.Fatalf("static module: %v", err)
	}
	deny, err := module.NewStatic("deny", "reject", nil)
	if err != nil {
		t.Fatalf("static module: %v", err)
	}
	if err := reg.Register(greet); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register(deny); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register(module.NewDelay("pause", 5*time.Millisecond, log)); err != nil {
		t.Fatalf("register: %v", err)
	}

	path := filepath.Join(t.TempDir(), "policies.yaml")
	if err := os.WriteFile(path, []byte(testPolicies), 0o644); err != nil {
		t.Fatalf("write policy file: %v", err)
	}
	store, err := policy.NewStore(path, policy.NewCompiler(reg), log)
	if err != nil {
		t.Fatalf("load store: %v", err)
	}

	pool := sched.New(sched.Options{
		Logger:      log,
		Workers:     2,
		QueueDepth:  16,
		ParkTimeout: time.Second,
		Metrics:     sched.NewMetrics(),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = pool.Stop(ctx)
	})

	ts := httptest.NewServer(New(store, pool, log).Handler())
	t.Cleanup(ts.Close)
	return ts, pool
}

func postEval(t *testing.T, ts *httptest.Server, body string) (*http.Response, evalResponse) {
	t.Helper()
	resp, err := http.Post(ts.URL+"/v1/eval", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	var out evalResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, out
}

func TestEvalMatchingRequest(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, out := postEval(t, ts, `{"policy":"authorize","request":{"User-Name":"alice"}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if out.Rcode != "ok" {
		t.Fatalf("rcode = %q, want ok", out.Rcode)
	}
	if got := out.Reply["Reply-Message"]; len(got) != 1 || got[0] != "welcome" {
		t.Fatalf("reply = %v, want [welcome]", got)
	}
}

func TestEvalRejectedRequest(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, out := postEval(t, ts, `{"policy":"authorize","request":{"User-Name":"mallory"}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if out.Rcode != "reject" {
		t.Fatalf("rcode = %q, want reject", out.Rcode)
	}
	if len(out.Reply) != 0 {
		t.Fatalf("reply = %v, want empty", out.Reply)
	}
}

func TestEvalParkedPolicyCompletes(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, out := postEval(t, ts, `{"policy":"slow","request":{}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if out.Rcode != "ok" {
		t.Fatalf("rcode = %q, want ok", out.Rcode)
	}
}

func TestEvalUnknownPolicy(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Post(ts.URL+"/v1/eval", "application/json",
		strings.NewReader(`{"policy":"nope","request":{}}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestEvalBadRequests(t *testing.T) {
	ts, _ := newTestServer(t)

	cases := []struct {
		name string
		body string
	}{
		{"invalid json", `{`},
		{"missing policy", `{"request":{}}`},
		{"non-string attribute", `{"policy":"authorize","request":{"User-Name":42}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/v1/eval", "application/json", strings.NewReader(tc.body))
			if err != nil {
				t.Fatalf("post: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestListPolicies(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/v1/policies")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var out map[string][]string
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := []string{"authorize", "slow"}
	got := out["policies"]
	if len(got) != len(want) {
		t.Fatalf("policies = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("policies = %v, want %v", got, want)
		}
	}
}

func TestHealthz(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}
