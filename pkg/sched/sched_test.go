package sched

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/gatekeep-io/gatekeep/pkg/domain"
	"github.com/gatekeep-io/gatekeep/pkg/interp"
	"github.com/gatekeep-io/gatekeep/pkg/module"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func staticEntry(t *testing.T, rcode string) interp.Node {
	t.Helper()
	m, err := module.NewStatic("m", rcode, nil)
	if err != nil {
		t.Fatalf("new static: %v", err)
	}
	return interp.NewModuleCall(m, domain.DefaultActions)
}

func delayEntry(d time.Duration) interp.Node {
	return interp.NewModuleCall(module.NewDelay("throttle", d, testLogger()), domain.DefaultActions)
}

func submit(t *testing.T, s *Scheduler, entry interp.Node) chan interp.Outcome {
	t.Helper()
	outc := make(chan interp.Outcome, 1)
	err := s.Submit(context.Background(), "authorize", entry, domain.NewRequest(testLogger()),
		func(out interp.Outcome) { outc <- out })
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return outc
}

func wait(t *testing.T, outc chan interp.Outcome) interp.Outcome {
	t.Helper()
	select {
	case out := <-outc:
		return out
	case <-time.After(2 * time.Second):
		t.Fatalf("request never completed")
		return interp.Outcome{}
	}
}

func TestSubmitRunsToCompletion(t *testing.T) {
	s := New(Options{Logger: testLogger(), Workers: 2, QueueDepth: 8})
	defer s.Stop(context.Background())

	out := wait(t, submit(t, s, staticEntry(t, "ok")))
	if out.Rcode != domain.RcodeOK {
		t.Fatalf("got %s, want ok", out.Rcode)
	}
}

func TestParkedRequestResumesOnPool(t *testing.T) {
	s := New(Options{Logger: testLogger(), Workers: 2, QueueDepth: 8})
	defer s.Stop(context.Background())

	out := wait(t, submit(t, s, delayEntry(5*time.Millisecond)))
	if out.Rcode != domain.RcodeOK {
		t.Fatalf("got %s, want ok after the delay", out.Rcode)
	}
}

func TestManyConcurrentSubmissions(t *testing.T) {
	s := New(Options{Logger: testLogger(), Workers: 4, QueueDepth: 8})
	defer s.Stop(context.Background())

	const n = 64
	chans := make([]chan interp.Outcome, n)
	for i := range chans {
		chans[i] = submit(t, s, delayEntry(time.Millisecond))
	}
	for i, outc := range chans {
		if out := wait(t, outc); out.Rcode != domain.RcodeOK {
			t.Fatalf("request %d: got %s, want ok", i, out.Rcode)
		}
	}
}

func TestParkTimeoutCancelsStuckRequest(t *testing.T) {
	s := New(Options{Logger: testLogger(), Workers: 1, QueueDepth: 8, ParkTimeout: 20 * time.Millisecond})
	defer s.Stop(context.Background())

	out := wait(t, submit(t, s, delayEntry(time.Hour)))
	if out.Rcode != domain.RcodeReject {
		t.Fatalf("got %s, want reject after the park timeout", out.Rcode)
	}
}

// sleepModule computes synchronously for a while, like a module doing real
// work after an earlier sibling resumed the request.
type sleepModule struct{ d time.Duration }

func (m *sleepModule) Name() string   { return "sleep" }
func (m *sleepModule) NewThread() any { return nil }

func (m *sleepModule) Process(context.Context, *interp.Invocation) domain.Rcode {
	time.Sleep(m.d)
	return domain.RcodeOK
}

func TestParkTimeoutClearedOnResume(t *testing.T) {
	s := New(Options{Logger: testLogger(), Workers: 1, QueueDepth: 8, ParkTimeout: 30 * time.Millisecond})
	defer s.Stop(context.Background())

	// Parks briefly, then computes for longer than the park timeout. The
	// timeout only covers time spent parked, so the request must finish ok.
	g := interp.NewGroup("authorize", domain.DefaultActions)
	g.AddChild(delayEntry(5 * time.Millisecond))
	g.AddChild(interp.NewModuleCall(&sleepModule{d: 60 * time.Millisecond}, domain.DefaultActions))

	out := wait(t, submit(t, s, g))
	if out.Rcode != domain.RcodeOK {
		t.Fatalf("got %s, want ok; the park timeout fired against a running request", out.Rcode)
	}
}

func TestParkTimeoutRearmsOnEachPark(t *testing.T) {
	s := New(Options{Logger: testLogger(), Workers: 1, QueueDepth: 8, ParkTimeout: 40 * time.Millisecond})
	defer s.Stop(context.Background())

	// Two parks of 25ms each: combined parked time exceeds the timeout but
	// neither single park does, so the request must finish ok.
	g := interp.NewGroup("authorize", domain.DefaultActions)
	g.AddChild(delayEntry(25 * time.Millisecond))
	g.AddChild(delayEntry(25 * time.Millisecond))

	out := wait(t, submit(t, s, g))
	if out.Rcode != domain.RcodeOK {
		t.Fatalf("got %s, want ok; the timeout must measure each park separately", out.Rcode)
	}
}

func TestStopCancelsParkedRequests(t *testing.T) {
	s := New(Options{Logger: testLogger(), Workers: 1, QueueDepth: 8})

	outc := submit(t, s, delayEntry(time.Hour))

	// Give the worker time to park the request before stopping.
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if out := wait(t, outc); out.Rcode != domain.RcodeReject {
		t.Fatalf("got %s, want reject from shutdown", out.Rcode)
	}

	if err := s.Submit(context.Background(), "authorize", staticEntry(t, "ok"),
		domain.NewRequest(testLogger()), nil); err == nil {
		t.Fatalf("submit after stop must fail")
	}
}
