package module

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gatekeep-io/gatekeep/pkg/domain"
	"github.com/gatekeep-io/gatekeep/pkg/interp"
)

// Delay suspends the request for a fixed duration and then completes with
// ok. It exercises the park and resume path end to end, and doubles as a
// throttling primitive in policies.
type Delay struct {
	name string
	d    time.Duration
	log  *slog.Logger
}

// NewDelay builds a delay module.
func NewDelay(name string, d time.Duration, log *slog.Logger) *Delay {
	if log == nil {
		log = slog.Default()
	}
	return &Delay{name: name, d: d, log: log}
}

type delayTimer struct {
	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

func (m *Delay) Name() string   { return m.name }
func (m *Delay) NewThread() any { return nil }

func (m *Delay) Process(_ context.Context, inv *interp.Invocation) domain.Rcode {
	dt := &delayTimer{}
	r := inv.Yield(m.resume, m.signal, dt)

	// Arm the timer after recording the resumption so a fast expiry finds
	// the request already yielding.
	dt.mu.Lock()
	if !dt.stopped {
		dt.timer = time.AfterFunc(m.d, inv.MarkRunnable)
	}
	dt.mu.Unlock()

	return r
}

func (m *Delay) resume(_ context.Context, _ *interp.Invocation, _ any) domain.Rcode {
	return domain.RcodeOK
}

func (m *Delay) signal(inv *interp.Invocation, rctx any, sig domain.Signal) {
	if sig != domain.SignalCancel {
		return
	}
	dt, ok := rctx.(*delayTimer)
	if !ok {
		return
	}
	dt.mu.Lock()
	dt.stopped = true
	if dt.timer != nil {
		dt.timer.Stop()
	}
	dt.mu.Unlock()
	m.log.Debug("delay cancelled", "module", m.name, "request_id", inv.Req.ID)
}

var _ interp.ModuleProc = (*Delay)(nil)
