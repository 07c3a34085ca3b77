package domain

import (
	"log/slog"

	"github.com/google/uuid"
)

// Signal is an out-of-band event delivered to an in-flight request,
// independent of its normal resumption path.
type Signal int

const (
	// SignalCancel asks the request to stop as soon as possible.
	SignalCancel Signal = iota
	// SignalTimeout tells the request an external deadline expired.
	SignalTimeout
	// SignalDuplicate tells the request a duplicate arrived and it may
	// be abandoned.
	SignalDuplicate
)

func (s Signal) String() string {
	switch s {
	case SignalCancel:
		return "cancel"
	case SignalTimeout:
		return "timeout"
	case SignalDuplicate:
		return "duplicate"
	}
	return "signal"
}

// Request carries the attribute state of one in-flight request through
// policy evaluation. All lists are owned exclusively by this request.
type Request struct {
	ID uuid.UUID

	// Request holds the attributes the client sent.
	Request *PairList
	// Reply accumulates the attributes to send back.
	Reply *PairList
	// Control holds server-internal attributes, including loop variables.
	Control *PairList

	Log *slog.Logger
}

// NewRequest allocates a request with empty attribute lists.
func NewRequest(log *slog.Logger) *Request {
	if log == nil {
		log = slog.Default()
	}
	return &Request{
		ID:      uuid.New(),
		Request: NewPairList(),
		Reply:   NewPairList(),
		Control: NewPairList(),
		Log:     log,
	}
}

// Attr returns the first value of the named request attribute.
func (r *Request) Attr(name string) (string, bool) {
	return r.Request.Get(name)
}

// Attrs returns every value of the named request attribute, in order.
func (r *Request) Attrs(name string) []string {
	return r.Request.GetAll(name)
}

// Clone copies the request with independent attribute lists and a fresh ID.
// Used when a request is forked into concurrent sub-evaluations.
func (r *Request) Clone() *Request {
	return &Request{
		ID:      uuid.New(),
		Request: r.Request.Clone(),
		Reply:   r.Reply.Clone(),
		Control: r.Control.Clone(),
		Log:     r.Log,
	}
}
