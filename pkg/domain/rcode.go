package domain

import "fmt"

// Rcode is the result code produced by a module method or a policy section.
type Rcode int

// Module result codes. The order is fixed: action tables are indexed by it.
const (
	RcodeReject   Rcode = iota // Immediately refuse the request.
	RcodeFail                  // The module failed (e.g. backend unreachable).
	RcodeOK                    // The module succeeded.
	RcodeHandled               // The request has been handled, skip the rest.
	RcodeInvalid               // The request is malformed.
	RcodeUserlock              // The user account is locked out.
	RcodeNotfound              // The requested item was not found.
	RcodeNoop                  // The module did nothing.
	RcodeUpdated               // The module updated the request.

	rcodeCount

	// RcodeYield is reported by a module that suspended itself. It is an
	// engine-internal pseudo-code and never appears in an action table or
	// in a terminal outcome.
	RcodeYield
)

// RcodeCount is the number of terminal result codes an action table covers.
const RcodeCount = int(rcodeCount)

var rcodeNames = [...]string{
	RcodeReject:   "reject",
	RcodeFail:     "fail",
	RcodeOK:       "ok",
	RcodeHandled:  "handled",
	RcodeInvalid:  "invalid",
	RcodeUserlock: "userlock",
	RcodeNotfound: "notfound",
	RcodeNoop:     "noop",
	RcodeUpdated:  "updated",
}

func (r Rcode) String() string {
	if r == RcodeYield {
		return "yield"
	}
	if r < 0 || r >= rcodeCount {
		return fmt.Sprintf("rcode(%d)", int(r))
	}
	return rcodeNames[r]
}

// ParseRcode converts a configuration keyword into an Rcode.
func ParseRcode(s string) (Rcode, error) {
	for r, name := range rcodeNames {
		if s == name {
			return Rcode(r), nil
		}
	}
	return 0, fmt.Errorf("unknown result code %q", s)
}

// Valid reports whether r is a terminal result code.
func (r Rcode) Valid() bool {
	return r >= 0 && r < rcodeCount
}

// RcodeSet is a bit set of result codes.
type RcodeSet uint16

// NewRcodeSet builds a set from the given codes.
func NewRcodeSet(codes ...Rcode) RcodeSet {
	var s RcodeSet
	for _, c := range codes {
		s |= 1 << uint(c)
	}
	return s
}

// Contains reports whether the set includes r.
func (s RcodeSet) Contains(r Rcode) bool {
	if !r.Valid() {
		return false
	}
	return s&(1<<uint(r)) != 0
}

// GoodRcodes is the default set of results that satisfy a redundant group:
// the group stops at the first child producing one of these.
var GoodRcodes = NewRcodeSet(RcodeOK, RcodeUpdated, RcodeNoop)
