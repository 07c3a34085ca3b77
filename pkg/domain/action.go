package domain

import (
	"fmt"
	"strconv"
)

// Action is the configured consequence of a result code: a priority used to
// fold the result into the enclosing section, or one of two sentinels that
// short-circuit evaluation.
type Action int

const (
	// ActionReturn finishes the current request section immediately with
	// the result code that triggered it.
	ActionReturn Action = -1

	// ActionReject aborts the whole request with a reject.
	ActionReject Action = -2
)

// PriorityMax bounds configured priorities; valid priorities are [0, PriorityMax).
const PriorityMax = 64

// ParseAction converts a configuration value ("return", "reject", or an
// integer priority) into an Action.
func ParseAction(s string) (Action, error) {
	switch s {
	case "return":
		return ActionReturn, nil
	case "reject":
		return ActionReject, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n >= PriorityMax {
		return 0, fmt.Errorf("invalid action %q: want \"return\", \"reject\" or a priority in [0,%d)", s, PriorityMax)
	}
	return Action(n), nil
}

func (a Action) String() string {
	switch a {
	case ActionReturn:
		return "return"
	case ActionReject:
		return "reject"
	}
	return strconv.Itoa(int(a))
}

// ActionTable maps every terminal result code to its configured action.
// Tables are sealed at compile time and shared read-only across requests.
type ActionTable [rcodeCount]Action

// DefaultActions is the action table applied when a policy does not override
// one. Hard failures return immediately, soft results carry graded
// priorities so the most significant child result wins the section.
var DefaultActions = ActionTable{
	RcodeReject:   ActionReturn,
	RcodeFail:     ActionReturn,
	RcodeOK:       3,
	RcodeHandled:  ActionReturn,
	RcodeInvalid:  ActionReturn,
	RcodeUserlock: ActionReturn,
	RcodeNotfound: 1,
	RcodeNoop:     2,
	RcodeUpdated:  4,
}

// Get returns the action for r. Result codes outside the table (including
// the yield pseudo-code) fold with the lowest priority.
func (t *ActionTable) Get(r Rcode) Action {
	if !r.Valid() {
		return 0
	}
	return t[r]
}
