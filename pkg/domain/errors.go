package domain

import "errors"

// Engine-internal defects. These abort a single request with a
// reject-equivalent result and never affect other requests.
var (
	ErrStackOverflow  = errors.New("interpreter stack overflow")
	ErrUnknownOp      = errors.New("no operation registered for instruction type")
	ErrDoubleResume   = errors.New("resumption record already consumed")
	ErrNotParked      = errors.New("request is not parked")
	ErrPolicyNotFound = errors.New("policy not found")
	ErrModuleNotFound = errors.New("module not found")
)
