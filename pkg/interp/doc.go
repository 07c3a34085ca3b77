// Package interp implements the policy execution engine.
//
// Architecture:
//
// node.go      - Immutable instruction graph (one struct per instruction kind)
// contracts.go - Interfaces the engine consumes: modules, conditions, templates
// stack.go     - Per-request interpreter stack and frames
// ops.go       - Dispatch table and the control-flow operations
// op_module.go - Module calls and the yield/resume protocol
// op_parallel.go - Concurrent child evaluation for parallel sections
// interp.go    - The driver loop and the Execute/Resume/Signal entry points
//
// The engine evaluates a compiled, shared, read-only instruction graph
// against one request at a time using an explicit bounded stack instead of
// the Go call stack. A module may suspend evaluation mid-instruction and
// resume it later; while suspended, no goroutine is held for the request,
// which is what allows a small worker pool to carry thousands of
// concurrently parked requests.
package interp
