// Package policy loads YAML policy documents and compiles them into the
// instruction graphs the interpreter executes.
//
// Compilation resolves module names against the module registry, compiles
// conditions and templates with expr, validates structural rules (break only
// inside foreach, bounded nesting, no recursive policy references) and
// assigns debug names so the trace output mirrors the document structure.
// The Store publishes compiled sets atomically and can watch the source file
// for changes; a set in use by in-flight requests is never mutated.
package policy
