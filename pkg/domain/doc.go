// Package domain defines the core value model shared by the interpreter,
// the policy compiler, and the leaf modules.
//
// This package contains pure domain logic with no dependencies outside the
// Go standard library and the uuid package. All types in this package are:
//
// - Independent of infrastructure (no database, HTTP, gRPC, etc.)
// - Technology-agnostic (no framework coupling)
// - Testable in isolation without mocks
//
// The dependency direction is always:
//
//	Infrastructure → Domain (CORRECT)
//	Domain → Infrastructure (FORBIDDEN)
package domain
