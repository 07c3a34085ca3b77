// Package module provides the built-in policy modules and the registry that
// resolves module names during policy compilation.
//
// A module is any implementation of interp.ModuleProc. The built-ins cover
// the common cases: static results, flat-file user lookups, embedded Rego
// decisions, and asynchronous delays that exercise the park/resume path.
package module
