package module

import (
	"fmt"
	"log/slog"

	"github.com/gatekeep-io/gatekeep/pkg/config"
	"github.com/gatekeep-io/gatekeep/pkg/domain"
	"github.com/gatekeep-io/gatekeep/pkg/interp"
)

// Registry maps module names to their implementations. It is populated once
// at startup and read-only afterwards.
type Registry struct {
	procs map[string]interp.ModuleProc
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{procs: make(map[string]interp.ModuleProc)}
}

// Register adds a module under its own name. Registering the same name twice
// is a configuration error.
func (r *Registry) Register(proc interp.ModuleProc) error {
	name := proc.Name()
	if _, dup := r.procs[name]; dup {
		return fmt.Errorf("module %q registered twice", name)
	}
	r.procs[name] = proc
	return nil
}

// Lookup resolves a module by name.
func (r *Registry) Lookup(name string) (interp.ModuleProc, error) {
	proc, ok := r.procs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrModuleNotFound, name)
	}
	return proc, nil
}

// Names lists the registered module names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.procs))
	for name := range r.procs {
		names = append(names, name)
	}
	return names
}

// Build constructs a registry from configuration.
func Build(cfgs []config.ModuleConfig, log *slog.Logger) (*Registry, error) {
	reg := NewRegistry()
	for _, mc := range cfgs {
		proc, err := build(mc, log)
		if err != nil {
			return nil, fmt.Errorf("module %q: %w", mc.Name, err)
		}
		if err := reg.Register(proc); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func build(mc config.ModuleConfig, log *slog.Logger) (interp.ModuleProc, error) {
	switch mc.Type {
	case "static":
		return NewStatic(mc.Name, mc.Rcode, mc.Reply)
	case "files":
		return NewFiles(mc.Name, mc.Path)
	case "rego":
		return NewRego(mc.Name, mc.Source, mc.Query)
	case "delay":
		return NewDelay(mc.Name, mc.Delay, log), nil
	}
	return nil, fmt.Errorf("unknown module type %q", mc.Type)
}
