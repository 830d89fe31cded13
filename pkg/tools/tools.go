package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Capability is a function that runs on the controller. Sandboxed code calls
// it through a stub of the same name; the controller invokes Call with the
// reported arguments.
type Capability interface {
	Name() string
	Description() string
	Call(ctx context.Context, args []any, kwargs map[string]any) (any, error)
}

// Tool is a capability with named parameters. Positional arguments are bound
// to Parameters in order; keyword arguments by name.
type Tool interface {
	Name() string
	Description() string
	Parameters() []string
	Execute(ctx context.Context, input map[string]any) (any, error)
}

// FromTool adapts a Tool to a Capability.
func FromTool(t Tool) Capability {
	return toolCapability{t}
}

type toolCapability struct{ Tool }

func (c toolCapability) Call(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	input, err := Bind(c.Name(), c.Parameters(), args, kwargs)
	if err != nil {
		return nil, err
	}
	return c.Execute(ctx, input)
}

// Bind maps positional and keyword arguments onto named parameters.
func Bind(name string, params []string, args []any, kwargs map[string]any) (map[string]any, error) {
	if len(args) > len(params) {
		return nil, fmt.Errorf("%s() takes %d positional arguments but %d were given", name, len(params), len(args))
	}
	input := make(map[string]any, len(params))
	for i, a := range args {
		input[params[i]] = a
	}

	known := make(map[string]bool, len(params))
	for _, p := range params {
		known[p] = true
	}
	for k, v := range kwargs {
		if !known[k] {
			return nil, fmt.Errorf("%s() got an unexpected keyword argument '%s'", name, k)
		}
		if _, dup := input[k]; dup {
			return nil, fmt.Errorf("%s() got multiple values for argument '%s'", name, k)
		}
		input[k] = v
	}
	return input, nil
}

// Func is a Capability backed by a plain function.
type Func struct {
	name        string
	description string
	fn          func(ctx context.Context, args []any, kwargs map[string]any) (any, error)
}

// NewFunc returns a Capability calling fn.
func NewFunc(name, description string, fn func(ctx context.Context, args []any, kwargs map[string]any) (any, error)) *Func {
	return &Func{name: name, description: description, fn: fn}
}

func (f *Func) Name() string        { return f.name }
func (f *Func) Description() string { return f.description }

func (f *Func) Call(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	return f.fn(ctx, args, kwargs)
}

// Registry manages the available capabilities.
type Registry struct {
	mu           sync.RWMutex
	capabilities map[string]Capability
}

// NewRegistry creates a new, empty registry.
func NewRegistry() *Registry {
	return &Registry{
		capabilities: make(map[string]Capability),
	}
}

// Register adds a capability to the registry. Names must be unique.
func (r *Registry) Register(c Capability) error {
	if c == nil {
		return fmt.Errorf("registering nil capability")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.capabilities[c.Name()]; ok {
		return fmt.Errorf("capability %q already registered", c.Name())
	}
	r.capabilities[c.Name()] = c
	return nil
}

// Get returns a capability by exact name.
func (r *Registry) Get(name string) (Capability, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.capabilities[name]
	return c, ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.capabilities))
	for name := range r.capabilities {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns all registered capabilities sorted by name.
func (r *Registry) List() []Capability {
	if r == nil {
		return nil
	}
	names := r.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := make([]Capability, 0, len(names))
	for _, name := range names {
		list = append(list, r.capabilities[name])
	}
	return list
}

// Source is a tool whose Python definition runs inside the sandbox. Code
// defines ClassName as a subclass of Tool; setup binds an instance to Name.
type Source struct {
	Name      string `yaml:"name" json:"name"`
	ClassName string `yaml:"class_name" json:"class_name"`
	Code      string `yaml:"code" json:"code"`
}
