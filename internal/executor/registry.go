package executor

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds named executors and resolves which one a command is routed to.
type Registry struct {
	mu          sync.RWMutex
	executors   map[string]Executor
	defaultName string
}

// NewRegistry creates an empty executor registry whose default route is defaultName.
func NewRegistry(defaultName string) *Registry {
	return &Registry{
		executors:   make(map[string]Executor),
		defaultName: defaultName,
	}
}

// Register adds an executor to the registry under the given name.
func (r *Registry) Register(name string, e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[name] = e
}

// Resolve returns the executor for a routing hint. An empty hint resolves to
// the default executor. Returns an error if the target is not registered.
func (r *Registry) Resolve(route string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	target := route
	if target == "" {
		target = r.defaultName
	}
	e, ok := r.executors[target]
	if !ok {
		return nil, fmt.Errorf("executor %q is not registered", target)
	}
	return e, nil
}

// List returns information about all registered executors, sorted by name
// for a stable API response.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.executors))
	for name, e := range r.executors {
		info := e.Info()
		info.Name = name
		info.Default = name == r.defaultName
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}
