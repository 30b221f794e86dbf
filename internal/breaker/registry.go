package breaker

import (
	"fmt"
	"sort"

	"go.uber.org/zap"
)

// Registry holds one breaker per logical dependency, shared by all
// workers in the process.
type Registry struct {
	breakers map[string]*Breaker
}

func NewRegistry(settings map[string]Settings, observer Observer, logger *zap.Logger) *Registry {
	r := &Registry{breakers: make(map[string]*Breaker, len(settings))}
	for name, s := range settings {
		b := New(name, s, logger)
		b.observer = observer
		if observer != nil {
			observer.SetBreakerState(name, string(StateClosed))
		}
		r.breakers[name] = b
	}
	return r
}

func (r *Registry) Get(name string) (*Breaker, error) {
	b, ok := r.breakers[name]
	if !ok {
		return nil, fmt.Errorf("no breaker registered for dependency %q", name)
	}
	return b, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) States() map[string]State {
	states := make(map[string]State, len(r.breakers))
	for name, b := range r.breakers {
		states[name] = b.State()
	}
	return states
}
