// Package registry holds the fixed set of actions a flow may call.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/dukex/dmflow/pkg/protocol"
)

var ErrActionNotRegistered = errors.New("action not registered")

type Registry struct {
	logger          *slog.Logger
	mu              sync.RWMutex
	actionFactories map[string]protocol.ActionFactory
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		logger:          log.With("module", "registry"),
		actionFactories: make(map[string]protocol.ActionFactory),
	}
}

func (r *Registry) RegisterAction(actionFactory protocol.ActionFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.actionFactories[actionFactory.ID()] = actionFactory
	r.logger.Debug("action registered", "action", actionFactory.ID())
}

func (r *Registry) HasAction(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.actionFactories[name]

	return ok
}

// CreateAction builds the named action. Unknown names wrap ErrActionNotRegistered.
func (r *Registry) CreateAction(name string, params map[string]any) (protocol.Action, error) {
	r.mu.RLock()
	factory, ok := r.actionFactories[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrActionNotRegistered, name)
	}

	if params == nil {
		params = map[string]any{}
	}

	return factory.Create(params)
}

// Actions lists the registered action names, sorted.
func (r *Registry) Actions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.actionFactories))
	for name := range r.actionFactories {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}
