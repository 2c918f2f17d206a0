package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/parley/pkg/audio/device"
	"github.com/MrWong99/parley/pkg/audio/jitter"
)

// ErrBackendNotRegistered is returned by [Registry.CreateOutput] when no
// factory has been registered under the requested backend name.
var ErrBackendNotRegistered = errors.New("config: output backend not registered")

// OutputFactory builds a playback device that renders from buf.
type OutputFactory func(buf *jitter.Buffer, cfg AudioConfig) (device.Output, error)

// Registry maps output backend names to their constructors. It is safe for
// concurrent use.
type Registry struct {
	mu     sync.RWMutex
	output map[OutputBackend]OutputFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{output: make(map[OutputBackend]OutputFactory)}
}

// RegisterOutput registers an output factory under name. Subsequent calls
// with the same name overwrite the previous registration.
func (r *Registry) RegisterOutput(name OutputBackend, factory OutputFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.output[name] = factory
}

// CreateOutput instantiates the backend selected by cfg.OutputBackend.
func (r *Registry) CreateOutput(buf *jitter.Buffer, cfg AudioConfig) (device.Output, error) {
	r.mu.RLock()
	factory, ok := r.output[cfg.OutputBackend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBackendNotRegistered, cfg.OutputBackend)
	}
	return factory(buf, cfg)
}
