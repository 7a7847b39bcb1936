package channels

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/hiboss/hi-boss/internal/persistence"
)

// Factory builds an adapter for one credential. The handler receives every
// inbound message the adapter produces.
type Factory func(token string, handler InboundHandler, logger *slog.Logger) Adapter

// Registry reconciles running adapters against the binding table: one
// adapter per distinct (type, token) that at least one agent is bound to.
type Registry struct {
	logger    *slog.Logger
	handler   InboundHandler
	factories map[string]Factory

	mu      sync.Mutex
	running map[adapterKey]*runningAdapter
}

type adapterKey struct {
	adapterType string
	token       string
}

type runningAdapter struct {
	adapter Adapter
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewRegistry(handler InboundHandler, logger *slog.Logger) *Registry {
	return &Registry{
		logger:    logger,
		handler:   handler,
		factories: make(map[string]Factory),
		running:   make(map[adapterKey]*runningAdapter),
	}
}

// RegisterFactory makes adapterType available for bindings.
func (r *Registry) RegisterFactory(adapterType string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[adapterType] = f
}

// KnownType reports whether adapterType has a registered factory. Binding
// creation rejects unknown types up front.
func (r *Registry) KnownType(adapterType string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.factories[adapterType]
	return ok
}

// Types lists the registered adapter types, sorted.
func (r *Registry) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Reconcile starts adapters for credentials that gained a binding and stops
// adapters whose last binding went away. Newly started adapters inherit ctx,
// so canceling it shuts them all down.
func (r *Registry) Reconcile(ctx context.Context, bindings []persistence.Binding) {
	desired := make(map[adapterKey]bool, len(bindings))
	for _, b := range bindings {
		desired[adapterKey{b.AdapterType, b.AdapterToken}] = true
	}

	var stopped []*runningAdapter

	r.mu.Lock()
	for key, ra := range r.running {
		if !desired[key] {
			ra.cancel()
			stopped = append(stopped, ra)
			delete(r.running, key)
			r.logger.Info("stopping channel adapter", "adapter", key.adapterType)
		}
	}
	for key := range desired {
		key := key
		if _, ok := r.running[key]; ok {
			continue
		}
		factory, ok := r.factories[key.adapterType]
		if !ok {
			r.logger.Warn("binding references unknown adapter type", "adapter", key.adapterType)
			continue
		}
		adapter := factory(key.token, r.handler, r.logger.With("adapter", key.adapterType))
		actx, cancel := context.WithCancel(ctx)
		ra := &runningAdapter{adapter: adapter, cancel: cancel, done: make(chan struct{})}
		r.running[key] = ra
		r.logger.Info("starting channel adapter", "adapter", key.adapterType)
		go func() {
			defer close(ra.done)
			if err := adapter.Start(actx); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Error("channel adapter exited", "adapter", key.adapterType, "error", err)
			}
		}()
	}
	r.mu.Unlock()

	for _, ra := range stopped {
		<-ra.done
	}
}

// Running reports the number of live adapters per type, for daemon.status.
func (r *Registry) Running() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int)
	for key := range r.running {
		out[key.adapterType]++
	}
	return out
}

// AdapterFor returns the running adapter serving a credential.
func (r *Registry) AdapterFor(adapterType, token string) (Adapter, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ra, ok := r.running[adapterKey{adapterType, token}]
	if !ok {
		return nil, false
	}
	return ra.adapter, true
}

// StopAll cancels every running adapter and waits for them to exit.
func (r *Registry) StopAll() {
	r.mu.Lock()
	all := make([]*runningAdapter, 0, len(r.running))
	for key, ra := range r.running {
		ra.cancel()
		all = append(all, ra)
		delete(r.running, key)
	}
	r.mu.Unlock()

	for _, ra := range all {
		<-ra.done
	}
}
