// Package notify lets components observe changes to named state without
// depending on each other.
package notify

import "sync"

// Notifier delivers change notifications by key.
type Notifier interface {
	// OnChange registers fn to be called after each change to key. The
	// returned func cancels the registration.
	OnChange(key string, fn func()) func()
	// NotifyChanged calls every function registered for key.
	NotifyChanged(key string)
}

// Registry is an in process Notifier. Callbacks run synchronously on the
// notifying goroutine, outside the registry's lock, so a callback may
// register or cancel.
type Registry struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[string]map[uint64]func()
}

func NewRegistry() *Registry {
	return &Registry{subs: map[string]map[uint64]func(){}}
}

func (r *Registry) OnChange(key string, fn func()) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	if r.subs[key] == nil {
		r.subs[key] = map[uint64]func(){}
	}
	r.subs[key][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			delete(r.subs[key], id)
			if len(r.subs[key]) == 0 {
				delete(r.subs, key)
			}
		})
	}
}

func (r *Registry) NotifyChanged(key string) {
	r.mu.Lock()
	fns := make([]func(), 0, len(r.subs[key]))
	for _, fn := range r.subs[key] {
		fns = append(fns, fn)
	}
	r.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
