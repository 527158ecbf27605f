package stream

import "sync"

// Signal reports whether the producer is generating events and notifies watchers on change.
type Signal interface {
	Active() bool
	Watch(fn func(active bool)) (cancel func())
}

// Flag is an in-memory Signal. Watchers run on the goroutine calling Set.
type Flag struct {
	mu       sync.Mutex
	active   bool
	nextID   int
	watchers map[int]func(bool)
}

// NewFlag returns a Flag with the given initial state.
func NewFlag(active bool) *Flag {
	return &Flag{active: active, watchers: make(map[int]func(bool))}
}

// Active reports the current state.
func (f *Flag) Active() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

// Set updates the state and notifies watchers when it changed.
func (f *Flag) Set(active bool) {
	f.mu.Lock()
	if f.active == active {
		f.mu.Unlock()
		return
	}
	f.active = active
	watchers := make([]func(bool), 0, len(f.watchers))
	for _, fn := range f.watchers {
		watchers = append(watchers, fn)
	}
	f.mu.Unlock()

	for _, fn := range watchers {
		fn(active)
	}
}

// Watch registers fn for state changes until the returned cancel is called.
func (f *Flag) Watch(fn func(active bool)) func() {
	if fn == nil {
		return func() {}
	}
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.watchers[id] = fn
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.watchers, id)
			f.mu.Unlock()
		})
	}
}
