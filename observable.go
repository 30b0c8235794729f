package inbox

import (
	"log/slog"
	"sync"
)

// Value is a latest-value signal: subscribers get the current value on
// subscription and then every change.
type Value[T comparable] struct {
	mu      sync.RWMutex
	current T
	subs    handlerSet[T]
}

// NewValue returns a Value holding initial.
func NewValue[T comparable](initial T) *Value[T] {
	return &Value[T]{current: initial}
}

// Get returns the current value.
func (v *Value[T]) Get() T {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.current
}

// Set stores val and notifies subscribers if it changed. It reports whether
// a change happened.
func (v *Value[T]) Set(val T) bool {
	v.mu.Lock()
	if v.current == val {
		v.mu.Unlock()
		return false
	}
	v.current = val
	v.mu.Unlock()
	v.subs.emit(nil, val)
	return true
}

// Subscribe registers h and immediately delivers the current value. The
// returned func removes h.
func (v *Value[T]) Subscribe(h func(T)) func() {
	unsubscribe := v.subs.add(h)
	cur := v.Get()
	safeCall(nil, func() { h(cur) })
	return unsubscribe
}

// handlerSet is an ordered, unsubscribable list of callbacks.
type handlerSet[T any] struct {
	mu       sync.RWMutex
	nextID   int
	ids      []int
	handlers map[int]func(T)
}

func (s *handlerSet[T]) add(h func(T)) func() {
	s.mu.Lock()
	if s.handlers == nil {
		s.handlers = make(map[int]func(T))
	}
	id := s.nextID
	s.nextID++
	s.ids = append(s.ids, id)
	s.handlers[id] = h
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { s.remove(id) })
	}
}

func (s *handlerSet[T]) remove(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handlers, id)
	for i, x := range s.ids {
		if x == id {
			s.ids = append(s.ids[:i], s.ids[i+1:]...)
			return
		}
	}
}

func (s *handlerSet[T]) emit(log *slog.Logger, val T) {
	s.mu.RLock()
	hs := make([]func(T), 0, len(s.ids))
	for _, id := range s.ids {
		hs = append(hs, s.handlers[id])
	}
	s.mu.RUnlock()
	for _, h := range hs {
		safeCall(log, func() { h(val) })
	}
}

func (s *handlerSet[T]) clear() {
	s.mu.Lock()
	s.ids = nil
	s.handlers = nil
	s.mu.Unlock()
}

// safeCall runs a subscriber and swallows its panic so one bad observer
// cannot take the read loop down.
func safeCall(log *slog.Logger, fn func()) {
	defer func() {
		if r := recover(); r != nil && log != nil {
			log.Error("subscriber panicked", "panic", r)
		}
	}()
	fn()
}
