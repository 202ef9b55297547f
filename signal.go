package tendril

import (
	"fmt"
	"sync"
)

// core is the type-erased half of a signal: identity, version counter and the
// per-context weak subscriber buckets. It is embedded in WriteableSignal and
// shared with ReadonlySignal through its backing signal.
type core struct {
	id      uint64
	name    string
	version uint64

	// mu guards byContext; subscriber buckets of a shared signal can be
	// touched under different contexts' entry locks.
	mu        sync.Mutex
	byContext map[uint64]*weakEffectSet
}

// subscribe records the signal→effect half of a dependency edge, keyed by the
// context the read happened in.
func (co *core) subscribe(ctxID uint64, e *EffectRunner) {
	co.mu.Lock()
	defer co.mu.Unlock()
	if co.byContext == nil {
		co.byContext = map[uint64]*weakEffectSet{}
	}
	ws, ok := co.byContext[ctxID]
	if !ok {
		ws = newWeakEffectSet()
		co.byContext[ctxID] = ws
	}
	ws.add(e)
}

func (co *core) unsubscribe(ctxID, effectID uint64) {
	co.mu.Lock()
	defer co.mu.Unlock()
	ws, ok := co.byContext[ctxID]
	if !ok {
		return
	}
	ws.remove(effectID)
	if ws.empty() {
		delete(co.byContext, ctxID)
	}
}

// collect returns the live subscribers registered under one context, pruning
// dead weak references on the way.
func (co *core) collect(ctxID uint64) []*EffectRunner {
	co.mu.Lock()
	defer co.mu.Unlock()
	ws, ok := co.byContext[ctxID]
	if !ok {
		return nil
	}
	alive := ws.collect()
	if ws.empty() {
		delete(co.byContext, ctxID)
	}
	return alive
}

func (co *core) label() string {
	if co.name != "" {
		return co.name
	}
	return fmt.Sprintf("#%d", co.id)
}

// WriteableSignal is a versioned value cell. Reading it inside a running
// effect or computed records a dependency edge in the context active at read
// time; writing it queues the subscribers of that context.
type WriteableSignal[T comparable] struct {
	core       core
	value      T
	validators []func(T) bool
	onSet      func(newValue, oldValue T)
}

func (s *WriteableSignal[T]) isSignalAware() {}

// Signal creates a writeable signal. Construction takes no context: the edges
// a signal accumulates are keyed by whichever context is active when it is
// read, which is what lets one signal be shared across isolated contexts.
func Signal[T comparable](initial T) *WriteableSignal[T] {
	return &WriteableSignal[T]{
		core:  core{id: nextID()},
		value: initial,
	}
}

// WithName sets a diagnostic name used in log output.
func (s *WriteableSignal[T]) WithName(name string) *WriteableSignal[T] {
	s.core.name = name
	return s
}

// WithValidators installs boolean-accept validators. A write whose candidate
// value any validator rejects is dropped entirely: no mutation, no
// notification, one logged warning.
func (s *WriteableSignal[T]) WithValidators(fns ...func(T) bool) *WriteableSignal[T] {
	s.validators = append(s.validators, fns...)
	return s
}

// WithOnSet installs a hook invoked with (new, old) before each applied
// write. A panicking hook is logged and the write still proceeds.
func (s *WriteableSignal[T]) WithOnSet(fn func(newValue, oldValue T)) *WriteableSignal[T] {
	s.onSet = fn
	return s
}

// Name returns the diagnostic name, or an empty string.
func (s *WriteableSignal[T]) Name() string {
	return s.core.name
}

// ID returns the signal's unique identifier.
func (s *WriteableSignal[T]) ID() uint64 {
	return s.core.id
}

// Version returns the number of writes applied so far. A short-circuited or
// rejected write leaves it unchanged.
func (s *WriteableSignal[T]) Version() uint64 {
	c := activeContext()
	c.mu.lock()
	defer c.mu.unlock()
	return s.core.version
}

// Value returns the current value. When the active context is tracking, the
// reading effect is subscribed to this signal in both directions.
func (s *WriteableSignal[T]) Value() T {
	c := activeContext()
	c.mu.lock()
	defer c.mu.unlock()
	if e := c.trackerEffect(); e != nil {
		s.core.subscribe(c.id, e)
		c.addDependency(e, &s.core)
	}
	return s.value
}

// Peek returns the current value without recording a dependency.
func (s *WriteableSignal[T]) Peek() T {
	c := activeContext()
	c.mu.lock()
	defer c.mu.unlock()
	return s.value
}

// SetValue writes a new value and queues the active context's subscribers.
// Writing the current value is a no-op. Validators may reject the candidate,
// aborting the write with a warning.
func (s *WriteableSignal[T]) SetValue(v T) {
	c := activeContext()
	c.mu.lock()
	defer c.mu.unlock()

	if s.value == v {
		return
	}
	for _, validate := range s.validators {
		if !validate(v) {
			c.logf("tendril: signal %s rejected write by validator", s.core.label())
			return
		}
	}
	if s.onSet != nil {
		s.runOnSet(c, v, s.value)
	}

	s.value = v
	s.core.version++

	subs := s.core.collect(c.id)
	if len(subs) == 0 {
		return
	}
	c.enqueue(subs)
	c.maybeFlush()
}

// runOnSet isolates a panicking hook; the value update proceeds regardless.
func (s *WriteableSignal[T]) runOnSet(c *Context, newValue, oldValue T) {
	defer func() {
		if r := recover(); r != nil {
			c.logf("tendril: onSet hook of signal %s panicked: %v", s.core.label(), r)
		}
	}()
	s.onSet(newValue, oldValue)
}

// Update applies fn to the current value and writes the result.
func (s *WriteableSignal[T]) Update(fn func(oldValue T) T) {
	c := activeContext()
	c.mu.lock()
	defer c.mu.unlock()
	s.SetValue(fn(s.value))
}
