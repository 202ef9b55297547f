package tendril

import (
	"fmt"
	"math"
)

// computedConfig collects option state before the generic value type is known.
type computedConfig struct {
	name       string
	keepAlive  bool
	onError    func(error)
	onComputed func(v any)
}

// ComputedOption configures a computed at construction.
type ComputedOption func(*computedConfig)

// ComputedName sets a diagnostic name used in log output.
func ComputedName(name string) ComputedOption {
	return func(cfg *computedConfig) { cfg.name = name }
}

// KeepAlive computes eagerly at construction and recomputes on every source
// change, whether or not anything reads the result.
func KeepAlive() ComputedOption {
	return func(cfg *computedConfig) { cfg.keepAlive = true }
}

// OnComputedError installs a per-computed error handler. Without one,
// derivation errors surface on the accessor and, for push-triggered
// recomputes, at the context sink.
func OnComputedError(fn func(error)) ComputedOption {
	return func(cfg *computedConfig) { cfg.onError = fn }
}

// OnComputed installs a hook invoked with each freshly derived value, after it
// is stored and with tracking suspended.
func OnComputed(fn func(v any)) ComputedOption {
	return func(cfg *computedConfig) { cfg.onComputed = fn }
}

// ReadonlySignal is a derived value: a backing signal fed by an internal
// effect that re-runs the derivation when any signal it read changes. Lazy by
// default, it derives nothing until first read; KeepAlive derives at
// construction. Consumers read it like any signal and writes are impossible.
type ReadonlySignal[T comparable] struct {
	c       *Context
	backing *WriteableSignal[T]
	derive  Callback[T]

	cfg computedConfig

	// internal drives recomputation. It outranks every user effect so a pass
	// refreshes derived values before the effects that read them run.
	internal        *EffectRunner
	disposeInternal DisposeFunc

	stale    bool
	disposed bool
	pulling  bool
	lastErr  error
}

func (r *ReadonlySignal[T]) isSignalAware() {}

// Computed creates a derived signal on c whose value is produced by derive.
// Signals read inside derive become its sources. A nil context targets the
// goroutine's active context.
func Computed[T comparable](c *Context, derive Callback[T], opts ...ComputedOption) *ReadonlySignal[T] {
	if c == nil {
		c = activeContext()
	}
	c.mu.lock()
	defer c.mu.unlock()

	r := &ReadonlySignal[T]{
		c:       c,
		backing: Signal(*new(T)),
		derive:  derive,
		stale:   true,
	}
	for _, opt := range opts {
		opt(&r.cfg)
	}
	r.backing.core.name = r.cfg.name

	if r.cfg.keepAlive {
		r.attach()
	}
	return r
}

// attach registers the internal effect, which runs the derivation once
// immediately. The effect is registered parentless: a computed's lifetime is
// owned by its creator through Dispose, not by whichever effect happened to
// read it first. Caller holds the entry lock.
func (r *ReadonlySignal[T]) attach() {
	c := r.c
	prevCurrent := c.current
	prevTracker := c.activeTracker
	c.current = nil
	c.activeTracker = nil

	r.disposeInternal = Effect(c, r.track,
		EffectName("computed "+r.backing.core.label()),
		Priority(math.MaxInt32),
		captureEffect(&r.internal))

	c.current = prevCurrent
	c.activeTracker = prevTracker
}

// track is the internal effect body: derive, store, notify hooks. Reads inside
// the derivation are recorded against the internal effect, so a source change
// queues this body again.
func (r *ReadonlySignal[T]) track() error {
	c := r.c
	pulled := r.pulling
	r.pulling = false

	v, err := r.derive()
	if err != nil {
		r.lastErr = err
		// A failed derive leaves the value stale so the next read retries.
		r.stale = true
		if r.cfg.onError != nil {
			r.deliverError(c, err)
			return nil
		}
		if pulled {
			// The accessor that forced this run returns the error itself.
			return nil
		}
		return err
	}

	r.lastErr = nil
	r.stale = false

	// The store must not register the backing signal as its own source.
	c.PauseTracking()
	r.backing.SetValue(v)
	c.ResumeTracking()

	if r.cfg.onComputed != nil {
		r.deliverValue(c, v)
	}
	return nil
}

func (r *ReadonlySignal[T]) deliverError(c *Context, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			c.logf("tendril: error handler of computed %s panicked: %v", r.backing.core.label(), rec)
		}
	}()
	r.cfg.onError(err)
}

func (r *ReadonlySignal[T]) deliverValue(c *Context, v T) {
	c.PauseTracking()
	defer c.ResumeTracking()
	defer func() {
		if rec := recover(); rec != nil {
			c.logf("tendril: onComputed hook of %s panicked: %v", r.backing.core.label(), rec)
		}
	}()
	r.cfg.onComputed(v)
}

// refresh makes the value current, attaching the internal effect on the first
// pull. Caller holds the entry lock.
func (r *ReadonlySignal[T]) refresh() {
	if r.disposed || !r.stale {
		return
	}
	r.pulling = true
	if r.internal == nil {
		r.attach()
		return
	}
	r.c.runEffect(r.internal)
}

// Value returns the derived value, recomputing first if it is stale. When the
// active context is tracking, the reading effect subscribes to the computed.
// A derivation error with no handler is returned; the previous value is kept.
// After Dispose the last derived value is returned and never recomputed.
func (r *ReadonlySignal[T]) Value() (T, error) {
	r.c.mu.lock()
	r.refresh()
	failed := r.lastErr != nil && r.cfg.onError == nil && !r.disposed
	err := r.lastErr
	r.c.mu.unlock()

	if failed {
		return r.backing.Peek(), fmt.Errorf("computed %s: %w", r.backing.core.label(), err)
	}
	return r.backing.Value(), nil
}

// MustValue is Value for derivations that cannot fail; it panics on error.
func (r *ReadonlySignal[T]) MustValue() T {
	v, err := r.Value()
	if err != nil {
		panic(err)
	}
	return v
}

// Peek returns the last derived value without recording a dependency and
// without recomputing.
func (r *ReadonlySignal[T]) Peek() T {
	return r.backing.Peek()
}

// Name returns the diagnostic name, or an empty string.
func (r *ReadonlySignal[T]) Name() string {
	return r.backing.core.name
}

// ID returns the computed's unique identifier.
func (r *ReadonlySignal[T]) ID() uint64 {
	return r.backing.core.id
}

// Version returns the number of distinct values derived so far.
func (r *ReadonlySignal[T]) Version() uint64 {
	return r.backing.Version()
}

// Stale reports whether the next read would recompute.
func (r *ReadonlySignal[T]) Stale() bool {
	c := r.c
	c.mu.lock()
	defer c.mu.unlock()
	return r.stale && !r.disposed
}

// Dispose detaches the computed from its sources. Reads keep returning the
// last derived value; the derivation never runs again. Idempotent.
func (r *ReadonlySignal[T]) Dispose() {
	c := r.c
	c.mu.lock()
	defer c.mu.unlock()
	if r.disposed {
		return
	}
	r.disposed = true
	r.stale = false
	if r.disposeInternal != nil {
		r.disposeInternal()
	}
}
