package tendril

import (
	stdctx "context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

// EffectFunc is an effect body. A returned error is routed to the effect's
// error handler, then the context sink, then the log; it never propagates to
// the write that triggered the run.
type EffectFunc func() error

// ExecutorFunc receives the "run now" callback for an effect and decides when
// and whether to invoke it. It takes over every run, including the first.
type ExecutorFunc func(run func())

// Effect is a re-runnable reaction. On each run it discards its previous
// dependency set and records a new one; it supports disposal with cascading
// child disposal, priority, debouncing, a custom executor, one-shot runs and
// error isolation.
type EffectRunner struct {
	id   uint64
	name string
	ctx  *Context
	fn   EffectFunc

	priority int
	once     bool
	debounce time.Duration
	executor ExecutorFunc
	onError  func(error)
	cleanup  func()

	hasRun   bool
	disposed atomic.Bool
	parent   *EffectRunner
	timer    *time.Timer

	taskCtx    stdctx.Context
	taskCancel stdctx.CancelFunc
}

func (e *EffectRunner) isSignalAware() {}

// untrackedSentinel occupies the active-tracker slot while tracking is
// suspended. It is distinct from nil so nested Untracked scopes restore
// precisely.
var untrackedSentinel = &EffectRunner{id: symbolUntracked}

// Name returns the effect's diagnostic name, or an empty string.
func (e *EffectRunner) Name() string {
	return e.name
}

// ID returns the effect's unique identifier.
func (e *EffectRunner) ID() uint64 {
	return e.id
}

func (e *EffectRunner) label() string {
	if e.name != "" {
		return e.name
	}
	return fmt.Sprintf("#%d", e.id)
}

// EffectOption configures an effect at registration.
type EffectOption func(*EffectRunner)

// EffectName sets a diagnostic name used in log output.
func EffectName(name string) EffectOption {
	return func(e *EffectRunner) { e.name = name }
}

// Priority orders flushes: higher priorities run first, ties keep enqueue
// order. The default is 0.
func Priority(p int) EffectOption {
	return func(e *EffectRunner) { e.priority = p }
}

// Once disposes the effect after its first successful run.
func Once() EffectOption {
	return func(e *EffectRunner) { e.once = true }
}

// Debounce delays and coalesces runs after the first: a new trigger during
// the delay window resets the timer.
func Debounce(d time.Duration) EffectOption {
	return func(e *EffectRunner) { e.debounce = d }
}

// WithExecutor hands control of every run to fn, replacing immediate
// execution.
func WithExecutor(fn ExecutorFunc) EffectOption {
	return func(e *EffectRunner) { e.executor = fn }
}

// OnEffectError installs a per-effect error handler.
func OnEffectError(fn func(error)) EffectOption {
	return func(e *EffectRunner) { e.onError = fn }
}

// WithCleanup registers the cleanup run on disposal. It can be replaced from
// inside the body with OnCleanup.
func WithCleanup(fn func()) EffectOption {
	return func(e *EffectRunner) { e.cleanup = fn }
}

// captureEffect exposes the registered effect to in-package machinery that
// needs to re-run it directly.
func captureEffect(dst **EffectRunner) EffectOption {
	return func(e *EffectRunner) { *dst = e }
}

// Effect registers fn as an effect on c and runs it once immediately,
// unless a custom executor defers it. Registering from inside another running
// effect parents the new effect to it; disposing the parent disposes the
// child. The returned dispose function is idempotent. A nil context targets
// the goroutine's active context.
func Effect(c *Context, fn EffectFunc, opts ...EffectOption) DisposeFunc {
	if c == nil {
		c = activeContext()
	}
	c.mu.lock()
	defer c.mu.unlock()

	e := &EffectRunner{
		id:  nextID(),
		ctx: c,
		fn:  fn,
	}
	for _, opt := range opts {
		opt(e)
	}

	if parent := c.current; parent != nil {
		e.parent = parent
		kids, ok := c.children[parent.id]
		if !ok {
			kids = mapset.NewSet[*EffectRunner]()
			c.children[parent.id] = kids
		}
		kids.Add(e)
	}
	c.deps[e.id] = mapset.NewSet[*core]()

	// If the owner drops the dispose function without calling it, the
	// collector reclaims the effect and this purges its bookkeeping.
	runtime.AddCleanup(e, c.reap, e.id)

	if e.executor != nil {
		e.executor(func() { c.runDeferred(e) })
	} else {
		c.runEffect(e)
	}

	return func() {
		c.mu.lock()
		defer c.mu.unlock()
		e.dispose(c)
	}
}

// armDebounce (re)starts the coalescing timer; the run happens when the
// window closes without another trigger. Caller holds the entry lock.
func (e *EffectRunner) armDebounce(c *Context) {
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(e.debounce, func() {
		c.mu.lock()
		defer c.mu.unlock()
		e.timer = nil
		if !e.disposed.Load() {
			c.runEffect(e)
		}
	})
}

// dispose tears the effect down: pending debounce timer and tasks are
// cancelled, children are disposed recursively, the user cleanup runs, the
// effect leaves the pending queue, and every dependency edge is severed in
// both directions. Idempotent. Caller holds the entry lock.
func (e *EffectRunner) dispose(c *Context) {
	if e.disposed.Swap(true) {
		return
	}

	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	if e.taskCancel != nil {
		e.taskCancel()
	}

	if kids, ok := c.children[e.id]; ok {
		for _, child := range kids.ToSlice() {
			child.dispose(c)
		}
		delete(c.children, e.id)
	}

	if e.cleanup != nil {
		e.runCleanup(c)
		e.cleanup = nil
	}

	c.removeFromPending(e)
	c.severDependencies(e)
	delete(c.deps, e.id)

	if e.parent != nil {
		if kids, ok := c.children[e.parent.id]; ok {
			kids.Remove(e)
		}
		e.parent = nil
	}
}

func (e *EffectRunner) runCleanup(c *Context) {
	defer func() {
		if r := recover(); r != nil {
			c.logf("tendril: cleanup of effect %s panicked: %v", e.label(), r)
		}
	}()
	e.cleanup()
}

// OnCleanup replaces the cleanup of the innermost running effect. Calling it
// outside an effect body logs a warning and does nothing.
func OnCleanup(fn func()) {
	c := activeContext()
	c.mu.lock()
	defer c.mu.unlock()
	if c.current == nil {
		c.logf("tendril: OnCleanup called outside an effect body")
		return
	}
	c.current.cleanup = fn
}

// Go launches fn as a task bound to the innermost running effect. The task's
// context is cancelled when the effect is disposed and a returned error is
// routed to the effect's error path. Dependency tracking covers only the
// synchronous body of the effect: reads inside fn never become dependencies.
// Outside an effect body the task runs detached and errors are logged.
func Go(fn func(ctx stdctx.Context) error) {
	c := activeContext()
	c.mu.lock()
	e := c.current
	tctx := stdctx.Background()
	if e != nil {
		if e.taskCtx == nil {
			e.taskCtx, e.taskCancel = stdctx.WithCancel(stdctx.Background())
		}
		tctx = e.taskCtx
	}
	c.mu.unlock()

	go func() {
		if err := fn(tctx); err != nil {
			c.mu.lock()
			defer c.mu.unlock()
			if e != nil {
				c.routeError(e, err)
				return
			}
			c.logf("tendril: detached task: %v", err)
		}
	}()
}
