package tendril

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/petermattis/goid"
)

// SignalAware is implemented by everything the engine can attribute an error
// or a diagnostic to: writeable signals, computeds and effects.
type SignalAware interface {
	isSignalAware()
}

// OnErrorFunc is the context-level error sink. It receives errors from effect
// bodies and computed derivations that have no handler of their own.
type OnErrorFunc func(from SignalAware, err error)

// Callback is a fallible computation whose result passes through batching and
// context helpers unchanged.
type Callback[T any] func() (T, error)

// DisposeFunc tears down the effect it was returned for. It is idempotent.
type DisposeFunc func()

// maxFlushPasses bounds cascading flush passes so mutually-triggering effects
// produce a diagnostic instead of hanging the process.
const maxFlushPasses = 1000

// entryLock serializes entry into a context. Deferred executors (debounce
// timers, scheduler strategies, tasks) deliver from other goroutines, while
// the synchronous cascade re-enters freely on the owning goroutine.
type entryLock struct {
	mu    sync.Mutex
	owner atomic.Int64
	depth int
}

func (l *entryLock) lock() {
	g := goid.Get()
	if l.owner.Load() == g {
		l.depth++
		return
	}
	l.mu.Lock()
	l.owner.Store(g)
	l.depth = 1
}

func (l *entryLock) unlock() {
	if l.depth > 1 {
		l.depth--
		return
	}
	l.depth = 0
	l.owner.Store(0)
	l.mu.Unlock()
}

// Context is one reactive universe: the active-tracker slot, the pending
// effect queue and its dedup set, the execution stack, the dependency and
// child-effect maps, and the batch depth. Contexts are mutually invisible;
// a signal read through one context never interacts with another's queue.
type Context struct {
	id     uint64
	mu     entryLock
	logger *log.Logger

	onError       OnErrorFunc
	flushStrategy Strategy

	// activeTracker is nil when nothing is tracking, the untracked sentinel
	// while inside Untracked, or the effect currently recording reads.
	activeTracker *EffectRunner
	// current is the innermost executing effect, used for parent/child
	// bookkeeping. Unlike activeTracker it is never the sentinel.
	current    *EffectRunner
	pauseStack []*EffectRunner

	pending    []*EffectRunner
	pendingSet mapset.Set[uint64]
	// flushSet holds ids snapshotted for the running pass that have not run
	// yet, so an upstream store does not double-queue a downstream effect.
	flushSet mapset.Set[uint64]

	execStack []*EffectRunner
	execSet   mapset.Set[uint64]

	deps     map[uint64]mapset.Set[*core]
	children map[uint64]mapset.Set[*EffectRunner]

	batchDepth int
	flushing   bool
}

// ContextOption configures a context at construction.
type ContextOption func(*Context)

// WithOnError installs the context-level error sink. Without one, unhandled
// effect errors are logged.
func WithOnError(fn OnErrorFunc) ContextOption {
	return func(c *Context) { c.onError = fn }
}

// WithLogger replaces the logger used for diagnostics (validator rejections,
// cycle refusals, hook failures).
func WithLogger(l *log.Logger) ContextOption {
	return func(c *Context) { c.logger = l }
}

// WithFlushStrategy defers queue flushing to a scheduler strategy instead of
// flushing synchronously when the batch depth reaches zero.
func WithFlushStrategy(s Strategy) ContextOption {
	return func(c *Context) { c.flushStrategy = s }
}

// NewContext creates an isolated reactive context.
func NewContext(opts ...ContextOption) *Context {
	c := &Context{
		id:         nextID(),
		logger:     log.Default(),
		pendingSet: mapset.NewSet[uint64](),
		flushSet:   mapset.NewSet[uint64](),
		execSet:    mapset.NewSet[uint64](),
		deps:       map[uint64]mapset.Set[*core]{},
		children:   map[uint64]mapset.Set[*EffectRunner]{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var (
	defaultContext     *Context
	defaultContextOnce sync.Once
)

// Default returns the process-wide default context, creating it on first use.
// Bare API calls outside any WithContext scope operate on it.
func Default() *Context {
	defaultContextOnce.Do(func() {
		defaultContext = NewContext()
	})
	return defaultContext
}

// ID returns the context's unique identifier.
func (c *Context) ID() uint64 {
	return c.id
}

// goroutineContexts maps goroutine ids to their active-context stacks. Each
// goroutine only ever touches its own entry.
var goroutineContexts sync.Map

func activeContext() *Context {
	if v, ok := goroutineContexts.Load(goid.Get()); ok {
		stack := v.([]*Context)
		if len(stack) > 0 {
			return stack[len(stack)-1]
		}
	}
	return Default()
}

func pushContext(c *Context) {
	g := goid.Get()
	var stack []*Context
	if v, ok := goroutineContexts.Load(g); ok {
		stack = v.([]*Context)
	}
	goroutineContexts.Store(g, append(stack, c))
}

func popContext() {
	g := goid.Get()
	v, ok := goroutineContexts.Load(g)
	if !ok {
		return
	}
	stack := v.([]*Context)
	if len(stack) == 0 {
		return
	}
	stack = stack[:len(stack)-1]
	if len(stack) == 0 {
		goroutineContexts.Delete(g)
	} else {
		goroutineContexts.Store(g, stack)
	}
}

// WithContext makes c the active context for the duration of fn, restoring
// the previous one afterward, including on panic. Reads, writes and effect
// registrations inside fn operate on c.
func WithContext[T any](c *Context, fn func() T) T {
	pushContext(c)
	defer popContext()
	return fn()
}

// Run is WithContext for callers that do not need a result.
func (c *Context) Run(fn func()) {
	pushContext(c)
	defer popContext()
	fn()
}

// PauseTracking sets the active tracker to the untracked sentinel. Reads
// establish no dependency edges until the matching ResumeTracking. The
// previous tracker is kept on a stack so pauses nest.
func (c *Context) PauseTracking() {
	c.mu.lock()
	defer c.mu.unlock()
	c.pauseStack = append(c.pauseStack, c.activeTracker)
	c.activeTracker = untrackedSentinel
}

// ResumeTracking restores the tracker saved by the matching PauseTracking.
func (c *Context) ResumeTracking() {
	c.mu.lock()
	defer c.mu.unlock()
	lastIdx := len(c.pauseStack) - 1
	if lastIdx < 0 {
		c.logf("tendril: ResumeTracking without matching PauseTracking")
		return
	}
	c.activeTracker = c.pauseStack[lastIdx]
	c.pauseStack = c.pauseStack[:lastIdx]
}

// Untracked runs fn with tracking suspended on c; reads inside fn create no
// dependency edges. The tracker is restored even if fn panics. A nil context
// targets the goroutine's active context.
func Untracked[T any](c *Context, fn func() T) T {
	if c == nil {
		c = activeContext()
	}
	c.mu.lock()
	defer c.mu.unlock()
	c.PauseTracking()
	defer c.ResumeTracking()
	pushContext(c)
	defer popContext()
	return fn()
}

// StartBatch increments the batch depth. While the depth is positive, writes
// accumulate notifications without flushing.
func (c *Context) StartBatch() {
	c.mu.lock()
	defer c.mu.unlock()
	c.batchDepth++
}

// EndBatch decrements the batch depth and flushes if the outermost batch just
// exited.
func (c *Context) EndBatch() {
	c.mu.lock()
	defer c.mu.unlock()
	c.batchDepth--
	if c.batchDepth == 0 {
		c.maybeFlush()
	}
}

// Batch runs fn with flushing suppressed on c, flushing once when the
// outermost batch exits. The depth is restored on every exit path, including
// panics; writes performed before a panic stay applied.
func (c *Context) Batch(fn func()) {
	pushContext(c)
	defer popContext()
	c.StartBatch()
	defer c.EndBatch()
	fn()
}

// RunBatch is Batch with a pass-through result and error.
func RunBatch[T any](c *Context, fn Callback[T]) (T, error) {
	if c == nil {
		c = activeContext()
	}
	pushContext(c)
	defer popContext()
	c.StartBatch()
	defer c.EndBatch()
	return fn()
}

// trackerEffect returns the effect currently recording reads, or nil when
// tracking is off or suspended.
func (c *Context) trackerEffect() *EffectRunner {
	if c.activeTracker == nil || c.activeTracker == untrackedSentinel {
		return nil
	}
	return c.activeTracker
}

// addDependency records the effect→signal half of a bidirectional edge. The
// signal→effect half lives in the signal's weak subscriber set.
func (c *Context) addDependency(e *EffectRunner, co *core) {
	set, ok := c.deps[e.id]
	if !ok {
		set = mapset.NewSet[*core]()
		c.deps[e.id] = set
	}
	set.Add(co)
}

// severDependencies removes every dependency edge of e in both directions.
func (c *Context) severDependencies(e *EffectRunner) {
	set, ok := c.deps[e.id]
	if !ok {
		return
	}
	for _, co := range set.ToSlice() {
		co.unsubscribe(c.id, e.id)
	}
	set.Clear()
}

// enqueue appends effects to the pending queue, deduplicating against both
// the queue and the not-yet-run portion of the pass currently flushing.
func (c *Context) enqueue(effects []*EffectRunner) {
	for _, e := range effects {
		if e.disposed.Load() {
			continue
		}
		if c.pendingSet.Contains(e.id) || c.flushSet.Contains(e.id) {
			continue
		}
		c.pendingSet.Add(e.id)
		c.pending = append(c.pending, e)
	}
}

// maybeFlush flushes the pending queue if nothing is suppressing it. Callers
// hold the entry lock.
func (c *Context) maybeFlush() {
	if c.batchDepth > 0 || c.flushing {
		return
	}
	if c.flushStrategy != nil {
		c.flushStrategy.Schedule(c.id, c.Flush)
		return
	}
	c.flush()
}

// Flush runs all currently pending effects in priority order. It is a no-op
// while a batch is open.
func (c *Context) Flush() {
	c.mu.lock()
	defer c.mu.unlock()
	if c.batchDepth > 0 {
		return
	}
	c.flush()
}

func (c *Context) flush() {
	if c.flushing {
		return
	}
	c.flushing = true
	defer func() {
		c.flushing = false
		c.flushSet.Clear()
	}()

	passes := 0
	for len(c.pending) > 0 {
		passes++
		if passes > maxFlushPasses {
			c.logf("tendril: flush aborted after %d passes, effects keep re-triggering each other", maxFlushPasses)
			c.pending = nil
			c.pendingSet.Clear()
			return
		}

		snapshot := c.pending
		c.pending = nil
		c.pendingSet.Clear()

		// Higher priority first; ties keep enqueue order.
		sort.SliceStable(snapshot, func(i, j int) bool {
			return snapshot[i].priority > snapshot[j].priority
		})

		for _, e := range snapshot {
			c.flushSet.Add(e.id)
		}
		for _, e := range snapshot {
			c.flushSet.Remove(e.id)
			if e.disposed.Load() {
				continue
			}
			c.dispatch(e)
		}
	}
}

// dispatch hands one queued effect to its executor, its debounce timer, or
// runs it directly.
func (c *Context) dispatch(e *EffectRunner) {
	switch {
	case e.executor != nil:
		e.executor(func() { c.runDeferred(e) })
	case e.debounce > 0 && e.hasRun:
		e.armDebounce(c)
	default:
		c.runEffect(e)
	}
}

// runDeferred is the entry point for effect runs delivered later or from
// another goroutine (custom executors, debounce timers, strategies).
func (c *Context) runDeferred(e *EffectRunner) {
	c.mu.lock()
	defer c.mu.unlock()
	if e.disposed.Load() {
		return
	}
	c.runEffect(e)
}

// runEffect executes one effect body with tracking: previous dependency edges
// are severed, the effect goes on the execution stack and becomes the active
// tracker, and everything is restored afterward even if the body panics.
// Re-entering an effect already on the stack is refused with a diagnostic;
// that guard is against accidental synchronous recursion, not a concurrency
// primitive.
func (c *Context) runEffect(e *EffectRunner) {
	if e.disposed.Load() {
		return
	}
	if c.execSet.Contains(e.id) {
		c.logf("tendril: effect %s refused to re-enter itself, write cycle?", e.label())
		return
	}

	c.severDependencies(e)

	c.execSet.Add(e.id)
	c.execStack = append(c.execStack, e)
	prevTracker := c.activeTracker
	prevCurrent := c.current
	c.activeTracker = e
	c.current = e
	pushContext(c)

	defer func() {
		popContext()
		c.activeTracker = prevTracker
		c.current = prevCurrent
		c.execStack = c.execStack[:len(c.execStack)-1]
		c.execSet.Remove(e.id)
		if r := recover(); r != nil {
			c.routeError(e, fmt.Errorf("effect %s panicked: %v", e.label(), r))
		}
	}()

	err := e.fn()
	e.hasRun = true
	if err != nil {
		c.routeError(e, err)
		return
	}
	if e.once {
		e.dispose(c)
	}
}

// routeError contains an error at the smallest boundary: the effect's own
// handler, then the context sink, then the log. It never propagates to the
// caller of SetValue or Flush.
func (c *Context) routeError(e *EffectRunner, err error) {
	if e.onError != nil {
		defer func() {
			if r := recover(); r != nil {
				c.logf("tendril: error handler of effect %s panicked: %v", e.label(), r)
			}
		}()
		e.onError(err)
		return
	}
	if c.onError != nil {
		defer func() {
			if r := recover(); r != nil {
				c.logf("tendril: context error sink panicked while handling effect %s: %v", e.label(), r)
			}
		}()
		c.onError(e, err)
		return
	}
	c.logf("tendril: effect %s: %v", e.label(), err)
}

// removeFromPending drops a disposed effect from the queue and its dedup set.
func (c *Context) removeFromPending(e *EffectRunner) {
	if !c.pendingSet.Contains(e.id) {
		return
	}
	c.pendingSet.Remove(e.id)
	for i, pending := range c.pending {
		if pending == e {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			break
		}
	}
}

// reap purges context bookkeeping for an effect that was collected without
// ever being disposed. Registered as a runtime cleanup; the weak subscriber
// entries prune themselves on the next iteration.
func (c *Context) reap(id uint64) {
	c.mu.lock()
	defer c.mu.unlock()
	if set, ok := c.deps[id]; ok {
		for _, co := range set.ToSlice() {
			co.unsubscribe(c.id, id)
		}
		delete(c.deps, id)
	}
	if kids, ok := c.children[id]; ok {
		for _, child := range kids.ToSlice() {
			child.dispose(c)
		}
		delete(c.children, id)
	}
}

func (c *Context) logf(format string, args ...any) {
	c.logger.Printf(format, args...)
}
