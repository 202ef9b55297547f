package tendril

import (
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

// Strategy decides when a deferred flush actually runs. Schedule is called
// with a stable key per context; a strategy must coalesce repeated schedules
// of the same key that arrive before the flush runs, and must eventually run
// every scheduled fn exactly once per coalesced burst.
type Strategy interface {
	Schedule(key uint64, fn func())
}

// StrategyFunc adapts a function to the Strategy interface.
type StrategyFunc func(key uint64, fn func())

func (f StrategyFunc) Schedule(key uint64, fn func()) { f(key, fn) }

// Immediate runs the flush synchronously on the scheduling goroutine. It is
// the behavior a context has with no strategy at all, exposed so strategies
// can be swapped uniformly in configuration.
func Immediate() Strategy {
	return StrategyFunc(func(_ uint64, fn func()) { fn() })
}

// queue is the shared coalescing core: FIFO of unique keys plus their latest
// fn. Every asynchronous strategy drains one of these.
type queue struct {
	mu    sync.Mutex
	keys  mapset.Set[uint64]
	order []uint64
	fns   map[uint64]func()
}

func newQueue() *queue {
	return &queue{
		keys: mapset.NewSet[uint64](),
		fns:  map[uint64]func(){},
	}
}

// push enqueues fn under key, reporting whether the queue was empty before.
func (q *queue) push(key uint64, fn func()) (wasEmpty bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	wasEmpty = len(q.order) == 0
	if !q.keys.Contains(key) {
		q.keys.Add(key)
		q.order = append(q.order, key)
	}
	q.fns[key] = fn
	return wasEmpty
}

// drain takes the whole queue and runs each fn outside the queue lock, in
// schedule order. Keys scheduled while draining land in the next drain.
func (q *queue) drain() {
	q.mu.Lock()
	order := q.order
	fns := q.fns
	q.order = nil
	q.keys.Clear()
	q.fns = map[uint64]func(){}
	q.mu.Unlock()

	for _, key := range order {
		fns[key]()
	}
}

// pop removes and returns the oldest queued fn.
func (q *queue) pop() (func(), bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.order) == 0 {
		return nil, false
	}
	key := q.order[0]
	q.order = q.order[1:]
	q.keys.Remove(key)
	fn := q.fns[key]
	delete(q.fns, key)
	return fn, true
}

func (q *queue) empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order) == 0
}

type microtaskStrategy struct {
	q *queue
}

// Microtask defers flushes to a fresh goroutine, coalescing every schedule
// that lands before the goroutine gets to run. Writes made back-to-back on
// the scheduling goroutine therefore flush once.
func Microtask() Strategy {
	return &microtaskStrategy{q: newQueue()}
}

func (m *microtaskStrategy) Schedule(key uint64, fn func()) {
	if m.q.push(key, fn) {
		go m.q.drain()
	}
}

type timerStrategy struct {
	q *queue
	d time.Duration
}

// Timer defers flushes by a fixed delay, coalescing everything scheduled
// inside the window into one drain.
func Timer(d time.Duration) Strategy {
	return &timerStrategy{q: newQueue(), d: d}
}

func (t *timerStrategy) Schedule(key uint64, fn func()) {
	if t.q.push(key, fn) {
		time.AfterFunc(t.d, t.q.drain)
	}
}

type frameStrategy struct {
	q        *queue
	interval time.Duration

	mu      sync.Mutex
	ticking bool
}

// Frame drains on a fixed cadence for as long as work keeps arriving, the
// moral equivalent of an animation frame loop. The ticker starts on the first
// schedule and stops when a tick finds the queue empty.
func Frame(interval time.Duration) Strategy {
	return &frameStrategy{q: newQueue(), interval: interval}
}

func (f *frameStrategy) Schedule(key uint64, fn func()) {
	f.q.push(key, fn)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ticking {
		return
	}
	f.ticking = true
	go f.tick()
}

func (f *frameStrategy) tick() {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for range ticker.C {
		f.q.drain()
		f.mu.Lock()
		if f.q.empty() {
			f.ticking = false
			f.mu.Unlock()
			return
		}
		f.mu.Unlock()
	}
}

type idleStrategy struct {
	q    *queue
	pred func() bool
	poll time.Duration
}

// Idle runs queued callbacks only while pred reports the host is idle. The
// predicate is re-checked before every callback; when it stops holding
// mid-queue, the remainder stays queued and the worker goes back to polling.
// A nil pred degrades to a short fixed delay.
func Idle(pred func() bool) Strategy {
	return &idleStrategy{q: newQueue(), pred: pred, poll: 2 * time.Millisecond}
}

func (s *idleStrategy) Schedule(key uint64, fn func()) {
	if !s.q.push(key, fn) {
		return
	}
	if s.pred == nil {
		time.AfterFunc(s.poll, s.q.drain)
		return
	}
	go s.work()
}

func (s *idleStrategy) work() {
	for {
		for !s.pred() {
			time.Sleep(s.poll)
		}
		for s.pred() {
			fn, ok := s.q.pop()
			if !ok {
				return
			}
			fn()
		}
		if s.q.empty() {
			return
		}
	}
}
