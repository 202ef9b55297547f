package tendril_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/delaneyj/tendril"
	"github.com/stretchr/testify/assert"
)

// should behave exactly like no strategy at all
func TestSchedulerImmediate(t *testing.T) {
	ctx := tendril.NewContext(tendril.WithFlushStrategy(tendril.Immediate()))
	count := tendril.Signal(0)
	runs := 0

	defer tendril.Effect(ctx, func() error {
		count.Value()
		runs++
		return nil
	})()

	ctx.Run(func() {
		count.SetValue(1)
	})
	assert.Equal(t, 2, runs)
}

// should coalesce back-to-back writes into one deferred flush
func TestSchedulerMicrotaskCoalesces(t *testing.T) {
	ctx := tendril.NewContext(tendril.WithFlushStrategy(tendril.Microtask()))
	count := tendril.Signal(0)
	var runs atomic.Int32

	defer tendril.Effect(ctx, func() error {
		count.Value()
		runs.Add(1)
		return nil
	})()
	assert.Equal(t, int32(1), runs.Load())

	ctx.Batch(func() {
		count.SetValue(1)
		count.SetValue(2)
		count.SetValue(3)
	})

	assert.Eventually(t, func() bool {
		return runs.Load() == 2
	}, time.Second, time.Millisecond)
	ctx.Run(func() {
		assert.Equal(t, 3, count.Value())
	})
}

// should hold flushes for the delay window, then run once
func TestSchedulerTimer(t *testing.T) {
	ctx := tendril.NewContext(tendril.WithFlushStrategy(tendril.Timer(15 * time.Millisecond)))
	count := tendril.Signal(0)
	var runs atomic.Int32

	defer tendril.Effect(ctx, func() error {
		count.Value()
		runs.Add(1)
		return nil
	})()

	ctx.Batch(func() {
		count.SetValue(1)
		count.SetValue(2)
	})
	assert.Eventually(t, func() bool {
		return runs.Load() == 2
	}, time.Second, time.Millisecond)
}

// should drain on cadence while work keeps arriving
func TestSchedulerFrame(t *testing.T) {
	ctx := tendril.NewContext(tendril.WithFlushStrategy(tendril.Frame(5 * time.Millisecond)))
	count := tendril.Signal(0)
	var runs atomic.Int32

	defer tendril.Effect(ctx, func() error {
		count.Value()
		runs.Add(1)
		return nil
	})()

	ctx.Run(func() {
		count.SetValue(1)
	})
	assert.Eventually(t, func() bool {
		return runs.Load() == 2
	}, time.Second, time.Millisecond)

	ctx.Run(func() {
		count.SetValue(2)
	})
	assert.Eventually(t, func() bool {
		return runs.Load() == 3
	}, time.Second, time.Millisecond)
}

// should wait for the idle predicate before flushing
func TestSchedulerIdle(t *testing.T) {
	var idle atomic.Bool
	ctx := tendril.NewContext(tendril.WithFlushStrategy(tendril.Idle(idle.Load)))
	count := tendril.Signal(0)
	var runs atomic.Int32

	defer tendril.Effect(ctx, func() error {
		count.Value()
		runs.Add(1)
		return nil
	})()

	ctx.Run(func() {
		count.SetValue(1)
	})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), runs.Load())

	idle.Store(true)
	assert.Eventually(t, func() bool {
		return runs.Load() == 2
	}, time.Second, time.Millisecond)
}

// should stop draining when the predicate flips mid-queue and resume later
func TestSchedulerIdleYieldsMidQueue(t *testing.T) {
	var idle atomic.Bool
	strategy := tendril.Idle(idle.Load)
	ctxA := tendril.NewContext(tendril.WithFlushStrategy(strategy))
	ctxB := tendril.NewContext(tendril.WithFlushStrategy(strategy))
	a := tendril.Signal(0)
	b := tendril.Signal(0)
	var runsA, runsB atomic.Int32

	defer tendril.Effect(ctxA, func() error {
		a.Value()
		if runsA.Add(1) > 1 {
			// the drained callback itself uses up the idle window
			idle.Store(false)
		}
		return nil
	})()
	defer tendril.Effect(ctxB, func() error {
		b.Value()
		runsB.Add(1)
		return nil
	})()

	ctxA.Run(func() { a.SetValue(1) })
	ctxB.Run(func() { b.SetValue(1) })
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), runsA.Load())
	assert.Equal(t, int32(1), runsB.Load())

	idle.Store(true)
	assert.Eventually(t, func() bool {
		return runsA.Load() == 2
	}, time.Second, time.Millisecond)

	// the first callback flipped the predicate; the second must stay queued
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), runsB.Load())

	idle.Store(true)
	assert.Eventually(t, func() bool {
		return runsB.Load() == 2
	}, time.Second, time.Millisecond)
}

// should degrade a nil idle predicate to a short delay
func TestSchedulerIdleNilPredicate(t *testing.T) {
	ctx := tendril.NewContext(tendril.WithFlushStrategy(tendril.Idle(nil)))
	count := tendril.Signal(0)
	var runs atomic.Int32

	defer tendril.Effect(ctx, func() error {
		count.Value()
		runs.Add(1)
		return nil
	})()

	ctx.Run(func() {
		count.SetValue(1)
	})
	assert.Eventually(t, func() bool {
		return runs.Load() == 2
	}, time.Second, time.Millisecond)
}
