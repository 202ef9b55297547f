package tendril_test

import (
	"testing"

	"github.com/delaneyj/tendril"
	"github.com/stretchr/testify/assert"
)

// should coalesce writes inside a batch into one flush at exit
func TestBatchCoalescesWrites(t *testing.T) {
	ctx := tendril.NewContext()
	first := tendril.Signal("John")
	last := tendril.Signal("Smith")
	var rendered []string

	defer tendril.Effect(ctx, func() error {
		rendered = append(rendered, first.Value()+" "+last.Value())
		return nil
	})()
	assert.Equal(t, []string{"John Smith"}, rendered)

	ctx.Batch(func() {
		first.SetValue("Jane")
		last.SetValue("Doe")
	})
	assert.Equal(t, []string{"John Smith", "Jane Doe"}, rendered)
}

// should flush only when the outermost batch exits
func TestBatchNesting(t *testing.T) {
	ctx := tendril.NewContext()
	a := tendril.Signal(0)
	b := tendril.Signal(0)
	runs := 0

	defer tendril.Effect(ctx, func() error {
		a.Value()
		b.Value()
		runs++
		return nil
	})()
	assert.Equal(t, 1, runs)

	ctx.Batch(func() {
		a.SetValue(1)
		ctx.Batch(func() {
			b.SetValue(1)
		})
		// inner exit must not flush
		assert.Equal(t, 1, runs)
	})
	assert.Equal(t, 2, runs)
}

// should pair StartBatch and EndBatch like the closure form
func TestBatchManualDepth(t *testing.T) {
	ctx := tendril.NewContext()
	count := tendril.Signal(0)
	runs := 0

	defer tendril.Effect(ctx, func() error {
		count.Value()
		runs++
		return nil
	})()

	ctx.StartBatch()
	ctx.Run(func() {
		count.SetValue(1)
		count.SetValue(2)
	})
	assert.Equal(t, 1, runs)
	ctx.EndBatch()
	assert.Equal(t, 2, runs)
	ctx.Run(func() {
		assert.Equal(t, 2, count.Value())
	})
}

// should pass the result and error through RunBatch unchanged
func TestRunBatchPassThrough(t *testing.T) {
	ctx := tendril.NewContext()
	count := tendril.Signal(1)
	runs := 0

	defer tendril.Effect(ctx, func() error {
		count.Value()
		runs++
		return nil
	})()

	total, err := tendril.RunBatch(ctx, func() (int, error) {
		count.SetValue(10)
		count.SetValue(20)
		return count.Peek() + 1, nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 21, total)
	assert.Equal(t, 2, runs)
}

// should keep writes applied and restore the batch depth when the body panics
func TestBatchPanicDurability(t *testing.T) {
	ctx := tendril.NewContext()
	count := tendril.Signal(0)
	runs := 0

	defer tendril.Effect(ctx, func() error {
		count.Value()
		runs++
		return nil
	})()

	assert.Panics(t, func() {
		ctx.Batch(func() {
			count.SetValue(5)
			panic("mid-batch")
		})
	})

	// the write before the panic survived and flushed on unwind
	assert.Equal(t, 2, runs)
	ctx.Run(func() {
		assert.Equal(t, 5, count.Value())

		// depth is back to zero, writes flush synchronously again
		count.SetValue(6)
	})
	assert.Equal(t, 3, runs)
}

// should see writes from inside an open batch when reading directly
func TestBatchReadsSeeUnflushedWrites(t *testing.T) {
	ctx := tendril.NewContext()
	count := tendril.Signal(1)

	ctx.Batch(func() {
		count.SetValue(2)
		assert.Equal(t, 2, count.Value())
	})
}
