package tendril_test

import (
	"log"
	"testing"

	"github.com/delaneyj/tendril"
	"github.com/stretchr/testify/assert"
)

// end to end: a counter, a derived double and a logging effect
func TestBasicUsage(t *testing.T) {
	ctx := tendril.NewContext(tendril.WithOnError(func(from tendril.SignalAware, err error) {
		assert.FailNow(t, err.Error())
	}))
	count := tendril.Signal(1)
	doubleCount := tendril.Computed(ctx, func() (int, error) {
		return count.Value() * 2, nil
	})

	stopEffect := tendril.Effect(ctx, func() error {
		log.Printf("Count is: %d", count.Value())
		return nil
	})
	defer stopEffect()

	ctx.Run(func() {
		v, err := doubleCount.Value()
		assert.NoError(t, err)
		assert.Equal(t, 2, v)

		count.SetValue(2)
		v, err = doubleCount.Value()
		assert.NoError(t, err)
		assert.Equal(t, 4, v)
	})
}

// end to end: effects registered inside an effect die with their parent
func TestBasicScope(t *testing.T) {
	ctx := tendril.NewContext(tendril.WithOnError(func(from tendril.SignalAware, err error) {
		assert.FailNow(t, err.Error())
	}))
	count := tendril.Signal(1)
	seen := []int{}

	stopScope := tendril.Effect(ctx, func() error {
		tendril.Effect(nil, func() error {
			seen = append(seen, count.Value())
			return nil
		})
		return nil
	})
	assert.Equal(t, []int{1}, seen)

	ctx.Run(func() {
		count.SetValue(2)
	})
	assert.Equal(t, []int{1, 2}, seen)

	stopScope()
	ctx.Run(func() {
		count.SetValue(3)
	})
	assert.Equal(t, []int{1, 2}, seen)
}
