package netdef

import (
	"testing"

	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountedLoop(t *testing.T) {
	b := NewBuilder("running_sum")
	x := must.M1(b.AddInput("x", shapes.Make(dtypes.Float32, 5)))
	zero := b.AddConstant(tensors.FromScalar(float32(0)))
	trip := b.AddConstant(tensors.FromScalar(int64(5)))

	loop := b.AddLoop("sum")
	require.NoError(t, loop.AddTripLimit(trip, TripCount))
	assert.Equal(t, 5, loop.TripCount())
	xt := must.M1(loop.AddIterator(x, 0, false))
	assert.Equal(t, 0, xt.Rank())
	rec := must.M1(loop.AddRecurrence(zero))
	sum := must.M1(b.AddElementWise(OpSum, rec.Output(), xt))
	require.NoError(t, rec.SetNextValue(sum))
	partials := must.M1(loop.AddLoopOutput(sum, LoopConcatenate, 0))
	total := must.M1(loop.AddLoopOutput(sum, LoopLastValue, 0))
	loop.Finalize()

	assert.Equal(t, []int{5}, partials.Shape().Dimensions)
	b.MarkOutput(partials, "partials")
	b.MarkOutput(total, "total")

	got := must.M1(Evaluate(b, map[string]*tensors.Tensor{
		"x": tensors.FromValue([]float32{1, 2, 3, 4, 5}),
	}))
	assert.Equal(t, []float32{1, 3, 6, 10, 15}, tensors.CopyFlatData[float32](got[0]))
	assert.Equal(t, float32(15), tensors.ToScalar[float32](got[1]))
}

func TestReverseIteratorWithReverseOutput(t *testing.T) {
	// Iterating backwards and stacking with LoopReverse restores the
	// original order.
	b := NewBuilder("reverse")
	x := must.M1(b.AddInput("x", shapes.Make(dtypes.Float32, 4)))
	trip := b.AddConstant(tensors.FromScalar(int64(4)))

	loop := b.AddLoop("rev")
	require.NoError(t, loop.AddTripLimit(trip, TripCount))
	xt := must.M1(loop.AddIterator(x, 0, true))
	restored := must.M1(loop.AddLoopOutput(xt, LoopReverse, 0))
	backwards := must.M1(loop.AddLoopOutput(xt, LoopConcatenate, 0))
	loop.Finalize()
	b.MarkOutput(restored, "restored")
	b.MarkOutput(backwards, "backwards")

	got := must.M1(Evaluate(b, map[string]*tensors.Tensor{
		"x": tensors.FromValue([]float32{10, 20, 30, 40}),
	}))
	assert.Equal(t, []float32{10, 20, 30, 40}, tensors.CopyFlatData[float32](got[0]))
	assert.Equal(t, []float32{40, 30, 20, 10}, tensors.CopyFlatData[float32](got[1]))
}

func TestWhileLoop(t *testing.T) {
	b := NewBuilder("count_to_three")
	condInit := b.AddConstant(tensors.FromScalar(true))
	zero := b.AddConstant(tensors.FromScalar(int64(0)))
	one := b.AddConstant(tensors.FromScalar(int64(1)))
	limit := b.AddConstant(tensors.FromScalar(int64(3)))

	loop := b.AddLoop("while")
	condRec := must.M1(loop.AddRecurrence(condInit))
	require.NoError(t, loop.AddTripLimit(condRec.Output(), TripWhile))
	counter := must.M1(loop.AddRecurrence(zero))
	next := must.M1(b.AddElementWise(OpSum, counter.Output(), one))
	require.NoError(t, counter.SetNextValue(next))
	cond := must.M1(b.AddElementWise(OpLess, next, limit))
	require.NoError(t, condRec.SetNextValue(cond))
	final := must.M1(loop.AddLoopOutput(next, LoopLastValue, 0))
	loop.Finalize()
	b.MarkOutput(final, "final")

	got := must.M1(Evaluate(b, nil))
	assert.Equal(t, int64(3), tensors.ToScalar[int64](got[0]))
}

func TestTripLimitValidation(t *testing.T) {
	b := NewBuilder("trip")
	vec := b.AddConstant(tensors.FromValue([]int64{3}))
	floatScalar := b.AddConstant(tensors.FromScalar(float32(3)))
	intScalar := b.AddConstant(tensors.FromScalar(int64(3)))

	loop := b.AddLoop("l")
	assert.Error(t, loop.AddTripLimit(vec, TripCount), "non-scalar trip count")
	assert.Error(t, loop.AddTripLimit(floatScalar, TripCount), "non-integer trip count")
	assert.Error(t, loop.AddTripLimit(intScalar, TripWhile), "non-bool while condition")
	require.NoError(t, loop.AddTripLimit(intScalar, TripCount))
}

func TestLoopProtocolPanics(t *testing.T) {
	t.Run("double trip limit", func(t *testing.T) {
		b := NewBuilder("p")
		trip := b.AddConstant(tensors.FromScalar(int64(2)))
		loop := b.AddLoop("l")
		require.NoError(t, loop.AddTripLimit(trip, TripCount))
		assert.Panics(t, func() { _ = loop.AddTripLimit(trip, TripCount) })
	})

	t.Run("finalize without trip limit", func(t *testing.T) {
		b := NewBuilder("p")
		zero := b.AddConstant(tensors.FromScalar(float32(0)))
		loop := b.AddLoop("l")
		rec := must.M1(loop.AddRecurrence(zero))
		require.NoError(t, rec.SetNextValue(rec.Output()))
		must.M1(loop.AddLoopOutput(rec.Output(), LoopLastValue, 0))
		assert.Panics(t, loop.Finalize)
	})

	t.Run("finalize with unset recurrence", func(t *testing.T) {
		b := NewBuilder("p")
		zero := b.AddConstant(tensors.FromScalar(float32(0)))
		trip := b.AddConstant(tensors.FromScalar(int64(2)))
		loop := b.AddLoop("l")
		require.NoError(t, loop.AddTripLimit(trip, TripCount))
		rec := must.M1(loop.AddRecurrence(zero))
		must.M1(loop.AddLoopOutput(rec.Output(), LoopLastValue, 0))
		assert.Panics(t, loop.Finalize)
	})

	t.Run("finalize without outputs", func(t *testing.T) {
		b := NewBuilder("p")
		trip := b.AddConstant(tensors.FromScalar(int64(2)))
		loop := b.AddLoop("l")
		require.NoError(t, loop.AddTripLimit(trip, TripCount))
		assert.Panics(t, loop.Finalize)
	})

	t.Run("set next value twice", func(t *testing.T) {
		b := NewBuilder("p")
		zero := b.AddConstant(tensors.FromScalar(float32(0)))
		loop := b.AddLoop("l")
		rec := must.M1(loop.AddRecurrence(zero))
		require.NoError(t, rec.SetNextValue(rec.Output()))
		assert.Panics(t, func() { _ = rec.SetNextValue(rec.Output()) })
	})

	t.Run("use after finalize", func(t *testing.T) {
		b := NewBuilder("p")
		zero := b.AddConstant(tensors.FromScalar(float32(0)))
		trip := b.AddConstant(tensors.FromScalar(int64(2)))
		loop := b.AddLoop("l")
		require.NoError(t, loop.AddTripLimit(trip, TripCount))
		rec := must.M1(loop.AddRecurrence(zero))
		require.NoError(t, rec.SetNextValue(rec.Output()))
		must.M1(loop.AddLoopOutput(rec.Output(), LoopLastValue, 0))
		loop.Finalize()
		assert.Panics(t, func() { _, _ = loop.AddLoopOutput(rec.Output(), LoopLastValue, 0) })
	})

	t.Run("outer loop while inner open", func(t *testing.T) {
		b := NewBuilder("p")
		trip := b.AddConstant(tensors.FromScalar(int64(2)))
		outer := b.AddLoop("outer")
		require.NoError(t, outer.AddTripLimit(trip, TripCount))
		b.AddLoop("inner")
		zero := b.AddConstant(tensors.FromScalar(float32(0)))
		assert.Panics(t, func() { _, _ = outer.AddRecurrence(zero) })
	})
}

func TestRecurrenceShapeMismatch(t *testing.T) {
	b := NewBuilder("p")
	zero := b.AddConstant(tensors.FromScalar(float32(0)))
	pair := b.AddConstant(tensors.FromValue([]float32{1, 2}))
	loop := b.AddLoop("l")
	rec := must.M1(loop.AddRecurrence(zero))
	require.Error(t, rec.SetNextValue(pair))
}

func TestEvaluateRejectsOpenLoop(t *testing.T) {
	b := NewBuilder("open")
	trip := b.AddConstant(tensors.FromScalar(int64(2)))
	loop := b.AddLoop("l")
	require.NoError(t, loop.AddTripLimit(trip, TripCount))
	_, err := Evaluate(b, nil)
	require.Error(t, err)
}
