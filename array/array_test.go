package array_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/microsim/array"
)

func TestFilled(t *testing.T) {
	a, err := array.Filled(array.KindFloat, 3, 2)
	require.NoError(t, err)
	assert.Equal(t, array.Float{2, 2, 2}, a)

	b, err := array.Filled(array.KindBool, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, array.Bool{false, false}, b)

	_, err = array.Filled(array.KindString, 1, 3.0)
	assert.ErrorIs(t, err, array.ErrCast)
}

func TestCast(t *testing.T) {
	f, err := array.Cast(array.Int{1, 2}, array.KindFloat)
	require.NoError(t, err)
	assert.Equal(t, array.Float{1, 2}, f)

	i, err := array.Cast(array.Float{1.9, -1.9}, array.KindInt)
	require.NoError(t, err)
	assert.Equal(t, array.Int{1, -1}, i, "truncates toward zero")

	_, err = array.Cast(array.String{"a"}, array.KindFloat)
	assert.ErrorIs(t, err, array.ErrCast)

	_, err = array.Cast(array.Float{1}, array.KindEnum)
	assert.ErrorIs(t, err, array.ErrCast)
}

func TestZip_LengthMismatch(t *testing.T) {
	_, err := array.Add(array.Float{1, 2}, array.Float{1})
	assert.ErrorIs(t, err, array.ErrLength)
}

func TestWhere(t *testing.T) {
	got, err := array.Where(array.Bool{true, false, true}, array.Float{1, 2, 3}, array.Float{9, 9, 9})
	require.NoError(t, err)
	assert.Equal(t, array.Float{1, 9, 3}, got)
}

func TestAddInto(t *testing.T) {
	dst := array.Int{1, 2}
	require.NoError(t, array.AddInto(dst, array.Int{10, 20}))
	assert.Equal(t, array.Int{11, 22}, dst)

	assert.ErrorIs(t, array.AddInto(array.Bool{true}, array.Bool{true}), array.ErrCast)
}

func TestEqual(t *testing.T) {
	assert.True(t, array.Equal(array.Float{1, 2}, array.Float{1, 2}))
	assert.False(t, array.Equal(array.Float{1, 2}, array.Int{1, 2}))
	assert.False(t, array.Equal(array.Float{1}, array.Float{1, 2}))
}

func TestSummary(t *testing.T) {
	assert.Equal(t, "[1 2]", array.Summary(array.Float{1, 2}))
	assert.Equal(t, "[1 2 3 4 ... (5)]", array.Summary(array.Int{1, 2, 3, 4, 5}))
}
