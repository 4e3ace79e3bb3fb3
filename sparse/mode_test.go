package sparse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModeStrings(t *testing.T) {
	assert.Equal(t, "sdd", ModeSDD.String())
	assert.Equal(t, "dsd", ModeDSD.String())
	assert.Equal(t, "dds", ModeDDS.String())

	m, err := ModeString("dsd")
	require.NoError(t, err)
	assert.Equal(t, ModeDSD, m)
	_, err = ModeString("ssd")
	require.Error(t, err)

	assert.True(t, ModeDDS.IsAMode())
	assert.False(t, Mode(7).IsAMode())
}

func TestModePermuted(t *testing.T) {
	// The identity permutation.
	m, err := ModeDSD.permuted(0, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, ModeDSD, m)

	// The gradient rotations.
	m, err = ModeDSD.permuted(1, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, ModeSDD, m)
	m, err = ModeDSD.permuted(2, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, ModeDSD, m)
	m, err = ModeSDD.permuted(1, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, ModeDSD, m)
	m, err = ModeSDD.permuted(2, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, ModeDSD, m)
	m, err = ModeDDS.permuted(1, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, ModeDSD, m)
	m, err = ModeDDS.permuted(2, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, ModeSDD, m)

	// An invalid mode value cannot be permuted.
	_, err = Mode(9).permuted(0, 1, 2)
	require.Error(t, err)
}
