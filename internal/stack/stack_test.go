package stack

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocFillsRegion(t *testing.T) {
	r, err := Alloc(256, DefaultFill)
	require.NoError(t, err)
	defer r.Free()

	assert.Equal(t, 256, r.Size())
	assert.NotZero(t, r.Base())
	for i, b := range r.Bytes() {
		if b != DefaultFill {
			t.Fatalf("byte %d = %#x, want %#x", i, b, DefaultFill)
		}
	}
}

func TestAllocRejectsBadSize(t *testing.T) {
	_, err := Alloc(0, DefaultFill)
	assert.ErrorIs(t, err, ErrInvalidSize)
}

func TestUseDirection(t *testing.T) {
	r, err := Alloc(64, 0x00)
	require.NoError(t, err)
	defer r.Free()

	r.Use(8, false)
	mem := r.Bytes()
	assert.Equal(t, byte(0x00), mem[55])
	assert.Equal(t, byte(0xFF), mem[56])
	assert.Equal(t, byte(0xFF), mem[63])

	r.Fill()
	r.Use(8, true)
	assert.Equal(t, byte(0xFF), mem[0])
	assert.Equal(t, byte(0xFF), mem[7])
	assert.Equal(t, byte(0x00), mem[8])
}

func TestFreeIsIdempotent(t *testing.T) {
	r, err := Alloc(128, DefaultFill)
	require.NoError(t, err)

	require.NoError(t, r.Free())
	require.NoError(t, r.Free())
	assert.Zero(t, r.Size())
	assert.Zero(t, r.Base())
}
