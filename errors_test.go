package host1x

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewError(t *testing.T) {
	err := NewError("job_map", ErrNoGartSpace, "aperture under pressure")
	assert.Equal(t, ErrNoGartSpace, err.Code)
	assert.Equal(t, "job_map", err.Op)
	assert.Contains(t, err.Error(), "aperture under pressure")
}

func TestWrapError(t *testing.T) {
	inner := NewError("gart_map", ErrOutOfGartSpace, "aperture exhausted")
	wrapped := WrapError("submit", inner)

	assert.Equal(t, ErrOutOfGartSpace, wrapped.Code)
	assert.Equal(t, "submit", wrapped.Op)
	assert.True(t, errors.Is(wrapped, inner))
}

func TestWrapErrorPlain(t *testing.T) {
	wrapped := WrapError("submit", fmt.Errorf("boom"))
	assert.Equal(t, ErrInvalidArgument, wrapped.Code)
}

func TestIsCode(t *testing.T) {
	err := NewError("push_job", ErrBusy, "hardware adapter rejected submit")
	assert.True(t, IsCode(err, ErrBusy))
	assert.False(t, IsCode(err, ErrTimedOut))

	wrapped := WrapError("submit", err)
	assert.True(t, IsCode(wrapped, ErrBusy))
}

func TestErrorCodesDistinct(t *testing.T) {
	codes := []HostErrorCode{
		ErrInvalidArgument, ErrBadOpcode, ErrBadReloc, ErrRegOutOfRange,
		ErrOutOfMemory, ErrOutOfGartSpace, ErrNoGartSpace, ErrNoSuitableChannel,
		ErrBusy, ErrTimedOut, ErrCancelled, ErrInterrupted, ErrNotScatterable,
	}
	seen := make(map[HostErrorCode]bool, len(codes))
	for _, c := range codes {
		assert.False(t, seen[c], "duplicate error code %v", c)
		seen[c] = true
	}
}
