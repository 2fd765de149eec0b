package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorsIsMatchesByCodeAlone(t *testing.T) {
	base := New(CacheOverflow, "cache is full").WithResource("kvcache.Causal")
	wrapped := fmt.Errorf("forward pass failed: %w", base)

	assert.True(t, errors.Is(wrapped, Of(CacheOverflow)))
	assert.False(t, errors.Is(wrapped, Of(BasisOverflow)))
}

func TestWithResourceDoesNotMutateOriginal(t *testing.T) {
	base := New(InvalidConfig, "bad batch size")
	withRes := base.WithResource("runtimeconfig.Batching")

	assert.Empty(t, base.Resource)
	assert.Equal(t, "runtimeconfig.Batching", withRes.Resource)
}

func TestWrapPreservesCauseForUnwrap(t *testing.T) {
	cause := errors.New("device probe failed")
	err := Of(DeviceUnavailable).Wrap(cause)

	require.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "device probe failed")
}

func TestErrorMessageIncludesResourceAndCause(t *testing.T) {
	err := New(LimitExceeded, "buffer too large").WithResource("decodering.Config").Wrap(errors.New("256MiB cap"))
	assert.Equal(t, "limit_exceeded: buffer too large (decodering.Config): 256MiB cap", err.Error())
}

func TestNewfFormatsMessage(t *testing.T) {
	err := Newf(BasisOverflow, "unique token count %d exceeds vocab %d", 5000, 4096)
	assert.Equal(t, "basis_overflow: unique token count 5000 exceeds vocab 4096", err.Error())
}
