package kerr_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rcman/osfree/internal/kerr"
)

func TestNewAndIs(t *testing.T) {
	err := kerr.New(kerr.InvalidParameter, "affinity mask %x excludes online set", 0)
	require.Error(t, err)
	require.True(t, kerr.Is(err, kerr.InvalidParameter))
	require.False(t, kerr.Is(err, kerr.APTimeout))
	require.Equal(t, kerr.InvalidParameter, err.Code())
}

func TestWrapNilIsNil(t *testing.T) {
	require.Nil(t, kerr.Wrap(kerr.OutOfMemory, nil, "alloc stack"))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := kerr.New(kerr.APTimeout, "cpu 3 did not join")
	wrapped := kerr.Wrap(kerr.OutOfMemory, cause, "boot_cpu(3)")
	require.True(t, kerr.Is(wrapped, kerr.OutOfMemory))
	require.ErrorContains(t, wrapped, "cpu 3 did not join")
}

func TestCodeString(t *testing.T) {
	require.Equal(t, "APTimeout", kerr.APTimeout.String())
	require.Contains(t, kerr.Code(999).String(), "999")
}
