package kconfig_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rcman/osfree/internal/kconfig"
)

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, kconfig.Default().Validate())
}

func TestLoadNoFileReturnsDefaults(t *testing.T) {
	tun, err := kconfig.Load("")
	require.NoError(t, err)
	require.Equal(t, kconfig.Default(), tun)
}

func TestValidateRejectsVectorCollision(t *testing.T) {
	tun := kconfig.Default()
	tun.TLBVector = tun.RescheduleVector
	err := tun.Validate()
	require.Error(t, err)
}
