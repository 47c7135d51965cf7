package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEnvDuration(t *testing.T) {
	t.Run("go duration", func(t *testing.T) {
		t.Setenv("TEST_DURATION", "90s")
		require.Equal(t, 90*time.Second, EnvDuration("TEST_DURATION", time.Second))
	})

	t.Run("bare seconds", func(t *testing.T) {
		t.Setenv("TEST_DURATION", "300")
		require.Equal(t, 5*time.Minute, EnvDuration("TEST_DURATION", time.Second))
	})

	t.Run("garbage falls back", func(t *testing.T) {
		t.Setenv("TEST_DURATION", "soon")
		require.Equal(t, time.Second, EnvDuration("TEST_DURATION", time.Second))
	})
}

func TestEnvNumbers(t *testing.T) {
	t.Setenv("TEST_INT", "7")
	t.Setenv("TEST_NEG", "-3")
	t.Setenv("TEST_FLOAT", "2.5")

	require.Equal(t, 7, EnvInt("TEST_INT", 1))
	require.Equal(t, 1, EnvInt("TEST_NEG", 1), "negative values are rejected")
	require.Equal(t, int64(7), EnvInt64("TEST_INT", 0))
	require.InDelta(t, 2.5, EnvFloat("TEST_FLOAT", 0), 1e-9)
	require.Equal(t, "fallback", Env("TEST_UNSET_VALUE", "fallback"))
}

func TestEnvOptionalInt(t *testing.T) {
	require.Nil(t, EnvOptionalInt("TEST_UNSET_OPTIONAL"))

	t.Setenv("TEST_OPTIONAL", "4")
	v := EnvOptionalInt("TEST_OPTIONAL")
	require.NotNil(t, v)
	require.Equal(t, int32(4), *v)

	t.Setenv("TEST_BOOL", "Yes")
	require.True(t, EnvBool("TEST_BOOL", false))
}
