package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/maestro/internal/config"
)

func TestNewDisabled(t *testing.T) {
	tel, err := New(context.Background(), config.TelemetryConfig{Enabled: false})
	require.NoError(t, err)

	degraded, reason := tel.Degraded()
	assert.False(t, degraded)
	assert.Empty(t, reason)

	require.NoError(t, tel.Shutdown(context.Background()))
}

func TestNewEnabledRequiresServiceName(t *testing.T) {
	_, err := New(context.Background(), config.TelemetryConfig{Enabled: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "service_name")
}
