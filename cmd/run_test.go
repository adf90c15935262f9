package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsConflict(t *testing.T) {
	wm, err := newMetrics("127.0.0.1:9100", "127.0.0.1:8125")
	assert.ErrorIs(t, err, errMetricsConflict)
	assert.Nil(t, wm)

	wm, err = newMetrics("", "")
	require.NoError(t, err)
	assert.Nil(t, wm)
}

func TestRunFlagsExclusive(t *testing.T) {
	rootCmd.SetArgs([]string{"run", "--metrics", "127.0.0.1:9100", "--statsd", "127.0.0.1:8125", "--conf", "missing.conf"})
	err := rootCmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "none of the others can be")
}
