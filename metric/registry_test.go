package metric

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/sockmux/errors"
)

func TestNewRegistryHasCoreMetrics(t *testing.T) {
	r := NewRegistry()
	require.NotNil(t, r.Core)

	r.Core.ConnectionsActive.Set(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(r.Core.ConnectionsActive))

	r.Core.DispatchTotal.WithLabelValues("topic").Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(r.Core.DispatchTotal.WithLabelValues("topic")))
}

func TestRegisterDuplicate(t *testing.T) {
	r := NewRegistry()

	c := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sockmux_test_counter_total",
		Help: "test",
	})
	require.NoError(t, r.Register("worker", "test_counter", c))

	err := r.Register("worker", "test_counter", c)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestUnregister(t *testing.T) {
	r := NewRegistry()

	c := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sockmux_test_unregister_total",
		Help: "test",
	})
	require.NoError(t, r.Register("worker", "unregister", c))

	assert.True(t, r.Unregister("worker", "unregister"))
	assert.False(t, r.Unregister("worker", "unregister"))

	// Re-registering after unregister works again.
	require.NoError(t, r.Register("worker", "unregister", c))
}
