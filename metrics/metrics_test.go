package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg, "random-value")
	require.NoError(t, err)

	m.ObserveCommand("RandomValue", "SUCCESS", time.Millisecond)
	m.ObserveCommand("RandomValue", "SUCCESS", time.Millisecond)
	m.ObserveCommand(UnknownSymbol, "UNANSWERED", 0)
	m.ObserveExecute(time.Millisecond, nil)
	m.ObserveExecute(time.Millisecond, errors.New("down"))
	m.ObserveRefresh(time.Second, nil)
	m.SetState("serving", "initializing", "serving")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.commands.WithLabelValues("RandomValue", "SUCCESS")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commands.WithLabelValues(UnknownSymbol, "UNANSWERED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.executes.WithLabelValues("false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.refreshes.WithLabelValues("true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.state.WithLabelValues("serving")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.state.WithLabelValues("initializing")))
	assert.Greater(t, testutil.ToFloat64(m.lastRefresh), 0.0)
}

func TestDoubleRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg, "a")
	require.NoError(t, err)
	_, err = New(reg, "a")
	assert.Error(t, err)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveCommand("x", "SUCCESS", 0)
		m.ObserveExecute(0, nil)
		m.ObserveRefresh(0, nil)
		m.SetState("serving")
	})
}
