package processes

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusMetricsCollector_Counters(t *testing.T) {
	pmc := NewPrometheusMetricsCollector("")

	pmc.StateTransition(StateEmpty, StateLaunching)
	pmc.Launch(nil)
	pmc.Launch(errors.New("boom"))
	pmc.ProbeAttempt(false)
	pmc.ProbeAttempt(true)
	pmc.ProbeDuration(250*time.Millisecond, nil)
	pmc.Crash()
	pmc.Restart(nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(pmc.stateTransitions.WithLabelValues("empty", "launching")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pmc.launches.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pmc.launches.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pmc.probeAttempts.WithLabelValues("unhealthy")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pmc.crashes))
	assert.Equal(t, 1.0, testutil.ToFloat64(pmc.restarts.WithLabelValues("success")))

	families, err := pmc.Registry().Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, mf := range families {
		names = append(names, mf.GetName())
	}
	assert.Contains(t, names, "sidecar_health_probe_duration_seconds")
	assert.Contains(t, names, "sidecar_crashes_total")
}

func TestPrometheusMetricsCollector_SupervisorLifecycle(t *testing.T) {
	pmc := NewPrometheusMetricsCollector("pinup")
	f := newSupervisorFixture(t, []uint16{9001, 9002}, alwaysHealthy, func(c *Config) {
		c.Metrics = pmc
	})

	require.NoError(t, f.sup.Start(context.Background()))
	require.Eventually(t, func() bool {
		return f.sup.State() == StateReady
	}, 2*time.Second, 5*time.Millisecond)
	_, err := f.sup.Restart(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2.0, testutil.ToFloat64(pmc.launches.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pmc.restarts.WithLabelValues("success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(pmc.stateTransitions.WithLabelValues("probing", "ready")))
}

func TestSupervisorState_MarshalText(t *testing.T) {
	text, err := StateProbeFailed.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "probe_failed", string(text))
	assert.Equal(t, "invalid", SupervisorState(99).String())

	var parsed SupervisorState
	require.NoError(t, parsed.UnmarshalText([]byte("restart_failed")))
	assert.Equal(t, StateRestartFailed, parsed)
	assert.Error(t, parsed.UnmarshalText([]byte("bogus")))
}
