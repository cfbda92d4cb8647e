package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector("slipstream", reg)

	c.WorkflowDispatched()
	c.WorkflowDispatched()
	c.WorkflowFinished("completed")
	c.StepObserved("echo", "completed", 120*time.Millisecond)
	c.StepObserved("echo", "failed", 50*time.Millisecond)
	c.RetryPublished("echo")
	c.StepsInserted(2)

	assert.Equal(t, float64(2), testutil.ToFloat64(c.workflowsDispatched))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.workflowsFinished.WithLabelValues("completed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.stepsTotal.WithLabelValues("echo", "completed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.stepsTotal.WithLabelValues("echo", "failed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.retriesTotal.WithLabelValues("echo")))
	assert.Equal(t, float64(2), testutil.ToFloat64(c.insertionsTotal))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestCollectorNilSafe(t *testing.T) {
	var c *Collector
	c.WorkflowDispatched()
	c.WorkflowFinished("failed")
	c.StepObserved("a", "completed", time.Second)
	c.RetryPublished("a")
	c.StepsInserted(1)
}
