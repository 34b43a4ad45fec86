package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Collector) float64 {
	t.Helper()
	ch := make(chan prometheus.Metric, 1)
	c.Collect(ch)
	m := &dto.Metric{}
	require.NoError(t, (<-ch).Write(m))
	return m.GetCounter().GetValue()
}

func TestNew_RegistersAllCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	// Labelled vectors only appear in Gather once a child exists.
	m.LeaseOutcome("acquired")
	m.TaskOutcome("ack")

	mfs, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, mfs, 4)

	m.MessageEmitted()
	m.MessageEmitted()
	require.Equal(t, float64(2), counterValue(t, m.messagesEmitted))
}

func TestLeaseAndTaskOutcome_LabelsIndependently(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.LeaseOutcome("acquired")
	m.LeaseOutcome("acquired")
	m.LeaseOutcome("busy")
	require.Equal(t, float64(2), counterValue(t, m.leaseAcquisitions.WithLabelValues("acquired")))
	require.Equal(t, float64(1), counterValue(t, m.leaseAcquisitions.WithLabelValues("busy")))

	m.TaskOutcome("ack")
	require.Equal(t, float64(1), counterValue(t, m.taskOutcomes.WithLabelValues("ack")))
	require.Equal(t, float64(0), counterValue(t, m.taskOutcomes.WithLabelValues("nack")))
}

func TestPlannerRangeCount_Observes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.PlannerRangeCount(3)

	mfs, err := reg.Gather()
	require.NoError(t, err)
	var found bool
	for _, mf := range mfs {
		if mf.GetName() == "crawler_planner_ranges_per_request" {
			found = true
			require.Equal(t, uint64(1), mf.GetMetric()[0].GetHistogram().GetSampleCount())
		}
	}
	require.True(t, found)
}
