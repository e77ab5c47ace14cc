package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestPerTubeGaugesAreLabeledIndependently(t *testing.T) {
	m := New()

	m.JobsReady.WithLabelValues("default").Set(3)
	m.JobsReady.WithLabelValues("other").Set(7)

	assert.Equal(t, float64(3), testutil.ToFloat64(m.JobsReady.WithLabelValues("default")))
	assert.Equal(t, float64(7), testutil.ToFloat64(m.JobsReady.WithLabelValues("other")))
}

func TestWALByteGaugesAndFsyncHistogramAreWritable(t *testing.T) {
	m := New()

	m.WALBytesReserved.Set(1024)
	m.WALBytesAlive.Set(512)
	m.FsyncSeconds.Observe(0.002)

	assert.Equal(t, float64(1024), testutil.ToFloat64(m.WALBytesReserved))
	assert.Equal(t, float64(512), testutil.ToFloat64(m.WALBytesAlive))

	count, err := testutil.GatherAndCount(m.registry, "holdd_wal_fsync_seconds")
	assert.NoError(t, err)
	assert.Equal(t, 1, count)
}
