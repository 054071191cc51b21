package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type poolSource struct{ length, capacity int }

func (p *poolSource) QueueLength() int { return p.length }
func (p *poolSource) Capacity() int    { return p.capacity }

func TestPoolGaugesFollowSource(t *testing.T) {
	src := &poolSource{length: 3, capacity: 12}
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg, src))

	expected := `
# HELP mediaq_pool_queue_length Queued plus in-flight worker calls
# TYPE mediaq_pool_queue_length gauge
mediaq_pool_queue_length 3
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "mediaq_pool_queue_length"))

	src.length = 11
	n, err := testutil.GatherAndCount(reg, "mediaq_pool_capacity")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	expected = strings.Replace(expected, "mediaq_pool_queue_length 3", "mediaq_pool_queue_length 11", 1)
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "mediaq_pool_queue_length"))
}

func TestRegisterTwiceFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg, &poolSource{}))
	assert.Error(t, Register(reg, &poolSource{}))
}

func TestTaskOutcomeCounter(t *testing.T) {
	before := testutil.ToFloat64(TaskOutcomes.WithLabelValues("purge_deleted_media", "failed"))
	TaskOutcomes.WithLabelValues("purge_deleted_media", "failed").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(TaskOutcomes.WithLabelValues("purge_deleted_media", "failed")))
}
