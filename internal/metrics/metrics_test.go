package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterExposesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	Register(reg)

	ConcurrencyLimit.Set(4)
	ItemsByStatus.WithLabelValues("queued").Set(2)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["transferq_concurrency_limit"])
	assert.True(t, names["transferq_items"])
	assert.Equal(t, 4.0, testutil.ToFloat64(ConcurrencyLimit))

	assert.Panics(t, func() { Register(reg) })
}
