package metrics

/*
geoingest — parallel ingestion of geospatial record sets into PostGIS
Copyright (C) 2025  Pepijn van der Stap <rxtls@vanderstap.info>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetMetricsIsShared(t *testing.T) {
	assert.Same(t, GetMetrics(), GetMetrics())

	m := GetMetrics()
	before := testutil.ToFloat64(m.ChunksCompleted.WithLabelValues("verify"))
	m.ChunksCompleted.WithLabelValues("verify").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(m.ChunksCompleted.WithLabelValues("verify")))

	families, err := Registry().Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "geoingest_chunks_completed_total")
}

func TestMeasureDuration(t *testing.T) {
	hist := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "test_duration_seconds"}, []string{"operation"})
	labels := prometheus.Labels{"operation": "assign"}

	prev := metricsEnabled
	t.Cleanup(func() { metricsEnabled = prev })

	metricsEnabled = false
	MeasureDuration(hist, labels)()
	assert.Equal(t, 0, testutil.CollectAndCount(hist))

	EnableMetrics()
	assert.True(t, IsMetricsEnabled())
	MeasureDuration(hist, labels)()
	assert.Equal(t, 1, testutil.CollectAndCount(hist))
}

func TestStartMetricsServerDisabled(t *testing.T) {
	prev := metricsEnabled
	t.Cleanup(func() { metricsEnabled = prev })
	metricsEnabled = false
	assert.NoError(t, StartMetricsServer(":0"))
}
