package metrics

import (
	"io"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/stretchr/testify/require"
)

var testCounter = promauto.NewCounter(CounterOpts{
	Name: "cube_metrics_test_total",
	Help: "counter used by the metrics server test",
})

func TestServerExposesRegisteredMetrics(t *testing.T) {
	testCounter.Add(3)
	s := NewServer("localhost:0", false)
	require.NoError(t, s.Start())
	defer func() {
		require.NoError(t, s.Stop())
	}()

	resp, err := http.Get("http://" + s.Address() + "/metrics")
	require.NoError(t, err)
	defer func() {
		require.NoError(t, resp.Body.Close())
	}()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "cube_metrics_test_total 3")
	require.Contains(t, string(body), "go_goroutines")
}

func TestDummyServer(t *testing.T) {
	s := NewServer("", true)
	require.NoError(t, s.Start())
	require.Equal(t, "", s.Address())
	require.NoError(t, s.Stop())
}

func TestAliasesAreUsable(t *testing.T) {
	reg := prometheus.NewRegistry()
	vec := promauto.With(reg).NewGaugeVec(GaugeOpts{Name: "cube_alias_gauge", Help: "h"}, []string{"pool"})
	var g Gauge = vec.With(Labels{"pool": "p"})
	g.Set(2)
	families, err := reg.Gather()
	require.NoError(t, err)
	require.Equal(t, 1, len(families))
	require.Equal(t, 2.0, families[0].GetMetric()[0].GetGauge().GetValue())
}
