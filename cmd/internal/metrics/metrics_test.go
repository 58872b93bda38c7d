package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetrics_NilSafe(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.ConnOpened()
	m.ConnClosed()
	m.Request("auth", "ok")
	m.Auth("ok")
	m.Delivered("cpu", "usage")
	m.DeliveryFailed("cpu", "usage")
	m.Poll("cpu", "ok")
	m.SetExtensions(3)
	m.GaugeFunc("x", "x", func() float64 { return 1 })
	require.Nil(t, m.Registry())
}

func TestMetrics_CountsAndServes(t *testing.T) {
	t.Parallel()

	m := New()
	m.ConnOpened()
	m.ConnOpened()
	m.ConnClosed()
	m.Delivered("cpu", "usage")
	m.Delivered("cpu", "usage")
	m.SetExtensions(2)
	m.GaugeFunc("auth_codes_live", "Live auth codes.", func() float64 { return 7 })

	require.InDelta(t, 1, testutil.ToFloat64(m.connections), 0)
	require.InDelta(t, 2, testutil.ToFloat64(m.deliveries.WithLabelValues("cpu", "usage")), 0)

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	body, err := io.ReadAll(rr.Body)
	require.NoError(t, err)
	out := string(body)
	require.True(t, strings.Contains(out, "lumen_extensions_loaded 2"), out)
	require.True(t, strings.Contains(out, "lumen_auth_codes_live 7"), out)
}
