package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.SourceAttempt("rate", "dolarapi_ccl", nil)
	m.CacheServe("rate", "dolarapi_ccl", true)
	m.Opportunity("BUY_CERTIFICATE")
	m.SymbolError("detect")
	m.SessionActive(true)
	m.ObserveBatch("detect", 1)
	assert.Nil(t, m.Registry())
}

func TestSourceAttemptCollapsesSymbol(t *testing.T) {
	m := New()
	m.SourceAttempt("price:AAPL", "byma_eod", nil)
	m.SourceAttempt("price:KO", "byma_eod", nil)
	m.SourceAttempt("price:KO", "byma_eod", errors.New("boom"))

	assert.Equal(t, float64(2), testutil.ToFloat64(m.attempts.WithLabelValues("price", "byma_eod", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.attempts.WithLabelValues("price", "byma_eod", "failure")))
}

func TestSessionGauge(t *testing.T) {
	m := New()
	m.SessionActive(true)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.sessionActive))
	m.SessionActive(false)
	assert.Equal(t, float64(0), testutil.ToFloat64(m.sessionActive))
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.Opportunity("BUY_UNDERLYING")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "cedearwatch_arbitrage_opportunities_total"))
}
