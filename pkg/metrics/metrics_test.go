package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorders(t *testing.T) {
	before := testutil.ToFloat64(ingestFiles.WithLabelValues("ok"))
	RecordIngest("ok", 3, 12, 5*time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(ingestFiles.WithLabelValues("ok")))

	before = testutil.ToFloat64(rejectedValues.WithLabelValues("CCV"))
	RecordRejected("CCV", 2)
	assert.Equal(t, before+2, testutil.ToFloat64(rejectedValues.WithLabelValues("CCV")))

	before = testutil.ToFloat64(cacheLookups.WithLabelValues("miss"))
	RecordCacheLookup(false)
	assert.Equal(t, before+1, testutil.ToFloat64(cacheLookups.WithLabelValues("miss")))

	before = testutil.ToFloat64(persistErrors)
	RecordPersist(1, 0, time.Millisecond, errors.New("disk full"))
	assert.Equal(t, before+1, testutil.ToFloat64(persistErrors))

	SetCacheEntries(7)
	assert.Equal(t, 7.0, testutil.ToFloat64(cacheEntries))
}

func TestHandlerExposesNamespace(t *testing.T) {
	RecordQuery("ccv", "no_problems", time.Millisecond)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "sitegrid_pipeline_queries_total"))
}
