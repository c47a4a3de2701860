package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArchiveMetrics(t *testing.T) {
	reg := NewRegistry()
	m := NewArchiveMetrics(reg)
	m.ObserveArchive("create", "success", 2048, time.Second)
	m.ObserveArchive("restore", "partial", 0, time.Second)

	am := m.(*archiveMetrics)
	assert.Equal(t, 1.0, testutil.ToFloat64(am.total.WithLabelValues("create", "success")))
	assert.Equal(t, 2048.0, testutil.ToFloat64(am.bytes.WithLabelValues("create")))

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "ender_archive_operations_total"))
}

func TestNilRegistryIsNoop(t *testing.T) {
	assert.NotPanics(t, func() {
		NewArchiveMetrics(nil).ObserveArchive("create", "failed", 1, time.Millisecond)
		NewHTTPMetrics(nil).ObserveRateLimited("/x")
	})
}
