package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusObserverCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	o, err := NewPrometheusObserver("test", reg)
	require.NoError(t, err)

	o.ObserveUpload("picture", 100, nil)
	o.ObserveUpload("picture", 50, nil)
	o.ObserveUpload("generic", 10, errors.New("boom"))
	o.ObserveResolve(OutcomeGenerated)
	o.ObserveResolve(OutcomeFailed)
	o.ObserveResolve(OutcomeFailed)
	o.ObserveConversion("derivative", 20*time.Millisecond, errors.New("tool failed"))
	o.SetCacheEntries(7)

	assert.Equal(t, 2.0, testutil.ToFloat64(o.uploads.WithLabelValues("picture")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.uploadErrors.WithLabelValues("generic")))
	assert.Equal(t, 150.0, testutil.ToFloat64(o.uploadBytes))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.resolutions.WithLabelValues(string(OutcomeGenerated))))
	assert.Equal(t, 2.0, testutil.ToFloat64(o.resolutions.WithLabelValues(string(OutcomeFailed))))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.conversionErrors.WithLabelValues("derivative")))
	assert.Equal(t, 7.0, testutil.ToFloat64(o.cacheEntries))
}

func TestPrometheusObserverReRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewPrometheusObserver("test", reg)
	require.NoError(t, err)
	second, err := NewPrometheusObserver("test", reg)
	require.NoError(t, err)

	second.ObserveResolve(OutcomeCacheHit)
	assert.Equal(t, 1.0, testutil.ToFloat64(first.resolutions.WithLabelValues(string(OutcomeCacheHit))))
}

func TestNilObserverIsSafe(t *testing.T) {
	var o *PrometheusObserver
	o.ObserveUpload("picture", 1, nil)
	o.ObserveResolve(OutcomeDiskHit)
	o.ObserveConversion("upload", time.Second, nil)
	o.SetCacheEntries(1)
}
