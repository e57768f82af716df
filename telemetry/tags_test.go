package telemetry

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInjectAndSetTags(t *testing.T) {
	r := httptest.NewRequest("GET", "/cache/blob/commons/abc", nil)

	require.Nil(t, GetTags(r))

	r = InjectTags(r)
	tags := GetTags(r)
	require.NotNil(t, tags)
	require.Equal(t, CacheNA, tags.CacheResult)

	SetCacheResult(r, CacheHit)
	SetEndpoint(r, "get")

	require.Equal(t, CacheHit, tags.CacheResult)
	require.Equal(t, "get", tags.Endpoint)
}

func TestSetTagsWithoutMiddleware(t *testing.T) {
	r := httptest.NewRequest("GET", "/health", nil)

	// Must not panic when middleware never ran.
	SetCacheResult(r, CacheMiss)
	SetEndpoint(r, "health")
}

func TestStatusClass(t *testing.T) {
	require.Equal(t, "2xx", StatusClass(200))
	require.Equal(t, "2xx", StatusClass(204))
	require.Equal(t, "4xx", StatusClass(404))
	require.Equal(t, "5xx", StatusClass(503))
	require.Equal(t, "unknown", StatusClass(0))
	require.Equal(t, "unknown", StatusClass(700))
}
