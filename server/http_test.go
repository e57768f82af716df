package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ethosengine/reach-cache/cache"
	"github.com/ethosengine/reach-cache/custodian"
	"github.com/ethosengine/reach-cache/directory"
	"github.com/ethosengine/reach-cache/store/tier"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	c, err := cache.New(cache.Config{
		Blob:   tier.Config{MaxSizeBytes: 1 << 20, TTL: time.Hour},
		Chunk:  tier.Config{MaxSizeBytes: 1 << 20, TTL: time.Hour},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)

	registry := directory.New(directory.WithNoSync(true))
	require.NoError(t, registry.Open(filepath.Join(t.TempDir(), "registry.db")))
	t.Cleanup(func() { _ = registry.Close() })

	return New(Config{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, c, registry)
}

func do(t *testing.T, s *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestPutGetDeleteRoundTrip(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodPut, "/cache/blob/3/docs/intro?domain=elohim-protocol&epic=governance&mastery=2", []byte("payload"))
	require.Equal(t, http.StatusCreated, rec.Code)

	var put struct {
		EvictedCount int   `json:"evictedCount"`
		SizeBytes    int64 `json:"sizeBytes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &put))
	require.Equal(t, 0, put.EvictedCount)
	require.Equal(t, int64(7), put.SizeBytes)

	rec = do(t, s, http.MethodGet, "/cache/blob/3/docs/intro", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "payload", rec.Body.String())

	// Same key at a different reach level is absent.
	rec = do(t, s, http.MethodGet, "/cache/blob/0/docs/intro", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s, http.MethodDelete, "/cache/3/docs/intro", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, s, http.MethodGet, "/cache/blob/3/docs/intro", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPutChunkTier(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodPut, "/cache/chunk/1/stream/part0", []byte("chunk data"))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, s, http.MethodGet, "/cache/chunk/1/stream/part0", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "chunk data", rec.Body.String())

	// Lookup consults both tiers.
	rec = do(t, s, http.MethodGet, "/lookup/1/stream/part0", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "chunk data", rec.Body.String())
}

func TestPutValidation(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodPut, "/cache/tape/3/key", []byte("x"))
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s, http.MethodPut, "/cache/blob/9/key", []byte("x"))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPut, "/cache/blob/3/key?mastery=11", []byte("x"))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPut, "/cache/blob/3/key?ttl=banana", []byte("x"))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLookupMiss(t *testing.T) {
	s := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/lookup/3/absent", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatsEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodPut, "/cache/blob/2/key", []byte("12345"))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, s, http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var report cache.HealthReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	require.Equal(t, int64(5), report.TotalSizeBytes)
	require.Equal(t, int64(5), report.PerReach[2])
}

func TestCustodianEndpoints(t *testing.T) {
	s := newTestServer(t)

	profile, err := json.Marshal(custodian.Profile{
		ID:          "node-1",
		HealthScore: 85,
	})
	require.NoError(t, err)

	rec := do(t, s, http.MethodPost, "/custodians", profile)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, s, http.MethodGet, "/custodians", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var profiles []custodian.Profile
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &profiles))
	require.Len(t, profiles, 1)

	rec = do(t, s, http.MethodPost, "/custodians/node-1/probe", []byte(`{"latencyMs":33}`))
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, s, http.MethodPost, "/custodians/ghost/probe", []byte(`{"latencyMs":33}`))
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s, http.MethodPut, "/commitments/content-1/node-1", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, s, http.MethodGet, "/commitments/content-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &profiles))
	require.Len(t, profiles, 1)
	require.True(t, profiles[0].HasCommitment)
	require.Equal(t, 33.0, profiles[0].EstimatedLatencyMs)

	rec = do(t, s, http.MethodDelete, "/commitments/content-1/node-1", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, s, http.MethodGet, "/commitments/content-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `[]`, rec.Body.String())
}

func TestCommitUnknownCustodian(t *testing.T) {
	s := newTestServer(t)
	rec := do(t, s, http.MethodPut, "/commitments/content-1/ghost", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRegistryDisabled(t *testing.T) {
	c, err := cache.New(cache.Config{
		Blob:   tier.Config{MaxSizeBytes: 1 << 20},
		Chunk:  tier.Config{MaxSizeBytes: 1 << 20},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)

	s := New(Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}, c, nil)

	rec := do(t, s, http.MethodGet, "/custodians", nil)
	require.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestShutdownStopsSweeper(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.Shutdown(context.Background()))
}
