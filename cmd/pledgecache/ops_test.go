package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

type nodeState bool

func (n nodeState) Connected() bool { return bool(n) }

func TestHealthzReflectsConnection(t *testing.T) {
	for _, tc := range []struct {
		connected bool
		want      int
	}{
		{connected: true, want: http.StatusOK},
		{connected: false, want: http.StatusServiceUnavailable},
	} {
		rec := httptest.NewRecorder()
		opsRouter(nodeState(tc.connected)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		require.Equal(t, tc.want, rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	rec := httptest.NewRecorder()
	opsRouter(nodeState(true)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestIsStreamingURL(t *testing.T) {
	require.True(t, isStreamingURL("wss://node.example/ws"))
	require.True(t, isStreamingURL("/tmp/geth.ipc"))
	require.False(t, isStreamingURL("https://node.example"))
}
