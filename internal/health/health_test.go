package health

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serverPort(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	_, p, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(p)
	require.NoError(t, err)
	return port
}

func TestCheckHealth(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" || r.Method != http.MethodGet {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()
	port := serverPort(t, srv)
	c := NewHTTPChecker()

	assert.True(t, c.CheckHealth(context.Background(), port))

	status.Store(http.StatusNoContent)
	assert.False(t, c.CheckHealth(context.Background(), port), "only 200 counts as healthy")

	status.Store(http.StatusServiceUnavailable)
	assert.False(t, c.CheckHealth(context.Background(), port))
}

func TestCheckHealth_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewHTTPChecker(WithTimeouts(50*time.Millisecond, 0))
	start := time.Now()
	assert.False(t, c.CheckHealth(context.Background(), serverPort(t, srv)))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestCheckHealth_NothingListening(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	c := NewHTTPChecker()
	assert.False(t, c.CheckHealth(context.Background(), port))
	assert.False(t, c.CheckHealth(context.Background(), 0))
}

func TestRequestShutdown(t *testing.T) {
	var got atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/shutdown" && r.Method == http.MethodPost {
			got.Store(true)
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusMethodNotAllowed)
	}))
	defer srv.Close()

	assert.True(t, NewHTTPChecker().RequestShutdown(context.Background(), serverPort(t, srv)))
	assert.True(t, got.Load())
}
