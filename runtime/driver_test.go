package runtime

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/Gthulhu/fleet/domain"
	"github.com/stretchr/testify/require"
)

// endpointOf splits an httptest server URL into the address/port pair the
// driver expects.
func endpointOf(t *testing.T, srv *httptest.Server) (string, int) {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return u.Hostname(), port
}

func containerFor(t *testing.T, srv *httptest.Server) *domain.ContainerRecord {
	t.Helper()
	address, port := endpointOf(t, srv)
	return &domain.ContainerRecord{
		ID:             "cnt-1",
		NetworkAddress: address,
		APIPort:        port,
	}
}

func TestProbeDecodesResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/fleet/v1/probe", r.URL.Path)
		json.NewEncoder(w).Encode(domain.ProbeResult{
			Capabilities: []string{"general", "gpu"},
			Resources:    domain.Resources{CPUCount: 8},
			MaxAgents:    4,
		})
	}))
	defer srv.Close()

	driver := NewHTTPDriver()
	address, port := endpointOf(t, srv)
	got, err := driver.Probe(context.Background(), address, port)
	require.NoError(t, err)
	require.Equal(t, []string{"general", "gpu"}, got.Capabilities)
	require.Equal(t, 4, got.MaxAgents)
}

func TestProbeUnreachable(t *testing.T) {
	driver := NewHTTPDriver()

	// Nothing listens here.
	_, err := driver.Probe(context.Background(), "127.0.0.1", 1)
	require.ErrorIs(t, err, domain.ErrNotReachable)
}

func TestProbeNon200IsNotReachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	driver := NewHTTPDriver()
	address, port := endpointOf(t, srv)
	_, err := driver.Probe(context.Background(), address, port)
	require.ErrorIs(t, err, domain.ErrNotReachable)
}

func TestStateRoundTrip(t *testing.T) {
	state := []byte("opaque-checkpoint-bytes")
	var imported []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/fleet/v1/agents/agt-1/state", r.URL.Path)
		switch r.Method {
		case http.MethodGet:
			w.Write(state)
		case http.MethodPut:
			body, err := io.ReadAll(r.Body)
			require.NoError(t, err)
			imported = body
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	defer srv.Close()

	driver := NewHTTPDriver()
	target := containerFor(t, srv)

	got, err := driver.ExportState(context.Background(), target, "agt-1")
	require.NoError(t, err)
	require.Equal(t, state, got)

	require.NoError(t, driver.ImportState(context.Background(), target, "agt-1", got))
	require.Equal(t, state, imported)
}

func TestDeliverPostsSealedBytes(t *testing.T) {
	sealed := []byte{0x01, 0x02, 0x03}
	var received []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/fleet/v1/messages", r.URL.Path)
		require.Equal(t, "application/octet-stream", r.Header.Get("Content-Type"))
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		received = body
	}))
	defer srv.Close()

	driver := NewHTTPDriver()
	require.NoError(t, driver.Deliver(context.Background(), containerFor(t, srv), sealed))
	require.Equal(t, sealed, received)
}

func TestDeliverNon200Fails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	driver := NewHTTPDriver()
	err := driver.Deliver(context.Background(), containerFor(t, srv), []byte("x"))
	require.Error(t, err)
}
