package bridge

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/storeroute/storeroute/internal/circuit"
	"github.com/storeroute/storeroute/internal/provider"
	"github.com/storeroute/storeroute/pkg/errors"
	"github.com/storeroute/storeroute/pkg/retry"
)

func TestCreateSnapshotParameters_RoundTrip(t *testing.T) {
	full := CreateSnapshotParameters{
		Host:        "storeroute.example.org",
		Port:        "443",
		StoreID:     "10",
		SpaceID:     "photos",
		Description: "monthly \"archive\"",
		MemberID:    "member-1",
		UserEmail:   "ops@example.org",
	}

	s, err := full.Serialize()
	require.NoError(t, err)
	got, err := DeserializeCreateSnapshotParameters(s)
	require.NoError(t, err)
	assert.Equal(t, full, got)
}

func TestCreateSnapshotParameters_OmitsAbsentFields(t *testing.T) {
	s, err := CreateSnapshotParameters{StoreID: "10", SpaceID: "photos"}.Serialize()
	require.NoError(t, err)
	assert.JSONEq(t, `{"storeId":"10","spaceId":"photos"}`, s)
	assert.NotContains(t, s, "null")
}

func TestDeserializeCreateSnapshotParameters_Invalid(t *testing.T) {
	_, err := DeserializeCreateSnapshotParameters("{")
	assert.Equal(t, errors.ErrCodeSerializationFailed, errors.CodeOf(err))
	assert.Contains(t, err.Error(), "unexpected end of JSON input")
}

func endpointFor(t *testing.T, server *httptest.Server) provider.BridgeEndpoint {
	t.Helper()
	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	return provider.BridgeEndpoint{Host: u.Hostname(), Port: u.Port(), Username: "bridge", Password: "pw"}
}

func testClient(opts ClientOptions) *Client {
	opts.Scheme = "http"
	opts.Logger = zap.NewNop()
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	}
	return NewClient(opts)
}

func TestClient_CreateSnapshot(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/bridge/snapshot/snap-1", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "bridge", user)
		assert.Equal(t, "pw", pass)

		data, _ := io.ReadAll(r.Body)
		var params CreateSnapshotParameters
		assert.NoError(t, json.Unmarshal(data, &params))
		assert.Equal(t, "photos", params.SpaceID)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"snapshotId":"snap-1","status":"INITIALIZED"}`))
	}))
	defer server.Close()

	result, err := testClient(ClientOptions{}).CreateSnapshot(context.Background(), endpointFor(t, server), "snap-1",
		CreateSnapshotParameters{StoreID: "10", SpaceID: "photos"})
	require.NoError(t, err)
	assert.Equal(t, "snap-1", result.SnapshotID)
	assert.Equal(t, "INITIALIZED", result.Status)
	assert.False(t, result.AlreadyExists)
}

func TestClient_ConflictIsSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer server.Close()

	result, err := testClient(ClientOptions{}).CreateSnapshot(context.Background(), endpointFor(t, server), "snap-1",
		CreateSnapshotParameters{})
	require.NoError(t, err)
	assert.True(t, result.AlreadyExists)
	assert.Equal(t, "snap-1", result.SnapshotID)
}

func TestClient_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	_, err := testClient(ClientOptions{}).CreateSnapshot(context.Background(), endpointFor(t, server), "snap-1",
		CreateSnapshotParameters{})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_StatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		code      errors.ErrorCode
		retryable bool
		calls     int32
	}{
		{http.StatusBadRequest, errors.ErrCodeProviderRejected, false, 1},
		{http.StatusUnauthorized, errors.ErrCodeProviderRejected, false, 1},
		{http.StatusTooManyRequests, errors.ErrCodeProviderUnavailable, true, 3},
		{http.StatusInternalServerError, errors.ErrCodeProviderUnavailable, true, 3},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			_, err := testClient(ClientOptions{}).CreateSnapshot(context.Background(), endpointFor(t, server), "s",
				CreateSnapshotParameters{})
			require.Error(t, err)
			assert.Equal(t, tt.code, errors.CodeOf(err))
			assert.Equal(t, tt.retryable, errors.IsRetryable(err))
			assert.Equal(t, tt.calls, calls.Load())
		})
	}
}

func TestClient_BreakerOpensOnRepeatedFailures(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := testClient(ClientOptions{
		Retry:    retry.Config{MaxAttempts: 1},
		Breakers: circuit.NewManager(circuit.Config{FailureThreshold: 2, Timeout: time.Minute}),
	})
	endpoint := endpointFor(t, server)

	for i := 0; i < 2; i++ {
		_, err := client.CreateSnapshot(context.Background(), endpoint, "s", CreateSnapshotParameters{})
		require.Error(t, err)
	}
	_, err := client.CreateSnapshot(context.Background(), endpoint, "s", CreateSnapshotParameters{})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeProviderUnavailable, errors.CodeOf(err))
	assert.Equal(t, int32(2), calls.Load(), "an open breaker short-circuits the call")
}

func TestClient_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	client := testClient(ClientOptions{Timeout: 20 * time.Millisecond, Retry: retry.Config{MaxAttempts: 1}})
	_, err := client.CreateSnapshot(context.Background(), endpointFor(t, server), "s", CreateSnapshotParameters{})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeOperationTimeout, errors.CodeOf(err))
	assert.True(t, errors.IsRetryable(err))
}
