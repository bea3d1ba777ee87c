package marketplace

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	client := NewClient(&http.Client{}, logger)
	client.baseDelay = time.Millisecond
	return client
}

func TestClientRetriesTransientFailures(t *testing.T) {
	client := newTestClient(t)

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	status, body, err := client.GetJSON(context.Background(), server.URL, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, status)
	require.JSONEq(t, `{"ok":true}`, string(body))
	require.EqualValues(t, 3, calls.Load())
}

func TestClientDoesNotRetryClientErrors(t *testing.T) {
	client := newTestClient(t)

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	status, _, err := client.GetJSON(context.Background(), server.URL, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusForbidden, status)
	require.EqualValues(t, 1, calls.Load())
}

func TestClientGivesUpAfterBudget(t *testing.T) {
	client := newTestClient(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	_, _, err := client.GetJSON(context.Background(), server.URL, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "after 4 attempts")
}

func TestClientHonorsContextCancellation(t *testing.T) {
	client := newTestClient(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := client.GetJSON(ctx, server.URL, nil)
	require.ErrorIs(t, err, context.Canceled)
}
