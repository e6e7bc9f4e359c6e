package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPApplierApply(t *testing.T) {
	var gotMethod, gotPath, gotAuth string
	var gotBody applyRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.EscapedPath()
		gotAuth = r.Header.Get("Authorization")
		assert.NotEmpty(t, r.Header.Get("X-Correlation-Id"))
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &gotBody)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	applier := NewHTTPApplier(server.URL, "tok", nil)
	err := applier.Apply(context.Background(), "billing api", "DEBUG", 2*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "/v1/services/billing%20api/log-level", gotPath)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, applyRequest{Level: "DEBUG", DurationMs: 120000}, gotBody)
}

func TestHTTPApplierRevert(t *testing.T) {
	var gotMethod, gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotQuery = r.URL.Query().Get("defaultLevel")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	applier := NewHTTPApplier(server.URL, "", nil)
	require.NoError(t, applier.Revert(context.Background(), "svc-a", "INFO"))
	assert.Equal(t, http.MethodDelete, gotMethod)
	assert.Equal(t, "INFO", gotQuery)
}

func TestHTTPApplierRetriesServerErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	applier := NewHTTPApplier(server.URL, "", nil)
	applier.baseDelay = time.Millisecond
	require.NoError(t, applier.Apply(context.Background(), "svc-a", "WARN", time.Minute))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestHTTPApplierReturnsHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":"unknown_service","message":"no such service"}`))
	}))
	defer server.Close()

	err := NewHTTPApplier(server.URL, "", nil).Apply(context.Background(), "ghost", "DEBUG", time.Minute)
	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr), "expected HTTPError, got %v", err)
	assert.Equal(t, http.StatusNotFound, httpErr.StatusCode)
	assert.Equal(t, "unknown_service", httpErr.Code)
	assert.Contains(t, httpErr.Error(), "no such service")
}

func TestHTTPApplierTimeoutIsFailure(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := NewHTTPApplier(server.URL, "", nil).Apply(ctx, "slow", "DEBUG", time.Minute)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHTTPApplierRejectsInvalidInput(t *testing.T) {
	applier := NewHTTPApplier("http://127.0.0.1:1", "", nil)
	assert.ErrorIs(t, applier.Apply(context.Background(), "", "DEBUG", time.Minute), ErrInvalidInput)
	assert.ErrorIs(t, applier.Apply(context.Background(), "svc", "DEBUG", 0), ErrInvalidInput)
	assert.ErrorIs(t, applier.Revert(context.Background(), " ", "INFO"), ErrInvalidInput)
}

func TestRetryDelay(t *testing.T) {
	applier := NewHTTPApplier("", "", nil)
	assert.Equal(t, 100*time.Millisecond, applier.retryDelay(1, ""))
	assert.Equal(t, 400*time.Millisecond, applier.retryDelay(3, ""))
	assert.Equal(t, 2*time.Second, applier.retryDelay(10, ""))
	assert.Equal(t, time.Second, applier.retryDelay(1, "1"))
	assert.Equal(t, 2*time.Second, applier.retryDelay(1, "60"))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon"))
}
