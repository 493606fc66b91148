package httpjson

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry() RetryOptions {
	return RetryOptions{MaxElapsedTime: time.Second, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, MaxRetries: 3}
}

func TestRetryOnServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"value":7}`))
	}))
	defer srv.Close()

	type reply struct {
		Value int `json:"value"`
	}
	got, err := WithRetry(context.Background(), func() (reply, error) {
		var out reply
		err := Get(context.Background(), srv.Client(), srv.URL, &out)
		return out, err
	}, fastRetry())
	require.NoError(t, err)
	assert.Equal(t, 7, got.Value)
	assert.Equal(t, int32(3), calls.Load())
}

func TestNoRetryOnClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := WithRetry(context.Background(), func() (struct{}, error) {
		return struct{}{}, Get(context.Background(), srv.Client(), srv.URL, nil)
	}, fastRetry())
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestPostSendsJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	require.NoError(t, Post(context.Background(), srv.Client(), srv.URL, map[string]string{"text": "hi"}, nil))
}
