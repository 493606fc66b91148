package classifier

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/score", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"text":"free crypto"}`, string(body))
		_, _ = w.Write([]byte(`{"is_spam":true,"score":1.7}`))
	}))
	defer srv.Close()

	result, err := NewClient(srv.URL, time.Second).Score(context.Background(), "free crypto")
	require.NoError(t, err)
	assert.True(t, result.IsSpam)
	assert.InDelta(t, 1.7, result.Score, 1e-9)
}

func TestScoreRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"is_spam":false,"score":-2}`))
	}))
	defer srv.Close()

	result, err := NewClient(srv.URL, time.Second).Score(context.Background(), "hello")
	require.NoError(t, err)
	assert.False(t, result.IsSpam)
	assert.Equal(t, int32(2), calls.Load())
}

func TestAddLabeledExample(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/examples", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"text":"buy now","is_spam":true}`, string(body))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	require.NoError(t, NewClient(srv.URL, time.Second).AddLabeledExample(context.Background(), "buy now", true))
}

func TestNewClientUnconfigured(t *testing.T) {
	assert.Nil(t, NewClient("", time.Second))
}
