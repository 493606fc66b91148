package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/user/by_telegram_id/1.json":
			_, _ = w.Write([]byte(`{"user":{"full_name":"Ann Member","slug":"ann"}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"not found"}`))
		}
	}))
	defer srv.Close()

	client := NewClient(srv.URL+"/", "secret", time.Second)
	require.NotNil(t, client)

	name, err := client.Lookup(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "Ann Member", name)

	name, err = client.Lookup(context.Background(), 2)
	require.NoError(t, err)
	assert.Empty(t, name)
}

func TestDisabledClient(t *testing.T) {
	client := NewClient("", "", time.Second)
	assert.Nil(t, client)

	name, err := client.Lookup(context.Background(), 1)
	require.NoError(t, err)
	assert.Empty(t, name)
}
