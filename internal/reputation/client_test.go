package reputation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsBanned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/account", r.URL.Path)
		switch r.URL.Query().Get("id") {
		case "1":
			_, _ = w.Write([]byte(`{"ok":true,"user_id":1,"banned":true,"offenses":3}`))
		case "2":
			_, _ = w.Write([]byte(`{"ok":true,"user_id":2,"banned":false,"scammer":true}`))
		default:
			_, _ = w.Write([]byte(`{"ok":false,"user_id":3,"banned":false}`))
		}
	}))
	defer srv.Close()

	client := NewClient(srv.URL+"/", "", time.Second)
	ctx := context.Background()

	banned, err := client.IsBanned(ctx, 1)
	require.NoError(t, err)
	assert.True(t, banned)

	banned, err = client.IsBanned(ctx, 2)
	require.NoError(t, err)
	assert.True(t, banned)

	banned, err = client.IsBanned(ctx, 3)
	require.NoError(t, err)
	assert.False(t, banned)
}

func TestIsBannedSurfacesErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "", time.Second).IsBanned(context.Background(), 1)
	assert.Error(t, err)
}

func TestFetchBanlist(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[10, 20, 30]`))
	}))
	defer srv.Close()

	ids, err := NewClient("", srv.URL+"/banlist.json", time.Second).FetchBanlist(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{10, 20, 30}, ids)

	ids, err = NewClient("", "", time.Second).FetchBanlist(context.Background())
	require.NoError(t, err)
	assert.Nil(t, ids)
}
