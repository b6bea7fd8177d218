package users

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalithlochan/postal/internal/redis"
)

func setupCache(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return redis.NewWithClient(rdb, zap.NewNop()), mr
}

func TestGetUser_FetchesAndCaches(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "/users/u-1", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"data":{"id":"u-1","email":"ada@example.com","preferences":{"emailNotifications":false},"devices":[{"token":"tok-1"}]}}`))
	}))
	defer srv.Close()

	cache, mr := setupCache(t)
	client := NewClient(srv.URL, cache, zap.NewNop())
	ctx := context.Background()

	user, err := client.GetUser(ctx, "u-1")
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, "ada@example.com", user.Email)
	assert.False(t, user.Prefs().Email)
	assert.Equal(t, "tok-1", user.ContactPushToken())
	assert.True(t, mr.Exists("usercache:u-1"))
	assert.Equal(t, CacheTTL, mr.TTL("usercache:u-1"))

	again, err := client.GetUser(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, user.Email, again.Email)
	assert.Equal(t, int32(1), hits.Load(), "second lookup should be served from cache")
}

func TestGetUser_BareObject(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"u-2","email":"bo@example.com","pushToken":"legacy"}`))
	}))
	defer srv.Close()

	cache, _ := setupCache(t)
	user, err := NewClient(srv.URL, cache, zap.NewNop()).GetUser(context.Background(), "u-2")
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, "legacy", user.ContactPushToken())
}

func TestGetUser_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	cache, mr := setupCache(t)
	user, err := NewClient(srv.URL, cache, zap.NewNop()).GetUser(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Nil(t, user)
	assert.False(t, mr.Exists("usercache:ghost"))
}

func TestGetUser_ServerErrorRetriedThenFails(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cache, _ := setupCache(t)
	_, err := NewClient(srv.URL, cache, zap.NewNop()).GetUser(context.Background(), "u-3")
	require.Error(t, err)
	assert.Equal(t, int32(3), hits.Load())
}

func TestGetUser_CacheOutageIsNotFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"u-4","email":"cy@example.com"}`))
	}))
	defer srv.Close()

	cache, mr := setupCache(t)
	mr.SetError("LOADING")

	user, err := NewClient(srv.URL, cache, zap.NewNop()).GetUser(context.Background(), "u-4")
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, "cy@example.com", user.Email)
}
