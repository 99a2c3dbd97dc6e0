package objectstore

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
	"github.com/wnt/memewars/internal/logger"
)

func TestUpload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/storage/v1/object/memes/user-1/battle-1/token.png", r.URL.Path)
		assert.Equal(t, "anon", r.Header.Get("apikey"))
		assert.Equal(t, "Bearer anon", r.Header.Get("Authorization"))
		assert.Equal(t, "image/png", r.Header.Get("Content-Type"))
		assert.Equal(t, "false", r.Header.Get("x-upsert"))

		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "pixels", string(body))
		_, _ = w.Write([]byte(`{"Key":"memes/user-1/battle-1/token.png"}`))
	}))
	defer server.Close()

	client := New(server.URL+"/", "anon", "memes", logger.Nop())
	err := client.Upload(context.Background(), "user-1/battle-1/token.png", []byte("pixels"), "image/png")
	require.NoError(t, err)
}

func TestUploadFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := New(server.URL, "anon", "memes", logger.Nop(), WithRetries(1, time.Millisecond))
	err := client.Upload(context.Background(), "a/b/c.png", []byte("x"), "image/png")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a/b/c.png")
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestUploadConflictAfterRetry(t *testing.T) {
	t.Run("conflict on a retry means the first attempt stored the object", func(t *testing.T) {
		var calls int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&calls, 1) == 1 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"error":"Duplicate","message":"The resource already exists"}`))
		}))
		defer server.Close()

		client := New(server.URL, "anon", "memes", logger.Nop(), WithRetries(2, time.Millisecond))
		err := client.Upload(context.Background(), "a/b/c.png", []byte("x"), "image/png")
		require.NoError(t, err)
		assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	})

	t.Run("conflict on the first attempt is an error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusConflict)
		}))
		defer server.Close()

		client := New(server.URL, "anon", "memes", logger.Nop(), WithRetries(2, time.Millisecond))
		err := client.Upload(context.Background(), "a/b/c.png", []byte("x"), "image/png")
		require.Error(t, err)
	})
}

func TestRemove(t *testing.T) {
	var method string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		assert.Equal(t, "/storage/v1/object/memes/a/b/c.png", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := New(server.URL, "anon", "memes", logger.Nop())
	require.NoError(t, client.Remove(context.Background(), "a/b/c.png"))
	assert.Equal(t, http.MethodDelete, method)
}

func TestPublicURL(t *testing.T) {
	client := New("https://project.supabase.co/", "anon", "memes", logger.Nop())

	assert.Equal(t,
		"https://project.supabase.co/storage/v1/object/public/memes/user-1/battle-1/token.png",
		client.PublicURL("user-1/battle-1/token.png"))
	assert.Equal(t,
		"https://project.supabase.co/storage/v1/object/public/memes/a%20b/c.png",
		client.PublicURL("/a b/c.png"))
}
