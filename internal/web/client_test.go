package web

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boardline/boardline/shared/errors"
)

func TestGetCacheAndSkip(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte("hello"))
	}))
	defer srv.Close()

	c := NewClient("")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		resp, err := c.Get(ctx, srv.URL, 0)
		require.NoError(t, err)
		assert.Equal(t, "hello", resp.Body)
	}
	assert.Equal(t, int32(1), hits.Load())

	_, err := c.Get(ctx, srv.URL, SkipCache)
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func TestTransportErrorOnStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient("")
	_, err := c.Get(context.Background(), srv.URL, SkipCache)
	require.Error(t, err)
	assert.True(t, errors.Is[*errors.TransportError](err))
	var terr *errors.TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, http.StatusServiceUnavailable, terr.StatusCode)
}

func TestCloneCopiesCookies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/login":
			http.SetCookie(w, &http.Cookie{Name: "session", Value: "abc"})
		case "/check":
			if c, err := r.Cookie("session"); err == nil && c.Value == "abc" {
				w.Write([]byte("ok"))
				return
			}
			w.Write([]byte("anonymous"))
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	c := NewClient("")
	_, err := c.Get(ctx, srv.URL+"/login", SkipCache)
	require.NoError(t, err)

	clone := c.Clone()
	resp, err := clone.Get(ctx, srv.URL+"/check", SkipCache)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Body)

	// Cookies set on the clone do not reach the original.
	fresh := NewClient("").Clone()
	resp, err = fresh.Get(ctx, srv.URL+"/check", SkipCache)
	require.NoError(t, err)
	assert.Equal(t, "anonymous", resp.Body)
}

func TestLastRequestURLFollowsRedirect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/start" {
			http.Redirect(w, r, "/threads/42/post-7", http.StatusFound)
			return
		}
		w.Write([]byte("landed"))
	}))
	defer srv.Close()

	c := NewClient("")
	_, err := c.Get(context.Background(), srv.URL+"/start", SkipCache)
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/threads/42/post-7", c.LastRequestURL())
}

func TestFavicon(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/":
			w.Write([]byte(`<html><head><link rel="icon" href="/static/board.png"></head></html>`))
		case "/static/board.png":
			w.Write([]byte{0x89, 0x50, 0x4e, 0x47})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	icon, err := Favicon(context.Background(), NewClient(""), srv.URL+"/")
	require.NoError(t, err)
	assert.NotEmpty(t, icon)
	assert.NotEqual(t, DefaultIcon, icon)
}

func TestFaviconFallsBackToDefault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	icon, err := Favicon(context.Background(), NewClient(""), srv.URL+"/")
	require.NoError(t, err)
	assert.Equal(t, DefaultIcon, icon)
}

func TestFaviconGivesUpAfterThreeHops(t *testing.T) {
	var hops int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/favicon.ico" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		hops++
		// every page points at yet another page, never at image bytes
		w.Write([]byte(`<html><head><link rel="icon" href="/loop` + r.URL.Path + `"></head></html>`))
	}))
	defer srv.Close()

	icon, err := Favicon(context.Background(), NewClient(""), srv.URL+"/")
	require.NoError(t, err)
	assert.Equal(t, DefaultIcon, icon)
	assert.LessOrEqual(t, hops, 4)
}
