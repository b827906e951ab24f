package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/satbridge/errors"
)

func newTokenServer(t *testing.T, status *atomic.Int32) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
		assert.Equal(t, "id", r.PostForm.Get("client_id"))
		assert.Equal(t, "secret", r.PostForm.Get("client_secret"))

		if code := status.Load(); code != 0 && code != http.StatusOK {
			w.WriteHeader(int(code))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": fmt.Sprintf("token-%d", n),
			"token_type":   "Bearer",
		})
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestTokenProvider_CachesUntilInvalidated(t *testing.T) {
	var status atomic.Int32
	srv, calls := newTokenServer(t, &status)
	p := NewTokenProvider("id", "secret", srv.URL, srv.Client(), nil)

	tok, err := p.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-1", tok)

	tok, err = p.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-1", tok)
	assert.Equal(t, int32(1), calls.Load())

	p.Invalidate()
	tok, err = p.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-2", tok)
	assert.Equal(t, int64(2), p.Exchanges())
}

func TestTokenProvider_RejectedCredentialsAreFatal(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusUnauthorized)
	srv, _ := newTokenServer(t, &status)
	p := NewTokenProvider("id", "secret", srv.URL, srv.Client(), nil)

	_, err := p.Token(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrAuthFailure)
	assert.True(t, errors.IsFatal(err))
}

func TestTokenProvider_ServerErrorIsTransient(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusServiceUnavailable)
	srv, _ := newTokenServer(t, &status)
	p := NewTokenProvider("id", "secret", srv.URL, srv.Client(), nil)

	_, err := p.Token(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrUpstreamUnavailable)
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, http.StatusServiceUnavailable, errors.StatusCode(err))
}
