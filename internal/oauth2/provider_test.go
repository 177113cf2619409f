package oauth2

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRefreshReturnsAccessToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		require.NoError(t, req.ParseForm())
		assert.Equal(t, "refresh_token", req.Form.Get("grant_type"))
		assert.Equal(t, "rt-1", req.Form.Get("refresh_token"))
		assert.Equal(t, "client-1", req.Form.Get("client_id"))
		rw.Header().Set("Content-Type", "application/json")
		rw.Write([]byte(`{"access_token":"at-1","token_type":"Bearer","expires_in":3600}`))
	}))
	defer server.Close()

	mgr := NewManager(map[string]Provider{
		"gmail": {ClientID: "client-1", TokenURL: server.URL},
	})

	token, expires, err := mgr.Refresh(context.Background(), "gmail", "rt-1")
	require.NoError(t, err)
	assert.Equal(t, "at-1", token)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expires, time.Minute)
}

func TestRejectedGrantIsPermanent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		rw.WriteHeader(http.StatusBadRequest)
		rw.Write([]byte(`{"error":"invalid_grant","error_description":"Token has been expired or revoked."}`))
	}))
	defer server.Close()

	mgr := NewManager(map[string]Provider{"gmail": {ClientID: "c", TokenURL: server.URL}})
	_, _, err := mgr.Refresh(context.Background(), "gmail", "dead-token")
	require.Error(t, err)
	re, ok := err.(*RefreshError)
	require.True(t, ok)
	assert.True(t, re.Permanent)
	assert.Equal(t, "invalid_grant", re.Code)
}

func TestServerErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		rw.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	mgr := NewManager(map[string]Provider{"gmail": {ClientID: "c", TokenURL: server.URL}})
	_, _, err := mgr.Refresh(context.Background(), "gmail", "rt")
	require.Error(t, err)
	re, ok := err.(*RefreshError)
	require.True(t, ok)
	assert.False(t, re.Permanent)
}

func TestUnknownProviderFailsFast(t *testing.T) {
	mgr := NewManager(nil)
	_, _, err := mgr.Refresh(context.Background(), "yandex", "rt")
	require.Error(t, err)
	re, ok := err.(*RefreshError)
	require.True(t, ok)
	assert.True(t, re.Permanent)
	assert.Equal(t, "unknown_provider", re.Code)
}

func TestWellKnownEndpointsFillIn(t *testing.T) {
	mgr := NewManager(map[string]Provider{"gmail": {ClientID: "c"}})
	assert.Equal(t, "https://oauth2.googleapis.com/token", mgr.providers["gmail"].TokenURL)
}
