package backend

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHTTPClient_Default(t *testing.T) {
	client, err := NewHTTPClient(30*time.Second, "")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, client.Timeout)

	transport, ok := client.Transport.(*http.Transport)
	require.True(t, ok)
	assert.Nil(t, transport.Proxy)
}

func TestNewHTTPClient_InvalidProxy(t *testing.T) {
	tests := []struct {
		name  string
		proxy string
	}{
		{"unparseable", "://invalid"},
		{"unsupported scheme", "ftp://localhost:21"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewHTTPClient(10*time.Second, tt.proxy)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}

func TestNewHTTPClient_HTTPProxy(t *testing.T) {
	var proxied bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		proxied = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client, err := NewHTTPClient(5*time.Second, srv.URL)
	require.NoError(t, err)

	resp, err := client.Get("http://probe.invalid/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.True(t, proxied, "request should go through the proxy")
}

func TestNewHTTPClient_SOCKS5(t *testing.T) {
	client, err := NewHTTPClient(5*time.Second, "socks5://127.0.0.1:1080")
	require.NoError(t, err)

	transport := client.Transport.(*http.Transport)
	assert.NotNil(t, transport.DialContext)
}
