package httpclient

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imagegen/server/internal/infra/config"
)

func TestNew_SetsUserAgent(t *testing.T) {
	var got string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("User-Agent")
	}))
	defer server.Close()

	client := New(config.HTTPClientConfig{ResponseTimeout: 5 * time.Second, DialTimeout: time.Second})

	t.Run("default", func(t *testing.T) {
		resp, err := client.Get(server.URL)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, UserAgent, got)
	})

	t.Run("caller value kept", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodGet, server.URL, nil)
		require.NoError(t, err)
		req.Header.Set("User-Agent", "custom")
		resp, err := client.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, "custom", got)
	})
}
