package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peersync/apicache/pkg/cache"
)

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func TestServer(t *testing.T) {
	cfg := cache.DefaultConfig()
	cfg.Dir = t.TempDir()
	c, err := cache.New(cfg, nil)
	require.NoError(t, err)
	defer c.Stop()

	server, err := StartServer("127.0.0.1:0", c, nil)
	require.NoError(t, err)
	base := server.ExternalURL() + urlBase

	defer func() {
		t.Run("close", func(t *testing.T) {
			require.NoError(t, server.Close())
			assert.Nil(t, server.server)
			assert.Nil(t, server.listener)
			require.NoError(t, server.Close())
		})
	}()

	t.Run("get missing entry", func(t *testing.T) {
		resp := postJSON(t, base+"/get", map[string]any{"operation": "list_repos"})
		assert.Equal(t, 204, resp.StatusCode)
	})

	t.Run("put then get", func(t *testing.T) {
		resp := postJSON(t, base+"/put", map[string]any{
			"operation": "list_repos",
			"args":      []string{"octo"},
			"data":      []map[string]any{{"name": "r1", "updatedAt": "2025-01-01T00:00:00Z"}},
			"ttl":       300,
		})
		assert.Equal(t, 200, resp.StatusCode)

		resp = postJSON(t, base+"/get", map[string]any{
			"operation": "list_repos",
			"args":      []string{"octo"},
		})
		require.Equal(t, 200, resp.StatusCode)
		var body struct {
			Data []map[string]any `json:"data"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		require.Len(t, body.Data, 1)
		assert.Equal(t, "r1", body.Data[0]["name"])
	})

	t.Run("stale validation fields miss", func(t *testing.T) {
		resp := postJSON(t, base+"/get", map[string]any{
			"operation": "list_repos",
			"args":      []string{"octo"},
			"validation_fields": map[string]any{
				"r1": map[string]any{"updatedAt": "2025-02-01T00:00:00Z"},
			},
		})
		assert.Equal(t, 204, resp.StatusCode)
	})

	t.Run("invalidate", func(t *testing.T) {
		resp := postJSON(t, base+"/put", map[string]any{
			"operation": "get_user",
			"data":      "octocat",
		})
		require.Equal(t, 200, resp.StatusCode)

		resp = postJSON(t, base+"/invalidate", map[string]any{"operation": "get_user"})
		require.Equal(t, 200, resp.StatusCode)
		var body map[string]bool
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.True(t, body["removed"])
	})

	t.Run("invalidate prefix requires a prefix", func(t *testing.T) {
		resp := postJSON(t, base+"/invalidate_prefix", map[string]any{})
		assert.Equal(t, 400, resp.StatusCode)
	})

	t.Run("missing operation is a bad request", func(t *testing.T) {
		resp := postJSON(t, base+"/get", map[string]any{})
		assert.Equal(t, 400, resp.StatusCode)
	})

	t.Run("stats", func(t *testing.T) {
		resp, err := http.Get(base + "/stats")
		require.NoError(t, err)
		require.Equal(t, 200, resp.StatusCode)
		var snap cache.Snapshot
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
		assert.NotZero(t, snap.Hits+snap.Misses)
	})

	t.Run("clean empties the cache", func(t *testing.T) {
		resp, err := http.Post(fmt.Sprintf("%s/clean", base), "", nil)
		require.NoError(t, err)
		require.Equal(t, 200, resp.StatusCode)

		statsResp, err := http.Get(base + "/stats")
		require.NoError(t, err)
		var snap cache.Snapshot
		require.NoError(t, json.NewDecoder(statsResp.Body).Decode(&snap))
		assert.Zero(t, snap.CacheSize)
	})
}
