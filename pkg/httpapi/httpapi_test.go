package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lognorman20/dask/pkg/graph"
	"github.com/lognorman20/dask/pkg/types"
)

func TestInfoReportsWorkersAndReadyCount(t *testing.T) {
	g := graph.New()
	g.SetNCores("alice:1234", 4)
	g.SetTask("x", types.Payload{})
	g.PushReady("x")

	srv := httptest.NewServer(New(g, nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/info.json")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, float64(1), body["ready"])
}

func TestMemoryLoadByKeyGroupsKeys(t *testing.T) {
	g := graph.New()
	g.SetNCores("alice:1234", 1)
	g.AddWhoHas("add-1-2", "alice:1234")
	g.SetNBytes("add-1-2", 10)

	srv := httptest.NewServer(New(g, nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/memory-load-by-key.json")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]float64
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, float64(10), body["add"])
}

func TestBroadcastWithoutConfigurationReturns503(t *testing.T) {
	g := graph.New()
	srv := httptest.NewServer(New(g, nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/broadcast/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
