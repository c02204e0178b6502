package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/medassist/internal/config"
	"github.com/bull/medassist/internal/server"
	"github.com/bull/medassist/internal/vectorindex"
)

func testConfig(t *testing.T) *config.AppConfig {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Embedding.APIKey = "sk-test"
	cfg.Auth.Secret = "test-secret"
	cfg.Store.Driver = "sqlite"
	cfg.Store.SQLitePath = filepath.Join(dir, "medassist.db")
	cfg.Index.Dir = filepath.Join(dir, "index")
	cfg.DataDir = filepath.Join(dir, "data")
	cfg.Server.UploadDir = filepath.Join(dir, "temp")
	cfg.Server.MCPEnabled = true
	return cfg
}

func TestOpen_RequiresAPIKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.Embedding.APIKey = ""
	_, err := Open(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestOpen_FileBackend(t *testing.T) {
	a, err := Open(context.Background(), testConfig(t), nil)
	require.NoError(t, err)
	defer a.Close(context.Background())

	_, ok := a.Index.(*vectorindex.Store)
	assert.True(t, ok)
	assert.NotNil(t, a.Pipeline())
	assert.NotNil(t, a.Engine())
	assert.Equal(t, "gpt-4", a.Generator().Model())
}

func TestServer_WiresRoutes(t *testing.T) {
	ctx := context.Background()
	a, err := Open(ctx, testConfig(t), nil)
	require.NoError(t, err)
	defer a.Close(ctx)

	srv, err := a.Server(ctx, ServerOptions{})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var health server.HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "degraded", health.Status)
	assert.Len(t, health.Indexes, 2)

	require.NoError(t, a.Close(ctx))
}

func TestFetcher_NilWithoutSource(t *testing.T) {
	a, err := Open(context.Background(), testConfig(t), nil)
	require.NoError(t, err)

	f, err := a.Fetcher("")
	require.NoError(t, err)
	assert.Nil(t, f)

	a.Config.Source.Owner, a.Config.Source.Repo = "acme", "clinic"
	f, err = a.Fetcher("")
	require.NoError(t, err)
	assert.NotNil(t, f)
}
