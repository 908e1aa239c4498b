package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldcall-sampling/internal/config"
	"fieldcall-sampling/internal/store/memstore"
)

func TestBuildMemoryBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.StoreBackend = "memory"
	cfg.RedisAddr = mr.Addr()
	cfg.ReportOutputDir = t.TempDir()

	a, err := Build(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(a.Close)

	_, ok := a.Store.(*memstore.Store)
	assert.True(t, ok)
	assert.NotNil(t, a.Processor())

	rec := httptest.NewRecorder()
	a.API().Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBuildFailsWithoutRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.StoreBackend = "memory"
	cfg.RedisAddr = addr

	_, err = Build(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Error(t, err)
}
