package app_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"batchline/internal/app"
	"batchline/internal/config"
	"batchline/internal/engine/auth"
	"batchline/internal/principal"
)

func TestNewWiresEngine(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Artifacts.Backend = "file"
	cfg.Artifacts.Dir = "blobs"

	rt, err := app.New(context.Background(), dir, cfg, app.Options{Migrate: true, Logger: zap.NewNop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })

	require.NotNil(t, rt.Engine.Emitter)
	require.NotNil(t, rt.Engine.Emitter.Artifacts)
	assert.Same(t, rt.Worker, rt.Engine.Queue)
	assert.Nil(t, rt.Worker.Locker, "no redis configured")
	assert.Equal(t, cfg.Queue.MaxAttempts, rt.Worker.Config().MaxAttempts)
	_, err = os.Stat(filepath.Join(dir, "blobs"))
	assert.NoError(t, err)

	admin := principal.Interactive{SubjectID: "root", Role: auth.RoleAdmin}
	c, err := rt.Engine.CreateCohort(context.Background(), admin, "", "Acme")
	require.NoError(t, err)
	list, err := rt.Engine.ListCohorts(context.Background(), admin)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, c.ID, list[0].ID)
}

func TestNewRejectsUnknownBackend(t *testing.T) {
	cfg := config.Default()
	cfg.Artifacts.Backend = "ftp"
	_, err := app.New(context.Background(), t.TempDir(), cfg, app.Options{Logger: zap.NewNop()})
	assert.Error(t, err)
}
