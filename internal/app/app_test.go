package app

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"forestline/internal/config"
	"forestline/internal/export"
)

func TestOpenUsesWorkspaceConfig(t *testing.T) {
	dir := t.TempDir()
	yml := "roles:\n  field_operator: FIELD\n  office: [BOSS]\nexport:\n  driver: fs\n  directory: dumps\n"
	require.NoError(t, os.WriteFile(config.Path(dir), []byte(yml), 0o644))

	env, err := Open(context.Background(), Options{Workspace: dir, Logger: zap.NewNop()})
	require.NoError(t, err)
	defer env.Close()

	assert.Equal(t, "FIELD", env.Config.Roles.FieldOperator)
	assert.True(t, env.Config.IsOffice("BOSS"))
	assert.Equal(t, env.Config, env.Engine.Config)

	sink, err := env.Sink(context.Background())
	require.NoError(t, err)
	assert.IsType(t, export.DirSink{}, sink)
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(config.Path(dir), []byte("export:\n  driver: ftp\n"), 0o644))
	_, err := Open(context.Background(), Options{Workspace: dir, Logger: zap.NewNop()})
	assert.Error(t, err)
}
