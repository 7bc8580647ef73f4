// internal/services/settings_service_test.go
package services

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Corphon/MCConsole/internal/models"
	"github.com/Corphon/MCConsole/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettingsDefaults(t *testing.T) {
	fs, err := storage.NewFileStorage(t.TempDir())
	require.NoError(t, err)

	svc, err := NewSettingsService(fs)
	require.NoError(t, err)

	got, err := svc.Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultSettings(), got)
	assert.FileExists(t, fs.Path(SettingsFile))
}

func TestSettingsCorruptFallsBack(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, SettingsFile), []byte("[]]"), 0644))
	fs, err := storage.NewFileStorage(dir)
	require.NoError(t, err)

	svc, err := NewSettingsService(fs)
	require.NoError(t, err)
	got, _ := svc.Load()
	assert.Equal(t, DefaultSettings(), got)
}

func TestSettingsPartialMerge(t *testing.T) {
	fs, err := storage.NewFileStorage(t.TempDir())
	require.NoError(t, err)
	svc, err := NewSettingsService(fs)
	require.NoError(t, err)

	merged, err := svc.Save(models.SettingsPatch{MCName: strPtr("Nova")})
	require.NoError(t, err)
	assert.Equal(t, "default", merged.AvatarID)
	assert.Equal(t, "Nova", merged.MCName)

	merged, err = svc.Save(models.SettingsPatch{AvatarID: strPtr("anna")})
	require.NoError(t, err)
	assert.Equal(t, models.Settings{AvatarID: "anna", MCName: "Nova"}, merged)

	reloaded, err := NewSettingsService(fs)
	require.NoError(t, err)
	got, _ := reloaded.Load()
	assert.Equal(t, merged, got)
}
