// internal/services/settings_service.go
package services

import (
	"errors"
	"sync"

	apperrors "github.com/Corphon/MCConsole/internal/errors"
	"github.com/Corphon/MCConsole/internal/models"
	"github.com/Corphon/MCConsole/internal/storage"
	"github.com/Corphon/MCConsole/internal/utils"
)

// SettingsFile 设置文件名
const SettingsFile = "settings.json"

// SettingsStore 设置读写能力，Save 为局部合并
type SettingsStore interface {
	Load() (models.Settings, error)
	Save(patch models.SettingsPatch) (models.Settings, error)
}

// DefaultSettings 默认设置
func DefaultSettings() models.Settings {
	return models.Settings{AvatarID: "default", MCName: "두에나"}
}

// SettingsService 设置存储
type SettingsService struct {
	storage *storage.FileStorage

	mu       sync.RWMutex
	settings models.Settings
}

// NewSettingsService 加载设置，文件缺失或损坏时写入默认值
func NewSettingsService(fs *storage.FileStorage) (*SettingsService, error) {
	s := &SettingsService{storage: fs}

	var loaded models.Settings
	err := fs.LoadJSONFile(SettingsFile, &loaded)
	if err != nil {
		logger := utils.GetLogger()
		if errors.Is(err, storage.ErrNotExist) {
			logger.Info("设置文件不存在，写入默认设置", map[string]interface{}{"file": SettingsFile})
		} else {
			logger.Warn("设置加载失败，回退到默认设置", map[string]interface{}{"error": err.Error()})
		}

		loaded = DefaultSettings()
		if err := fs.SaveJSONFile(SettingsFile, loaded); err != nil {
			return nil, apperrors.NewStorageError("保存默认设置失败", err)
		}
	}

	s.settings = loaded
	return s, nil
}

// Load 返回当前设置
func (s *SettingsService) Load() (models.Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings, nil
}

// Save 合并局部字段并整体保存
func (s *SettingsService) Save(patch models.SettingsPatch) (models.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged := s.settings.Apply(patch)
	if err := s.storage.SaveJSONFile(SettingsFile, merged); err != nil {
		return s.settings, apperrors.NewStorageError("保存设置失败", err)
	}
	s.settings = merged
	return merged, nil
}
