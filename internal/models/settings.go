// internal/models/settings.go
package models

// Settings 全局设置，整体覆盖保存
type Settings struct {
	AvatarID string `json:"avatarId"` // 数字人形象 ID
	MCName   string `json:"mcName"`   // 唤醒词 / AI 主持人名字
}

// SettingsPatch 局部更新，nil 字段保留原值
type SettingsPatch struct {
	AvatarID *string `json:"avatarId,omitempty"`
	MCName   *string `json:"mcName,omitempty"`
}

// Apply 合并局部更新
func (s Settings) Apply(patch SettingsPatch) Settings {
	if patch.AvatarID != nil {
		s.AvatarID = *patch.AvatarID
	}
	if patch.MCName != nil {
		s.MCName = *patch.MCName
	}
	return s
}
