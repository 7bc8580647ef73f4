// internal/models/runstate.go
package models

import "time"

// LogLevel 运行日志级别
type LogLevel string

const (
	LogInfo      LogLevel = "info"
	LogWarn      LogLevel = "warn"
	LogEmergency LogLevel = "emergency"
)

// LogEntry 运行日志条目
type LogEntry struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
	Level   LogLevel  `json:"level,omitempty"`
}

// RunState 活动运行状态，由协调器独占修改
type RunState struct {
	CurrentItemID      *string    `json:"currentItemId"`
	IsRunning          bool       `json:"isRunning"`
	VoiceSessionActive bool       `json:"voiceSessionActive"`
	AudioEnabled       bool       `json:"audioEnabled"`
	Logs               []LogEntry `json:"logs"`
}

// Snapshot 客户端轮询得到的只读副本
type Snapshot struct {
	RunState
	CurrentItem *PlaybookItem  `json:"currentItem,omitempty"`
	Playbook    []PlaybookItem `json:"playbook"`
	Settings    Settings       `json:"settings"`
}

// CurrentID 返回当前条目 ID，没有时返回空字符串
func (s RunState) CurrentID() string {
	if s.CurrentItemID == nil {
		return ""
	}
	return *s.CurrentItemID
}
