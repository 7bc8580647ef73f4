// internal/services/run_log.go
package services

import (
	"time"

	"github.com/Corphon/MCConsole/internal/models"
)

// MaxRunLogEntries 运行日志保留的最大条数
const MaxRunLogEntries = 100

// RunLog 固定容量的环形日志，满后淘汰最旧条目
// 非并发安全，由 Coordinator 的锁保护
type RunLog struct {
	entries []models.LogEntry
	start   int
	size    int
}

// NewRunLog 创建指定容量的日志
func NewRunLog(capacity int) *RunLog {
	if capacity <= 0 {
		capacity = MaxRunLogEntries
	}
	return &RunLog{entries: make([]models.LogEntry, capacity)}
}

// Append 追加一条日志
func (l *RunLog) Append(t time.Time, level models.LogLevel, message string) {
	entry := models.LogEntry{Time: t, Message: message, Level: level}
	capacity := len(l.entries)

	if l.size < capacity {
		l.entries[(l.start+l.size)%capacity] = entry
		l.size++
		return
	}

	l.entries[l.start] = entry
	l.start = (l.start + 1) % capacity
}

// Len 当前条数
func (l *RunLog) Len() int {
	return l.size
}

// Entries 按插入顺序返回副本
func (l *RunLog) Entries() []models.LogEntry {
	out := make([]models.LogEntry, l.size)
	capacity := len(l.entries)
	for i := 0; i < l.size; i++ {
		out[i] = l.entries[(l.start+i)%capacity]
	}
	return out
}
