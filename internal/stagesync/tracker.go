// internal/stagesync/tracker.go
package stagesync

import (
	"fmt"
	"strings"
	"sync"

	"github.com/Corphon/MCConsole/internal/models"
)

// DefaultMCName 设置中没有主持人名字时使用
const DefaultMCName = "두에나"

// EventKind 舞台端需要执行的动作
type EventKind string

const (
	EventStarted     EventKind = "event_started"  // 挂载数字人画面
	EventItemChanged EventKind = "item_changed"   // 重新配置 AI 行为
	EventVoiceStart  EventKind = "voice_start"    // 启动实时语音会话
	EventVoiceStop   EventKind = "voice_stop"     // 停止实时语音会话
	EventStopped     EventKind = "event_stopped"  // 拆除所有本地会话
)

// Event 一次边沿事件
type Event struct {
	Kind        EventKind
	Item        *models.PlaybookItem // 仅 EventItemChanged
	Instruction string               // EventItemChanged / EventVoiceStart
}

func (e Event) String() string {
	if e.Item != nil {
		return fmt.Sprintf("%s(%s)", e.Kind, e.Item.ID)
	}
	return string(e.Kind)
}

// Tracker 对连续快照做边沿检测
// 相同快照重复输入不会产生任何事件
type Tracker struct {
	mu sync.Mutex

	running     bool
	voiceWanted bool   // 服务端最近一次的 voiceSessionActive
	voiceOn     bool   // 已经发出 VoiceStart 且未停止
	pending     bool   // 服务端要求语音但数字人未就绪
	fingerprint string // 当前条目内容指纹
	instruction string
	avatarReady bool
}

// NewTracker 创建处于 Idle 的检测器
func NewTracker() *Tracker {
	return &Tracker{}
}

// Observe 输入一份快照，返回需要执行的事件（按执行顺序）
func (t *Tracker) Observe(snap models.Snapshot) []Event {
	t.mu.Lock()
	defer t.mu.Unlock()

	var events []Event

	// 运行 -> 停止：无论其他字段如何，全部拆除
	if t.running && !snap.IsRunning {
		t.resetLocked()
		return append(events, Event{Kind: EventStopped})
	}
	if !snap.IsRunning {
		return nil
	}

	if !t.running {
		t.running = true
		events = append(events, Event{Kind: EventStarted})
	}

	// 先停语音，再切换条目配置，最后启动语音
	if !snap.VoiceSessionActive && t.voiceWanted {
		t.voiceWanted = false
		t.pending = false
		if t.voiceOn {
			t.voiceOn = false
			events = append(events, Event{Kind: EventVoiceStop})
		}
	}

	fp := fingerprint(snap)
	if fp != t.fingerprint {
		t.fingerprint = fp
		if snap.CurrentItem != nil {
			item := *snap.CurrentItem
			t.instruction = BuildInstruction(item, snap.Settings.MCName)
			events = append(events, Event{Kind: EventItemChanged, Item: &item, Instruction: t.instruction})
		} else {
			t.instruction = ""
		}
	}

	if snap.VoiceSessionActive && !t.voiceWanted {
		t.voiceWanted = true
		if t.avatarReady {
			t.voiceOn = true
			events = append(events, Event{Kind: EventVoiceStart, Instruction: t.instruction})
		} else {
			t.pending = true
		}
	}

	return events
}

// SetAvatarReady 更新本地数字人就绪状态
// 就绪时若有挂起的语音启动则立即返回 VoiceStart
// 未运行时的就绪通知来自已拆除的数字人，直接忽略
func (t *Tracker) SetAvatarReady(ready bool) []Event {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ready && !t.running {
		return nil
	}
	if ready == t.avatarReady {
		return nil
	}
	t.avatarReady = ready

	if ready {
		if t.pending && t.voiceWanted {
			t.pending = false
			t.voiceOn = true
			return []Event{{Kind: EventVoiceStart, Instruction: t.instruction}}
		}
		return nil
	}

	// 数字人断开，语音改为等待下次就绪
	if t.voiceOn {
		t.voiceOn = false
		t.pending = true
		return []Event{{Kind: EventVoiceStop}}
	}
	return nil
}

// Pending 是否有等待数字人就绪的语音启动
func (t *Tracker) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending
}

// resetLocked 停止后清空条目和语音记忆，重新开始时会再次检测
func (t *Tracker) resetLocked() {
	t.running = false
	t.voiceWanted = false
	t.voiceOn = false
	t.pending = false
	t.fingerprint = ""
	t.instruction = ""
	t.avatarReady = false
}

// fingerprint 当前条目的 id 与影响 AI 行为的字段
// 运行中编辑当前条目也会被检测为变化
func fingerprint(snap models.Snapshot) string {
	if snap.CurrentItem == nil {
		return ""
	}
	item := snap.CurrentItem
	parts := []string{item.ID, string(item.Type())}
	if mc, ok := item.McTime(); ok {
		parts = append(parts, mc.Script, mc.SystemInstruction, snap.Settings.MCName)
	}
	return strings.Join(parts, "\x00")
}

// BuildInstruction 组合 AI 主持人的行为指令，SESSION 条目返回空字符串
func BuildInstruction(item models.PlaybookItem, mcName string) string {
	mc, ok := item.McTime()
	if !ok {
		return ""
	}
	if mcName == "" {
		mcName = DefaultMCName
	}
	return fmt.Sprintf("%s\n\n참고 대본: %s\n\n당신의 이름은 \"%s\"입니다. 공동사회자가 \"%s\"라고 부를 때만 응답하세요.",
		mc.SystemInstruction, mc.Script, mcName, mcName)
}
