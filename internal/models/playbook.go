// internal/models/playbook.go
package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// SegmentType 节目单条目类型
type SegmentType string

const (
	SegmentMCTime  SegmentType = "MC_TIME" // AI 主持人时间
	SegmentSession SegmentType = "SESSION" // 普通环节（真人演讲等）
)

// Valid 检查类型是否合法
func (t SegmentType) Valid() bool {
	return t == SegmentMCTime || t == SegmentSession
}

// Segment 条目的类型相关内容，只有 McTime 与 Session 两种实现
type Segment interface {
	Type() SegmentType
	isSegment()
}

// McTime AI 主持人环节的内容
type McTime struct {
	Script            string `json:"script"`            // 参考台本
	SystemInstruction string `json:"systemInstruction"` // AI 行为指令
}

func (McTime) Type() SegmentType { return SegmentMCTime }
func (McTime) isSegment()        {}

// Session 普通环节的内容
type Session struct {
	Description string `json:"description"`
}

func (Session) Type() SegmentType { return SegmentSession }
func (Session) isSegment()        {}

// PlaybookItem 节目单中的一个条目
type PlaybookItem struct {
	ID      string
	Title   string
	Segment Segment
}

// NewMcTimeItem 创建 MC_TIME 条目
func NewMcTimeItem(id, title, script, instruction string) PlaybookItem {
	return PlaybookItem{
		ID:      id,
		Title:   title,
		Segment: McTime{Script: script, SystemInstruction: instruction},
	}
}

// NewSessionItem 创建 SESSION 条目
func NewSessionItem(id, title, description string) PlaybookItem {
	return PlaybookItem{
		ID:      id,
		Title:   title,
		Segment: Session{Description: description},
	}
}

// Type 返回条目类型，Segment 为空时返回空字符串
func (p PlaybookItem) Type() SegmentType {
	if p.Segment == nil {
		return ""
	}
	return p.Segment.Type()
}

// IsMCTime 是否为 AI 主持人环节
func (p PlaybookItem) IsMCTime() bool {
	return p.Type() == SegmentMCTime
}

// McTime 返回 MC_TIME 内容
func (p PlaybookItem) McTime() (McTime, bool) {
	m, ok := p.Segment.(McTime)
	return m, ok
}

// Session 返回 SESSION 内容
func (p PlaybookItem) Session() (Session, bool) {
	s, ok := p.Segment.(Session)
	return s, ok
}

// playbookItemWire 线上（JSON 文件 / HTTP）扁平格式
type playbookItemWire struct {
	ID                string      `json:"id"`
	Type              SegmentType `json:"type"`
	Title             string      `json:"title"`
	Script            *string     `json:"script,omitempty"`
	SystemInstruction *string     `json:"systemInstruction,omitempty"`
	Description       *string     `json:"description,omitempty"`
}

// MarshalJSON 输出扁平格式，只包含所属类型的字段
func (p PlaybookItem) MarshalJSON() ([]byte, error) {
	w := playbookItemWire{ID: p.ID, Type: p.Type(), Title: p.Title}

	switch seg := p.Segment.(type) {
	case McTime:
		w.Script = &seg.Script
		w.SystemInstruction = &seg.SystemInstruction
	case Session:
		w.Description = &seg.Description
	default:
		return nil, fmt.Errorf("条目 %q 缺少类型内容", p.ID)
	}

	return json.Marshal(w)
}

// UnmarshalJSON 解析扁平格式
// 非空的跨类型字段（例如 MC_TIME 携带 description）视为错误
func (p *PlaybookItem) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return fmt.Errorf("条目不能为 null")
	}

	var w playbookItemWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	item := PlaybookItem{ID: w.ID, Title: w.Title}

	switch w.Type {
	case SegmentMCTime:
		if deref(w.Description) != "" {
			return fmt.Errorf("MC_TIME 条目 %q 不能包含 description", w.ID)
		}
		item.Segment = McTime{
			Script:            deref(w.Script),
			SystemInstruction: deref(w.SystemInstruction),
		}
	case SegmentSession:
		if deref(w.Script) != "" || deref(w.SystemInstruction) != "" {
			return fmt.Errorf("SESSION 条目 %q 不能包含 script 或 systemInstruction", w.ID)
		}
		item.Segment = Session{Description: deref(w.Description)}
	default:
		return fmt.Errorf("条目 %q 的类型无效: %q", w.ID, w.Type)
	}

	*p = item
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// IndexOf 返回指定 ID 在节目单中的位置，不存在返回 -1
func IndexOf(items []PlaybookItem, id string) int {
	for i, item := range items {
		if item.ID == id {
			return i
		}
	}
	return -1
}

// FindItem 按 ID 查找条目
func FindItem(items []PlaybookItem, id string) (PlaybookItem, bool) {
	if i := IndexOf(items, id); i >= 0 {
		return items[i], true
	}
	return PlaybookItem{}, false
}

// ClonePlaybook 复制节目单，条目本身是值类型
func ClonePlaybook(items []PlaybookItem) []PlaybookItem {
	out := make([]PlaybookItem, len(items))
	copy(out, items)
	return out
}
