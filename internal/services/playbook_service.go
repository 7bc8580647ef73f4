// internal/services/playbook_service.go
package services

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	apperrors "github.com/Corphon/MCConsole/internal/errors"
	"github.com/Corphon/MCConsole/internal/models"
	"github.com/Corphon/MCConsole/internal/storage"
	"github.com/Corphon/MCConsole/internal/utils"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// PlaybookFile 节目单文件名
const PlaybookFile = "playbook.json"

// PlaybookStore 节目单整体读写能力
type PlaybookStore interface {
	Load() ([]models.PlaybookItem, error)
	Save(items []models.PlaybookItem) error
}

// DefaultPlaybook 首次启动或文件损坏时使用的默认节目单
func DefaultPlaybook() []models.PlaybookItem {
	return []models.PlaybookItem{
		models.NewMcTimeItem("mc_1", "사회자 타임 1 - 오프닝",
			"안녕하세요, 저는 AI 사회자 두에나입니다. 오늘 행사 진행을 맡게 되어 영광입니다.",
			`당신은 AI 사회자 "두에나"입니다. 공동사회자가 "두에나"라고 부르면 친근하고 밝은 톤으로 응답하세요.`),
		models.NewSessionItem("session_1", "세션 1 - Opening", "개회사"),
	}
}

// SamplePlaybook 提供给运营人员下载的固定示例
func SamplePlaybook() []models.PlaybookItem {
	return []models.PlaybookItem{
		models.NewMcTimeItem("mc_1", "사회자 타임 1 - 오프닝",
			"안녕하세요, 저는 AI 사회자입니다.",
			"밝고 친근한 톤으로 인사하세요."),
		models.NewSessionItem("session_1", "세션 1 - 발표", "발표자 발표"),
		models.NewMcTimeItem("mc_2", "사회자 타임 2 - 마무리",
			"오늘 행사에 참석해 주셔서 감사합니다.",
			"따뜻하게 마무리 인사를 하세요."),
	}
}

// ItemDraft 新建或编辑条目时的字段
type ItemDraft struct {
	Type              models.SegmentType `json:"type"`
	Title             *string            `json:"title,omitempty"`
	Script            *string            `json:"script,omitempty"`
	SystemInstruction *string            `json:"systemInstruction,omitempty"`
	Description       *string            `json:"description,omitempty"`
}

// MoveDirection 条目移动方向
type MoveDirection string

const (
	MoveUp   MoveDirection = "up"
	MoveDown MoveDirection = "down"
)

// itemRule 条目的通用字段校验规则
type itemRule struct {
	ID    string `validate:"required,max=128"`
	Type  string `validate:"required,oneof=MC_TIME SESSION"`
	Title string `validate:"max=512"`
}

// PlaybookService 节目单存储：内存副本 + JSON 文件整体覆盖写入
// 读-改-写没有乐观锁，最后写入者生效
type PlaybookService struct {
	storage  *storage.FileStorage
	validate *validator.Validate

	mu    sync.RWMutex
	items []models.PlaybookItem
}

// NewPlaybookService 加载节目单，文件缺失或无法解析时写入默认节目单
func NewPlaybookService(fs *storage.FileStorage) (*PlaybookService, error) {
	s := &PlaybookService{
		storage:  fs,
		validate: validator.New(),
	}

	items, err := s.readFile()
	if err != nil {
		logger := utils.GetLogger()
		if errors.Is(err, storage.ErrNotExist) {
			logger.Info("节目单文件不存在，写入默认节目单", map[string]interface{}{"file": PlaybookFile})
		} else {
			logger.Warn("节目单加载失败，回退到默认节目单", map[string]interface{}{"error": err.Error()})
		}

		items = DefaultPlaybook()
		if err := s.storage.SaveJSONFile(PlaybookFile, items); err != nil {
			return nil, apperrors.NewStorageError("保存默认节目单失败", err)
		}
	}

	s.items = items
	return s, nil
}

func (s *PlaybookService) readFile() ([]models.PlaybookItem, error) {
	content, err := s.storage.LoadTextFile(PlaybookFile)
	if err != nil {
		return nil, err
	}
	items, err := s.Parse(content)
	if err != nil {
		return nil, err
	}
	return items, nil
}

// Load 返回节目单副本
func (s *PlaybookService) Load() ([]models.PlaybookItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return models.ClonePlaybook(s.items), nil
}

// Save 校验并整体覆盖保存
func (s *PlaybookService) Save(items []models.PlaybookItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked(items)
}

func (s *PlaybookService) persistLocked(items []models.PlaybookItem) error {
	if items == nil {
		items = []models.PlaybookItem{}
	}
	if err := s.Validate(items); err != nil {
		return err
	}
	if err := s.storage.SaveJSONFile(PlaybookFile, items); err != nil {
		return apperrors.NewStorageError("保存节目单失败", err)
	}
	s.items = models.ClonePlaybook(items)
	return nil
}

// Parse 解析节目单文档：顶层必须是数组，任一条目无效则整体拒绝
func (s *PlaybookService) Parse(raw []byte) ([]models.PlaybookItem, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, apperrors.NewValidationError("Playbook must be an array", nil)
	}

	var elements []json.RawMessage
	if err := json.Unmarshal(trimmed, &elements); err != nil {
		return nil, apperrors.NewValidationError("Playbook is not valid JSON", err)
	}

	items := make([]models.PlaybookItem, 0, len(elements))
	for i, element := range elements {
		var item models.PlaybookItem
		if err := json.Unmarshal(element, &item); err != nil {
			return nil, apperrors.NewValidationError(fmt.Sprintf("Invalid playbook item at index %d", i), err)
		}
		items = append(items, item)
	}

	if err := s.Validate(items); err != nil {
		return nil, err
	}
	return items, nil
}

// Validate 校验每个条目及 ID 唯一性
func (s *PlaybookService) Validate(items []models.PlaybookItem) error {
	seen := make(map[string]int, len(items))
	for i, item := range items {
		rule := itemRule{ID: item.ID, Type: string(item.Type()), Title: item.Title}
		if err := s.validate.Struct(rule); err != nil {
			return apperrors.NewValidationError(fmt.Sprintf("Invalid playbook item at index %d", i), err)
		}
		if prev, dup := seen[item.ID]; dup {
			return apperrors.NewValidationError(
				fmt.Sprintf("Duplicate playbook item id %q at index %d and %d", item.ID, prev, i), nil)
		}
		seen[item.ID] = i
	}
	return nil
}

// Import 解析并替换整个节目单
func (s *PlaybookService) Import(raw []byte) ([]models.PlaybookItem, error) {
	items, err := s.Parse(raw)
	if err != nil {
		return nil, err
	}
	if err := s.Save(items); err != nil {
		return nil, err
	}
	return items, nil
}

// AddItem 追加新条目，ID 由服务端生成
func (s *PlaybookService) AddItem(draft ItemDraft) (models.PlaybookItem, error) {
	var item models.PlaybookItem
	id := fmt.Sprintf("%s_%s", lowerType(draft.Type), uuid.NewString())

	switch draft.Type {
	case models.SegmentMCTime:
		if draft.Description != nil {
			return item, apperrors.NewValidationError("MC_TIME item cannot have a description", nil)
		}
		item = models.NewMcTimeItem(id, orDefault(draft.Title, "새 사회자 타임"),
			orDefault(draft.Script, ""), orDefault(draft.SystemInstruction, "당신은 AI 사회자입니다."))
	case models.SegmentSession:
		if draft.Script != nil || draft.SystemInstruction != nil {
			return item, apperrors.NewValidationError("SESSION item cannot have a script or systemInstruction", nil)
		}
		item = models.NewSessionItem(id, orDefault(draft.Title, "새 세션"), orDefault(draft.Description, ""))
	default:
		return item, apperrors.NewValidationError(fmt.Sprintf("Invalid item type %q", draft.Type), nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	items := append(models.ClonePlaybook(s.items), item)
	if err := s.persistLocked(items); err != nil {
		return models.PlaybookItem{}, err
	}
	return item, nil
}

// UpdateItem 编辑条目字段，类型不可变
func (s *PlaybookService) UpdateItem(id string, draft ItemDraft) (models.PlaybookItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index := models.IndexOf(s.items, id)
	if index < 0 {
		return models.PlaybookItem{}, apperrors.NewNotFoundError(fmt.Sprintf("Playbook item %q not found", id), nil)
	}

	item := s.items[index]
	if draft.Type != "" && draft.Type != item.Type() {
		return models.PlaybookItem{}, apperrors.NewValidationError("Item type cannot be changed", nil)
	}
	if draft.Title != nil {
		item.Title = *draft.Title
	}

	switch seg := item.Segment.(type) {
	case models.McTime:
		if draft.Description != nil {
			return models.PlaybookItem{}, apperrors.NewValidationError("MC_TIME item cannot have a description", nil)
		}
		seg.Script = orDefault(draft.Script, seg.Script)
		seg.SystemInstruction = orDefault(draft.SystemInstruction, seg.SystemInstruction)
		item.Segment = seg
	case models.Session:
		if draft.Script != nil || draft.SystemInstruction != nil {
			return models.PlaybookItem{}, apperrors.NewValidationError("SESSION item cannot have a script or systemInstruction", nil)
		}
		seg.Description = orDefault(draft.Description, seg.Description)
		item.Segment = seg
	}

	items := models.ClonePlaybook(s.items)
	items[index] = item
	if err := s.persistLocked(items); err != nil {
		return models.PlaybookItem{}, err
	}
	return item, nil
}

// DeleteItem 删除条目
func (s *PlaybookService) DeleteItem(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	index := models.IndexOf(s.items, id)
	if index < 0 {
		return apperrors.NewNotFoundError(fmt.Sprintf("Playbook item %q not found", id), nil)
	}

	items := make([]models.PlaybookItem, 0, len(s.items)-1)
	items = append(items, s.items[:index]...)
	items = append(items, s.items[index+1:]...)
	return s.persistLocked(items)
}

// MoveItem 与相邻条目交换位置，已在边界时不做改动
func (s *PlaybookService) MoveItem(id string, direction MoveDirection) ([]models.PlaybookItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index := models.IndexOf(s.items, id)
	if index < 0 {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("Playbook item %q not found", id), nil)
	}

	var swap int
	switch direction {
	case MoveUp:
		swap = index - 1
	case MoveDown:
		swap = index + 1
	default:
		return nil, apperrors.NewValidationError(fmt.Sprintf("Invalid move direction %q", direction), nil)
	}

	if swap < 0 || swap >= len(s.items) {
		return models.ClonePlaybook(s.items), nil
	}

	items := models.ClonePlaybook(s.items)
	items[index], items[swap] = items[swap], items[index]
	if err := s.persistLocked(items); err != nil {
		return nil, err
	}
	return models.ClonePlaybook(items), nil
}

func lowerType(t models.SegmentType) string {
	switch t {
	case models.SegmentMCTime:
		return "mc_time"
	case models.SegmentSession:
		return "session"
	default:
		return "item"
	}
}

func orDefault(v *string, def string) string {
	if v == nil {
		return def
	}
	return *v
}
