// internal/api/handlers.go
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/Corphon/MCConsole/internal/avatar"
	apperrors "github.com/Corphon/MCConsole/internal/errors"
	"github.com/Corphon/MCConsole/internal/llm"
	"github.com/Corphon/MCConsole/internal/models"
	"github.com/Corphon/MCConsole/internal/services"
	"github.com/Corphon/MCConsole/internal/utils"
	"github.com/gin-gonic/gin"
)

// maxPlaybookBody 节目单上传的最大字节数
const maxPlaybookBody = 4 << 20

// Handler 处理API请求
type Handler struct {
	Coordinator *services.Coordinator     // 运行状态协调器
	Playbook    *services.PlaybookService // 节目单存储
	Realtime    llm.RealtimeProvider      // 实时语音凭证，可为 nil
	Avatar      avatar.Gateway            // 数字人会话网关，可为 nil
	Hub         *StateHub                 // 状态推送
	Response    *ResponseHelper           // 响应助手

	RealtimeModel  string
	RealtimeVoice  string
	GatewayTimeout time.Duration
}

// CommandResult 运行指令的响应数据
type CommandResult struct {
	State        models.Snapshot      `json:"state"`
	Item         *models.PlaybookItem `json:"item,omitempty"`
	AudioEnabled *bool                `json:"audioEnabled,omitempty"`
}

// SetAudioRequest 设置音频开关
type SetAudioRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// MoveItemRequest 条目移动请求
type MoveItemRequest struct {
	Direction services.MoveDirection `json:"direction" binding:"required,oneof=up down"`
}

// CreateItemRequest 新建条目请求
type CreateItemRequest struct {
	Type              models.SegmentType `json:"type" binding:"required,oneof=MC_TIME SESSION"`
	Title             *string            `json:"title"`
	Script            *string            `json:"script"`
	SystemInstruction *string            `json:"systemInstruction"`
	Description       *string            `json:"description"`
}

// ------------------------------------------------
// 运行指令

type command func(ctx context.Context) (models.Snapshot, error)

func (h *Handler) runCommand(c *gin.Context, cmd command, withItem bool) {
	snap, err := cmd(c.Request.Context())
	if err != nil {
		h.Response.FromError(c, err)
		return
	}

	result := CommandResult{State: snap}
	if withItem {
		result.Item = snap.CurrentItem
	}
	h.Response.Success(c, result)
}

// GetState GET /api/state
func (h *Handler) GetState(c *gin.Context) {
	snap, err := h.Coordinator.Snapshot()
	if err != nil {
		h.Response.FromError(c, err)
		return
	}
	h.Response.Success(c, snap)
}

// Start POST /api/start
func (h *Handler) Start(c *gin.Context) {
	h.runCommand(c, h.Coordinator.Start, false)
}

// Next POST /api/next
func (h *Handler) Next(c *gin.Context) {
	h.runCommand(c, h.Coordinator.Next, true)
}

// Previous POST /api/previous
func (h *Handler) Previous(c *gin.Context) {
	h.runCommand(c, h.Coordinator.Previous, true)
}

// Stop POST /api/stop
func (h *Handler) Stop(c *gin.Context) {
	h.runCommand(c, h.Coordinator.Stop, false)
}

// EmergencyStop POST /api/emergency-stop
func (h *Handler) EmergencyStop(c *gin.Context) {
	h.runCommand(c, h.Coordinator.EmergencyStop, false)
}

// StartVoiceSession POST /api/voice-session/start
func (h *Handler) StartVoiceSession(c *gin.Context) {
	h.runCommand(c, h.Coordinator.StartVoiceSession, false)
}

// StopVoiceSession POST /api/voice-session/stop
func (h *Handler) StopVoiceSession(c *gin.Context) {
	h.runCommand(c, h.Coordinator.StopVoiceSession, false)
}

// ToggleAudio POST /api/audio/toggle
func (h *Handler) ToggleAudio(c *gin.Context) {
	snap, err := h.Coordinator.ToggleAudio(c.Request.Context())
	h.audioResponse(c, snap, err)
}

// SetAudio POST /api/audio/set
func (h *Handler) SetAudio(c *gin.Context) {
	var req SetAudioRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.Error(c, http.StatusBadRequest, ErrorValidation, "enabled is required", err.Error())
		return
	}

	snap, err := h.Coordinator.SetAudio(c.Request.Context(), *req.Enabled)
	h.audioResponse(c, snap, err)
}

func (h *Handler) audioResponse(c *gin.Context, snap models.Snapshot, err error) {
	if err != nil {
		h.Response.FromError(c, err)
		return
	}
	enabled := snap.AudioEnabled
	h.Response.Success(c, CommandResult{State: snap, AudioEnabled: &enabled})
}

// ------------------------------------------------
// 节目单

// GetPlaybook GET /api/playbook
func (h *Handler) GetPlaybook(c *gin.Context) {
	items, err := h.Playbook.Load()
	if err != nil {
		h.Response.FromError(c, err)
		return
	}
	h.Response.Success(c, items)
}

// SavePlaybook POST /api/playbook 与 POST /api/playbook/import
// 请求体为完整节目单数组，校验失败时不做任何修改
func (h *Handler) SavePlaybook(c *gin.Context) {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPlaybookBody))
	if err != nil {
		h.Response.BadRequest(c, "Failed to read request body", err.Error())
		return
	}

	snap, err := h.Coordinator.EditPlaybook(c.Request.Context(), "playbook_import", func() error {
		_, err := h.Playbook.Import(raw)
		return err
	})
	if err != nil {
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) && appErr.Type == apperrors.ErrorTypeValidation {
			details := ""
			if appErr.Err != nil {
				details = appErr.Err.Error()
			}
			h.Response.Error(c, http.StatusBadRequest, ErrorPlaybookInvalid, appErr.Message, details)
			return
		}
		h.Response.FromError(c, err)
		return
	}

	h.Response.Success(c, CommandResult{State: snap}, "Playbook saved successfully")
}

// ExportPlaybook GET /api/playbook/export
func (h *Handler) ExportPlaybook(c *gin.Context) {
	items, err := h.Playbook.Load()
	if err != nil {
		h.Response.FromError(c, err)
		return
	}
	h.Response.DownloadJSON(c, "playbook.json", items)
}

// SamplePlaybook GET /api/playbook/sample
func (h *Handler) SamplePlaybook(c *gin.Context) {
	h.Response.DownloadJSON(c, "playbook_sample.json", services.SamplePlaybook())
}

// CreateItem POST /api/playbook/items
func (h *Handler) CreateItem(c *gin.Context) {
	var req CreateItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.Error(c, http.StatusBadRequest, ErrorValidation, "Invalid item", err.Error())
		return
	}

	var created models.PlaybookItem
	snap, err := h.Coordinator.EditPlaybook(c.Request.Context(), "item_create", func() error {
		item, err := h.Playbook.AddItem(services.ItemDraft{
			Type:              req.Type,
			Title:             req.Title,
			Script:            req.Script,
			SystemInstruction: req.SystemInstruction,
			Description:       req.Description,
		})
		created = item
		return err
	})
	if err != nil {
		h.Response.FromError(c, err)
		return
	}

	h.Response.Created(c, CommandResult{State: snap, Item: &created})
}

// UpdateItem PUT /api/playbook/items/:id
func (h *Handler) UpdateItem(c *gin.Context) {
	var draft services.ItemDraft
	if err := c.ShouldBindJSON(&draft); err != nil {
		h.Response.Error(c, http.StatusBadRequest, ErrorValidation, "Invalid item", err.Error())
		return
	}

	id := c.Param("id")
	var updated models.PlaybookItem
	snap, err := h.Coordinator.EditPlaybook(c.Request.Context(), "item_update", func() error {
		item, err := h.Playbook.UpdateItem(id, draft)
		updated = item
		return err
	})
	if err != nil {
		h.Response.FromError(c, err)
		return
	}

	h.Response.Success(c, CommandResult{State: snap, Item: &updated})
}

// DeleteItem DELETE /api/playbook/items/:id
func (h *Handler) DeleteItem(c *gin.Context) {
	id := c.Param("id")
	snap, err := h.Coordinator.EditPlaybook(c.Request.Context(), "item_delete", func() error {
		return h.Playbook.DeleteItem(id)
	})
	if err != nil {
		h.Response.FromError(c, err)
		return
	}

	h.Response.Success(c, CommandResult{State: snap})
}

// MoveItem POST /api/playbook/items/:id/move
func (h *Handler) MoveItem(c *gin.Context) {
	var req MoveItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.Error(c, http.StatusBadRequest, ErrorValidation, "direction must be up or down", err.Error())
		return
	}

	id := c.Param("id")
	snap, err := h.Coordinator.EditPlaybook(c.Request.Context(), "item_move", func() error {
		_, err := h.Playbook.MoveItem(id, req.Direction)
		return err
	})
	if err != nil {
		h.Response.FromError(c, err)
		return
	}

	h.Response.Success(c, CommandResult{State: snap})
}

// ------------------------------------------------
// 设置

// GetSettings GET /api/settings
func (h *Handler) GetSettings(c *gin.Context) {
	snap, err := h.Coordinator.Snapshot()
	if err != nil {
		h.Response.FromError(c, err)
		return
	}
	h.Response.Success(c, snap.Settings)
}

// SaveSettings POST /api/settings，只合并请求中出现的字段
func (h *Handler) SaveSettings(c *gin.Context) {
	var patch models.SettingsPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		h.Response.Error(c, http.StatusBadRequest, ErrorValidation, "Invalid settings", err.Error())
		return
	}

	snap, err := h.Coordinator.SaveSettings(c.Request.Context(), patch)
	if err != nil {
		h.Response.FromError(c, err)
		return
	}
	h.Response.Success(c, gin.H{"settings": snap.Settings, "state": snap})
}

// ------------------------------------------------
// 外部服务

// CreateRealtimeSession GET|POST /api/session
func (h *Handler) CreateRealtimeSession(c *gin.Context) {
	if h.Realtime == nil {
		h.Response.Unavailable(c, "Realtime provider is not configured")
		return
	}

	session, err := h.Realtime.CreateEphemeralCredential(c.Request.Context(), llm.RealtimeSessionRequest{
		Model: h.RealtimeModel,
		Voice: h.RealtimeVoice,
	})
	if err != nil {
		utils.GetLogger().Error("创建实时会话失败", map[string]interface{}{
			"provider": h.Realtime.GetName(),
			"error":    err.Error(),
		})
		h.Response.FromError(c, apperrors.NewUpstreamError("Failed to create session", err))
		return
	}

	h.Response.Success(c, session)
}

// GetAvatarToken GET /api/getToken
// 先尽力清理已有会话，再签发新的流式令牌
func (h *Handler) GetAvatarToken(c *gin.Context) {
	issuer, ok := h.Avatar.(avatar.TokenIssuer)
	if h.Avatar == nil || !ok {
		h.Response.Unavailable(c, "Avatar provider is not configured")
		return
	}

	logger := utils.GetLogger()
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.gatewayTimeout())
	defer cancel()

	result, err := avatar.StopAll(ctx, h.Avatar, 1)
	if err != nil {
		logger.Warn("签发令牌前清理会话失败", map[string]interface{}{"error": err.Error()})
	} else if result.Total > 0 {
		logger.Info("签发令牌前已清理会话", map[string]interface{}{
			"stopped": result.Stopped,
			"total":   result.Total,
		})
	}

	token, err := issuer.CreateToken(ctx)
	if err != nil {
		logger.Error("签发数字人令牌失败", map[string]interface{}{"error": err.Error()})
		h.Response.FromError(c, apperrors.NewUpstreamError("Failed to get avatar token", err))
		return
	}

	h.Response.Success(c, token)
}

// CleanupAvatarSessions POST /api/cleanupHeyGen
func (h *Handler) CleanupAvatarSessions(c *gin.Context) {
	result, err := h.Coordinator.CleanupAvatarSessions(c.Request.Context())
	if err != nil {
		h.Response.FromError(c, err)
		return
	}

	h.Response.Success(c, gin.H{
		"total":   result.Total,
		"stopped": result.Stopped,
		"failed":  len(result.Failures),
	}, result.Summary())
}

func (h *Handler) gatewayTimeout() time.Duration {
	if h.GatewayTimeout <= 0 {
		return 15 * time.Second
	}
	return h.GatewayTimeout
}

// ------------------------------------------------
// 健康检查

// Health GET /api/health
func (h *Handler) Health(c *gin.Context) {
	snap, err := h.Coordinator.Snapshot()
	status := "ok"
	if err != nil {
		status = "degraded"
	}

	realtime := ""
	if h.Realtime != nil {
		realtime = h.Realtime.GetName()
	}

	clients := 0
	if h.Hub != nil {
		clients = h.Hub.ClientCount()
	}

	h.Response.Success(c, gin.H{
		"status":            status,
		"playbook_items":    len(snap.Playbook),
		"is_running":        snap.IsRunning,
		"realtime_provider": realtime,
		"avatar_configured": h.Avatar != nil,
		"ws_clients":        clients,
		"time":              time.Now().Format(time.RFC3339),
	})
}
