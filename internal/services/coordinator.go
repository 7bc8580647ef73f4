// internal/services/coordinator.go
package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Corphon/MCConsole/internal/avatar"
	apperrors "github.com/Corphon/MCConsole/internal/errors"
	"github.com/Corphon/MCConsole/internal/models"
	"github.com/Corphon/MCConsole/internal/telemetry"
	"github.com/Corphon/MCConsole/internal/utils"
)

const (
	defaultGatewayTimeout     = 15 * time.Second
	defaultGatewayConcurrency = 4
)

// teardownReason 触发外部会话清理的原因
type teardownReason string

const (
	teardownStop      teardownReason = "stop"
	teardownEmergency teardownReason = "emergency_stop"
	teardownManual    teardownReason = "manual"
)

// CoordinatorOptions 协调器的可选依赖
type CoordinatorOptions struct {
	Gateway            avatar.Gateway // 为 nil 时跳过外部会话清理
	GatewayTimeout     time.Duration
	GatewayConcurrency int
	Metrics            *telemetry.CommandMetrics
	Now                func() time.Time
}

// Coordinator 运行状态的唯一持有者和唯一写入者
// 所有状态修改在 mu 写锁下完成，Snapshot 在读锁下复制
type Coordinator struct {
	playbook PlaybookStore
	settings SettingsStore

	gateway     avatar.Gateway
	timeout     time.Duration
	concurrency int
	metrics     *telemetry.CommandMetrics
	now         func() time.Time
	logger      *utils.Logger

	mu           sync.RWMutex
	currentID    string    // 空字符串表示没有当前条目
	isRunning    bool
	voiceActive  bool
	audioEnabled bool
	log          *RunLog
	lastDocs     documents // 最近一次成功读取的文档，停止类指令读取失败时使用

	listenerMu   sync.Mutex
	listeners    map[int]func()
	nextListener int

	tasks sync.WaitGroup
}

// NewCoordinator 创建处于 Idle 状态的协调器
func NewCoordinator(playbook PlaybookStore, settings SettingsStore, opts CoordinatorOptions) *Coordinator {
	if opts.GatewayTimeout <= 0 {
		opts.GatewayTimeout = defaultGatewayTimeout
	}
	if opts.GatewayConcurrency <= 0 {
		opts.GatewayConcurrency = defaultGatewayConcurrency
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Coordinator{
		playbook:     playbook,
		settings:     settings,
		gateway:      opts.Gateway,
		timeout:      opts.GatewayTimeout,
		concurrency:  opts.GatewayConcurrency,
		metrics:      opts.Metrics,
		now:          opts.Now,
		logger:       utils.GetLogger(),
		audioEnabled: true,
		log:          NewRunLog(MaxRunLogEntries),
		listeners:    make(map[int]func()),
	}
}

// Subscribe 注册状态变化回调，返回取消函数
// 回调在锁外调用，可以在回调中读取 Snapshot
func (c *Coordinator) Subscribe(fn func()) func() {
	c.listenerMu.Lock()
	id := c.nextListener
	c.nextListener++
	c.listeners[id] = fn
	c.listenerMu.Unlock()

	return func() {
		c.listenerMu.Lock()
		delete(c.listeners, id)
		c.listenerMu.Unlock()
	}
}

func (c *Coordinator) notify() {
	c.listenerMu.Lock()
	fns := make([]func(), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.listenerMu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// appendLogLocked 调用方必须持有写锁
func (c *Coordinator) appendLogLocked(level models.LogLevel, message string) {
	c.log.Append(c.now(), level, message)
}

// finish 释放写锁、记录指标并在成功时通知订阅者
func (c *Coordinator) finish(ctx context.Context, command string, err error) {
	c.mu.Unlock()

	if err != nil {
		outcome := string(apperrors.TypeOf(err))
		if kind, ok := apperrors.KindOf(err); ok {
			outcome = string(kind)
		}
		c.metrics.RecordCommand(ctx, command, outcome)

		if isRejection(err) {
			c.logger.Debug("指令被拒绝", map[string]interface{}{
				"command": command,
				"reason":  err.Error(),
			})
		} else {
			c.logger.Error("指令执行失败", map[string]interface{}{
				"command": command,
				"error":   err.Error(),
			})
		}
		return
	}

	c.metrics.RecordCommand(ctx, command, "ok")
	c.notify()
}

// isRejection 操作员可纠正的拒绝，不属于系统错误
func isRejection(err error) bool {
	return apperrors.IsPreconditionError(err) || apperrors.IsValidationError(err) || apperrors.IsNotFoundError(err)
}

// documents 生成快照所需的节目单与设置
type documents struct {
	items    []models.PlaybookItem
	settings models.Settings
}

// Snapshot 返回完整状态的只读副本
func (c *Coordinator) Snapshot() (models.Snapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	docs, err := c.loadDocuments()
	if err != nil {
		return models.Snapshot{}, err
	}
	return c.snapshotOf(docs), nil
}

// loadDocuments 读取节目单与设置
// 指令在修改任何状态之前调用，读取失败时状态保持不变
func (c *Coordinator) loadDocuments() (documents, error) {
	items, err := c.playbook.Load()
	if err != nil {
		return documents{}, apperrors.NewStorageError("读取节目单失败", err)
	}
	settings, err := c.settings.Load()
	if err != nil {
		return documents{}, apperrors.NewStorageError("读取设置失败", err)
	}
	return documents{items: items, settings: settings}, nil
}

// loadDocumentsLocked 调用方持有写锁，成功时缓存为最近一次的文档
func (c *Coordinator) loadDocumentsLocked() (documents, error) {
	docs, err := c.loadDocuments()
	if err == nil {
		c.lastDocs = docs
	}
	return docs, err
}

// snapshotOf 基于已读取的文档生成快照，不会失败
func (c *Coordinator) snapshotOf(docs documents) models.Snapshot {
	items := docs.items
	if items == nil {
		items = []models.PlaybookItem{}
	}

	snap := models.Snapshot{
		RunState: models.RunState{
			IsRunning:          c.isRunning,
			VoiceSessionActive: c.voiceActive,
			AudioEnabled:       c.audioEnabled,
			Logs:               c.log.Entries(),
		},
		Playbook: models.ClonePlaybook(items),
		Settings: docs.settings,
	}

	if c.currentID != "" {
		id := c.currentID
		snap.CurrentItemID = &id
		if item, ok := models.FindItem(items, id); ok {
			snap.CurrentItem = &item
		}
	}
	return snap
}

// Start 从第一个条目开始运行
func (c *Coordinator) Start(ctx context.Context) (snap models.Snapshot, err error) {
	c.mu.Lock()
	defer func() { c.finish(ctx, "start", err) }()

	docs, err := c.loadDocumentsLocked()
	if err != nil {
		return snap, err
	}
	if len(docs.items) == 0 {
		return snap, apperrors.ErrEmptyPlaybook
	}

	first := docs.items[0]
	c.isRunning = true
	c.currentID = first.ID
	if !first.IsMCTime() && c.voiceActive {
		c.voiceActive = false
		c.appendLogLocked(models.LogInfo, "Voice session ended (moved to SESSION)")
	}
	c.appendLogLocked(models.LogInfo, fmt.Sprintf("Event started - %s", first.Title))

	return c.snapshotOf(docs), nil
}

// Next 前进到下一个条目
func (c *Coordinator) Next(ctx context.Context) (snap models.Snapshot, err error) {
	c.mu.Lock()
	defer func() { c.finish(ctx, "next", err) }()

	if !c.isRunning {
		return snap, apperrors.ErrNotRunning
	}
	docs, err := c.loadDocumentsLocked()
	if err != nil {
		return snap, err
	}

	index := models.IndexOf(docs.items, c.currentID)
	if index < 0 || index >= len(docs.items)-1 {
		return snap, apperrors.ErrNoMoreItems
	}

	c.moveToLocked(docs.items[index+1], "Moved to - %s")
	return c.snapshotOf(docs), nil
}

// Previous 回到上一个条目，与 Next 对称
func (c *Coordinator) Previous(ctx context.Context) (snap models.Snapshot, err error) {
	c.mu.Lock()
	defer func() { c.finish(ctx, "previous", err) }()

	if !c.isRunning {
		return snap, apperrors.ErrNotRunning
	}
	docs, err := c.loadDocumentsLocked()
	if err != nil {
		return snap, err
	}

	index := models.IndexOf(docs.items, c.currentID)
	if index <= 0 {
		return snap, apperrors.ErrNoPreviousItem
	}

	c.moveToLocked(docs.items[index-1], "Moved back to - %s")
	return c.snapshotOf(docs), nil
}

// moveToLocked 切换当前条目，进入 SESSION 时强制结束语音会话
func (c *Coordinator) moveToLocked(item models.PlaybookItem, format string) {
	c.currentID = item.ID
	if !item.IsMCTime() && c.voiceActive {
		c.voiceActive = false
		c.appendLogLocked(models.LogInfo, "Voice session ended (moved to SESSION)")
	}
	c.appendLogLocked(models.LogInfo, fmt.Sprintf(format, item.Title))
}

// Stop 停止活动，可重复调用
func (c *Coordinator) Stop(ctx context.Context) (models.Snapshot, error) {
	return c.halt(ctx, "stop", models.LogInfo, "Event stopped", teardownStop)
}

// EmergencyStop 紧急停止，效果与 Stop 相同，日志级别不同
func (c *Coordinator) EmergencyStop(ctx context.Context) (models.Snapshot, error) {
	return c.halt(ctx, "emergency_stop", models.LogEmergency, "EMERGENCY STOP activated", teardownEmergency)
}

// halt 无条件停止；文档读取失败时快照使用最近一次成功读取的文档
func (c *Coordinator) halt(ctx context.Context, command string, level models.LogLevel, message string, reason teardownReason) (snap models.Snapshot, err error) {
	c.mu.Lock()
	defer func() { c.finish(ctx, command, err) }()

	docs, loadErr := c.loadDocumentsLocked()
	if loadErr != nil {
		c.logger.Warn("停止时读取快照数据失败，使用缓存", map[string]interface{}{
			"command": command,
			"error":   loadErr.Error(),
		})
		docs = c.lastDocs
	}

	c.isRunning = false
	c.currentID = ""
	c.voiceActive = false
	c.appendLogLocked(level, message)
	c.spawnTeardown(reason)

	return c.snapshotOf(docs), nil
}

// StartVoiceSession 开始语音会话，仅在运行中且当前条目为 MC_TIME 时允许
func (c *Coordinator) StartVoiceSession(ctx context.Context) (snap models.Snapshot, err error) {
	c.mu.Lock()
	defer func() { c.finish(ctx, "voice_start", err) }()

	if !c.isRunning {
		return snap, apperrors.ErrNotRunning
	}
	docs, err := c.loadDocumentsLocked()
	if err != nil {
		return snap, err
	}

	item, ok := models.FindItem(docs.items, c.currentID)
	if !ok || !item.IsMCTime() {
		return snap, apperrors.ErrWrongSegmentType
	}

	c.voiceActive = true
	c.appendLogLocked(models.LogInfo, fmt.Sprintf("Voice session started - %s", item.Title))
	return c.snapshotOf(docs), nil
}

// StopVoiceSession 结束语音会话，可重复调用
func (c *Coordinator) StopVoiceSession(ctx context.Context) (snap models.Snapshot, err error) {
	c.mu.Lock()
	defer func() { c.finish(ctx, "voice_stop", err) }()

	docs, loadErr := c.loadDocumentsLocked()
	if loadErr != nil {
		docs = c.lastDocs
	}

	c.voiceActive = false
	c.appendLogLocked(models.LogInfo, "Voice session stopped")
	return c.snapshotOf(docs), nil
}

// ToggleAudio 切换音频开关
func (c *Coordinator) ToggleAudio(ctx context.Context) (models.Snapshot, error) {
	c.mu.Lock()
	return c.setAudioLocked(ctx, "audio_toggle", !c.audioEnabled)
}

// SetAudio 设置音频开关
func (c *Coordinator) SetAudio(ctx context.Context, enabled bool) (models.Snapshot, error) {
	c.mu.Lock()
	return c.setAudioLocked(ctx, "audio_set", enabled)
}

// setAudioLocked 调用方持有写锁，返回时释放
func (c *Coordinator) setAudioLocked(ctx context.Context, command string, enabled bool) (snap models.Snapshot, err error) {
	defer func() { c.finish(ctx, command, err) }()

	docs, err := c.loadDocumentsLocked()
	if err != nil {
		return snap, err
	}

	c.audioEnabled = enabled
	if enabled {
		c.appendLogLocked(models.LogInfo, "Audio enabled")
	} else {
		c.appendLogLocked(models.LogInfo, "Audio disabled")
	}
	return c.snapshotOf(docs), nil
}

// SavePlaybook 整体保存节目单
func (c *Coordinator) SavePlaybook(ctx context.Context, items []models.PlaybookItem) (models.Snapshot, error) {
	return c.EditPlaybook(ctx, "playbook_save", func() error {
		return c.playbook.Save(items)
	})
}

// EditPlaybook 在协调器锁内执行节目单修改（导入、单条编辑等）
// 修改成功后追加 "Playbook updated" 日志并重新检查语音会话约束
func (c *Coordinator) EditPlaybook(ctx context.Context, command string, edit func() error) (snap models.Snapshot, err error) {
	c.mu.Lock()
	defer func() { c.finish(ctx, command, err) }()

	if err = edit(); err != nil {
		return snap, err
	}
	docs, err := c.loadDocumentsLocked()
	if err != nil {
		return snap, err
	}

	c.appendLogLocked(models.LogInfo, "Playbook updated")
	if c.voiceActive {
		if item, ok := models.FindItem(docs.items, c.currentID); !ok || !item.IsMCTime() {
			c.voiceActive = false
			c.appendLogLocked(models.LogWarn, "Voice session ended (current item is no longer MC_TIME)")
		}
	}

	return c.snapshotOf(docs), nil
}

// SaveSettings 合并保存设置
func (c *Coordinator) SaveSettings(ctx context.Context, patch models.SettingsPatch) (snap models.Snapshot, err error) {
	c.mu.Lock()
	defer func() { c.finish(ctx, "settings_save", err) }()

	docs, err := c.loadDocumentsLocked()
	if err != nil {
		return snap, err
	}
	merged, err := c.settings.Save(patch)
	if err != nil {
		return snap, err
	}
	docs.settings = merged
	c.lastDocs = docs

	c.appendLogLocked(models.LogInfo, fmt.Sprintf("Settings updated: Avatar=%s, MC=%s", merged.AvatarID, merged.MCName))
	return c.snapshotOf(docs), nil
}

// CleanupAvatarSessions 手动同步清理所有外部数字人会话
func (c *Coordinator) CleanupAvatarSessions(ctx context.Context) (avatar.TeardownResult, error) {
	if c.gateway == nil {
		return avatar.TeardownResult{}, apperrors.NewUnavailableError("数字人服务未配置", avatar.ErrNotConfigured)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	result, err := avatar.StopAll(ctx, c.gateway, c.concurrency)
	if err != nil {
		c.metrics.RecordCommand(ctx, "avatar_cleanup", string(apperrors.ErrorTypeUpstream))
		c.logger.Error("手动清理数字人会话失败", map[string]interface{}{"error": err.Error()})
		return result, apperrors.NewUpstreamError("Failed to cleanup avatar sessions", err)
	}

	c.metrics.RecordCommand(ctx, "avatar_cleanup", "ok")
	c.metrics.RecordTeardown(ctx, string(teardownManual), result.Stopped, len(result.Failures))
	c.logFailures(result, teardownManual)

	c.mu.Lock()
	c.appendLogLocked(levelFor(result), fmt.Sprintf("HeyGen cleanup: stopped %d sessions", result.Stopped))
	c.mu.Unlock()
	c.notify()

	return result, nil
}

// spawnTeardown 启动独立的清理任务，结果只写入运行日志
// 调用方持有写锁；任务自身在锁外运行
func (c *Coordinator) spawnTeardown(reason teardownReason) {
	if c.gateway == nil {
		c.logger.Debug("未配置数字人服务，跳过会话清理", map[string]interface{}{"reason": string(reason)})
		return
	}

	c.tasks.Add(1)
	go func() {
		defer c.tasks.Done()

		// 与触发请求的 context 无关，请求返回后任务继续执行
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()

		result, err := avatar.StopAll(ctx, c.gateway, c.concurrency)

		c.mu.Lock()
		if err != nil {
			c.appendLogLocked(models.LogWarn, fmt.Sprintf("Avatar session cleanup failed: %v", err))
		} else {
			prefix := ""
			if reason == teardownEmergency {
				prefix = "Emergency: "
			}
			c.appendLogLocked(levelFor(result), fmt.Sprintf("%sStopped %d of %d avatar sessions", prefix, result.Stopped, result.Total))
		}
		c.mu.Unlock()

		if err != nil {
			c.logger.Error("清理数字人会话失败", map[string]interface{}{
				"reason": string(reason),
				"error":  err.Error(),
			})
		} else {
			c.metrics.RecordTeardown(ctx, string(reason), result.Stopped, len(result.Failures))
			c.logFailures(result, reason)
			c.logger.Info("数字人会话清理完成", map[string]interface{}{
				"reason":  string(reason),
				"stopped": result.Stopped,
				"total":   result.Total,
			})
		}

		c.notify()
	}()
}

func (c *Coordinator) logFailures(result avatar.TeardownResult, reason teardownReason) {
	for _, f := range result.Failures {
		c.logger.Warn("停止数字人会话失败", map[string]interface{}{
			"reason":     string(reason),
			"session_id": f.Handle.SessionID,
			"error":      f.Err.Error(),
		})
	}
}

func levelFor(result avatar.TeardownResult) models.LogLevel {
	if len(result.Failures) > 0 {
		return models.LogWarn
	}
	return models.LogInfo
}

// WaitTasks 等待所有清理任务结束，用于关闭流程和测试
func (c *Coordinator) WaitTasks(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.tasks.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
