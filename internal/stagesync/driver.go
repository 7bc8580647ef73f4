// internal/stagesync/driver.go
package stagesync

import (
	"context"
	"fmt"

	"github.com/Corphon/MCConsole/internal/models"
	"github.com/Corphon/MCConsole/internal/utils"
)

// Driver 舞台端本地会话的执行者
type Driver interface {
	// 挂载数字人画面，就绪后调用 Syncer.AvatarReady
	MountAvatar(ctx context.Context) error

	// 更新实时语音会话的行为指令
	Configure(ctx context.Context, instruction string) error

	// 启动 / 停止实时语音会话
	StartVoice(ctx context.Context, instruction string) error
	StopVoice(ctx context.Context) error

	// 停止语音并卸载数字人
	TeardownAll(ctx context.Context) error
}

// Syncer 把快照转换为边沿事件并交给 Driver 执行
type Syncer struct {
	tracker *Tracker
	driver  Driver
	logger  *utils.Logger
}

// NewSyncer 创建同步器
func NewSyncer(driver Driver) *Syncer {
	return &Syncer{
		tracker: NewTracker(),
		driver:  driver,
		logger:  utils.GetLogger(),
	}
}

// Handle 处理一份快照，返回执行过的事件
func (s *Syncer) Handle(ctx context.Context, snap models.Snapshot) []Event {
	events := s.tracker.Observe(snap)
	s.dispatch(ctx, events)
	return events
}

// AvatarReady 由 Driver 在数字人就绪或断开时调用
func (s *Syncer) AvatarReady(ctx context.Context, ready bool) []Event {
	events := s.tracker.SetAvatarReady(ready)
	s.dispatch(ctx, events)
	return events
}

// dispatch 按顺序执行事件，单个失败只记录日志
func (s *Syncer) dispatch(ctx context.Context, events []Event) {
	for _, event := range events {
		if err := s.apply(ctx, event); err != nil {
			s.logger.Warn("舞台事件执行失败", map[string]interface{}{
				"event": event.String(),
				"err":   err.Error(),
			})
			continue
		}
		s.logger.Info("舞台事件已执行", map[string]interface{}{"event": event.String()})
	}
}

func (s *Syncer) apply(ctx context.Context, event Event) error {
	switch event.Kind {
	case EventStarted:
		return s.driver.MountAvatar(ctx)
	case EventItemChanged:
		if event.Instruction == "" {
			return nil
		}
		return s.driver.Configure(ctx, event.Instruction)
	case EventVoiceStart:
		return s.driver.StartVoice(ctx, event.Instruction)
	case EventVoiceStop:
		return s.driver.StopVoice(ctx)
	case EventStopped:
		return s.driver.TeardownAll(ctx)
	default:
		return fmt.Errorf("未知的舞台事件: %s", event.Kind)
	}
}
