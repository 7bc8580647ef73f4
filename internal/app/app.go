// internal/app/app.go
package app

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/Corphon/MCConsole/internal/avatar"
	"github.com/Corphon/MCConsole/internal/avatar/heygen"
	"github.com/Corphon/MCConsole/internal/config"
	"github.com/Corphon/MCConsole/internal/di"
	"github.com/Corphon/MCConsole/internal/llm"
	"github.com/Corphon/MCConsole/internal/services"
	"github.com/Corphon/MCConsole/internal/storage"
	"github.com/Corphon/MCConsole/internal/telemetry"

	// 注册实时语音提供者
	_ "github.com/Corphon/MCConsole/internal/llm/providers/openai"
)

// RealtimeProviderName 使用的实时语音提供者
const RealtimeProviderName = "openai"

// InitServices 按依赖顺序创建服务并注册到容器
// 外部服务未配置时只跳过注册，不视为错误
func InitServices(cfg *config.Config, container *di.Container) error {
	if cfg == nil {
		return fmt.Errorf("配置不能为空")
	}
	container.Register(di.ServiceConfig, cfg)

	// 1. 存储
	fs, err := storage.NewFileStorage(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("创建文件存储失败: %w", err)
	}

	// 2. 节目单与设置
	playbook, err := services.NewPlaybookService(fs)
	if err != nil {
		return fmt.Errorf("初始化节目单服务失败: %w", err)
	}
	container.Register(di.ServicePlaybook, playbook)

	settings, err := services.NewSettingsService(fs)
	if err != nil {
		return fmt.Errorf("初始化设置服务失败: %w", err)
	}
	container.Register(di.ServiceSettings, settings)

	// 3. 外部服务
	gateway, err := newAvatarGateway(cfg)
	if err != nil {
		return err
	}
	if gateway != nil {
		container.Register(di.ServiceAvatar, gateway)
	}

	realtime, err := newRealtimeProvider(cfg)
	if err != nil {
		return err
	}
	if realtime != nil {
		container.Register(di.ServiceRealtime, realtime)
	}

	// 4. 协调器
	metrics := telemetry.NewCommandMetrics(nil)
	container.Register(di.ServiceMetrics, metrics)

	opts := services.CoordinatorOptions{
		GatewayTimeout:     cfg.GatewayTimeout,
		GatewayConcurrency: cfg.GatewayConcurrency,
		Metrics:            metrics,
	}
	// 接口变量不能直接赋 nil 指针
	if gateway != nil {
		opts.Gateway = gateway
	}
	container.Register(di.ServiceCoordinator, services.NewCoordinator(playbook, settings, opts))

	return nil
}

func newAvatarGateway(cfg *config.Config) (*heygen.Provider, error) {
	provider, err := heygen.New(cfg.HeyGenAPIKey, cfg.HeyGenBaseURL, nil)
	if errors.Is(err, avatar.ErrNotConfigured) {
		log.Println("⚠️ HeyGen 未配置，跳过数字人网关")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("初始化 HeyGen 失败: %w", err)
	}
	return provider, nil
}

func newRealtimeProvider(cfg *config.Config) (llm.RealtimeProvider, error) {
	provider, err := llm.GetProvider(RealtimeProviderName, map[string]string{
		"api_key":       cfg.OpenAIAPIKey,
		"base_url":      cfg.OpenAIBaseURL,
		"default_model": cfg.OpenAIRealtimeModel,
		"voice":         cfg.OpenAIRealtimeVoice,
	})
	if errors.Is(err, llm.ErrNotConfigured) {
		log.Println("⚠️ OpenAI 未配置，跳过实时语音提供者")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("初始化实时语音提供者失败: %w", err)
	}
	return provider, nil
}

// Shutdown 等待协调器的后台清理任务结束
func Shutdown(ctx context.Context, container *di.Container) error {
	coordinator, err := di.Resolve[*services.Coordinator](container, di.ServiceCoordinator)
	if err != nil {
		return nil
	}
	return coordinator.WaitTasks(ctx)
}
