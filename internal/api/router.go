// internal/api/router.go
package api

import (
	"fmt"
	"time"

	"github.com/Corphon/MCConsole/internal/avatar"
	"github.com/Corphon/MCConsole/internal/config"
	"github.com/Corphon/MCConsole/internal/di"
	"github.com/Corphon/MCConsole/internal/llm"
	"github.com/Corphon/MCConsole/internal/services"
	"github.com/gin-gonic/gin"
)

// 运行指令的限流配额（每个客户端 IP）
const (
	commandLimit  = 60
	commandWindow = 10 * time.Second
)

// SetupRouter 配置HTTP路由，服务从容器中获取
// 返回的 StateHub 需要在关闭时调用 Close
func SetupRouter(cfg *config.Config, container *di.Container) (*gin.Engine, *StateHub, error) {
	coordinator, err := di.Resolve[*services.Coordinator](container, di.ServiceCoordinator)
	if err != nil {
		return nil, nil, fmt.Errorf("协调器未正确初始化: %w", err)
	}
	playbook, err := di.Resolve[*services.PlaybookService](container, di.ServicePlaybook)
	if err != nil {
		return nil, nil, fmt.Errorf("节目单服务未正确初始化: %w", err)
	}

	hub := NewStateHub(coordinator)
	coordinator.Subscribe(hub.Notify)

	handler := &Handler{
		Coordinator:    coordinator,
		Playbook:       playbook,
		Realtime:       di.ResolveOptional[llm.RealtimeProvider](container, di.ServiceRealtime),
		Avatar:         di.ResolveOptional[avatar.Gateway](container, di.ServiceAvatar),
		Hub:            hub,
		Response:       NewResponseHelper(),
		RealtimeModel:  cfg.OpenAIRealtimeModel,
		RealtimeVoice:  cfg.OpenAIRealtimeVoice,
		GatewayTimeout: cfg.GatewayTimeout,
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestIDMiddleware())
	r.Use(tracingMiddleware())
	r.Use(loggingMiddleware())
	r.Use(corsMiddleware())

	// WebSocket 状态推送
	r.GET("/ws/state", hub.ServeWS)

	limiter := NewRateLimiter()
	commands := commandRateLimit(limiter, commandLimit, commandWindow, handler.Response)

	// ===============================
	// API路由组
	// ===============================
	api := r.Group("/api")
	{
		api.GET("/health", handler.Health)
		api.GET("/state", handler.GetState)
		api.GET("/ws/status", func(c *gin.Context) {
			handler.Response.Success(c, hub.GetStatus())
		})

		// ===============================
		// 运行指令
		// ===============================
		run := api.Group("", commands)
		{
			run.POST("/start", handler.Start)
			run.POST("/next", handler.Next)
			run.POST("/previous", handler.Previous)

			run.POST("/voice-session/start", handler.StartVoiceSession)

			run.POST("/audio/toggle", handler.ToggleAudio)
			run.POST("/audio/set", handler.SetAudio)
		}

		// 停止类指令幂等且必须无条件生效，不限流
		api.POST("/stop", handler.Stop)
		api.POST("/emergency-stop", handler.EmergencyStop)
		api.POST("/voice-session/stop", handler.StopVoiceSession)

		// ===============================
		// 节目单
		// ===============================
		playbookGroup := api.Group("/playbook")
		{
			playbookGroup.GET("", handler.GetPlaybook)
			playbookGroup.POST("", handler.SavePlaybook)
			playbookGroup.POST("/import", handler.SavePlaybook)
			playbookGroup.GET("/export", handler.ExportPlaybook)
			playbookGroup.GET("/sample", handler.SamplePlaybook)

			itemsGroup := playbookGroup.Group("/items")
			{
				itemsGroup.POST("", handler.CreateItem)
				itemsGroup.PUT("/:id", handler.UpdateItem)
				itemsGroup.DELETE("/:id", handler.DeleteItem)
				itemsGroup.POST("/:id/move", handler.MoveItem)
			}
		}

		// ===============================
		// 设置
		// ===============================
		settingsGroup := api.Group("/settings")
		{
			settingsGroup.GET("", handler.GetSettings)
			settingsGroup.POST("", handler.SaveSettings)
		}

		// ===============================
		// 外部服务
		// ===============================
		api.GET("/session", handler.CreateRealtimeSession)
		api.POST("/session", handler.CreateRealtimeSession)
		api.GET("/getToken", handler.GetAvatarToken)
		api.POST("/cleanupHeyGen", commands, handler.CleanupAvatarSessions)
	}

	return r, hub, nil
}
