// cmd/server/main.go
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Corphon/MCConsole/internal/api"
	"github.com/Corphon/MCConsole/internal/app"
	"github.com/Corphon/MCConsole/internal/config"
	"github.com/Corphon/MCConsole/internal/di"
	"github.com/Corphon/MCConsole/internal/telemetry"
	"github.com/Corphon/MCConsole/internal/utils"
	"github.com/gin-gonic/gin"
)

// version 构建时通过 -ldflags 注入
var version = "dev"

func main() {
	log.Println("🚀 启动 MC Console 服务器...")

	// 1. 加载配置
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	log.Printf("✅ 配置加载完成，端口: %s", cfg.Port)
	for _, warning := range cfg.Warnings() {
		log.Printf("⚠️ %s", warning)
	}

	// 2. 创建必要的目录
	if err := cfg.EnsureDirectories(); err != nil {
		log.Fatalf("创建目录失败: %v", err)
	}
	log.Println("✅ 目录结构创建完成")

	// 3. 初始化日志
	logPath, err := utils.InitLogger(cfg.LogDir)
	if err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}
	logger := utils.GetLogger()
	if cfg.DebugMode {
		logger.SetLogLevel(utils.DEBUG)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	log.Printf("✅ 日志初始化完成: %s", logPath)

	// 4. 初始化遥测
	shutdownTelemetry, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, version, cfg.OTELInsecure)
	if err != nil {
		log.Fatalf("初始化遥测失败: %v", err)
	}
	if cfg.OTELEndpoint != "" {
		log.Printf("✅ OpenTelemetry 导出已启用: %s", cfg.OTELEndpoint)
	}

	// 5. 初始化所有服务（按依赖顺序）
	container := di.GetContainer()
	if err := app.InitServices(cfg, container); err != nil {
		log.Fatalf("初始化服务失败: %v", err)
	}
	log.Printf("✅ 所有服务初始化完成，服务数量: %d", len(container.GetNames()))

	if err := performHealthCheck(container); err != nil {
		log.Printf("⚠️ 服务健康检查警告: %v", err)
	}

	// 6. 设置路由（只获取服务，不创建）
	router, hub, err := api.SetupRouter(cfg, container)
	if err != nil {
		log.Fatalf("❌ 设置路由失败: %v", err)
	}
	log.Println("✅ 路由设置完成")

	// 7. 启动服务器
	log.Printf("🌐 服务器启动在端口 %s", cfg.Port)
	log.Printf("🔗 状态接口: http://localhost:%s/api/state", cfg.Port)
	log.Printf("🔗 状态推送: ws://localhost:%s/ws/state", cfg.Port)

	setupGracefulShutdown(router, cfg.Port, func(ctx context.Context) {
		hub.Close()

		if err := app.Shutdown(ctx, container); err != nil {
			log.Printf("⚠️ 等待数字人会话清理超时: %v", err)
		}
		if err := shutdownTelemetry(ctx); err != nil {
			log.Printf("⚠️ 关闭遥测失败: %v", err)
		}
		logger.Close()
	})
}

// 健康检查函数
func performHealthCheck(container *di.Container) error {
	criticalServices := []string{di.ServiceConfig, di.ServicePlaybook, di.ServiceSettings, di.ServiceCoordinator}

	for _, serviceName := range criticalServices {
		if !container.Has(serviceName) {
			return fmt.Errorf("关键服务未注册: %s", serviceName)
		}
	}

	log.Println("✅ 服务健康检查通过")
	return nil
}

// 优雅关闭函数
func setupGracefulShutdown(router *gin.Engine, port string, cleanup func(ctx context.Context)) {
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 在新的 goroutine 中启动服务器
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ 启动服务器失败: %v", err)
		}
	}()

	// 等待中断信号以进行优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("🛑 正在关闭服务器...")

	// 给定超时时间关闭服务器
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("❌ 服务器强制关闭: %v", err)
	}
	cleanup(ctx)

	log.Println("✅ 服务器优雅关闭完成")
}
