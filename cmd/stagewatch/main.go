// cmd/stagewatch/main.go
// stagewatch 是无界面的舞台端：按同步约定跟踪服务器状态，并记录它将执行的本地动作
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Corphon/MCConsole/internal/models"
	"github.com/Corphon/MCConsole/internal/stagesync"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type watchConfig struct {
	ServerURL  string        `env:"STAGE_SERVER_URL" envDefault:"http://localhost:3001"`
	Mode       string        `env:"STAGE_MODE" envDefault:"poll"`
	ReadyAfter time.Duration `env:"STAGE_AVATAR_READY_AFTER" envDefault:"2s"`
}

func parseConfig(fs *flag.FlagSet, args []string) (watchConfig, error) {
	_ = godotenv.Load()

	var cfg watchConfig
	if err := env.Parse(&cfg); err != nil {
		return cfg, err
	}

	fs.StringVar(&cfg.ServerURL, "server", cfg.ServerURL, "MC Console 服务器地址")
	fs.StringVar(&cfg.Mode, "mode", cfg.Mode, "同步方式: poll 或 ws")
	fs.DurationVar(&cfg.ReadyAfter, "ready-after", cfg.ReadyAfter, "模拟数字人从挂载到就绪的耗时")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// logDriver 只记录动作，挂载后经过 readyAfter 报告数字人就绪
type logDriver struct {
	readyAfter time.Duration
	syncer     *stagesync.Syncer
	cancel     context.CancelFunc
}

func (d *logDriver) MountAvatar(ctx context.Context) error {
	log.Println("🎬 挂载数字人画面")

	readyCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	go func() {
		select {
		case <-readyCtx.Done():
		case <-time.After(d.readyAfter):
			log.Println("✅ 数字人就绪")
			d.syncer.AvatarReady(readyCtx, true)
		}
	}()
	return nil
}

func (d *logDriver) Configure(ctx context.Context, instruction string) error {
	log.Printf("📝 更新 AI 指令:\n%s", instruction)
	return nil
}

func (d *logDriver) StartVoice(ctx context.Context, instruction string) error {
	log.Println("🎙️ 启动实时语音会话")
	return nil
}

func (d *logDriver) StopVoice(ctx context.Context) error {
	log.Println("🔇 停止实时语音会话")
	return nil
}

func (d *logDriver) TeardownAll(ctx context.Context) error {
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	log.Println("🛑 拆除语音会话与数字人画面")
	return nil
}

func main() {
	cfg, err := parseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("解析参数失败: %v", err)
	}
	log.SetPrefix("[stagewatch] ")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	driver := &logDriver{readyAfter: cfg.ReadyAfter}
	syncer := stagesync.NewSyncer(driver)
	driver.syncer = syncer

	handle := func(ctx context.Context, snap models.Snapshot) {
		syncer.Handle(ctx, snap)
	}

	log.Printf("🚀 连接 %s (%s)", cfg.ServerURL, cfg.Mode)

	switch cfg.Mode {
	case "poll":
		err = stagesync.NewPoller(cfg.ServerURL, nil).Run(ctx, handle)
	case "ws":
		var sub *stagesync.Subscriber
		sub, err = stagesync.NewSubscriber(cfg.ServerURL)
		if err == nil {
			err = sub.Run(ctx, handle)
		}
	default:
		log.Fatalf("未知的同步方式: %s", cfg.Mode)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("❌ 同步中断: %v", err)
	}
	log.Println("✅ 已退出")
}
