// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// PollInterval 客户端轮询 /api/state 的固定间隔，不可配置
const PollInterval = time.Second

// Config 存储应用配置
type Config struct {
	// 基础配置
	Port      string `env:"PORT" envDefault:"3001"`
	DataDir   string `env:"DATA_DIR" envDefault:"data"`
	LogDir    string `env:"LOG_DIR" envDefault:"logs"`
	DebugMode bool   `env:"DEBUG_MODE" envDefault:"true"`

	// OpenAI 实时语音
	OpenAIAPIKey        string `env:"OPENAI_API_KEY"`
	OpenAIBaseURL       string `env:"OPENAI_BASE_URL" envDefault:"https://api.openai.com"`
	OpenAIRealtimeModel string `env:"OPENAI_REALTIME_MODEL" envDefault:"gpt-4o-realtime-preview-2024-12-17"`
	OpenAIRealtimeVoice string `env:"OPENAI_REALTIME_VOICE" envDefault:"verse"`

	// HeyGen 数字人
	HeyGenAPIKey  string `env:"HEYGEN_API_KEY"`
	HeyGenBaseURL string `env:"HEYGEN_BASE_URL" envDefault:"https://api.heygen.com"`

	// 外部会话清理
	GatewayTimeout     time.Duration `env:"GATEWAY_TIMEOUT" envDefault:"15s"`
	GatewayConcurrency int           `env:"GATEWAY_CONCURRENCY" envDefault:"4"`

	// OpenTelemetry，endpoint 为空时使用 no-op
	OTELEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTELInsecure bool   `env:"OTEL_INSECURE" envDefault:"false"`
}

// Load 从 .env 文件（可选）和环境变量加载配置
func Load() (*Config, error) {
	// .env 不存在时忽略
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("解析环境变量失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate 检查配置取值
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT 不能为空")
	}
	if c.DataDir == "" {
		return fmt.Errorf("DATA_DIR 不能为空")
	}
	if c.GatewayConcurrency < 1 {
		return fmt.Errorf("GATEWAY_CONCURRENCY 必须大于 0，当前为 %d", c.GatewayConcurrency)
	}
	if c.GatewayTimeout <= 0 {
		return fmt.Errorf("GATEWAY_TIMEOUT 必须大于 0，当前为 %s", c.GatewayTimeout)
	}
	return nil
}

// Warnings 返回不影响启动的配置问题
func (c *Config) Warnings() []string {
	var warnings []string
	if c.OpenAIAPIKey == "" {
		warnings = append(warnings, "未设置 OPENAI_API_KEY，实时语音会话不可用")
	}
	if c.HeyGenAPIKey == "" {
		warnings = append(warnings, "未设置 HEYGEN_API_KEY，数字人会话清理不可用")
	}
	return warnings
}

// EnsureDirectories 创建数据与日志目录
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.DataDir, c.LogDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("创建目录失败 %s: %w", dir, err)
		}
	}
	return nil
}
