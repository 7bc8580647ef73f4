// internal/telemetry/metrics.go
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// CommandMetrics 协调器指令与外部会话清理的计数
type CommandMetrics struct {
	commands metric.Int64Counter
	teardown metric.Int64Counter
}

// NewCommandMetrics 基于给定 meter 创建计数器，meter 为 nil 时使用全局 provider
func NewCommandMetrics(meter metric.Meter) *CommandMetrics {
	if meter == nil {
		meter = Meter("mc-console/coordinator")
	}

	m := &CommandMetrics{}
	// 创建失败时保持 nil，记录方法会跳过
	if c, err := meter.Int64Counter("mc.coordinator.commands",
		metric.WithDescription("coordinator commands by name and outcome")); err == nil {
		m.commands = c
	}
	if c, err := meter.Int64Counter("mc.avatar.sessions_stopped",
		metric.WithDescription("external avatar sessions stopped by teardown")); err == nil {
		m.teardown = c
	}
	return m
}

// RecordCommand 记录一次指令，outcome 为 "ok" 或错误种类
func (m *CommandMetrics) RecordCommand(ctx context.Context, command, outcome string) {
	if m == nil || m.commands == nil {
		return
	}
	m.commands.Add(ctx, 1, metric.WithAttributes(
		attribute.String("command", command),
		attribute.String("outcome", outcome),
	))
}

// RecordTeardown 记录清理结果
func (m *CommandMetrics) RecordTeardown(ctx context.Context, reason string, stopped, failed int) {
	if m == nil || m.teardown == nil {
		return
	}
	m.teardown.Add(ctx, int64(stopped), metric.WithAttributes(
		attribute.String("reason", reason),
		attribute.String("result", "stopped"),
	))
	if failed > 0 {
		m.teardown.Add(ctx, int64(failed), metric.WithAttributes(
			attribute.String("reason", reason),
			attribute.String("result", "failed"),
		))
	}
}
