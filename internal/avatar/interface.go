// internal/avatar/interface.go
package avatar

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// ErrNotConfigured 未配置数字人服务
var ErrNotConfigured = errors.New("数字人服务未配置")

// SessionHandle 外部流式会话句柄
type SessionHandle struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status,omitempty"`
}

// Gateway 数字人流式服务的会话管理能力
type Gateway interface {
	// 列出所有活跃会话
	ListActiveSessions(ctx context.Context) ([]SessionHandle, error)

	// 停止单个会话
	StopSession(ctx context.Context, handle SessionHandle) error
}

// TokenIssuer 可选能力：为浏览器端创建流式令牌
type TokenIssuer interface {
	CreateToken(ctx context.Context) (map[string]interface{}, error)
}

// StopFailure 单个会话停止失败
type StopFailure struct {
	Handle SessionHandle
	Err    error
}

// TeardownResult 清理结果
type TeardownResult struct {
	Total    int
	Stopped  int
	Failures []StopFailure
}

// Summary 返回 "Stopped X of Y sessions"
func (r TeardownResult) Summary() string {
	return fmt.Sprintf("Stopped %d of %d sessions", r.Stopped, r.Total)
}

// StopAll 列出并停止所有活跃会话
// 单个会话失败只记录在结果中，只有列出失败才返回错误
func StopAll(ctx context.Context, gw Gateway, concurrency int) (TeardownResult, error) {
	if gw == nil {
		return TeardownResult{}, ErrNotConfigured
	}

	sessions, err := gw.ListActiveSessions(ctx)
	if err != nil {
		return TeardownResult{}, fmt.Errorf("列出数字人会话失败: %w", err)
	}

	result := TeardownResult{Total: len(sessions)}
	if len(sessions) == 0 {
		return result, nil
	}

	if concurrency < 1 {
		concurrency = 1
	}

	failures := make([]*StopFailure, len(sessions))
	var stopped atomic.Int64

	// 不使用 WithContext：一个会话失败不应取消其他会话的停止
	var g errgroup.Group
	g.SetLimit(concurrency)
	for i, session := range sessions {
		g.Go(func() error {
			if err := gw.StopSession(ctx, session); err != nil {
				failures[i] = &StopFailure{Handle: session, Err: err}
				return nil
			}
			stopped.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	result.Stopped = int(stopped.Load())
	for _, f := range failures {
		if f != nil {
			result.Failures = append(result.Failures, *f)
		}
	}
	return result, nil
}
