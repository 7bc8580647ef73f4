// internal/stagesync/poller.go
package stagesync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Corphon/MCConsole/internal/config"
	"github.com/Corphon/MCConsole/internal/models"
	"github.com/Corphon/MCConsole/internal/utils"
)

// HandlerFunc 接收一份快照
type HandlerFunc func(ctx context.Context, snap models.Snapshot)

// stateEnvelope /api/state 的响应格式
type stateEnvelope struct {
	Success bool            `json:"success"`
	Data    models.Snapshot `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Poller 按固定间隔拉取 /api/state
type Poller struct {
	baseURL  string
	client   *http.Client
	interval time.Duration
	logger   *utils.Logger
}

// NewPoller 创建轮询器，client 为 nil 时使用默认超时
func NewPoller(baseURL string, client *http.Client) *Poller {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &Poller{
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   client,
		interval: config.PollInterval,
		logger:   utils.GetLogger(),
	}
}

// FetchState 拉取一次快照
func (p *Poller) FetchState(ctx context.Context) (models.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/state", nil)
	if err != nil {
		return models.Snapshot{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("请求状态失败: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("读取状态失败: %w", err)
	}

	var envelope stateEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return models.Snapshot{}, fmt.Errorf("解析状态失败 (HTTP %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK || !envelope.Success {
		if envelope.Error != nil {
			return models.Snapshot{}, fmt.Errorf("状态接口返回错误 (HTTP %d): %s %s", resp.StatusCode, envelope.Error.Code, envelope.Error.Message)
		}
		return models.Snapshot{}, fmt.Errorf("状态接口返回错误 (HTTP %d)", resp.StatusCode)
	}
	return envelope.Data, nil
}

// Run 立即拉取一次，之后每个间隔拉取一次，直到 ctx 取消
// 拉取失败只记录日志，不会向 handle 传入任何数据
func (p *Poller) Run(ctx context.Context, handle HandlerFunc) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		snap, err := p.FetchState(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Warn("拉取状态失败", map[string]interface{}{"err": err.Error()})
		} else {
			handle(ctx, snap)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
