// internal/avatar/heygen/heygen.go
package heygen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Corphon/MCConsole/internal/avatar"
)

const defaultBaseURL = "https://api.heygen.com"

// Provider HeyGen 流式数字人 API 客户端
type Provider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// New 创建 HeyGen 客户端，apiKey 为空时返回 avatar.ErrNotConfigured
func New(apiKey, baseURL string, client *http.Client) (*Provider, error) {
	if apiKey == "" {
		return nil, avatar.ErrNotConfigured
	}
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	return &Provider{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}, nil
}

// GetName 提供者名称
func (p *Provider) GetName() string {
	return "HeyGen Streaming Avatar"
}

// ListActiveSessions 调用 streaming.list
func (p *Provider) ListActiveSessions(ctx context.Context) ([]avatar.SessionHandle, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/streaming.list", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-api-key", p.apiKey)

	var response struct {
		Data struct {
			Sessions []avatar.SessionHandle `json:"sessions"`
		} `json:"data"`
	}
	if err := p.do(req, &response); err != nil {
		return nil, err
	}

	sessions := make([]avatar.SessionHandle, 0, len(response.Data.Sessions))
	for _, s := range response.Data.Sessions {
		if s.SessionID != "" {
			sessions = append(sessions, s)
		}
	}
	return sessions, nil
}

// StopSession 调用 streaming.stop
func (p *Provider) StopSession(ctx context.Context, handle avatar.SessionHandle) error {
	if handle.SessionID == "" {
		return errors.New("会话ID为空")
	}

	body, err := json.Marshal(map[string]string{"session_id": handle.SessionID})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/streaming.stop", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	return p.do(req, nil)
}

// CreateToken 调用 streaming.create_token，返回原始响应
func (p *Provider) CreateToken(ctx context.Context) (map[string]interface{}, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/streaming.create_token", bytes.NewReader([]byte("{}")))
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	var response map[string]interface{}
	if err := p.do(req, &response); err != nil {
		return nil, err
	}
	return response, nil
}

// do 发送请求，非 2xx 视为错误，out 为 nil 时丢弃响应体
func (p *Provider) do(req *http.Request, out interface{}) error {
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("请求 HeyGen 失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("HeyGen 返回错误(%d): %s", resp.StatusCode, string(body))
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("解析 HeyGen 响应失败: %w", err)
	}
	return nil
}

var (
	_ avatar.Gateway     = (*Provider)(nil)
	_ avatar.TokenIssuer = (*Provider)(nil)
)
