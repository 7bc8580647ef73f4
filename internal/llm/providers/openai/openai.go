// internal/llm/providers/openai/openai.go
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Corphon/MCConsole/internal/llm"
)

func init() {
	llm.Register("openai", func() llm.RealtimeProvider {
		return &Provider{
			baseURL:      "https://api.openai.com",
			defaultModel: "gpt-4o-realtime-preview-2024-12-17",
			defaultVoice: "verse",
		}
	})
}

// Provider OpenAI Realtime 短期凭证签发
type Provider struct {
	apiKey       string
	baseURL      string
	client       *http.Client
	defaultModel string
	defaultVoice string
}

func (p *Provider) Initialize(config map[string]string) error {
	apiKey := config["api_key"]
	if apiKey == "" {
		return fmt.Errorf("openai api密钥未提供: %w", llm.ErrNotConfigured)
	}
	p.apiKey = apiKey
	p.client = &http.Client{Timeout: 30 * time.Second}

	if baseURL := config["base_url"]; baseURL != "" {
		p.baseURL = strings.TrimRight(baseURL, "/")
	}
	if model := config["default_model"]; model != "" {
		p.defaultModel = model
	}
	if voice := config["voice"]; voice != "" {
		p.defaultVoice = voice
	}
	return nil
}

func (p *Provider) GetName() string {
	return "OpenAI Realtime"
}

// SetHTTPClient 替换 HTTP 客户端（测试用）
func (p *Provider) SetHTTPClient(client *http.Client) {
	p.client = client
}

// CreateEphemeralCredential 调用 /v1/realtime/sessions
func (p *Provider) CreateEphemeralCredential(ctx context.Context, req llm.RealtimeSessionRequest) (map[string]interface{}, error) {
	if req.Model == "" {
		req.Model = p.defaultModel
	}
	if req.Voice == "" {
		req.Voice = p.defaultVoice
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/realtime/sessions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("请求 OpenAI 失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("创建实时会话失败(%d): %s", resp.StatusCode, string(respBody))
	}

	var session map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, fmt.Errorf("解析实时会话响应失败: %w", err)
	}
	if _, ok := session["client_secret"]; !ok {
		return nil, fmt.Errorf("实时会话响应缺少 client_secret")
	}
	return session, nil
}
