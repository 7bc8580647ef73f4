// internal/llm/interface.go
package llm

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// 错误定义
var (
	ErrUnknownProvider = errors.New("未知的AI提供者")
	ErrNotConfigured   = errors.New("AI提供者未配置")
)

// RealtimeSessionRequest 创建实时会话的参数
type RealtimeSessionRequest struct {
	Model        string `json:"model,omitempty"`
	Voice        string `json:"voice,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

// RealtimeProvider 实时语音 AI 能力：只负责签发短期凭证，
// 浏览器端使用凭证直接与上游建立 WebRTC 连接
type RealtimeProvider interface {
	// 初始化提供者，传入配置
	Initialize(config map[string]string) error

	// 获取提供者名称
	GetName() string

	// 创建短期凭证，返回上游原始响应（包含 client_secret）
	CreateEphemeralCredential(ctx context.Context, req RealtimeSessionRequest) (map[string]interface{}, error)
}

// ProviderFactory 提供者工厂
type ProviderFactory func() RealtimeProvider

// Registry 提供者注册表
type Registry struct {
	mu        sync.RWMutex
	factories map[string]ProviderFactory
}

// DefaultRegistry 全局注册表，providers 子包在 init 中注册
var DefaultRegistry = NewRegistry()

// NewRegistry 创建空注册表
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]ProviderFactory)}
}

// Register 注册一个新的提供者
func (r *Registry) Register(name string, factory ProviderFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// GetProvider 创建并初始化指定名称的提供者
func (r *Registry) GetProvider(name string, config map[string]string) (RealtimeProvider, error) {
	r.mu.RLock()
	factory, exists := r.factories[name]
	r.mu.RUnlock()
	if !exists {
		return nil, ErrUnknownProvider
	}

	provider := factory()
	if err := provider.Initialize(config); err != nil {
		return nil, err
	}
	return provider, nil
}

// Names 返回所有已注册的提供者名称
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Register 注册到全局注册表
func Register(name string, factory ProviderFactory) {
	DefaultRegistry.Register(name, factory)
}

// GetProvider 从全局注册表创建提供者
func GetProvider(name string, config map[string]string) (RealtimeProvider, error) {
	return DefaultRegistry.GetProvider(name, config)
}
