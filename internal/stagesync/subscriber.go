// internal/stagesync/subscriber.go
package stagesync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Corphon/MCConsole/internal/models"
	"github.com/Corphon/MCConsole/internal/utils"
	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
)

const stateMessageType = "state"

// stateMessage /ws/state 推送的消息
type stateMessage struct {
	Type string          `json:"type"`
	Data models.Snapshot `json:"data"`
}

// Subscriber 订阅 /ws/state，断线后按指数退避重连
type Subscriber struct {
	url     string
	dialer  *websocket.Dialer
	backoff *backoff.ExponentialBackOff
	logger  *utils.Logger
}

// NewSubscriber 根据服务器地址（http/https/ws/wss）创建订阅者
func NewSubscriber(serverURL string) (*Subscriber, error) {
	wsURL, err := StateSocketURL(serverURL)
	if err != nil {
		return nil, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second

	return &Subscriber{
		url:     wsURL,
		dialer:  &websocket.Dialer{HandshakeTimeout: 5 * time.Second},
		backoff: b,
		logger:  utils.GetLogger(),
	}, nil
}

// StateSocketURL 把服务器地址转换为 /ws/state 地址
func StateSocketURL(serverURL string) (string, error) {
	u, err := url.Parse(strings.TrimRight(serverURL, "/"))
	if err != nil {
		return "", fmt.Errorf("无效的服务器地址: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("不支持的协议: %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/state"
	return u.String(), nil
}

// Run 持续接收快照直到 ctx 取消
// 连接错误只记录日志并重连，不会向 handle 传入任何数据
func (s *Subscriber) Run(ctx context.Context, handle HandlerFunc) error {
	for {
		received, err := s.session(ctx, handle)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if received {
			s.backoff.Reset()
		}

		wait := s.backoff.NextBackOff()
		s.logger.Warn("状态订阅断开，稍后重连", map[string]interface{}{
			"url":   s.url,
			"err":   fmt.Sprint(err),
			"retry": wait.String(),
		})

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// session 建立一次连接并读取到断开为止，返回是否收到过快照
func (s *Subscriber) session(ctx context.Context, handle HandlerFunc) (bool, error) {
	conn, _, err := s.dialer.DialContext(ctx, s.url, http.Header{})
	if err != nil {
		return false, err
	}
	defer conn.Close()

	// ctx 取消时关闭连接以结束阻塞的读取
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	s.logger.Info("状态订阅已连接", map[string]interface{}{"url": s.url})

	received := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return received, err
		}

		var msg stateMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("无效的状态消息", map[string]interface{}{"err": err.Error()})
			continue
		}
		if msg.Type != stateMessageType {
			continue
		}

		received = true
		handle(ctx, msg.Data)
	}
}
