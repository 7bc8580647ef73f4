// internal/api/websocket.go
package api

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Corphon/MCConsole/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingPeriod   = 54 * time.Second
	wsSendBuffer   = 16
	wsMessageState = "state"
)

// SnapshotSource 状态快照来源
type SnapshotSource interface {
	Snapshot() (models.Snapshot, error)
}

// StateMessage 推送给客户端的消息
type StateMessage struct {
	Type      string          `json:"type"`
	Data      models.Snapshot `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// WebSocketClient 表示一个 WebSocket 客户端连接
type WebSocketClient struct {
	id        string
	conn      *websocket.Conn
	send      chan []byte
	closed    int32 // 原子操作标志，0=开启，1=关闭
	createdAt time.Time
}

// IsClosed 检查连接是否已关闭
func (client *WebSocketClient) IsClosed() bool {
	return atomic.LoadInt32(&client.closed) == 1
}

// StateHub 把协调器的状态变化推送给所有 /ws/state 客户端
// 每次推送都是完整快照，客户端仍需自行做边沿检测
type StateHub struct {
	source   SnapshotSource
	upgrader websocket.Upgrader

	clients    map[*WebSocketClient]struct{}
	unregister chan *WebSocketClient
	dirty      chan struct{}
	quit       chan struct{}
	done       chan struct{}
	mutex      sync.RWMutex
	closeOnce  sync.Once
}

// NewStateHub 创建并启动状态推送中心
func NewStateHub(source SnapshotSource) *StateHub {
	hub := &StateHub{
		source: source,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// 控制台运行在局域网内，允许任意来源
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:    make(map[*WebSocketClient]struct{}),
		unregister: make(chan *WebSocketClient, 16),
		dirty:      make(chan struct{}, 1),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}

	go hub.run()
	return hub
}

// Notify 标记状态已变化，多次调用会合并为一次推送
func (hub *StateHub) Notify() {
	select {
	case hub.dirty <- struct{}{}:
	default:
	}
}

// run 运行推送中心主循环
func (hub *StateHub) run() {
	defer close(hub.done)

	for {
		select {
		case client := <-hub.unregister:
			hub.removeClient(client)

		case <-hub.dirty:
			hub.broadcastSnapshot()

		case <-hub.quit:
			hub.mutex.Lock()
			for client := range hub.clients {
				hub.closeClientLocked(client)
			}
			hub.mutex.Unlock()
			log.Println("✅ 状态推送中心已关闭")
			return
		}
	}
}

func (hub *StateHub) removeClient(client *WebSocketClient) {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()

	if _, ok := hub.clients[client]; ok {
		hub.closeClientLocked(client)
		log.Printf("🔌 状态推送客户端已断开 (%s)", client.id)
	}
}

// closeClientLocked 调用方持有写锁；send 通道只在这里关闭
func (hub *StateHub) closeClientLocked(client *WebSocketClient) {
	delete(hub.clients, client)
	if atomic.CompareAndSwapInt32(&client.closed, 0, 1) {
		close(client.send)
	}
}

// broadcastSnapshot 在锁内生成快照，保证推送顺序与注册顺序一致
func (hub *StateHub) broadcastSnapshot() {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()

	if len(hub.clients) == 0 {
		return
	}

	message, err := hub.encodeSnapshot()
	if err != nil {
		log.Printf("❌ 生成状态快照失败: %v", err)
		return
	}

	for client := range hub.clients {
		select {
		case client.send <- message:
		default:
			// 队列满说明客户端读取过慢，断开后由客户端重连
			log.Printf("⚠️ 客户端 %s 消息队列已满，断开连接", client.id)
			hub.closeClientLocked(client)
		}
	}
}

func (hub *StateHub) encodeSnapshot() ([]byte, error) {
	snap, err := hub.source.Snapshot()
	if err != nil {
		return nil, err
	}
	return json.Marshal(StateMessage{Type: wsMessageState, Data: snap, Timestamp: time.Now()})
}

// ServeWS GET /ws/state
func (hub *StateHub) ServeWS(c *gin.Context) {
	conn, err := hub.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("❌ 状态 WebSocket 升级失败: %v", err)
		return
	}

	client := &WebSocketClient{
		id:        uuid.NewString(),
		conn:      conn,
		send:      make(chan []byte, wsSendBuffer),
		createdAt: time.Now(),
	}

	if !hub.addClient(client) {
		conn.Close()
		return
	}

	go hub.writePump(client)
	hub.readPump(client)
}

// addClient 注册客户端并放入一次完整快照
// 与广播持有同一把锁，客户端不会错过注册之后的任何变化
func (hub *StateHub) addClient(client *WebSocketClient) bool {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()

	select {
	case <-hub.quit:
		return false
	default:
	}

	if message, err := hub.encodeSnapshot(); err == nil {
		client.send <- message
	} else {
		log.Printf("❌ 生成初始快照失败: %v", err)
	}

	hub.clients[client] = struct{}{}
	log.Printf("✅ 状态推送客户端已连接 (%s)", client.id)
	return true
}

// readPump 读取并丢弃客户端消息，只用于感知断开和 pong
func (hub *StateHub) readPump(client *WebSocketClient) {
	defer func() {
		select {
		case hub.unregister <- client:
		case <-hub.done:
		}
		client.conn.Close()
	}()

	client.conn.SetReadLimit(4096)
	client.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("❌ WebSocket 读取错误: %v", err)
			}
			return
		}
	}
}

// writePump 把 send 队列写入连接并定期发送 ping
func (hub *StateHub) writePump(client *WebSocketClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ClientCount 当前连接数
func (hub *StateHub) ClientCount() int {
	hub.mutex.RLock()
	defer hub.mutex.RUnlock()
	return len(hub.clients)
}

// GetStatus 获取推送中心状态
func (hub *StateHub) GetStatus() map[string]interface{} {
	hub.mutex.RLock()
	defer hub.mutex.RUnlock()

	clients := make([]map[string]interface{}, 0, len(hub.clients))
	for client := range hub.clients {
		clients = append(clients, map[string]interface{}{
			"id":           client.id,
			"connected_at": client.createdAt.Format(time.RFC3339),
		})
	}

	return map[string]interface{}{
		"total_connections": len(hub.clients),
		"clients":           clients,
	}
}

// Close 关闭所有连接并停止主循环
func (hub *StateHub) Close() {
	hub.closeOnce.Do(func() {
		close(hub.quit)
		<-hub.done
	})
}
