package hub

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/isaacncz/Eat-Spin-sub000/internal/coordinator"
	"github.com/isaacncz/Eat-Spin-sub000/internal/repository"
)

// 包级别的 WebSocket 常量
const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 8 * 1024

	commandTimeout = 15 * time.Second
	connectTimeout = 5 * time.Second
	closeTimeout   = 5 * time.Second
)

const busyReason = "Too many requests. Please slow down."

// HubMessage 定义了在 Hub 内部通道传递的消息类型
type HubMessage struct {
	Type   string // "register", "unregister"
	Client *Client
}

// Hub 维护活跃会话集合，负责为每个会话打开独立的存储连接并在断开时清理
type Hub struct {
	backend repository.StateBackend
	cfg     coordinator.Config
	log     *logrus.Entry

	messageChan chan HubMessage
	quit        chan struct{}
	stopOnce    sync.Once

	clients   map[*Client]bool
	clientsMu sync.RWMutex
	teardown  sync.WaitGroup
}

// NewHub 创建 Hub。cfg 是所有会话共享的 Coordinator 参数，OnChange 与 Logger 会按会话覆盖。
func NewHub(backend repository.StateBackend, cfg coordinator.Config) *Hub {
	if backend == nil {
		panic("StateBackend cannot be nil for Hub")
	}
	return &Hub{
		backend:     backend,
		cfg:         cfg,
		log:         logrus.WithField("component", "hub"),
		messageChan: make(chan HubMessage, 512),
		quit:        make(chan struct{}),
		clients:     make(map[*Client]bool),
	}
}

// OpenStore 为新会话打开存储连接。失败属于配置错误，调用方应在升级前拒绝请求。
func (h *Hub) OpenStore(ctx context.Context) (repository.StateStore, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	store, err := h.backend.Connect(ctx)
	if err != nil {
		h.log.WithError(err).Error("Failed to open state store connection")
		return nil, coordinator.ErrStoreUnavailable
	}
	return store, nil
}

// Run 启动 Hub 的主事件处理循环，应在单独的 goroutine 中运行
func (h *Hub) Run() {
	h.log.Info("Hub is running...")
	for {
		select {
		case msg := <-h.messageChan:
			switch msg.Type {
			case "register":
				h.registerClient(msg.Client)
			case "unregister":
				h.unregisterClient(msg.Client)
			default:
				h.log.Warnf("Hub: Received unknown message type: %s", msg.Type)
			}
		case <-h.quit:
			h.log.Info("Hub is shutting down...")
			return
		}
	}
}

// QueueMessage 非阻塞地投递消息，Hub 已停止或通道已满时返回 false
func (h *Hub) QueueMessage(msg HubMessage) bool {
	select {
	case <-h.quit:
		return false
	default:
	}
	select {
	case h.messageChan <- msg:
		return true
	default:
		h.log.WithField("type", msg.Type).Error("Hub message channel full")
		return false
	}
}

func (h *Hub) registerClient(client *Client) {
	if client == nil {
		h.log.Error("Hub: Attempted to register a nil client")
		return
	}
	h.clientsMu.Lock()
	h.clients[client] = true
	n := len(h.clients)
	h.clientsMu.Unlock()
	h.log.WithFields(logrus.Fields{"uid": client.UID(), "sessions": n}).Info("Client registered to Hub")
}

func (h *Hub) unregisterClient(client *Client) {
	if client == nil {
		return
	}
	h.clientsMu.Lock()
	_, ok := h.clients[client]
	delete(h.clients, client)
	n := len(h.clients)
	h.clientsMu.Unlock()

	// 清理涉及存储 I/O，不阻塞主循环
	h.teardown.Add(1)
	go func() {
		defer h.teardown.Done()
		client.shutdown()
	}()
	if ok {
		h.log.WithFields(logrus.Fields{"uid": client.UID(), "sessions": n}).Info("Client unregistered from Hub")
	}
}

// ActiveSessions 返回当前连接的会话数
func (h *Hub) ActiveSessions() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// Shutdown 停止接收新消息，关闭所有会话并等待清理完成或 ctx 到期
func (h *Hub) Shutdown(ctx context.Context) error {
	h.stopOnce.Do(func() { close(h.quit) })

	h.clientsMu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*Client]bool)
	h.clientsMu.Unlock()

	for _, c := range clients {
		h.teardown.Add(1)
		go func(c *Client) {
			defer h.teardown.Done()
			c.shutdown()
		}(c)
	}

	done := make(chan struct{})
	go func() {
		h.teardown.Wait()
		close(done)
	}()
	select {
	case <-done:
		h.log.WithField("sessions", len(clients)).Info("Hub shut down complete")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
