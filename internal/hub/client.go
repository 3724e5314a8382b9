package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/isaacncz/Eat-Spin-sub000/internal/coordinator"
	"github.com/isaacncz/Eat-Spin-sub000/internal/repository"
)

// Client 代表一个浏览器会话：一条 WebSocket、一个存储连接和一个 Coordinator
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	uid     string
	store   repository.StateStore
	coord   *coordinator.Coordinator
	session *Session
	log     *logrus.Entry

	send  chan []byte       // 命令应答与 pong
	cmds  chan Command      // 待执行的命令，按到达顺序串行执行
	dirty chan struct{}     // 有新状态待推送，容量 1
	ctx   context.Context   // 会话生命周期
	stop  context.CancelFunc

	stateMu sync.Mutex
	latest  *coordinator.State

	closeOnce sync.Once
}

// NewClient 创建客户端，store 的所有权转移给 Client
func NewClient(h *Hub, conn *websocket.Conn, store repository.StateStore, uid, defaultName string) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		hub:   h,
		conn:  conn,
		uid:   uid,
		store: store,
		log:   logrus.WithFields(logrus.Fields{"component": "ws_client", "uid": uid}),
		send:  make(chan []byte, 64),
		cmds:  make(chan Command, 16),
		dirty: make(chan struct{}, 1),
		ctx:   ctx,
		stop:  cancel,
	}
	cfg := h.cfg
	cfg.OnChange = c.onState
	c.coord = coordinator.New(store, uid, cfg)
	c.session = NewSession(c.coord, defaultName)
	return c
}

// UID 返回客户端身份
func (c *Client) UID() string { return c.uid }

// Run 启动客户端的读写与命令 goroutine，并推送初始状态
func (c *Client) Run() {
	c.onState(c.coord.State())
	go c.WritePump()
	go c.commandLoop()
	go c.ReadPump()
}

// onState 合并状态推送，只保留最新状态；尚未发出的一次性提示不会被覆盖
func (c *Client) onState(st coordinator.State) {
	c.stateMu.Lock()
	if st.Notice == "" && c.latest != nil {
		st.Notice = c.latest.Notice
	}
	c.latest = &st
	c.stateMu.Unlock()
	select {
	case c.dirty <- struct{}{}:
	default:
	}
}

func (c *Client) takeState() *coordinator.State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	st := c.latest
	c.latest = nil
	return st
}

// enqueue 非阻塞地投递一帧，缓冲区满时丢弃
func (c *Client) enqueue(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.log.WithError(err).Error("Failed to marshal frame")
		return
	}
	select {
	case c.send <- data:
	case <-c.ctx.Done():
	default:
		c.log.WithField("frame", frame.Type).Warn("Send buffer full, dropping frame")
	}
}

// commandLoop 串行执行命令，避免同一会话的操作交错
func (c *Client) commandLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case cmd := <-c.cmds:
			ctx, cancel := context.WithTimeout(c.ctx, commandTimeout)
			frame := c.session.Handle(ctx, cmd)
			cancel()
			c.enqueue(frame)
		}
	}
}

// ReadPump 读取客户端命令。退出时请求 Hub 注销此客户端。
func (c *Client) ReadPump() {
	defer func() {
		if !c.hub.QueueMessage(HubMessage{Type: "unregister", Client: c}) {
			// Hub 已停止，自行清理
			c.shutdown()
		}
		c.log.Info("readPump exited, unregistered client")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.WithError(err).Warn("WebSocket read error (unexpected close)")
			} else {
				c.log.Debug("WebSocket connection closed")
			}
			return
		}
		if messageType != websocket.TextMessage {
			c.log.Debugf("Received non-text message type: %d", messageType)
			continue
		}

		var cmd Command
		if err := json.Unmarshal(message, &cmd); err != nil || cmd.Type == "" {
			c.enqueue(Frame{Type: FrameResult, Payload: Result{
				Op:     cmd.Type,
				Kind:   coordinator.KindValidation,
				Reason: malformedReason,
			}})
			continue
		}
		if cmd.Type == OpPing {
			c.enqueue(Frame{Type: FramePong})
			continue
		}
		select {
		case c.cmds <- cmd:
		default:
			c.log.WithField("op", cmd.Type).Warn("Command queue full, rejecting command")
			c.enqueue(Frame{Type: FrameResult, Payload: Result{
				Op:     cmd.Type,
				Kind:   coordinator.KindContention,
				Reason: busyReason,
			}})
		}
	}
}

// WritePump 把应答帧、状态推送与 ping 写入连接
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Debug("writePump exited")
	}()

	write := func(messageType int, data []byte) bool {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(messageType, data); err != nil {
			c.log.WithError(err).Warn("Failed to write message to websocket")
			return false
		}
		return true
	}

	for {
		select {
		case <-c.ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
			return
		case data := <-c.send:
			if !write(websocket.TextMessage, data) {
				return
			}
		case <-c.dirty:
			st := c.takeState()
			if st == nil {
				continue
			}
			data, err := json.Marshal(Frame{Type: FrameState, Payload: st})
			if err != nil {
				c.log.WithError(err).Error("Failed to marshal state")
				continue
			}
			if !write(websocket.TextMessage, data) {
				return
			}
		case <-ticker.C:
			if !write(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

// Close 结束会话，用于未能注册到 Hub 的客户端
func (c *Client) Close() { c.shutdown() }

// shutdown 离开房间并关闭存储连接，登记的断线清理随之执行。可重复调用。
func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		c.stop()
		if err := c.coord.Close(); err != nil {
			c.log.WithError(err).Warn("Failed to leave room on disconnect")
		}
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := c.store.Close(ctx); err != nil {
			c.log.WithError(err).Warn("Failed to close state store")
		}
		c.conn.Close()
		c.log.Info("Client session closed")
	})
}
