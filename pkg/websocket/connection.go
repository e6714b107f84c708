package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Connection 表示一个WebSocket连接
type Connection struct {
	ID     string
	UserID string
	// Role 认证中间件给出的角色，订阅时交给 StreamOpener 做可见范围限制
	Role   string
	Conn   *websocket.Conn
	Send   chan []byte
	Hub    *Hub
	Groups map[string]bool

	mu         sync.RWMutex
	lastPingAt time.Time
	alive      bool
	sendClosed bool
	subs       map[string]*subscription
}

// subscription 连接上的一个客户端订阅
type subscription struct {
	id     string
	stream Stream
	cancel context.CancelFunc
}

func newConnection(hub *Hub, conn *websocket.Conn, userID string) *Connection {
	return &Connection{
		ID:         generateConnectionID(),
		UserID:     userID,
		Conn:       conn,
		Send:       make(chan []byte, hub.config.MessageBufferSize),
		Hub:        hub,
		Groups:     make(map[string]bool),
		lastPingAt: time.Now(),
		alive:      true,
		subs:       make(map[string]*subscription),
	}
}

// newUpgrader 根据配置创建WebSocket升级器
func newUpgrader(cfg *Config) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
		EnableCompression: cfg.EnableCompression,
	}
}

// HandleWebSocket 升级连接并加入初始组
func HandleWebSocket(hub *Hub, w http.ResponseWriter, r *http.Request, userID, role string, groups ...string) {
	upgrader := newUpgrader(hub.config)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.Errorf("WebSocket升级失败: %v", err)
		return
	}

	if hub.config.EnableCompression {
		conn.EnableWriteCompression(true)
		if hub.config.CompressionLevel != 0 {
			_ = conn.SetCompressionLevel(hub.config.CompressionLevel)
		}
	}

	connection := newConnection(hub, conn, userID)
	connection.Role = role
	for _, g := range groups {
		if g != "" {
			connection.Groups[g] = true
		}
	}

	hub.register <- connection

	go connection.writePump()
	go connection.readPump()
}

// generateConnectionID 生成唯一的连接ID
func generateConnectionID() string {
	return "conn_" + uuid.NewString()
}

// readPump 读取消息的协程
func (c *Connection) readPump() {
	defer func() {
		c.Hub.unregister <- c
		c.close()
	}()

	c.Conn.SetReadLimit(int64(c.Hub.config.MaxMessageSize))
	_ = c.Conn.SetReadDeadline(time.Now().Add(c.Hub.config.ConnectionTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.touch()
		return c.Conn.SetReadDeadline(time.Now().Add(c.Hub.config.ConnectionTimeout))
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logrus.Errorf("WebSocket读取错误: %v", err)
			}
			break
		}
		_ = c.Conn.SetReadDeadline(time.Now().Add(c.Hub.config.ConnectionTimeout))
		c.handleMessage(message)
	}
}

// writePump 发送消息的协程，每个帧单独发送
func (c *Connection) writePump() {
	interval := c.Hub.config.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(time.Duration(float64(interval) * 0.9))
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage 处理接收到的消息
func (c *Connection) handleMessage(message []byte) {
	var msg Message
	if err := json.Unmarshal(message, &msg); err != nil {
		c.sendError("", ErrInvalidMessageData)
		return
	}
	msg.From = c.UserID

	switch msg.Type {
	case MessageTypePing:
		c.handlePing()
	case MessageTypeJoinGroup:
		c.handleJoinGroup(msg)
	case MessageTypeLeaveGroup:
		c.handleLeaveGroup(msg)
	case MessageTypeSubscribe:
		c.handleSubscribe(msg)
	case MessageTypeUnsubscribe:
		c.handleUnsubscribe(msg)
	default:
		c.sendError(msg.Sub, ErrInvalidMessageType)
	}
}

// handlePing 处理ping消息
func (c *Connection) handlePing() {
	c.touch()
	_ = c.SendMessage(&Message{Type: MessageTypePong})
}

// handleJoinGroup 处理加入组消息
func (c *Connection) handleJoinGroup(msg Message) {
	groupName, ok := msg.Data.(string)
	if !ok || groupName == "" {
		c.sendError("", ErrInvalidMessageData)
		return
	}
	c.JoinGroup(groupName)
	_ = c.SendMessage(&Message{Type: MessageTypeGroupJoined, Data: groupName})
	logrus.Infof("用户 %s 加入组 %s", c.UserID, groupName)
}

// handleLeaveGroup 处理离开组消息
func (c *Connection) handleLeaveGroup(msg Message) {
	groupName, ok := msg.Data.(string)
	if !ok || groupName == "" {
		c.sendError("", ErrInvalidMessageData)
		return
	}
	c.LeaveGroup(groupName)
	_ = c.SendMessage(&Message{Type: MessageTypeGroupLeft, Data: groupName})
	logrus.Infof("用户 %s 离开组 %s", c.UserID, groupName)
}

// handleSubscribe data 为扁平的字符串参数，sub 字段为客户端订阅 id
func (c *Connection) handleSubscribe(msg Message) {
	if msg.Sub == "" {
		c.sendError("", ErrMissingSubscriptionID)
		return
	}
	opener := c.Hub.streamOpener()
	if opener == nil {
		c.sendError(msg.Sub, ErrSubscribeUnsupported)
		return
	}

	c.mu.RLock()
	_, dup := c.subs[msg.Sub]
	full := len(c.subs) >= c.Hub.config.MaxSubscriptions
	c.mu.RUnlock()
	if dup {
		c.sendError(msg.Sub, ErrDuplicateSubscription)
		return
	}
	if full {
		c.sendError(msg.Sub, ErrTooManySubscriptions)
		return
	}

	params := make(map[string]string)
	if raw, ok := msg.Data.(map[string]interface{}); ok {
		for k, v := range raw {
			params[k] = fmt.Sprint(v)
		}
	}

	ctx, cancel := context.WithCancel(c.Hub.ctx)
	stream, err := opener(ctx, c.UserID, c.Role, params)
	if err != nil {
		cancel()
		c.sendError(msg.Sub, err.Error())
		return
	}

	sub := &subscription{id: msg.Sub, stream: stream, cancel: cancel}
	c.mu.Lock()
	if _, exists := c.subs[msg.Sub]; exists || c.sendClosed {
		c.mu.Unlock()
		cancel()
		stream.Close()
		c.sendError(msg.Sub, ErrDuplicateSubscription)
		return
	}
	c.subs[msg.Sub] = sub
	c.mu.Unlock()
	atomic.AddInt64(&c.Hub.subscriptionCount, 1)

	_ = c.SendMessage(&Message{Type: MessageTypeSubscribed, Sub: msg.Sub})
	go c.pump(ctx, sub)
}

// handleUnsubscribe 返回后该订阅不会再有任何帧进入发送缓冲区
func (c *Connection) handleUnsubscribe(msg Message) {
	if !c.Unsubscribe(msg.Sub) {
		c.sendError(msg.Sub, ErrUnknownSubscription)
		return
	}
	_ = c.SendMessage(&Message{Type: MessageTypeUnsubscribed, Sub: msg.Sub})
}

// Unsubscribe 关闭指定订阅
func (c *Connection) Unsubscribe(id string) bool {
	c.mu.Lock()
	sub, ok := c.subs[id]
	if ok {
		delete(c.subs, id)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	c.releaseSubscription(sub)
	return true
}

func (c *Connection) releaseSubscription(sub *subscription) {
	sub.cancel()
	sub.stream.Close()
	atomic.AddInt64(&c.Hub.subscriptionCount, -1)
}

// pump 把变更流搬运到发送缓冲区
func (c *Connection) pump(ctx context.Context, sub *subscription) {
	defer func() {
		c.mu.Lock()
		owned := c.subs[sub.id] == sub
		if owned {
			delete(c.subs, sub.id)
		}
		c.mu.Unlock()
		if owned {
			c.releaseSubscription(sub)
		}
	}()

	for {
		m, err := sub.stream.Next(ctx)
		if err != nil {
			if ctx.Err() == nil && c.hasSubscription(sub) {
				c.sendError(sub.id, err.Error())
			}
			return
		}
		m.Sub = sub.id
		if m.Timestamp == 0 {
			m.Timestamp = time.Now().Unix()
		}
		data, err := json.Marshal(m)
		if err != nil {
			logrus.Errorf("消息序列化失败: %v", err)
			continue
		}
		if !c.deliver(sub, data) {
			return
		}
	}
}

// deliver 订阅仍有效时才入队；变更帧不能丢弃，入队失败即断开连接
func (c *Connection) deliver(sub *subscription, data []byte) bool {
	c.mu.RLock()
	if c.subs[sub.id] != sub {
		c.mu.RUnlock()
		return false
	}
	ok := c.enqueueLocked(data, c.Hub.config.SendTimeout)
	c.mu.RUnlock()
	if !ok {
		logrus.Warnf("连接 %s 订阅 %s 发送缓冲区已满，断开连接", c.ID, sub.id)
		c.close()
	}
	return ok
}

func (c *Connection) hasSubscription(sub *subscription) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subs[sub.id] == sub
}

// SubscriptionCount 当前连接上的订阅数
func (c *Connection) SubscriptionCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subs)
}

func (c *Connection) closeSubscriptions() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]*subscription)
	c.mu.Unlock()
	for _, sub := range subs {
		c.releaseSubscription(sub)
	}
}

func (c *Connection) sendError(sub, reason string) {
	_ = c.SendMessage(&Message{Type: MessageTypeError, Sub: sub, Data: reason})
}

// SendMessage 发送消息给当前连接
func (c *Connection) SendMessage(message *Message) error {
	if message.Timestamp == 0 {
		message.Timestamp = time.Now().Unix()
	}
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	if !c.enqueue(data, 0) {
		return fmt.Errorf(ErrSendBufferFull)
	}
	return nil
}

func (c *Connection) enqueue(data []byte, timeout time.Duration) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.enqueueLocked(data, timeout)
}

// enqueueLocked 调用方持有 c.mu 读锁
func (c *Connection) enqueueLocked(data []byte, timeout time.Duration) bool {
	if c.sendClosed {
		return false
	}
	if timeout <= 0 {
		select {
		case c.Send <- data:
			return true
		default:
			return false
		}
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case c.Send <- data:
		return true
	case <-t.C:
		return false
	}
}

func (c *Connection) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.sendClosed {
		c.sendClosed = true
		close(c.Send)
	}
}

func (c *Connection) close() {
	c.mu.Lock()
	c.alive = false
	c.mu.Unlock()
	if c.Conn != nil {
		_ = c.Conn.Close()
	}
}

// Alive 连接是否仍可写
func (c *Connection) Alive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.alive && !c.sendClosed
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.lastPingAt = time.Now()
	c.mu.Unlock()
}

func (c *Connection) lastPing() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastPingAt
}

// JoinGroup 加入组
func (c *Connection) JoinGroup(groupName string) {
	c.mu.Lock()
	c.Groups[groupName] = true
	c.mu.Unlock()

	c.Hub.mu.Lock()
	if _, registered := c.Hub.connections[c.ID]; registered {
		c.Hub.addToGroupLocked(groupName, c.ID)
	}
	c.Hub.mu.Unlock()
}

// LeaveGroup 离开组
func (c *Connection) LeaveGroup(groupName string) {
	c.mu.Lock()
	delete(c.Groups, groupName)
	c.mu.Unlock()

	c.Hub.mu.Lock()
	c.Hub.removeFromGroupLocked(groupName, c.ID)
	c.Hub.mu.Unlock()
}

// IsInGroup 检查是否在指定组中
func (c *Connection) IsInGroup(groupName string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Groups[groupName]
}

// GetGroups 获取连接所属的组
func (c *Connection) GetGroups() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	groups := make([]string, 0, len(c.Groups))
	for group := range c.Groups {
		groups = append(groups, group)
	}
	return groups
}
