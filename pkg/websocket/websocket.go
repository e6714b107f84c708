package websocket

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Message 定义WebSocket消息结构
type Message struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
	From      string      `json:"from,omitempty"`
	To        string      `json:"to,omitempty"`
	Group     string      `json:"group,omitempty"`
	// Sub 订阅帧所属的客户端订阅 id
	Sub string `json:"sub,omitempty"`
}

// Stream 业务层打开的变更流，Close 之后 Next 不再返回任何帧
type Stream interface {
	Next(ctx context.Context) (*Message, error)
	Close()
}

// StreamOpener 根据连接身份与客户端的订阅参数打开变更流
type StreamOpener func(ctx context.Context, userID, role string, params map[string]string) (Stream, error)

// Hub 管理所有WebSocket连接
type Hub struct {
	// 注册的连接
	connections map[string]*Connection
	// 用户ID到连接ID的映射
	userConnections map[string]map[string]bool
	// 组到连接ID的映射
	groupConnections map[string]map[string]bool
	// 定向/广播消息通道
	broadcast chan *Message
	// 注册连接通道
	register chan *Connection
	// 注销连接通道
	unregister chan *Connection
	// 连接计数
	connectionCount int64
	// 订阅计数
	subscriptionCount int64
	// 配置
	config *Config
	// 互斥锁
	mu sync.RWMutex
	// 上下文
	ctx    context.Context
	cancel context.CancelFunc

	opener StreamOpener

	// 分片降低全量广播时的锁竞争
	shardCount int
	shardConns []map[string]*Connection
	shardLocks []sync.RWMutex

	broadcastJobs chan broadcastJob
}

type broadcastJob struct {
	shard int
	data  []byte
}

// Config WebSocket配置
type Config struct {
	// 最大连接数
	MaxConnections int64
	// 心跳间隔
	HeartbeatInterval time.Duration
	// 连接超时时间
	ConnectionTimeout time.Duration
	// 消息缓冲区大小
	MessageBufferSize int
	// 读缓冲区大小
	ReadBufferSize int
	// 写缓冲区大小
	WriteBufferSize int
	// 最大消息大小
	MaxMessageSize int
	// 是否启用压缩
	EnableCompression bool
	// 压缩等级（-2..9）
	CompressionLevel int
	// 消息队列大小
	MessageQueueSize int
	// 分片数量
	ShardCount int
	// 广播worker数量
	BroadcastWorkerCount int
	// 发送缓冲区满时是否丢弃
	DropOnFull bool
	// 慢消费者策略：背压触发时直接断开
	CloseOnBackpressure bool
	// 发送阻塞超时（用于非 DropOnFull 模式）
	SendTimeout time.Duration
	// 单连接最多同时订阅数
	MaxSubscriptions int
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		MaxConnections:       10000,
		HeartbeatInterval:    30 * time.Second,
		ConnectionTimeout:    60 * time.Second,
		MessageBufferSize:    256,
		ReadBufferSize:       1024,
		WriteBufferSize:      1024,
		MaxMessageSize:       4096,
		EnableCompression:    true,
		CompressionLevel:     -2,
		MessageQueueSize:     1000,
		ShardCount:           16,
		BroadcastWorkerCount: 8,
		// 变更帧不可静默丢弃，缓冲满时断开让客户端重新 seed
		DropOnFull:          false,
		CloseOnBackpressure: true,
		SendTimeout:         200 * time.Millisecond,
		MaxSubscriptions:    8,
	}
}

// NewHub 创建新的Hub实例
func NewHub(config *Config) *Hub {
	if config == nil {
		config = DefaultConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())

	hub := &Hub{
		connections:      make(map[string]*Connection),
		userConnections:  make(map[string]map[string]bool),
		groupConnections: make(map[string]map[string]bool),
		broadcast:        make(chan *Message, config.MessageQueueSize),
		register:         make(chan *Connection, 1000),
		unregister:       make(chan *Connection, 1000),
		config:           config,
		ctx:              ctx,
		cancel:           cancel,
	}

	if hub.config.ShardCount <= 0 {
		hub.config.ShardCount = 1
	}
	hub.shardCount = hub.config.ShardCount
	hub.shardConns = make([]map[string]*Connection, hub.shardCount)
	hub.shardLocks = make([]sync.RWMutex, hub.shardCount)
	for i := 0; i < hub.shardCount; i++ {
		hub.shardConns[i] = make(map[string]*Connection)
	}

	if hub.config.BroadcastWorkerCount <= 0 {
		hub.config.BroadcastWorkerCount = 1
	}
	hub.broadcastJobs = make(chan broadcastJob, hub.config.MessageQueueSize)
	for i := 0; i < hub.config.BroadcastWorkerCount; i++ {
		go hub.broadcastWorker()
	}

	go hub.run()
	return hub
}

// SetStreamOpener 注入订阅实现，未设置时 subscribe 命令返回错误帧
func (h *Hub) SetStreamOpener(opener StreamOpener) {
	h.mu.Lock()
	h.opener = opener
	h.mu.Unlock()
}

func (h *Hub) streamOpener() StreamOpener {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.opener
}

// run Hub主循环
func (h *Hub) run() {
	ticker := time.NewTicker(h.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case conn := <-h.register:
			h.registerConnection(conn)
		case conn := <-h.unregister:
			h.unregisterConnection(conn)
		case message := <-h.broadcast:
			// 单次序列化减少重复开销
			if message.Timestamp == 0 {
				message.Timestamp = time.Now().Unix()
			}
			data, err := json.Marshal(message)
			if err != nil {
				logrus.Errorf("消息序列化失败: %v", err)
				continue
			}
			switch {
			case message.To != "":
				h.sendToUser(message.To, data)
			case message.Group != "":
				h.sendToGroup(message.Group, data)
			default:
				h.enqueueBroadcastAll(data)
			}
		case <-ticker.C:
			h.checkHeartbeats()
		}
	}
}

// registerConnection 注册连接
func (h *Hub) registerConnection(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	// 检查最大连接数
	if atomic.LoadInt64(&h.connectionCount) >= h.config.MaxConnections {
		conn.close()
		logrus.Warnf("达到最大连接数限制: %d", h.config.MaxConnections)
		return
	}

	h.connections[conn.ID] = conn
	atomic.AddInt64(&h.connectionCount, 1)

	sh := h.shardIndex(conn.ID)
	h.shardLocks[sh].Lock()
	h.shardConns[sh][conn.ID] = conn
	h.shardLocks[sh].Unlock()

	if conn.UserID != "" {
		if h.userConnections[conn.UserID] == nil {
			h.userConnections[conn.UserID] = make(map[string]bool)
		}
		h.userConnections[conn.UserID][conn.ID] = true
	}

	for _, group := range conn.GetGroups() {
		h.addToGroupLocked(group, conn.ID)
	}

	logrus.Infof("WebSocket连接已注册: %s, 用户: %s, 当前连接数: %d",
		conn.ID, conn.UserID, atomic.LoadInt64(&h.connectionCount))
}

// unregisterConnection 注销连接并关闭其全部订阅
func (h *Hub) unregisterConnection(conn *Connection) {
	h.mu.Lock()
	_, exists := h.connections[conn.ID]
	if exists {
		delete(h.connections, conn.ID)
		atomic.AddInt64(&h.connectionCount, -1)

		sh := h.shardIndex(conn.ID)
		h.shardLocks[sh].Lock()
		delete(h.shardConns[sh], conn.ID)
		h.shardLocks[sh].Unlock()

		if conn.UserID != "" && h.userConnections[conn.UserID] != nil {
			delete(h.userConnections[conn.UserID], conn.ID)
			if len(h.userConnections[conn.UserID]) == 0 {
				delete(h.userConnections, conn.UserID)
			}
		}

		for _, group := range conn.GetGroups() {
			h.removeFromGroupLocked(group, conn.ID)
		}
	}
	h.mu.Unlock()

	if exists {
		conn.closeSubscriptions()
		conn.closeSend()
		logrus.Infof("WebSocket连接已注销: %s, 当前连接数: %d",
			conn.ID, atomic.LoadInt64(&h.connectionCount))
	}
}

func (h *Hub) addToGroupLocked(group, connID string) {
	if h.groupConnections[group] == nil {
		h.groupConnections[group] = make(map[string]bool)
	}
	h.groupConnections[group][connID] = true
}

func (h *Hub) removeFromGroupLocked(group, connID string) {
	if h.groupConnections[group] != nil {
		delete(h.groupConnections[group], connID)
		if len(h.groupConnections[group]) == 0 {
			delete(h.groupConnections, group)
		}
	}
}

// SendToUser 推送给某用户的全部连接
func (h *Hub) SendToUser(userID string, message *Message) {
	message.To = userID
	h.enqueue(message)
}

// SendToGroup 推送给组内全部连接
func (h *Hub) SendToGroup(group string, message *Message) {
	message.To = ""
	message.Group = group
	h.enqueue(message)
}

// Broadcast 推送给全部连接
func (h *Hub) Broadcast(message *Message) {
	message.To, message.Group = "", ""
	h.enqueue(message)
}

func (h *Hub) enqueue(message *Message) {
	select {
	case h.broadcast <- message:
	case <-h.ctx.Done():
	default:
		logrus.Warnf("推送队列已满，消息 %s 被丢弃", message.Type)
	}
}

// sendToUser 发送消息给特定用户
func (h *Hub) sendToUser(userID string, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for connID := range h.userConnections[userID] {
		if conn, ok := h.connections[connID]; ok && conn.Alive() {
			h.trySend(conn, data, func() { logrus.Warnf("用户 %s 的连接 %s 发送缓冲区已满", userID, connID) })
		}
	}
}

// sendToGroup 发送消息给特定组
func (h *Hub) sendToGroup(group string, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for connID := range h.groupConnections[group] {
		if conn, ok := h.connections[connID]; ok && conn.Alive() {
			h.trySend(conn, data, func() { logrus.Warnf("组 %s 的连接 %s 发送缓冲区已满", group, connID) })
		}
	}
}

// checkHeartbeats 检查心跳
func (h *Hub) checkHeartbeats() {
	h.mu.RLock()
	defer h.mu.RUnlock()

	now := time.Now()
	for _, conn := range h.connections {
		if now.Sub(conn.lastPing()) > h.config.ConnectionTimeout {
			logrus.Warnf("连接 %s 心跳超时，准备关闭", conn.ID)
			conn.close()
		}
	}
}

// GetConnectionCount 获取当前连接数
func (h *Hub) GetConnectionCount() int64 {
	return atomic.LoadInt64(&h.connectionCount)
}

// GetSubscriptionCount 获取当前活跃订阅数
func (h *Hub) GetSubscriptionCount() int64 {
	return atomic.LoadInt64(&h.subscriptionCount)
}

// GetUserConnections 获取用户的连接数
func (h *Hub) GetUserConnections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.userConnections[userID])
}

// GetGroupConnections 获取组的连接数
func (h *Hub) GetGroupConnections(group string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groupConnections[group])
}

// Close 关闭Hub
func (h *Hub) Close() {
	h.cancel()

	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.connections))
	for _, conn := range h.connections {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		conn.closeSubscriptions()
		conn.close()
	}

	logrus.Info("WebSocket Hub已关闭")
}

// shardIndex 计算分片索引
func (h *Hub) shardIndex(id string) int {
	if h.shardCount <= 1 {
		return 0
	}
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(id))
	return int(hasher.Sum32() % uint32(h.shardCount))
}

// enqueueBroadcastAll 将广播任务按分片入队
func (h *Hub) enqueueBroadcastAll(data []byte) {
	for i := 0; i < h.shardCount; i++ {
		select {
		case h.broadcastJobs <- broadcastJob{shard: i, data: data}:
		default:
			logrus.Warnf("广播作业队列已满，消息被丢弃")
		}
	}
}

// broadcastWorker 广播worker
func (h *Hub) broadcastWorker() {
	for {
		select {
		case <-h.ctx.Done():
			return
		case job := <-h.broadcastJobs:
			h.shardLocks[job.shard].RLock()
			for _, conn := range h.shardConns[job.shard] {
				if conn.Alive() {
					h.trySend(conn, job.data, func() { logrus.Debugf("连接 %s 发送缓冲区满，已按策略处理", conn.ID) })
				}
			}
			h.shardLocks[job.shard].RUnlock()
		}
	}
}

// trySend 背压策略
func (h *Hub) trySend(conn *Connection, data []byte, onDrop func()) bool {
	timeout := time.Duration(0)
	if !h.config.DropOnFull {
		timeout = h.config.SendTimeout
		if timeout <= 0 {
			timeout = 50 * time.Millisecond
		}
	}
	if conn.enqueue(data, timeout) {
		return true
	}
	onDrop()
	if h.config.CloseOnBackpressure {
		conn.close()
	}
	return false
}
