package websocket

// WebSocket消息类型常量
const (
	// 系统消息类型
	MessageTypePing        = "ping"
	MessageTypePong        = "pong"
	MessageTypeJoinGroup   = "join_group"
	MessageTypeLeaveGroup  = "leave_group"
	MessageTypeGroupJoined = "group_joined"
	MessageTypeGroupLeft   = "group_left"
	MessageTypeError       = "error"

	// 订阅协议
	MessageTypeSubscribe    = "subscribe"
	MessageTypeUnsubscribe  = "unsubscribe"
	MessageTypeSubscribed   = "subscribed"
	MessageTypeUnsubscribed = "unsubscribed"
	MessageTypeSnapshot     = "snapshot"
	MessageTypeChange       = "change"
	MessageTypeStale        = "stale"

	// 业务推送
	MessageTypeNotification = "notification"

	// 环境变量配置键
	EnvWebSocketMaxConnections      = "WEBSOCKET_MAX_CONNECTIONS"
	EnvWebSocketHeartbeatInterval   = "WEBSOCKET_HEARTBEAT_INTERVAL"
	EnvWebSocketConnectionTimeout   = "WEBSOCKET_CONNECTION_TIMEOUT"
	EnvWebSocketMessageBufferSize   = "WEBSOCKET_MESSAGE_BUFFER_SIZE"
	EnvWebSocketMessageQueueSize    = "WEBSOCKET_MESSAGE_QUEUE_SIZE"
	EnvWebSocketEnableCompression   = "WEBSOCKET_ENABLE_COMPRESSION"
	EnvWebSocketShardCount          = "WEBSOCKET_SHARD_COUNT"
	EnvWebSocketBroadcastWorkers    = "WEBSOCKET_BROADCAST_WORKERS"
	EnvWebSocketDropOnFull          = "WEBSOCKET_DROP_ON_FULL"
	EnvWebSocketCompressionLevel    = "WEBSOCKET_COMPRESSION_LEVEL"
	EnvWebSocketReadBufferSize      = "WEBSOCKET_READ_BUFFER_SIZE"
	EnvWebSocketWriteBufferSize     = "WEBSOCKET_WRITE_BUFFER_SIZE"
	EnvWebSocketMaxMessageSize      = "WEBSOCKET_MAX_MESSAGE_SIZE"
	EnvWebSocketCloseOnBackpressure = "WEBSOCKET_CLOSE_ON_BACKPRESSURE"
	EnvWebSocketSendTimeoutMs       = "WEBSOCKET_SEND_TIMEOUT_MS"
	EnvWebSocketMaxSubscriptions    = "WEBSOCKET_MAX_SUBSCRIPTIONS"

	// 错误消息
	ErrInvalidMessageType    = "invalid message type"
	ErrInvalidMessageData    = "invalid message data"
	ErrSendBufferFull        = "send buffer full"
	ErrMissingSubscriptionID = "subscription id is required"
	ErrDuplicateSubscription = "subscription id already in use"
	ErrUnknownSubscription   = "unknown subscription"
	ErrTooManySubscriptions  = "too many subscriptions"
	ErrSubscribeUnsupported  = "subscriptions are not available"

	// 路由路径
	RouteWebSocket       = "/ws"
	RouteWebSocketStats  = "/ws/stats"
	RouteWebSocketHealth = "/ws/health"
)
