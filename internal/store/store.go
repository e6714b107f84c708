package store

import (
	"context"

	"RapidResponse/internal/models"
)

// RequestQuery 空字段表示不过滤
type RequestQuery struct {
	HospitalID string
	UserID     string
	Statuses   []models.RequestStatus
	// IncludeBroadcast 按医院过滤时同时返回未指定医院的广播求助
	IncludeBroadcast bool
	Limit            int
}

type MessageQuery struct {
	HospitalID string
	UserID     string
	RequestID  string
	Statuses   []models.MessageStatus
	Limit      int
}

// Store 持久化协作方：插入、条件更新、查询
//
// 条件更新只有在当前状态等于 from 时才写入并递增 Revision，
// 否则重新读取，记录不存在返回 NotFound，状态已变返回 Conflict。
type Store interface {
	InsertRequest(ctx context.Context, r *models.EmergencyRequest) error
	InsertMessage(ctx context.Context, m *models.Message) error

	GetRequest(ctx context.Context, id string) (*models.EmergencyRequest, error)
	GetMessage(ctx context.Context, id string) (*models.Message, error)

	UpdateRequestStatus(ctx context.Context, id string, from models.RequestStatus, patch models.RequestPatch) (*models.EmergencyRequest, error)
	UpdateMessageStatus(ctx context.Context, id string, from, to models.MessageStatus) (*models.Message, error)

	QueryRequests(ctx context.Context, q RequestQuery) ([]*models.EmergencyRequest, error)
	QueryMessages(ctx context.Context, q MessageQuery) ([]*models.Message, error)

	FindRequestByCorrelation(ctx context.Context, userID, key string) (*models.EmergencyRequest, error)
	CountRequests(ctx context.Context, status models.RequestStatus) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

var (
	_ Store = (*GormStore)(nil)
	_ Store = (*SupabaseStore)(nil)
)
