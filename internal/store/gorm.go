package store

import (
	"context"
	"errors"
	"time"

	"RapidResponse/internal/models"
	apperrors "RapidResponse/pkg/errors"

	"gorm.io/gorm"
)

type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Migrate 建表
func (s *GormStore) Migrate() error {
	return s.db.AutoMigrate(&models.EmergencyRequest{}, &models.Message{})
}

func (s *GormStore) DB() *gorm.DB { return s.db }

func (s *GormStore) InsertRequest(ctx context.Context, r *models.EmergencyRequest) error {
	r.SyncLocation(true)
	if err := s.db.WithContext(ctx).Create(r).Error; err != nil {
		return translate(err, "insert request")
	}
	return nil
}

func (s *GormStore) InsertMessage(ctx context.Context, m *models.Message) error {
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		return translate(err, "insert message")
	}
	return nil
}

func (s *GormStore) GetRequest(ctx context.Context, id string) (*models.EmergencyRequest, error) {
	return getRequest(s.db.WithContext(ctx), id)
}

func getRequest(tx *gorm.DB, id string) (*models.EmergencyRequest, error) {
	var r models.EmergencyRequest
	if err := tx.Where("id = ?", id).First(&r).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NotFound("request %s not found", id)
		}
		return nil, translate(err, "get request")
	}
	r.SyncLocation(false)
	return &r, nil
}

func (s *GormStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	return getMessage(s.db.WithContext(ctx), id)
}

func getMessage(tx *gorm.DB, id string) (*models.Message, error) {
	var m models.Message
	if err := tx.Where("id = ?", id).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NotFound("message %s not found", id)
		}
		return nil, translate(err, "get message")
	}
	return &m, nil
}

// UpdateRequestStatus UPDATE ... WHERE id = ? AND status = from
func (s *GormStore) UpdateRequestStatus(ctx context.Context, id string, from models.RequestStatus, patch models.RequestPatch) (*models.EmergencyRequest, error) {
	if patch.UpdatedAt.IsZero() {
		patch.UpdatedAt = time.Now().UTC()
	}
	updates := map[string]interface{}{
		"status":     patch.Status,
		"revision":   gorm.Expr("revision + 1"),
		"updated_at": patch.UpdatedAt,
	}
	if patch.AcceptedBy != "" {
		updates["accepted_by"] = patch.AcceptedBy
	}
	if patch.AcceptedAt != nil {
		updates["accepted_at"] = *patch.AcceptedAt
	}

	var out *models.EmergencyRequest
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.EmergencyRequest{}).
			Where("id = ? AND status = ?", id, from).
			Updates(updates)
		if res.Error != nil {
			return translate(res.Error, "update request status")
		}
		current, err := getRequest(tx, id)
		if err != nil {
			return err
		}
		if res.RowsAffected == 0 {
			return apperrors.Conflict("request %s is %s, expected %s", id, current.Status, from)
		}
		out = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *GormStore) UpdateMessageStatus(ctx context.Context, id string, from, to models.MessageStatus) (*models.Message, error) {
	var out *models.Message
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Message{}).
			Where("id = ? AND status = ?", id, from).
			Updates(map[string]interface{}{
				"status":     to,
				"revision":   gorm.Expr("revision + 1"),
				"updated_at": time.Now().UTC(),
			})
		if res.Error != nil {
			return translate(res.Error, "update message status")
		}
		current, err := getMessage(tx, id)
		if err != nil {
			return err
		}
		if res.RowsAffected == 0 {
			return apperrors.Conflict("message %s is %s, expected %s", id, current.Status, from)
		}
		out = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *GormStore) QueryRequests(ctx context.Context, q RequestQuery) ([]*models.EmergencyRequest, error) {
	tx := s.db.WithContext(ctx).Model(&models.EmergencyRequest{})
	if q.HospitalID != "" {
		if q.IncludeBroadcast {
			tx = tx.Where("hospital_id = ? OR hospital_id = ''", q.HospitalID)
		} else {
			tx = tx.Where("hospital_id = ?", q.HospitalID)
		}
	}
	if q.UserID != "" {
		tx = tx.Where("user_id = ?", q.UserID)
	}
	if len(q.Statuses) > 0 {
		tx = tx.Where("status IN ?", q.Statuses)
	}
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}
	var list []*models.EmergencyRequest
	if err := tx.Order("created_at DESC").Order("id DESC").Find(&list).Error; err != nil {
		return nil, translate(err, "query requests")
	}
	for _, r := range list {
		r.SyncLocation(false)
	}
	return list, nil
}

func (s *GormStore) QueryMessages(ctx context.Context, q MessageQuery) ([]*models.Message, error) {
	tx := s.db.WithContext(ctx).Model(&models.Message{})
	if q.HospitalID != "" {
		tx = tx.Where("hospital_id = ?", q.HospitalID)
	}
	if q.UserID != "" {
		tx = tx.Where("user_id = ?", q.UserID)
	}
	if q.RequestID != "" {
		tx = tx.Where("request_id = ?", q.RequestID)
	}
	if len(q.Statuses) > 0 {
		tx = tx.Where("status IN ?", q.Statuses)
	}
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}
	var list []*models.Message
	if err := tx.Order("created_at DESC").Order("id DESC").Find(&list).Error; err != nil {
		return nil, translate(err, "query messages")
	}
	return list, nil
}

func (s *GormStore) FindRequestByCorrelation(ctx context.Context, userID, key string) (*models.EmergencyRequest, error) {
	var r models.EmergencyRequest
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND correlation_key = ?", userID, key).
		Order("created_at ASC").
		First(&r).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NotFound("no request for correlation key %s", key)
		}
		return nil, translate(err, "find request by correlation")
	}
	r.SyncLocation(false)
	return &r, nil
}

func (s *GormStore) CountRequests(ctx context.Context, status models.RequestStatus) (int64, error) {
	var n int64
	tx := s.db.WithContext(ctx).Model(&models.EmergencyRequest{})
	if status != "" {
		tx = tx.Where("status = ?", status)
	}
	if err := tx.Count(&n).Error; err != nil {
		return 0, translate(err, "count requests")
	}
	return n, nil
}

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return apperrors.Transport(err, "database handle")
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return apperrors.Transport(err, "database ping")
	}
	return nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// translate 把 gorm 错误映射到错误分类
func translate(err error, op string) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return apperrors.Wrap(apperrors.Conflict("duplicate record"), op)
	}
	return apperrors.Transport(err, op)
}
