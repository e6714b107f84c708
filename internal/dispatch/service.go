package dispatch

import (
	"context"
	"strings"
	"time"

	"RapidResponse/internal/models"
	"RapidResponse/internal/realtime"
	"RapidResponse/internal/store"
	"RapidResponse/pkg/cache"
	apperrors "RapidResponse/pkg/errors"
	"RapidResponse/pkg/logger"
	"RapidResponse/pkg/metrics"

	"github.com/google/uuid"
	"github.com/spf13/cast"
	"go.uber.org/zap"
)

// Options 可选依赖，零值可用
type Options struct {
	// Publisher 为空时直接发布到 Feed，多实例部署传入 RedisBridge
	Publisher realtime.Publisher
	// Cache 幂等键占位，为空时只依赖存储中的 correlation_key
	Cache          cache.Cache
	IdempotencyTTL time.Duration
	Metrics        *metrics.Metrics
	Now            func() time.Time
	NewID          func() string
}

// Service 同步引擎与求助生命周期
//
// 所有写入先落库再发布事件，同一 id 的写入与发布在分片锁内完成，
// 因此同一记录的事件按 revision 顺序离开本进程。写入不做自动重试。
type Service struct {
	store   store.Store
	feed    *realtime.Feed
	pub     realtime.Publisher
	cache   cache.Cache
	ttl     time.Duration
	metrics *metrics.Metrics
	locks   *stripedLock
	now     func() time.Time
	newID   func() string
}

func NewService(st store.Store, feed *realtime.Feed, opts Options) *Service {
	s := &Service{
		store:   st,
		feed:    feed,
		pub:     opts.Publisher,
		cache:   opts.Cache,
		ttl:     opts.IdempotencyTTL,
		metrics: opts.Metrics,
		locks:   newStripedLock(256),
		now:     opts.Now,
		newID:   opts.NewID,
	}
	if s.pub == nil {
		s.pub = feed
	}
	if s.ttl <= 0 {
		s.ttl = 24 * time.Hour
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	return s
}

type CreateRequestInput struct {
	UserID     string           `json:"user_id"`
	HospitalID string           `json:"hospital_id"`
	Location   *models.Location `json:"location"`
	Message    string           `json:"message"`
	// IdempotencyKey 客户端生成的关联键，重复提交返回首次创建的求助
	IdempotencyKey string `json:"idempotency_key"`
}

type SendMessageInput struct {
	UserID     string `json:"user_id"`
	HospitalID string `json:"hospital_id"`
	RequestID  string `json:"request_id"`
	Content    string `json:"content"`
}

// CreateRequest 创建 pending 求助；replayed 为 true 表示命中幂等键返回了已有记录
func (s *Service) CreateRequest(ctx context.Context, in CreateRequestInput) (req *models.EmergencyRequest, replayed bool, err error) {
	userID := strings.TrimSpace(in.UserID)
	if userID == "" {
		return nil, false, apperrors.Validation("user id is required")
	}
	if in.Location == nil || !in.Location.Valid() {
		return nil, false, apperrors.Validation("location is required")
	}
	hospitalID := strings.TrimSpace(in.HospitalID)
	var hospitalName string
	if hospitalID != "" {
		h, ok := models.FindHospital(hospitalID)
		if !ok {
			return nil, false, apperrors.NotFound("hospital %s not found", hospitalID)
		}
		hospitalName = h.Name
	}
	key := strings.TrimSpace(in.IdempotencyKey)

	id := s.newID()
	if key != "" {
		existing, release, err := s.claim(ctx, userID, key, id)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			s.recordReplay()
			return existing, true, nil
		}
		defer func() {
			if err != nil {
				release()
			}
		}()
	}

	now := s.now()
	req = &models.EmergencyRequest{
		ID:             id,
		UserID:         userID,
		HospitalID:     hospitalID,
		HospitalName:   hospitalName,
		Location:       *in.Location,
		Message:        strings.TrimSpace(in.Message),
		Status:         models.RequestPending,
		Revision:       1,
		CorrelationKey: key,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	unlock := s.locks.Lock(id)
	defer unlock()
	if err := s.store.InsertRequest(ctx, req); err != nil {
		logger.Warn("create request failed", zap.String("user_id", userID), zap.Error(err))
		return nil, false, err
	}
	scope := hospitalID
	if scope == "" {
		scope = "broadcast"
	}
	if s.metrics != nil {
		s.metrics.RecordRequestCreated(scope)
	}
	s.publish(ctx, realtime.NewEvent(realtime.Created, req, ""))
	logger.Info("request created", zap.String("id", id), zap.String("hospital_id", hospitalID), zap.String("user_id", userID))
	return req.Clone(), false, nil
}

// claim 先查存储中的关联键，再在缓存中原子占位
func (s *Service) claim(ctx context.Context, userID, key, id string) (*models.EmergencyRequest, func(), error) {
	existing, err := s.store.FindRequestByCorrelation(ctx, userID, key)
	if err == nil {
		return existing, nil, nil
	}
	if !apperrors.IsNotFound(err) {
		return nil, nil, err
	}
	if s.cache == nil {
		return nil, func() {}, nil
	}

	ck := "idem:request:" + userID + ":" + key
	ok, err := s.cache.SetNX(ctx, ck, id, s.ttl)
	if err != nil {
		return nil, nil, apperrors.Transport(err, "claim idempotency key")
	}
	if !ok {
		v, found := s.cache.Get(ctx, ck)
		if found {
			if prev, err := s.store.GetRequest(ctx, cast.ToString(v)); err == nil {
				return prev, nil, nil
			}
		}
		return nil, nil, apperrors.Conflict("request with idempotency key %s is being processed", key)
	}
	release := func() {
		if err := s.cache.Delete(context.WithoutCancel(ctx), ck); err != nil {
			logger.Warn("release idempotency key failed", zap.String("key", ck), zap.Error(err))
		}
	}
	return nil, release, nil
}

// SendMessage 追加一条 pending 消息
func (s *Service) SendMessage(ctx context.Context, in SendMessageInput) (*models.Message, error) {
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return nil, apperrors.Validation("content is required")
	}
	hospitalID := strings.TrimSpace(in.HospitalID)
	if hospitalID == "" {
		return nil, apperrors.Validation("hospital id is required")
	}
	if _, ok := models.FindHospital(hospitalID); !ok {
		return nil, apperrors.NotFound("hospital %s not found", hospitalID)
	}
	userID := strings.TrimSpace(in.UserID)
	if userID == "" {
		return nil, apperrors.Validation("user id is required")
	}
	requestID := strings.TrimSpace(in.RequestID)
	if requestID != "" {
		if _, err := s.store.GetRequest(ctx, requestID); err != nil {
			return nil, err
		}
	}

	now := s.now()
	m := &models.Message{
		ID:         s.newID(),
		Content:    content,
		HospitalID: hospitalID,
		RequestID:  requestID,
		UserID:     userID,
		Status:     models.MessagePending,
		Revision:   1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	unlock := s.locks.Lock(m.ID)
	defer unlock()
	if err := s.store.InsertMessage(ctx, m); err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.RecordMessageSent()
	}
	s.publish(ctx, realtime.NewEvent(realtime.Created, m, ""))
	return m.Clone(), nil
}

// UpdateRequestStatus 校验迁移与权限后做条件写入
//
// 迁移不合法（含回退与同状态）返回 Conflict；抢单失败同样返回 Conflict。
func (s *Service) UpdateRequestStatus(ctx context.Context, id string, to models.RequestStatus, actorID string) (*models.EmergencyRequest, error) {
	if !to.Valid() {
		return nil, apperrors.Validation("unknown status %q", to)
	}
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return nil, apperrors.Validation("actor id is required")
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	current, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if !current.Status.CanTransition(to) {
		s.recordTransition(models.CollectionRequests, string(to), "conflict")
		return nil, apperrors.Conflict("request %s cannot move from %s to %s", id, current.Status, to)
	}
	if err := authorize(current, to, actorID); err != nil {
		s.recordTransition(models.CollectionRequests, string(to), "forbidden")
		return nil, err
	}

	now := s.now()
	patch := models.RequestPatch{Status: to, UpdatedAt: now}
	if to == models.RequestAccepted {
		patch.AcceptedBy = actorID
		patch.AcceptedAt = &now
	}
	updated, err := s.store.UpdateRequestStatus(ctx, id, current.Status, patch)
	if err != nil {
		result := "error"
		if apperrors.IsConflict(err) {
			result = "conflict"
		}
		s.recordTransition(models.CollectionRequests, string(to), result)
		return nil, err
	}
	s.recordTransition(models.CollectionRequests, string(to), "ok")
	s.publish(ctx, realtime.NewEvent(realtime.Updated, updated, string(current.Status)))
	logger.Info("request status changed",
		zap.String("id", id),
		zap.String("from", string(current.Status)),
		zap.String("to", string(to)),
		zap.String("actor", actorID),
		zap.Int64("revision", updated.Revision))
	return updated.Clone(), nil
}

func authorize(r *models.EmergencyRequest, to models.RequestStatus, actorID string) error {
	switch to {
	case models.RequestCancelled:
		if actorID != r.UserID {
			return apperrors.Permission("only the requester may cancel request %s", r.ID)
		}
	case models.RequestAccepted:
		if actorID == r.UserID {
			return apperrors.Permission("requester cannot accept own request %s", r.ID)
		}
	case models.RequestEnroute, models.RequestResolved:
		if actorID != r.AcceptedBy {
			return apperrors.Permission("only the accepting responder may update request %s", r.ID)
		}
	}
	return nil
}

// AcceptRequest 抢单，先到先得
func (s *Service) AcceptRequest(ctx context.Context, id, responderID string) (*models.EmergencyRequest, error) {
	return s.UpdateRequestStatus(ctx, id, models.RequestAccepted, responderID)
}

func (s *Service) MarkEnroute(ctx context.Context, id, responderID string) (*models.EmergencyRequest, error) {
	return s.UpdateRequestStatus(ctx, id, models.RequestEnroute, responderID)
}

func (s *Service) ResolveRequest(ctx context.Context, id, responderID string) (*models.EmergencyRequest, error) {
	return s.UpdateRequestStatus(ctx, id, models.RequestResolved, responderID)
}

func (s *Service) CancelRequest(ctx context.Context, id, userID string) (*models.EmergencyRequest, error) {
	return s.UpdateRequestStatus(ctx, id, models.RequestCancelled, userID)
}

func (s *Service) UpdateMessageStatus(ctx context.Context, id string, to models.MessageStatus) (*models.Message, error) {
	if !to.Valid() {
		return nil, apperrors.Validation("unknown status %q", to)
	}
	unlock := s.locks.Lock(id)
	defer unlock()

	current, err := s.store.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	if !current.Status.CanTransition(to) {
		s.recordTransition(models.CollectionMessages, string(to), "conflict")
		return nil, apperrors.Conflict("message %s cannot move from %s to %s", id, current.Status, to)
	}
	updated, err := s.store.UpdateMessageStatus(ctx, id, current.Status, to)
	if err != nil {
		s.recordTransition(models.CollectionMessages, string(to), "error")
		return nil, err
	}
	s.recordTransition(models.CollectionMessages, string(to), "ok")
	s.publish(ctx, realtime.NewEvent(realtime.Updated, updated, string(current.Status)))
	return updated.Clone(), nil
}

func (s *Service) GetRequest(ctx context.Context, id string) (*models.EmergencyRequest, error) {
	return s.store.GetRequest(ctx, id)
}

func (s *Service) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	return s.store.GetMessage(ctx, id)
}

// Snapshot 一次性读取匹配 filter 的记录，按创建时间倒序
func (s *Service) Snapshot(ctx context.Context, f realtime.Filter) ([]models.Record, error) {
	var out []models.Record
	if f.Collection == "" || f.Collection == models.CollectionRequests {
		q := store.RequestQuery{HospitalID: f.HospitalID, UserID: f.UserID, IncludeBroadcast: f.IncludeBroadcast}
		for _, st := range f.Statuses {
			if rs := models.RequestStatus(st); rs.Valid() {
				q.Statuses = append(q.Statuses, rs)
			}
		}
		if len(f.Statuses) == 0 || len(q.Statuses) > 0 {
			list, err := s.store.QueryRequests(ctx, q)
			if err != nil {
				return nil, err
			}
			for _, r := range list {
				out = append(out, r)
			}
		}
	}
	if f.Collection == "" || f.Collection == models.CollectionMessages {
		q := store.MessageQuery{HospitalID: f.HospitalID, UserID: f.UserID}
		for _, st := range f.Statuses {
			if ms := models.MessageStatus(st); ms.Valid() {
				q.Statuses = append(q.Statuses, ms)
			}
		}
		if len(f.Statuses) == 0 || len(q.Statuses) > 0 {
			list, err := s.store.QueryMessages(ctx, q)
			if err != nil {
				return nil, err
			}
			for _, m := range list {
				out = append(out, m)
			}
		}
	}
	sortNewestFirst(out)
	return out, nil
}

// Subscribe 返回调用方持有的订阅句柄
func (s *Service) Subscribe(f realtime.Filter) *realtime.Subscription {
	return s.feed.Subscribe(f)
}

// Open 先挂订阅再读快照，合并后开始应用实时事件
func (s *Service) Open(ctx context.Context, f realtime.Filter) (*View, error) {
	sub := s.feed.Subscribe(f)
	snap, err := s.Snapshot(ctx, f)
	if err != nil {
		sub.Close()
		return nil, err
	}
	v := NewView(f)
	v.Seed(snap)
	v.attach(sub)
	return v, nil
}

// PatientRequests 患者自己的求助，进行中的排前
func (s *Service) PatientRequests(ctx context.Context, userID string) ([]models.Record, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, apperrors.Validation("user id is required")
	}
	snap, err := s.Snapshot(ctx, realtime.Filter{Collection: models.CollectionRequests, UserID: userID})
	if err != nil {
		return nil, err
	}
	return PatientProjection(snap, userID), nil
}

// PendingRequests 待接单列表，hospitalID 为空时返回全部
func (s *Service) PendingRequests(ctx context.Context, hospitalID string) ([]models.Record, error) {
	snap, err := s.Snapshot(ctx, realtime.Filter{
		Collection:       models.CollectionRequests,
		HospitalID:       hospitalID,
		IncludeBroadcast: true,
		Statuses:         []string{string(models.RequestPending)},
	})
	if err != nil {
		return nil, err
	}
	return ResponderProjection(snap, hospitalID), nil
}

type Thread struct {
	Hospital models.Hospital          `json:"hospital"`
	Messages []*models.Message        `json:"messages"`
	Request  *models.EmergencyRequest `json:"request,omitempty"`
	Badge    string                   `json:"badge"`
}

// Thread 医院会话；最近一条带 request_id 的消息决定关联求助
func (s *Service) Thread(ctx context.Context, hospitalID, userID string) (*Thread, error) {
	h, ok := models.FindHospital(hospitalID)
	if !ok {
		return nil, apperrors.NotFound("hospital %s not found", hospitalID)
	}
	msgs, err := s.store.QueryMessages(ctx, store.MessageQuery{HospitalID: hospitalID, UserID: userID})
	if err != nil {
		return nil, err
	}
	t := &Thread{Hospital: h, Messages: msgs}
	for _, m := range msgs {
		if m.RequestID == "" {
			continue
		}
		req, err := s.store.GetRequest(ctx, m.RequestID)
		if err == nil {
			t.Request = req
		} else if !apperrors.IsNotFound(err) {
			return nil, err
		}
		break
	}
	t.Badge = models.ThreadBadge(msgs, t.Request)
	return t, nil
}

type SweepReport struct {
	Pending int                        `json:"pending"`
	Stale   []*models.EmergencyRequest `json:"stale"`
}

// SweepPending 统计 pending 数量，找出等待超过 olderThan 的求助
func (s *Service) SweepPending(ctx context.Context, olderThan time.Duration) (*SweepReport, error) {
	list, err := s.store.QueryRequests(ctx, store.RequestQuery{Statuses: []models.RequestStatus{models.RequestPending}})
	if err != nil {
		return nil, err
	}
	report := &SweepReport{Pending: len(list)}
	cutoff := s.now().Add(-olderThan)
	for _, r := range list {
		if olderThan > 0 && r.CreatedAt.Before(cutoff) {
			report.Stale = append(report.Stale, r)
		}
	}
	if s.metrics != nil {
		s.metrics.SetPendingRequests(report.Pending)
	}
	for _, r := range report.Stale {
		logger.Warn("request pending too long",
			zap.String("id", r.ID),
			zap.String("hospital_id", r.HospitalID),
			zap.Duration("waiting", s.now().Sub(r.CreatedAt)))
	}
	return report, nil
}

// Ping 存储健康检查
func (s *Service) Ping(ctx context.Context) error { return s.store.Ping(ctx) }

// publish 写入已提交，发布失败只记录日志
func (s *Service) publish(ctx context.Context, ev realtime.ChangeEvent) {
	if err := s.pub.Publish(context.WithoutCancel(ctx), ev); err != nil {
		logger.Error("publish change failed",
			zap.String("collection", ev.Collection),
			zap.String("id", ev.ID),
			zap.Int64("revision", ev.Revision),
			zap.Error(err))
	}
}

func (s *Service) recordTransition(collection, to, result string) {
	if s.metrics != nil {
		s.metrics.RecordTransition(collection, to, result)
	}
}

func (s *Service) recordReplay() {
	if s.metrics != nil {
		s.metrics.RecordIdempotentReplay()
	}
}
