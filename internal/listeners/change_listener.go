package listeners

import (
	"context"
	"errors"
	"fmt"
	"time"

	"RapidResponse/internal/models"
	"RapidResponse/internal/realtime"
	"RapidResponse/pkg/logger"
	"RapidResponse/pkg/notification"
	"RapidResponse/pkg/search"
	"RapidResponse/pkg/sse"
	"RapidResponse/pkg/websocket"

	"go.uber.org/zap"
)

// Notice 推送到 user:<id> 与 hospital:<id> 通知组的载荷
type Notice struct {
	Kind       realtime.Kind `json:"kind"`
	Collection string        `json:"collection"`
	ID         string        `json:"id"`
	Status     string        `json:"status"`
	PrevStatus string        `json:"prev_status,omitempty"`
	HospitalID string        `json:"hospital_id,omitempty"`
	Revision   int64         `json:"revision"`
}

type Options struct {
	WSHub    *websocket.Hub
	SSEHub   *sse.Hub
	Search   search.Engine
	Notifier notification.Notifier
}

// ChangeListener 订阅全部变更，负责通知推送、检索索引与外部短信
type ChangeListener struct {
	feed     *realtime.Feed
	ws       *websocket.Hub
	sse      *sse.Hub
	index    search.Engine
	notifier notification.Notifier
}

func NewChangeListener(feed *realtime.Feed, opts Options) *ChangeListener {
	return &ChangeListener{
		feed:     feed,
		ws:       opts.WSHub,
		sse:      opts.SSEHub,
		index:    opts.Search,
		notifier: opts.Notifier,
	}
}

// Run 阻塞直到 ctx 取消或 Feed 关闭
func (l *ChangeListener) Run(ctx context.Context) error {
	sub := l.feed.Subscribe(realtime.Filter{})
	defer sub.Close()
	logger.Info("change listener started")

	for {
		ev, err := sub.Next(ctx)
		if realtime.IsStale(err) {
			// 通知是尽力而为的，索引缺口由下次更新补齐
			logger.Warn("change listener missed events", zap.Error(err))
			continue
		}
		if errors.Is(err, realtime.ErrSubscriptionClosed) || errors.Is(err, context.Canceled) {
			return nil
		}
		if err != nil {
			return err
		}
		l.Handle(ctx, ev)
	}
}

func (l *ChangeListener) Handle(ctx context.Context, ev realtime.ChangeEvent) {
	rec := ev.Record()
	if rec == nil {
		return
	}
	l.push(ev, rec)
	if err := l.indexRecord(ctx, ev, rec); err != nil {
		logger.Warn("index change failed", zap.String("id", ev.ID), zap.Error(err))
	}
	if ev.Kind == realtime.Created && ev.Request != nil && l.notifier != nil {
		go l.alertHospitals(context.WithoutCancel(ctx), ev.Request)
	}
}

// push 推送给记录所属用户与相关医院；广播求助推给所有医院
func (l *ChangeListener) push(ev realtime.ChangeEvent, rec models.Record) {
	n := Notice{
		Kind:       ev.Kind,
		Collection: ev.Collection,
		ID:         ev.ID,
		Status:     rec.RecordStatus(),
		PrevStatus: ev.PrevStatus,
		HospitalID: rec.RecordHospitalID(),
		Revision:   ev.Revision,
	}
	groups := hospitalGroups(rec.RecordHospitalID())
	userID := rec.RecordUserID()

	if l.ws != nil {
		msg := &websocket.Message{Type: websocket.MessageTypeNotification, Data: n, Timestamp: time.Now().Unix()}
		if userID != "" {
			l.ws.SendToUser(userID, msg)
		}
		for _, g := range groups {
			l.ws.SendToGroup(g, msg)
		}
	}
	if l.sse != nil {
		if userID != "" {
			l.sse.SendToGroupJSON("user:"+userID, websocket.MessageTypeNotification, n)
		}
		for _, g := range groups {
			l.sse.SendToGroupJSON(g, websocket.MessageTypeNotification, n)
		}
	}
}

func hospitalGroups(hospitalID string) []string {
	if hospitalID != "" {
		return []string{"hospital:" + hospitalID}
	}
	hs := models.Hospitals()
	groups := make([]string, 0, len(hs))
	for _, h := range hs {
		groups = append(groups, "hospital:"+h.ID)
	}
	return groups
}

func (l *ChangeListener) indexRecord(ctx context.Context, ev realtime.ChangeEvent, rec models.Record) error {
	if l.index == nil {
		return nil
	}
	if ev.Kind == realtime.Deleted {
		return l.index.Delete(ctx, ev.ID)
	}
	return l.index.Index(ctx, searchDoc(rec))
}

func searchDoc(rec models.Record) search.Doc {
	switch v := rec.(type) {
	case *models.Message:
		return search.Doc{ID: v.ID, Type: search.TypeMessage, Fields: map[string]any{
			"content":     v.Content,
			"hospital_id": v.HospitalID,
			"user_id":     v.UserID,
			"request_id":  v.RequestID,
			"status":      string(v.Status),
			"created_at":  v.CreatedAt,
		}}
	case *models.EmergencyRequest:
		return search.Doc{ID: v.ID, Type: search.TypeRequest, Fields: map[string]any{
			"message":     v.Message,
			"location":    fmt.Sprintf("%.5f,%.5f", v.Location.Lat, v.Location.Lng),
			"hospital_id": v.HospitalID,
			"user_id":     v.UserID,
			"status":      string(v.Status),
			"created_at":  v.CreatedAt,
		}}
	}
	return search.Doc{ID: rec.RecordID()}
}

// alertHospitals 新求助短信通知医院热线
func (l *ChangeListener) alertHospitals(ctx context.Context, req *models.EmergencyRequest) {
	var phones []string
	for _, h := range models.Hospitals() {
		if req.HospitalID == "" || req.HospitalID == h.ID {
			phones = append(phones, h.Hotline)
		}
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	err := l.notifier.Notify(ctx, notification.Notice{
		Title:   "New emergency request",
		Content: req.Message,
		Phones:  phones,
		Params: map[string]string{
			"request_id": req.ID,
			"location":   fmt.Sprintf("%.5f,%.5f", req.Location.Lat, req.Location.Lng),
		},
	})
	if err != nil {
		logger.Warn("hospital alert failed", zap.String("request_id", req.ID), zap.Error(err))
	}
}
