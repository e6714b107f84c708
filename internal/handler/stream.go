package handlers

import (
	"context"
	"strconv"
	"strings"

	"RapidResponse/internal/models"
	"RapidResponse/internal/realtime"
	constants "RapidResponse/pkg/constant"
	apperrors "RapidResponse/pkg/errors"
	"RapidResponse/pkg/middleware"
	"RapidResponse/pkg/response"
	"RapidResponse/pkg/sse"
	"RapidResponse/pkg/websocket"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/spf13/cast"
)

// filterFromParams 订阅与快照共用的参数解析
//
// scope=patient 限定为本人，scope=responder 只看 pending 并包含广播求助；
// 患者角色总是只能看到自己的记录。
func filterFromParams(userID, role string, params map[string]string) (realtime.Filter, error) {
	f := realtime.Filter{
		Collection:       strings.TrimSpace(params["collection"]),
		HospitalID:       strings.TrimSpace(params["hospital_id"]),
		UserID:           strings.TrimSpace(params["user_id"]),
		IncludeBroadcast: cast.ToBool(params["include_broadcast"]),
	}
	switch f.Collection {
	case "", models.CollectionRequests, models.CollectionMessages:
	default:
		return f, apperrors.Validation("unknown collection %q", f.Collection)
	}
	if st := strings.TrimSpace(params["status"]); st != "" {
		for _, s := range strings.Split(st, ",") {
			if s = strings.TrimSpace(s); s != "" {
				f.Statuses = append(f.Statuses, s)
			}
		}
	}
	switch params["scope"] {
	case "":
	case "patient":
		f.UserID = userID
	case "responder":
		f.Statuses = []string{string(models.RequestPending)}
		f.IncludeBroadcast = true
	default:
		return f, apperrors.Validation("unknown scope %q", params["scope"])
	}
	if role == constants.RolePatient {
		f.UserID = userID
	}
	return f, nil
}

type frame struct {
	kind string
	id   string
	data interface{}
}

// changeStream 先发快照再发增量，快照里已有的版本不会重复下发
type changeStream struct {
	filter   realtime.Filter
	sub      *realtime.Subscription
	snapshot []models.Record
	sent     bool
	seen     map[string]int64
}

// openChangeStream 先挂订阅再读快照，两者之间的事件留在订阅队列里
func (h *Handlers) openChangeStream(ctx context.Context, f realtime.Filter) (*changeStream, error) {
	sub := h.svc.Subscribe(f)
	snap, err := h.svc.Snapshot(ctx, f)
	if err != nil {
		sub.Close()
		return nil, err
	}
	seen := make(map[string]int64, len(snap))
	for _, r := range snap {
		seen[r.Collection()+"/"+r.RecordID()] = r.RecordRevision()
	}
	return &changeStream{filter: f, sub: sub, snapshot: snap, seen: seen}, nil
}

func (s *changeStream) next(ctx context.Context) (frame, error) {
	if !s.sent {
		s.sent = true
		items := s.snapshot
		s.snapshot = nil
		return frame{kind: websocket.MessageTypeSnapshot, data: gin.H{"filter": s.filter, "items": items}}, nil
	}
	for {
		ev, err := s.sub.Next(ctx)
		if realtime.IsStale(err) {
			return frame{kind: websocket.MessageTypeStale, data: gin.H{"error": err.Error()}}, nil
		}
		if err != nil {
			return frame{}, err
		}
		key := ev.Collection + "/" + ev.ID
		if rev, ok := s.seen[key]; ok && ev.Revision <= rev {
			continue
		}
		s.seen[key] = ev.Revision
		return frame{kind: websocket.MessageTypeChange, id: ev.ID + ":" + strconv.FormatInt(ev.Revision, 10), data: ev}, nil
	}
}

func (s *changeStream) Close() { s.sub.Close() }

type wsStream struct{ *changeStream }

func (w wsStream) Next(ctx context.Context) (*websocket.Message, error) {
	f, err := w.next(ctx)
	if err != nil {
		return nil, err
	}
	return &websocket.Message{Type: f.kind, Data: f.data}, nil
}

type sseSource struct{ *changeStream }

func (s sseSource) Next(ctx context.Context) (sse.Event, error) {
	f, err := s.next(ctx)
	if err != nil {
		return sse.Event{}, err
	}
	return sse.Event{ID: f.id, Event: f.kind, Data: f.data}, nil
}

// openWebSocketStream 处理客户端 subscribe 命令
func (h *Handlers) openWebSocketStream(ctx context.Context, userID, role string, params map[string]string) (websocket.Stream, error) {
	f, err := filterFromParams(userID, role, params)
	if err != nil {
		return nil, err
	}
	cs, err := h.openChangeStream(ctx, f)
	if err != nil {
		return nil, err
	}
	return wsStream{cs}, nil
}

// handleStream SSE 变更流，同时接收本人与所选医院的通知
func (h *Handlers) handleStream(c *gin.Context) {
	userID := middleware.CurrentUser(c)
	f, err := filterFromParams(userID, c.GetString(constants.UserRoleField), queryParams(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	cs, err := h.openChangeStream(c.Request.Context(), f)
	if err != nil {
		response.Error(c, err)
		return
	}
	h.sseHub.Serve(c, "sse_"+uuid.NewString(), notificationGroups(c), sseSource{cs})
}
