package realtime

import (
	"context"
	"time"

	"RapidResponse/internal/models"
)

type Kind string

const (
	Created Kind = "created"
	Updated Kind = "updated"
	Deleted Kind = "deleted"
)

// ChangeEvent 携带变更后的完整记录
type ChangeEvent struct {
	Kind       Kind                     `json:"kind"`
	Collection string                   `json:"collection"`
	ID         string                   `json:"id"`
	Revision   int64                    `json:"revision"`
	PrevStatus string                   `json:"prev_status,omitempty"`
	Request    *models.EmergencyRequest `json:"request,omitempty"`
	Message    *models.Message          `json:"message,omitempty"`
	At         time.Time                `json:"at"`
	Origin     string                   `json:"origin,omitempty"`
}

// NewEvent 从记录构造事件
func NewEvent(kind Kind, rec models.Record, prevStatus string) ChangeEvent {
	ev := ChangeEvent{
		Kind:       kind,
		Collection: rec.Collection(),
		ID:         rec.RecordID(),
		Revision:   rec.RecordRevision(),
		PrevStatus: prevStatus,
		At:         time.Now().UTC(),
	}
	switch v := rec.(type) {
	case *models.EmergencyRequest:
		ev.Request = v.Clone()
	case *models.Message:
		ev.Message = v.Clone()
	}
	return ev
}

// Record 事件中的记录，可能为 nil
func (e ChangeEvent) Record() models.Record {
	if e.Request != nil {
		return e.Request
	}
	if e.Message != nil {
		return e.Message
	}
	return nil
}

func (e ChangeEvent) Clone() ChangeEvent {
	cp := e
	cp.Request = e.Request.Clone()
	cp.Message = e.Message.Clone()
	return cp
}

// Publisher 变更事件的发布端
type Publisher interface {
	Publish(ctx context.Context, ev ChangeEvent) error
}
