package models

import "time"

type MessageStatus string

const (
	MessagePending   MessageStatus = "pending"
	MessageDelivered MessageStatus = "delivered"
	MessageRead      MessageStatus = "read"
	MessageAccepted  MessageStatus = "accepted"
)

var messageTransitions = map[MessageStatus][]MessageStatus{
	MessagePending:   {MessageDelivered, MessageRead, MessageAccepted},
	MessageDelivered: {MessageRead},
}

func (s MessageStatus) Valid() bool {
	switch s {
	case MessagePending, MessageDelivered, MessageRead, MessageAccepted:
		return true
	}
	return false
}

func (s MessageStatus) CanTransition(to MessageStatus) bool {
	for _, next := range messageTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Message 医院会话中的消息，内容只追加不修改
type Message struct {
	ID         string        `gorm:"primaryKey;size:64" json:"id"`
	Content    string        `gorm:"type:text;not null" json:"content"`
	HospitalID string        `gorm:"size:16;index;not null" json:"hospital_id"`
	RequestID  string        `gorm:"size:64;index" json:"request_id,omitempty"`
	UserID     string        `gorm:"size:128;index;not null" json:"user_id"`
	Status     MessageStatus `gorm:"size:16;not null" json:"status"`
	Revision   int64         `gorm:"not null;default:1" json:"revision"`
	CreatedAt  time.Time     `gorm:"index" json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

func (Message) TableName() string { return CollectionMessages }

func (m *Message) Collection() string         { return CollectionMessages }
func (m *Message) RecordID() string           { return m.ID }
func (m *Message) RecordRevision() int64      { return m.Revision }
func (m *Message) RecordCreatedAt() time.Time { return m.CreatedAt }
func (m *Message) RecordHospitalID() string   { return m.HospitalID }
func (m *Message) RecordUserID() string       { return m.UserID }
func (m *Message) RecordStatus() string       { return string(m.Status) }

func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	cp := *m
	return &cp
}
