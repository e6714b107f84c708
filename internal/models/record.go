package models

import "time"

// 集合名
const (
	CollectionRequests = "requests"
	CollectionMessages = "messages"
)

// Record 同步引擎统一处理的实体
type Record interface {
	Collection() string
	RecordID() string
	RecordRevision() int64
	RecordCreatedAt() time.Time
	RecordHospitalID() string
	RecordUserID() string
	RecordStatus() string
}

// Clone 返回记录的独立副本
func Clone(r Record) Record {
	switch v := r.(type) {
	case *EmergencyRequest:
		return v.Clone()
	case *Message:
		return v.Clone()
	}
	return r
}

// NewerFirst 按创建时间倒序比较，时间相同则按 id 保证稳定
func NewerFirst(a, b Record) bool {
	ta, tb := a.RecordCreatedAt(), b.RecordCreatedAt()
	if !ta.Equal(tb) {
		return ta.After(tb)
	}
	return a.RecordID() > b.RecordID()
}
