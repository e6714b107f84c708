package models

import "time"

type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestAccepted  RequestStatus = "accepted"
	RequestEnroute   RequestStatus = "enroute"
	RequestResolved  RequestStatus = "resolved"
	RequestCancelled RequestStatus = "cancelled"
)

// 只允许前进的状态迁移
var requestTransitions = map[RequestStatus][]RequestStatus{
	RequestPending:  {RequestAccepted, RequestCancelled},
	RequestAccepted: {RequestEnroute, RequestResolved},
	RequestEnroute:  {RequestResolved},
}

func (s RequestStatus) Valid() bool {
	switch s {
	case RequestPending, RequestAccepted, RequestEnroute, RequestResolved, RequestCancelled:
		return true
	}
	return false
}

func (s RequestStatus) Terminal() bool {
	return s == RequestResolved || s == RequestCancelled
}

// CanTransition 判断 from -> to 是否合法，同状态不算迁移
func (s RequestStatus) CanTransition(to RequestStatus) bool {
	for _, next := range requestTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Rank 患者视图中的展示顺序，进行中的排前面
func (s RequestStatus) Rank() int {
	switch s {
	case RequestPending:
		return 0
	case RequestAccepted:
		return 1
	case RequestEnroute:
		return 2
	case RequestResolved:
		return 3
	case RequestCancelled:
		return 4
	}
	return 5
}

// EmergencyRequest 患者发起的求助，只做状态迁移不删除
type EmergencyRequest struct {
	ID             string        `gorm:"primaryKey;size:64" json:"id"`
	UserID         string        `gorm:"size:128;index;not null" json:"user_id"`
	HospitalID     string        `gorm:"size:16;index" json:"hospital_id,omitempty"` // 为空表示广播给所有医院
	HospitalName   string        `gorm:"size:255" json:"hospital_name,omitempty"`
	Lat            float64       `json:"-"`
	Lng            float64       `json:"-"`
	Location       Location      `gorm:"-" json:"location"`
	Message        string        `gorm:"type:text" json:"message"`
	Status         RequestStatus `gorm:"size:16;index;not null" json:"status"`
	Revision       int64         `gorm:"not null;default:1" json:"revision"`
	CorrelationKey string        `gorm:"size:128;index" json:"correlation_key,omitempty"`
	AcceptedBy     string        `gorm:"size:128" json:"accepted_by,omitempty"`
	AcceptedAt     *time.Time    `json:"accepted_at,omitempty"`
	CreatedAt      time.Time     `gorm:"index" json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

func (EmergencyRequest) TableName() string { return CollectionRequests }

func (r *EmergencyRequest) Collection() string         { return CollectionRequests }
func (r *EmergencyRequest) RecordID() string           { return r.ID }
func (r *EmergencyRequest) RecordRevision() int64      { return r.Revision }
func (r *EmergencyRequest) RecordCreatedAt() time.Time { return r.CreatedAt }
func (r *EmergencyRequest) RecordHospitalID() string   { return r.HospitalID }
func (r *EmergencyRequest) RecordUserID() string       { return r.UserID }
func (r *EmergencyRequest) RecordStatus() string       { return string(r.Status) }

// SyncLocation 在持久化前后同步 Location 与扁平列
func (r *EmergencyRequest) SyncLocation(toColumns bool) {
	if toColumns {
		r.Lat, r.Lng = r.Location.Lat, r.Location.Lng
		return
	}
	r.Location = Location{Lat: r.Lat, Lng: r.Lng}
}

func (r *EmergencyRequest) Clone() *EmergencyRequest {
	if r == nil {
		return nil
	}
	cp := *r
	if r.AcceptedAt != nil {
		t := *r.AcceptedAt
		cp.AcceptedAt = &t
	}
	return &cp
}

// RequestPatch 条件更新时写入的字段
type RequestPatch struct {
	Status     RequestStatus
	AcceptedBy string
	AcceptedAt *time.Time
	UpdatedAt  time.Time
}
