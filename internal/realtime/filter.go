package realtime

import "RapidResponse/internal/models"

// Filter 空字段表示不过滤
type Filter struct {
	Collection string   `json:"collection,omitempty"`
	HospitalID string   `json:"hospital_id,omitempty"`
	UserID     string   `json:"user_id,omitempty"`
	Statuses   []string `json:"statuses,omitempty"`
	// IncludeBroadcast 按医院过滤时也匹配未指定医院的记录
	IncludeBroadcast bool `json:"include_broadcast,omitempty"`
}

// MatchRecord 记录当前状态是否在视图范围内
func (f Filter) MatchRecord(r models.Record) bool {
	if r == nil {
		return false
	}
	if !f.matchScope(r) {
		return false
	}
	return len(f.Statuses) == 0 || f.hasStatus(r.RecordStatus())
}

// Match 状态过滤对新状态或 PrevStatus 任一命中即可，
// 这样订阅 pending 的一方能收到把记录移出 pending 的 Updated。
func (f Filter) Match(ev ChangeEvent) bool {
	if f.Collection != "" && f.Collection != ev.Collection {
		return false
	}
	r := ev.Record()
	if r == nil {
		return false
	}
	if !f.matchScope(r) {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	return f.hasStatus(r.RecordStatus()) || (ev.PrevStatus != "" && f.hasStatus(ev.PrevStatus))
}

func (f Filter) matchScope(r models.Record) bool {
	if f.Collection != "" && f.Collection != r.Collection() {
		return false
	}
	if f.HospitalID != "" && r.RecordHospitalID() != f.HospitalID {
		if !(f.IncludeBroadcast && r.RecordHospitalID() == "") {
			return false
		}
	}
	if f.UserID != "" && r.RecordUserID() != f.UserID {
		return false
	}
	return true
}

func (f Filter) hasStatus(s string) bool {
	for _, st := range f.Statuses {
		if st == s {
			return true
		}
	}
	return false
}
