package dispatch

import (
	"sort"

	"RapidResponse/internal/models"
)

func statusRank(r models.Record) int {
	if req, ok := r.(*models.EmergencyRequest); ok {
		return req.Status.Rank()
	}
	switch models.MessageStatus(r.RecordStatus()) {
	case models.MessagePending:
		return 0
	case models.MessageDelivered:
		return 1
	case models.MessageAccepted:
		return 2
	}
	return 3
}

// PatientProjection 只保留本人的记录，进行中的状态排前，同状态按时间倒序
func PatientProjection(records []models.Record, userID string) []models.Record {
	out := make([]models.Record, 0, len(records))
	for _, r := range records {
		if r.RecordUserID() == userID {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := statusRank(out[i]), statusRank(out[j])
		if ri != rj {
			return ri < rj
		}
		return models.NewerFirst(out[i], out[j])
	})
	return out
}

// ResponderProjection 只保留 pending，hospitalID 非空时限定医院，广播求助对所有医院可见
func ResponderProjection(records []models.Record, hospitalID string) []models.Record {
	out := make([]models.Record, 0, len(records))
	for _, r := range records {
		if r.RecordStatus() != "pending" {
			continue
		}
		if hospitalID != "" && r.RecordHospitalID() != hospitalID && r.RecordHospitalID() != "" {
			continue
		}
		out = append(out, r)
	}
	sortNewestFirst(out)
	return out
}

func sortNewestFirst(records []models.Record) {
	sort.SliceStable(records, func(i, j int) bool { return models.NewerFirst(records[i], records[j]) })
}
