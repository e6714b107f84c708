package store

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"RapidResponse/internal/models"
	apperrors "RapidResponse/pkg/errors"

	"github.com/supabase-community/postgrest-go"
	supa "github.com/supabase-community/supabase-go"
)

// TableClient supabase.Client 与 postgrest.Client 都满足
type TableClient interface {
	From(table string) *postgrest.QueryBuilder
}

// SupabaseStore 通过 PostgREST 访问 requests / messages 表
//
// PostgREST 无法原子递增，条件更新同时比较 status 与 revision。
type SupabaseStore struct {
	client TableClient
}

func NewSupabaseStore(client TableClient) *SupabaseStore {
	return &SupabaseStore{client: client}
}

// NewSupabaseClient 使用 service role key 创建客户端
func NewSupabaseClient(url, serviceKey string) (*supa.Client, error) {
	client, err := supa.NewClient(url, serviceKey, nil)
	if err != nil {
		return nil, apperrors.Transport(err, "create supabase client")
	}
	return client, nil
}

type requestRow struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	HospitalID     string     `json:"hospital_id"`
	HospitalName   string     `json:"hospital_name"`
	Lat            float64    `json:"lat"`
	Lng            float64    `json:"lng"`
	Message        string     `json:"message"`
	Status         string     `json:"status"`
	Revision       int64      `json:"revision"`
	CorrelationKey string     `json:"correlation_key"`
	AcceptedBy     string     `json:"accepted_by"`
	AcceptedAt     *time.Time `json:"accepted_at"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func toRow(r *models.EmergencyRequest) requestRow {
	return requestRow{
		ID: r.ID, UserID: r.UserID, HospitalID: r.HospitalID, HospitalName: r.HospitalName,
		Lat: r.Location.Lat, Lng: r.Location.Lng, Message: r.Message, Status: string(r.Status),
		Revision: r.Revision, CorrelationKey: r.CorrelationKey, AcceptedBy: r.AcceptedBy,
		AcceptedAt: r.AcceptedAt, CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
}

func (row requestRow) model() *models.EmergencyRequest {
	r := &models.EmergencyRequest{
		ID: row.ID, UserID: row.UserID, HospitalID: row.HospitalID, HospitalName: row.HospitalName,
		Lat: row.Lat, Lng: row.Lng, Message: row.Message, Status: models.RequestStatus(row.Status),
		Revision: row.Revision, CorrelationKey: row.CorrelationKey, AcceptedBy: row.AcceptedBy,
		AcceptedAt: row.AcceptedAt, CreatedAt: row.CreatedAt, UpdatedAt: row.UpdatedAt,
	}
	r.SyncLocation(false)
	return r
}

func decodeRequests(data []byte) ([]*models.EmergencyRequest, error) {
	var rows []requestRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, apperrors.Transport(err, "decode requests")
	}
	out := make([]*models.EmergencyRequest, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.model())
	}
	return out, nil
}

func decodeMessages(data []byte) ([]*models.Message, error) {
	var list []*models.Message
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, apperrors.Transport(err, "decode messages")
	}
	return list, nil
}

func (s *SupabaseStore) InsertRequest(ctx context.Context, r *models.EmergencyRequest) error {
	if err := ctx.Err(); err != nil {
		return apperrors.Transport(err, "insert request")
	}
	_, _, err := s.client.From(models.CollectionRequests).
		Insert(toRow(r), false, "", "representation", "").
		Execute()
	if err != nil {
		return apperrors.Transport(err, "insert request")
	}
	return nil
}

func (s *SupabaseStore) InsertMessage(ctx context.Context, m *models.Message) error {
	if err := ctx.Err(); err != nil {
		return apperrors.Transport(err, "insert message")
	}
	_, _, err := s.client.From(models.CollectionMessages).
		Insert(m, false, "", "representation", "").
		Execute()
	if err != nil {
		return apperrors.Transport(err, "insert message")
	}
	return nil
}

func (s *SupabaseStore) GetRequest(ctx context.Context, id string) (*models.EmergencyRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Transport(err, "get request")
	}
	data, _, err := s.client.From(models.CollectionRequests).
		Select("*", "", false).
		Eq("id", id).
		Execute()
	if err != nil {
		return nil, apperrors.Transport(err, "get request")
	}
	list, err := decodeRequests(data)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, apperrors.NotFound("request %s not found", id)
	}
	return list[0], nil
}

func (s *SupabaseStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Transport(err, "get message")
	}
	data, _, err := s.client.From(models.CollectionMessages).
		Select("*", "", false).
		Eq("id", id).
		Execute()
	if err != nil {
		return nil, apperrors.Transport(err, "get message")
	}
	list, err := decodeMessages(data)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, apperrors.NotFound("message %s not found", id)
	}
	return list[0], nil
}

// UpdateRequestStatus PATCH requests?id=eq.X&status=eq.from&revision=eq.N
func (s *SupabaseStore) UpdateRequestStatus(ctx context.Context, id string, from models.RequestStatus, patch models.RequestPatch) (*models.EmergencyRequest, error) {
	current, err := s.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != from {
		return nil, apperrors.Conflict("request %s is %s, expected %s", id, current.Status, from)
	}
	if patch.UpdatedAt.IsZero() {
		patch.UpdatedAt = time.Now().UTC()
	}
	body := map[string]interface{}{
		"status":     patch.Status,
		"revision":   current.Revision + 1,
		"updated_at": patch.UpdatedAt,
	}
	if patch.AcceptedBy != "" {
		body["accepted_by"] = patch.AcceptedBy
	}
	if patch.AcceptedAt != nil {
		body["accepted_at"] = patch.AcceptedAt
	}
	data, _, err := s.client.From(models.CollectionRequests).
		Update(body, "representation", "").
		Eq("id", id).
		Eq("status", string(from)).
		Eq("revision", strconv.FormatInt(current.Revision, 10)).
		Execute()
	if err != nil {
		return nil, apperrors.Transport(err, "update request status")
	}
	list, err := decodeRequests(data)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		latest, err := s.GetRequest(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, apperrors.Conflict("request %s is %s, expected %s", id, latest.Status, from)
	}
	return list[0], nil
}

func (s *SupabaseStore) UpdateMessageStatus(ctx context.Context, id string, from, to models.MessageStatus) (*models.Message, error) {
	current, err := s.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != from {
		return nil, apperrors.Conflict("message %s is %s, expected %s", id, current.Status, from)
	}
	data, _, err := s.client.From(models.CollectionMessages).
		Update(map[string]interface{}{
			"status":     to,
			"revision":   current.Revision + 1,
			"updated_at": time.Now().UTC(),
		}, "representation", "").
		Eq("id", id).
		Eq("status", string(from)).
		Eq("revision", strconv.FormatInt(current.Revision, 10)).
		Execute()
	if err != nil {
		return nil, apperrors.Transport(err, "update message status")
	}
	list, err := decodeMessages(data)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, apperrors.Conflict("message %s changed concurrently", id)
	}
	return list[0], nil
}

func (s *SupabaseStore) QueryRequests(ctx context.Context, q RequestQuery) ([]*models.EmergencyRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Transport(err, "query requests")
	}
	fb := s.client.From(models.CollectionRequests).Select("*", "", false)
	if q.HospitalID != "" {
		if q.IncludeBroadcast {
			fb = fb.Or("hospital_id.eq."+q.HospitalID+",hospital_id.eq.", "")
		} else {
			fb = fb.Eq("hospital_id", q.HospitalID)
		}
	}
	if q.UserID != "" {
		fb = fb.Eq("user_id", q.UserID)
	}
	if len(q.Statuses) > 0 {
		vals := make([]string, 0, len(q.Statuses))
		for _, st := range q.Statuses {
			vals = append(vals, string(st))
		}
		fb = fb.In("status", vals)
	}
	fb = fb.Order("created_at", &postgrest.OrderOpts{Ascending: false})
	if q.Limit > 0 {
		fb = fb.Limit(q.Limit, "")
	}
	data, _, err := fb.Execute()
	if err != nil {
		return nil, apperrors.Transport(err, "query requests")
	}
	return decodeRequests(data)
}

func (s *SupabaseStore) QueryMessages(ctx context.Context, q MessageQuery) ([]*models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Transport(err, "query messages")
	}
	fb := s.client.From(models.CollectionMessages).Select("*", "", false)
	if q.HospitalID != "" {
		fb = fb.Eq("hospital_id", q.HospitalID)
	}
	if q.UserID != "" {
		fb = fb.Eq("user_id", q.UserID)
	}
	if q.RequestID != "" {
		fb = fb.Eq("request_id", q.RequestID)
	}
	if len(q.Statuses) > 0 {
		vals := make([]string, 0, len(q.Statuses))
		for _, st := range q.Statuses {
			vals = append(vals, string(st))
		}
		fb = fb.In("status", vals)
	}
	fb = fb.Order("created_at", &postgrest.OrderOpts{Ascending: false})
	if q.Limit > 0 {
		fb = fb.Limit(q.Limit, "")
	}
	data, _, err := fb.Execute()
	if err != nil {
		return nil, apperrors.Transport(err, "query messages")
	}
	return decodeMessages(data)
}

func (s *SupabaseStore) FindRequestByCorrelation(ctx context.Context, userID, key string) (*models.EmergencyRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Transport(err, "find request by correlation")
	}
	data, _, err := s.client.From(models.CollectionRequests).
		Select("*", "", false).
		Eq("user_id", userID).
		Eq("correlation_key", key).
		Order("created_at", &postgrest.OrderOpts{Ascending: true}).
		Limit(1, "").
		Execute()
	if err != nil {
		return nil, apperrors.Transport(err, "find request by correlation")
	}
	list, err := decodeRequests(data)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, apperrors.NotFound("no request for correlation key %s", key)
	}
	return list[0], nil
}

func (s *SupabaseStore) CountRequests(ctx context.Context, status models.RequestStatus) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, apperrors.Transport(err, "count requests")
	}
	fb := s.client.From(models.CollectionRequests).Select("id", "exact", false)
	if status != "" {
		fb = fb.Eq("status", string(status))
	}
	data, count, err := fb.Execute()
	if err != nil {
		return 0, apperrors.Transport(err, "count requests")
	}
	if count > 0 {
		return count, nil
	}
	var ids []map[string]interface{}
	if err := json.Unmarshal(data, &ids); err != nil {
		return 0, apperrors.Transport(err, "decode count")
	}
	return int64(len(ids)), nil
}

func (s *SupabaseStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return apperrors.Transport(err, "supabase ping")
	}
	_, _, err := s.client.From(models.CollectionRequests).
		Select("id", "", false).
		Limit(1, "").
		Execute()
	if err != nil {
		return apperrors.Transport(err, "supabase ping")
	}
	return nil
}

func (s *SupabaseStore) Close() error { return nil }
