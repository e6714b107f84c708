package handlers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"RapidResponse/internal/dispatch"
	"RapidResponse/internal/models"
	"RapidResponse/internal/realtime"
	"RapidResponse/internal/store"
	"RapidResponse/pkg/cache"
	constants "RapidResponse/pkg/constant"
	"RapidResponse/pkg/metrics"
	"RapidResponse/pkg/middleware"
	"RapidResponse/pkg/search"
	"RapidResponse/pkg/sse"
	"RapidResponse/pkg/util"
	"RapidResponse/pkg/websocket"

	"github.com/gin-gonic/gin"
	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulule/limiter/v3/drivers/store/memory"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type env struct {
	engine *gin.Engine
	svc    *dispatch.Service
	search search.Engine
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db, err := util.InitDatabase("", "", false)
	require.NoError(t, err)
	st := store.NewGormStore(db)
	require.NoError(t, st.Migrate())
	t.Cleanup(func() { _ = st.Close() })

	feed := realtime.NewFeed()
	t.Cleanup(feed.Close)
	m := metrics.NewMetrics(nil)
	svc := dispatch.NewService(st, feed, dispatch.Options{
		Cache:   cache.NewLocalCache(cache.LocalConfig{}),
		Metrics: m,
	})

	idx, err := search.New(search.Config{}, search.BuildIndexMapping(""))
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })

	wsHub := websocket.NewHub(nil)
	t.Cleanup(wsHub.Close)

	limiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{Rate: "1000-S"}, memory.NewStore())

	h := NewHandlers(Deps{
		Service:          svc,
		WSHub:            wsHub,
		SSEHub:           sse.NewHub(time.Second),
		Search:           idx,
		Metrics:          m,
		Limiter:          limiter,
		Auth:             middleware.AuthConfig{AllowDevHeader: true},
		Monitor:          metrics.NewSystemMonitor(m, time.Minute),
		FallbackLocation: &models.Location{Lat: 4.8156, Lng: 7.0498},
	})
	engine := gin.New()
	h.Register(engine)
	return &env{engine: engine, svc: svc, search: idx}
}

type call struct {
	method, path string
	body         interface{}
	user, role   string
	header       map[string]string
}

type result struct {
	Code   int
	Header http.Header
	Body   struct {
		Code int             `json:"code"`
		Msg  string          `json:"msg"`
		Data json.RawMessage `json:"data"`
	}
}

func (e *env) do(t *testing.T, c call) result {
	t.Helper()
	var body io.Reader
	if c.body != nil {
		raw, err := json.Marshal(c.body)
		require.NoError(t, err)
		body = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(c.method, c.path, body)
	req.Header.Set("Content-Type", "application/json")
	if c.user != "" {
		req.Header.Set(constants.HeaderUserID, c.user)
		req.Header.Set(constants.HeaderUserRole, c.role)
	}
	for k, v := range c.header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.engine.ServeHTTP(w, req)

	res := result{Code: w.Code, Header: w.Header()}
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res.Body), w.Body.String())
	}
	return res
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

type listBody struct {
	Items []map[string]interface{} `json:"items"`
	Total int                      `json:"total"`
}

func (e *env) createRequest(t *testing.T, user, hospital, msg string) models.EmergencyRequest {
	t.Helper()
	res := e.do(t, call{method: http.MethodPost, path: "/api/requests", user: user, role: constants.RolePatient,
		body: gin.H{"hospital_id": hospital, "message": msg, "location": gin.H{"lat": 4.81, "lng": 7.05}}})
	require.Equal(t, http.StatusCreated, res.Code, res.Body.Msg)
	return decode[models.EmergencyRequest](t, res.Body.Data)
}

func TestAcceptRaceOverHTTP(t *testing.T) {
	e := newEnv(t)
	req := e.createRequest(t, "patient-1", "H1", "chest pain")
	assert.Equal(t, models.RequestPending, req.Status)
	assert.Equal(t, int64(1), req.Revision)

	first := e.do(t, call{method: http.MethodPost, path: "/api/requests/" + req.ID + "/accept", user: "resp-a", role: constants.RoleResponder})
	require.Equal(t, http.StatusOK, first.Code)
	accepted := decode[models.EmergencyRequest](t, first.Body.Data)
	assert.Equal(t, models.RequestAccepted, accepted.Status)
	assert.Equal(t, "resp-a", accepted.AcceptedBy)

	second := e.do(t, call{method: http.MethodPost, path: "/api/requests/" + req.ID + "/accept", user: "resp-b", role: constants.RoleResponder})
	assert.Equal(t, http.StatusConflict, second.Code)
	assert.Equal(t, 409, second.Body.Code)

	// 只有接单人能推进后续状态
	other := e.do(t, call{method: http.MethodPost, path: "/api/requests/" + req.ID + "/enroute", user: "resp-b", role: constants.RoleResponder})
	assert.Equal(t, http.StatusForbidden, other.Code)

	enroute := e.do(t, call{method: http.MethodPost, path: "/api/requests/" + req.ID + "/enroute", user: "resp-a", role: constants.RoleResponder})
	assert.Equal(t, http.StatusOK, enroute.Code)

	// 患者角色不能接单
	patient := e.do(t, call{method: http.MethodPost, path: "/api/requests/" + req.ID + "/resolve", user: "patient-1", role: constants.RolePatient})
	assert.Equal(t, http.StatusForbidden, patient.Code)
}

func TestCreateRequestErrors(t *testing.T) {
	e := newEnv(t)

	res := e.do(t, call{method: http.MethodPost, path: "/api/requests", body: gin.H{"hospital_id": "H1"}})
	assert.Equal(t, http.StatusUnauthorized, res.Code)

	res = e.do(t, call{method: http.MethodPost, path: "/api/requests", user: "patient-1", role: constants.RolePatient,
		body: gin.H{"hospital_id": "H9", "location": gin.H{"lat": 4.8, "lng": 7.0}}})
	assert.Equal(t, http.StatusNotFound, res.Code)

	res = e.do(t, call{method: http.MethodPost, path: "/api/requests", user: "patient-1", role: constants.RolePatient,
		body: gin.H{"hospital_id": "H1", "location": gin.H{"lat": 0, "lng": 0}}})
	assert.Equal(t, http.StatusBadRequest, res.Code)

	res = e.do(t, call{method: http.MethodGet, path: "/api/requests/missing", user: "patient-1", role: constants.RolePatient})
	assert.Equal(t, http.StatusNotFound, res.Code)
}

func TestGetRequestOwnership(t *testing.T) {
	e := newEnv(t)
	req := e.createRequest(t, "patient-1", "H1", "seizure")

	res := e.do(t, call{method: http.MethodGet, path: "/api/requests/" + req.ID, user: "patient-1", role: constants.RolePatient})
	assert.Equal(t, http.StatusOK, res.Code)
	res = e.do(t, call{method: http.MethodGet, path: "/api/requests/" + req.ID, user: "patient-2", role: constants.RolePatient})
	assert.Equal(t, http.StatusForbidden, res.Code)
	res = e.do(t, call{method: http.MethodGet, path: "/api/requests/" + req.ID, user: "resp-a", role: constants.RoleResponder})
	assert.Equal(t, http.StatusOK, res.Code)
}

func TestNotificationGroupsByRole(t *testing.T) {
	groups := func(role string) []string {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request = httptest.NewRequest(http.MethodGet, "/api/ws?hospital_id=H2", nil)
		c.Set(constants.UserField, "u1")
		c.Set(constants.UserRoleField, role)
		return notificationGroups(c)
	}
	assert.Equal(t, []string{"user:u1"}, groups(constants.RolePatient))
	assert.Equal(t, []string{"user:u1"}, groups(""))
	assert.Equal(t, []string{"user:u1", "hospital:H2"}, groups(constants.RoleResponder))
}

func TestCreateRequestLocationFallbacks(t *testing.T) {
	e := newEnv(t)

	res := e.do(t, call{method: http.MethodPost, path: "/api/requests", user: "patient-2", role: constants.RolePatient,
		body:   gin.H{"hospital_id": "H2", "message": "fracture"},
		header: map[string]string{constants.HeaderGeoLat: "4.90", constants.HeaderGeoLng: "7.10"}})
	require.Equal(t, http.StatusCreated, res.Code)
	req := decode[models.EmergencyRequest](t, res.Body.Data)
	assert.InDelta(t, 4.90, req.Location.Lat, 1e-9)

	res = e.do(t, call{method: http.MethodPost, path: "/api/requests", user: "patient-2", role: constants.RolePatient,
		body: gin.H{"message": "broadcast"}})
	require.Equal(t, http.StatusCreated, res.Code)
	req = decode[models.EmergencyRequest](t, res.Body.Data)
	assert.InDelta(t, 4.8156, req.Location.Lat, 1e-9)
	assert.Empty(t, req.HospitalID)
}

func TestIdempotentCreateReplays(t *testing.T) {
	e := newEnv(t)
	c := call{method: http.MethodPost, path: "/api/requests", user: "patient-3", role: constants.RolePatient,
		body:   gin.H{"hospital_id": "H3", "message": "burn", "location": gin.H{"lat": 4.8, "lng": 7.0}},
		header: map[string]string{constants.HeaderIdempotencyKey: "tap-1"}}

	first := e.do(t, c)
	require.Equal(t, http.StatusCreated, first.Code)
	second := e.do(t, c)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "true", second.Header.Get("Idempotent-Replayed"))

	a := decode[models.EmergencyRequest](t, first.Body.Data)
	b := decode[models.EmergencyRequest](t, second.Body.Data)
	assert.Equal(t, a.ID, b.ID)

	list := e.do(t, call{method: http.MethodGet, path: "/api/patient/requests", user: "patient-3", role: constants.RolePatient})
	assert.Equal(t, 1, decode[listBody](t, list.Body.Data).Total)
}

func TestListingScopes(t *testing.T) {
	e := newEnv(t)
	mine := e.createRequest(t, "patient-1", "H1", "one")
	e.createRequest(t, "patient-2", "H2", "two")
	e.createRequest(t, "patient-2", "", "broadcast")

	// 患者角色只能看到自己的
	res := e.do(t, call{method: http.MethodGet, path: "/api/requests?user_id=patient-2", user: "patient-1", role: constants.RolePatient})
	require.Equal(t, http.StatusOK, res.Code)
	list := decode[listBody](t, res.Body.Data)
	require.Equal(t, 1, list.Total)
	assert.Equal(t, mine.ID, list.Items[0]["id"])

	res = e.do(t, call{method: http.MethodGet, path: "/api/responder/requests?hospital_id=H1", user: "resp-a", role: constants.RoleResponder})
	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, 2, decode[listBody](t, res.Body.Data).Total)

	res = e.do(t, call{method: http.MethodGet, path: "/api/responder/requests", user: "patient-1", role: constants.RolePatient})
	assert.Equal(t, http.StatusForbidden, res.Code)

	res = e.do(t, call{method: http.MethodGet, path: "/api/requests?collection=alerts", user: "resp-a", role: constants.RoleResponder})
	assert.Equal(t, http.StatusBadRequest, res.Code)
}

func TestCancelOnlyByRequester(t *testing.T) {
	e := newEnv(t)
	req := e.createRequest(t, "patient-1", "H1", "asthma")

	res := e.do(t, call{method: http.MethodPost, path: "/api/requests/" + req.ID + "/cancel", user: "patient-9", role: constants.RolePatient})
	assert.Equal(t, http.StatusForbidden, res.Code)

	res = e.do(t, call{method: http.MethodPost, path: "/api/requests/" + req.ID + "/cancel", user: "patient-1", role: constants.RolePatient})
	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, models.RequestCancelled, decode[models.EmergencyRequest](t, res.Body.Data).Status)

	// 终态之后再接单是冲突
	res = e.do(t, call{method: http.MethodPost, path: "/api/requests/" + req.ID + "/accept", user: "resp-a", role: constants.RoleResponder})
	assert.Equal(t, http.StatusConflict, res.Code)
}

func TestMessagesAndThread(t *testing.T) {
	e := newEnv(t)
	req := e.createRequest(t, "patient-1", "H1", "bleeding")

	res := e.do(t, call{method: http.MethodPost, path: "/api/messages", user: "patient-1", role: constants.RolePatient,
		body: gin.H{"hospital_id": "H1", "request_id": req.ID, "content": "heavy bleeding from leg"}})
	require.Equal(t, http.StatusCreated, res.Code)
	msg := decode[models.Message](t, res.Body.Data)
	assert.Equal(t, models.MessagePending, msg.Status)

	res = e.do(t, call{method: http.MethodPost, path: "/api/messages", user: "patient-1", role: constants.RolePatient,
		body: gin.H{"hospital_id": "H1", "content": "   "}})
	assert.Equal(t, http.StatusBadRequest, res.Code)

	res = e.do(t, call{method: http.MethodPost, path: "/api/messages/" + msg.ID + "/status", user: "resp-a", role: constants.RoleResponder,
		body: gin.H{"status": "read"}})
	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, models.MessageRead, decode[models.Message](t, res.Body.Data).Status)

	res = e.do(t, call{method: http.MethodPost, path: "/api/messages/" + msg.ID + "/status", user: "resp-a", role: constants.RoleResponder,
		body: gin.H{"status": "delivered"}})
	assert.Equal(t, http.StatusConflict, res.Code)

	res = e.do(t, call{method: http.MethodGet, path: "/api/messages?hospital_id=H1", user: "resp-a", role: constants.RoleResponder})
	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, 1, decode[listBody](t, res.Body.Data).Total)

	res = e.do(t, call{method: http.MethodGet, path: "/api/hospitals/H1/thread?mine=1", user: "patient-1", role: constants.RolePatient})
	require.Equal(t, http.StatusOK, res.Code)
	thread := decode[dispatch.Thread](t, res.Body.Data)
	require.Len(t, thread.Messages, 1)
	require.NotNil(t, thread.Request)
	assert.Equal(t, req.ID, thread.Request.ID)
	assert.NotEmpty(t, thread.Badge)
}

func TestHospitals(t *testing.T) {
	e := newEnv(t)
	res := e.do(t, call{method: http.MethodGet, path: "/api/hospitals"})
	require.Equal(t, http.StatusOK, res.Code)
	assert.Len(t, decode[[]models.Hospital](t, res.Body.Data), 4)

	res = e.do(t, call{method: http.MethodGet, path: "/api/hospitals/H4"})
	assert.Equal(t, http.StatusOK, res.Code)
	res = e.do(t, call{method: http.MethodGet, path: "/api/hospitals/H5"})
	assert.Equal(t, http.StatusNotFound, res.Code)
}

func TestSearchMessages(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.search.Index(ctx, search.Doc{ID: "m1", Type: search.TypeMessage,
		Fields: map[string]any{"content": "chest pain since morning", "hospital_id": "H1", "status": "pending"}}))
	require.NoError(t, e.search.Index(ctx, search.Doc{ID: "m2", Type: search.TypeMessage,
		Fields: map[string]any{"content": "chest injury", "hospital_id": "H2", "status": "pending"}}))

	res := e.do(t, call{method: http.MethodGet, path: "/api/messages/search?q=chest&hospital_id=H1", user: "resp-a", role: constants.RoleResponder})
	require.Equal(t, http.StatusOK, res.Code)
	out := decode[search.SearchResult](t, res.Body.Data)
	require.Len(t, out.Hits, 1)
	assert.Equal(t, "m1", out.Hits[0].ID)

	res = e.do(t, call{method: http.MethodGet, path: "/api/messages/search", user: "resp-a", role: constants.RoleResponder})
	assert.Equal(t, http.StatusBadRequest, res.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	e := newEnv(t)
	e.createRequest(t, "patient-1", "H1", "fever")

	res := e.do(t, call{method: http.MethodGet, path: "/api/system/health"})
	assert.Equal(t, http.StatusOK, res.Code)

	w := httptest.NewRecorder()
	e.engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "emergency_requests_created_total")

	// 非管理员不能改限流配置
	res = e.do(t, call{method: http.MethodPost, path: "/api/system/rate-limiter/config", user: "resp-a", role: constants.RoleResponder,
		body: gin.H{"rate": "10-S"}})
	assert.Equal(t, http.StatusForbidden, res.Code)
	res = e.do(t, call{method: http.MethodPost, path: "/api/system/rate-limiter/config", user: "ops", role: constants.RoleAdmin,
		body: gin.H{"rate": "10-S"}})
	assert.Equal(t, http.StatusOK, res.Code)
}

func TestFilterFromParams(t *testing.T) {
	f, err := filterFromParams("p1", constants.RolePatient, map[string]string{"user_id": "p2", "status": "pending, accepted"})
	require.NoError(t, err)
	assert.Equal(t, "p1", f.UserID)
	assert.Equal(t, []string{"pending", "accepted"}, f.Statuses)

	f, err = filterFromParams("r1", constants.RoleResponder, map[string]string{"scope": "responder", "hospital_id": "H2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"pending"}, f.Statuses)
	assert.True(t, f.IncludeBroadcast)
	assert.Equal(t, "H2", f.HospitalID)

	_, err = filterFromParams("r1", "", map[string]string{"scope": "everyone"})
	assert.Error(t, err)
}

func readEvent(t *testing.T, r *bufio.Reader, want string) string {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		if strings.TrimSpace(line) != "event: "+want {
			continue
		}
		data, err := r.ReadString('\n')
		require.NoError(t, err)
		return strings.TrimPrefix(strings.TrimSpace(data), "data: ")
	}
}

func TestStreamSnapshotThenChanges(t *testing.T) {
	e := newEnv(t)
	existing := e.createRequest(t, "patient-1", "H1", "existing")

	srv := httptest.NewServer(e.engine)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/stream?collection=requests&hospital_id=H1", nil)
	require.NoError(t, err)
	req.Header.Set(constants.HeaderUserID, "resp-a")
	req.Header.Set(constants.HeaderUserRole, constants.RoleResponder)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	r := bufio.NewReader(resp.Body)
	snap := readEvent(t, r, "snapshot")
	assert.Contains(t, snap, existing.ID)

	created := e.createRequest(t, "patient-2", "H1", "new one")
	change := readEvent(t, r, "change")
	assert.Contains(t, change, created.ID)
}

func dialWS(t *testing.T, srv *httptest.Server, user, role string) *gorilla.Conn {
	t.Helper()
	header := http.Header{}
	header.Set(constants.HeaderUserID, user)
	header.Set(constants.HeaderUserRole, role)
	ws, _, err := gorilla.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api"+websocket.RouteWebSocket, header)
	require.NoError(t, err)
	return ws
}

func readFrame(t *testing.T, ws *gorilla.Conn, want string) json.RawMessage {
	t.Helper()
	for {
		var m struct {
			Type string          `json:"type"`
			Sub  string          `json:"sub"`
			Data json.RawMessage `json:"data"`
		}
		require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
		require.NoError(t, ws.ReadJSON(&m))
		if m.Type == websocket.MessageTypeError {
			t.Fatalf("error frame: %s", m.Data)
		}
		if m.Type == want {
			return m.Data
		}
	}
}

func TestWebSocketSubscribeScopesPatient(t *testing.T) {
	e := newEnv(t)
	mine := e.createRequest(t, "patient-1", "H1", "mine")
	other := e.createRequest(t, "patient-2", "H1", "someone else")

	srv := httptest.NewServer(e.engine)
	defer srv.Close()

	ws := dialWS(t, srv, "patient-1", constants.RolePatient)
	defer ws.Close()
	require.NoError(t, ws.WriteJSON(websocket.Message{Type: websocket.MessageTypeSubscribe, Sub: "s1",
		Data: map[string]string{"collection": "requests"}}))

	type snapshot struct {
		Items []map[string]interface{} `json:"items"`
	}
	var snap snapshot
	require.NoError(t, json.Unmarshal(readFrame(t, ws, websocket.MessageTypeSnapshot), &snap))
	require.Len(t, snap.Items, 1)
	assert.Equal(t, mine.ID, snap.Items[0]["id"])

	// 其他患者的变更不会推给当前患者
	e.createRequest(t, "patient-2", "H1", "another")
	again := e.createRequest(t, "patient-1", "H1", "follow up")
	change := readFrame(t, ws, websocket.MessageTypeChange)
	assert.Contains(t, string(change), again.ID)
	assert.NotContains(t, string(change), other.ID)

	// 接单方不受限制
	resp := dialWS(t, srv, "resp-a", constants.RoleResponder)
	defer resp.Close()
	require.NoError(t, resp.WriteJSON(websocket.Message{Type: websocket.MessageTypeSubscribe, Sub: "s1",
		Data: map[string]string{"collection": "requests"}}))
	require.NoError(t, json.Unmarshal(readFrame(t, resp, websocket.MessageTypeSnapshot), &snap))
	assert.Len(t, snap.Items, 4)
}
