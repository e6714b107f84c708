package constants

// gin.Context 中使用的键
const (
	UserField           = "user_id"
	UserRoleField       = "user_role"
	DbField             = "db"
	IdempotencyKeyField = "idempotency_key"
)

// 用户角色
const (
	RolePatient   = "patient"
	RoleResponder = "responder"
	RoleAdmin     = "admin"
)

// 请求头
const (
	HeaderUserID         = "X-User-ID"
	HeaderUserRole       = "X-User-Role"
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderGeoLat         = "X-Geo-Lat"
	HeaderGeoLng         = "X-Geo-Lng"
)
