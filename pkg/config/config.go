package config

import (
	"RapidResponse/pkg/logger"
	"RapidResponse/pkg/util"
	"log"
	"os"
	"time"
)

// config/config.go
type Config struct {
	DBDriver   string `env:"DB_DRIVER"`
	DSN        string `env:"DSN"`
	DBDebug    bool   `env:"DB_DEBUG"`
	Log        logger.LogConfig
	Addr       string `env:"ADDR"`
	Mode       string `env:"MODE"`
	APIPrefix  string `env:"API_PREFIX"`
	JWTSecret  string `env:"JWT_SECRET"`
	AllowDevID bool   `env:"AUTH_ALLOW_DEV_HEADER"`

	// 持久化后端: gorm | supabase
	Backend            string `env:"BACKEND"`
	SupabaseURL        string `env:"SUPABASE_URL"`
	SupabaseServiceKey string `env:"SUPABASE_SERVICE_ROLE_KEY"`

	CacheType     string `env:"CACHE_TYPE"`
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB"`

	// 多实例时通过 Redis 频道广播变更事件
	RealtimeRedis   bool   `env:"REALTIME_REDIS"`
	RealtimeChannel string `env:"REALTIME_CHANNEL"`

	IdempotencyTTL    time.Duration `env:"IDEMPOTENCY_TTL"`
	RateLimit         string        `env:"RATE_LIMIT"`
	SweepSchedule     string        `env:"SWEEP_SCHEDULE"`
	StalePendingAfter time.Duration `env:"STALE_PENDING_AFTER"`

	SearchEnabled bool   `env:"SEARCH_ENABLED"`
	SearchPath    string `env:"SEARCH_PATH"`

	// 新求助短信通知医院热线
	SMSEnabled  bool   `env:"SMS_ENABLED"`
	SMSTemplate string `env:"SMS_TEMPLATE"`

	DefaultLat         float64 `env:"DEFAULT_LAT"`
	DefaultLng         float64 `env:"DEFAULT_LNG"`
	UseDefaultLocation bool    `env:"USE_DEFAULT_LOCATION"`
}

var GlobalConfig *Config

func Load() error {
	// 1. 根据环境加载 .env 文件
	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "development" // 默认使用开发环境
	}
	err := util.LoadEnv(env)
	if err != nil {
		log.Printf("Failed to load .env file: %v", err)
	}

	// 2. 加载全局配置
	GlobalConfig = &Config{
		DBDriver:   util.GetEnv("DB_DRIVER"),
		DSN:        util.GetEnv("DSN"),
		DBDebug:    util.GetBoolEnv("DB_DEBUG"),
		Addr:       util.GetEnvOrDefault("ADDR", ":8080"),
		Mode:       util.GetEnvOrDefault("MODE", "debug"),
		APIPrefix:  util.GetEnvOrDefault("API_PREFIX", "/api"),
		JWTSecret:  util.GetEnv("JWT_SECRET"),
		AllowDevID: util.GetBoolEnv("AUTH_ALLOW_DEV_HEADER"),
		Log: logger.LogConfig{
			Level:      util.GetEnv("LOG_LEVEL"),
			Filename:   util.GetEnv("LOG_FILENAME"),
			MaxSize:    int(util.GetIntEnv("LOG_MAX_SIZE")),
			MaxAge:     int(util.GetIntEnv("LOG_MAX_AGE")),
			MaxBackups: int(util.GetIntEnv("LOG_MAX_BACKUPS")),
		},
		Backend:            util.GetEnvOrDefault("BACKEND", "gorm"),
		SupabaseURL:        util.GetEnv("SUPABASE_URL"),
		SupabaseServiceKey: util.GetEnv("SUPABASE_SERVICE_ROLE_KEY"),
		CacheType:          util.GetEnvOrDefault("CACHE_TYPE", "gocache"),
		RedisAddr:          util.GetEnvOrDefault("REDIS_ADDR", "localhost:6379"),
		RedisPassword:      util.GetEnv("REDIS_PASSWORD"),
		RedisDB:            int(util.GetIntEnv("REDIS_DB")),
		RealtimeRedis:      util.GetBoolEnv("REALTIME_REDIS"),
		RealtimeChannel:    util.GetEnvOrDefault("REALTIME_CHANNEL", "rapidresponse:changes"),
		IdempotencyTTL:     util.GetDurationEnv("IDEMPOTENCY_TTL", 24*time.Hour),
		RateLimit:          util.GetEnvOrDefault("RATE_LIMIT", "60-M"),
		SweepSchedule:      util.GetEnvOrDefault("SWEEP_SCHEDULE", "@every 1m"),
		StalePendingAfter:  util.GetDurationEnv("STALE_PENDING_AFTER", 10*time.Minute),
		SearchEnabled:      util.GetBoolEnv("SEARCH_ENABLED"),
		SearchPath:         util.GetEnv("SEARCH_PATH"),
		SMSEnabled:         util.GetBoolEnv("SMS_ENABLED"),
		SMSTemplate:        util.GetEnvOrDefault("SMS_TEMPLATE", "NEW_EMERGENCY_REQUEST"),
		DefaultLat:         floatOr(util.GetFloatEnv("DEFAULT_LAT"), 4.8156),
		DefaultLng:         floatOr(util.GetFloatEnv("DEFAULT_LNG"), 7.0498),
		UseDefaultLocation: util.GetBoolEnv("USE_DEFAULT_LOCATION"),
	}
	return nil
}

func floatOr(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}
