package util

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"
)

// LoadEnv 按环境加载 .env 文件：先 .env.<env> 再 .env，已存在的环境变量不会被覆盖
func LoadEnv(env string) error {
	var loaded bool
	var lastErr error
	for _, name := range []string{fmt.Sprintf(".env.%s", env), ".env"} {
		if _, err := os.Stat(name); err != nil {
			continue
		}
		if err := godotenv.Load(name); err != nil {
			lastErr = err
			continue
		}
		loaded = true
	}
	if !loaded && lastErr == nil {
		return fmt.Errorf("no .env file found for env %q", env)
	}
	return lastErr
}

func GetEnv(key string) string {
	return os.Getenv(key)
}

func GetEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func GetIntEnv(key string) int64 {
	return cast.ToInt64(os.Getenv(key))
}

func GetBoolEnv(key string) bool {
	return cast.ToBool(os.Getenv(key))
}

func GetFloatEnv(key string) float64 {
	return cast.ToFloat64(os.Getenv(key))
}

// GetDurationEnv 支持 "30s"、"5m" 以及纯数字（按秒）
func GetDurationEnv(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n := cast.ToInt64(v); n > 0 {
		return time.Duration(n) * time.Second
	}
	return def
}
