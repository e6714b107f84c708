package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	constants "RapidResponse/pkg/constant"
	"RapidResponse/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
)

// RateLimiterConfig 限流配置
//
// Rate: "60-M"；Identifier: "ip" 或 "user"（未认证时退回 ip）
// PerRouteRates: {"/api/requests": "10-M"} 按路由模板覆盖
// SkipPaths: ["/health", "/metrics"] 前缀匹配
type RateLimiterConfig struct {
	Rate          string            `json:"rate"`
	PerRouteRates map[string]string `json:"per_route_rates"`
	Identifier    string            `json:"identifier"`
	SkipPaths     []string          `json:"skip_paths"`
	AddHeaders    bool              `json:"add_headers"`
}

// MetricsObserver 指标上报接口
type MetricsObserver interface {
	OnAllow(route string)
	OnDeny(route string)
}

// PrometheusObserver 基于 Prometheus 的实现
type PrometheusObserver struct {
	allow *prometheus.CounterVec
	deny  *prometheus.CounterVec
}

// NewPrometheusObserver 在给定注册表上创建观察者
func NewPrometheusObserver(reg prometheus.Registerer) *PrometheusObserver {
	f := promauto.With(reg)
	return &PrometheusObserver{
		allow: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rate_limit_allow_total",
			Help: "Allowed requests by rate limiter",
		}, []string{"route"}),
		deny: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rate_limit_deny_total",
			Help: "Denied requests by rate limiter",
		}, []string{"route"}),
	}
}

func (p *PrometheusObserver) OnAllow(route string) { p.allow.WithLabelValues(route).Inc() }
func (p *PrometheusObserver) OnDeny(route string)  { p.deny.WithLabelValues(route).Inc() }

// RateLimiter 按速率字符串缓存 limiter 实例
type RateLimiter struct {
	cfg            RateLimiterConfig
	store          limiter.Store
	observer       MetricsObserver
	limitersByRate map[string]*limiter.Limiter
	mu             sync.RWMutex
}

// NewRateLimiter store 为空时使用内存存储，多实例部署可传入 Redis store
func NewRateLimiter(cfg RateLimiterConfig, store limiter.Store) *RateLimiter {
	if store == nil {
		store = memory.NewStore()
	}
	return &RateLimiter{
		cfg:            cfg,
		store:          store,
		limitersByRate: make(map[string]*limiter.Limiter),
	}
}

// WithObserver 配置指标观察者
func (l *RateLimiter) WithObserver(observer MetricsObserver) *RateLimiter {
	l.observer = observer
	return l
}

// Middleware 返回 Gin 中间件
func (l *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		cfg := l.Config()
		if cfg.skipped(route) {
			c.Next()
			return
		}

		key := cfg.limitKey(c)
		lim := l.getLimiter(cfg.pickRate(route))

		ctx, err := lim.Get(c, key)
		if err != nil {
			// 存储故障时放行
			c.Next()
			return
		}
		if cfg.AddHeaders {
			c.Header("X-RateLimit-Limit", strconv.FormatInt(ctx.Limit, 10))
			c.Header("X-RateLimit-Remaining", strconv.FormatInt(ctx.Remaining, 10))
		}
		if ctx.Reached {
			sec := int(time.Until(time.Unix(ctx.Reset, 0)).Seconds())
			if sec < 0 {
				sec = 0
			}
			c.Header("Retry-After", strconv.Itoa(sec))
			if l.observer != nil {
				l.observer.OnDeny(route)
			}
			c.AbortWithStatusJSON(http.StatusTooManyRequests, response.Body{Code: http.StatusTooManyRequests, Msg: "too many requests"})
			return
		}
		if l.observer != nil {
			l.observer.OnAllow(route)
		}
		c.Next()
	}
}

func (l *RateLimiter) getLimiter(rateStr string) *limiter.Limiter {
	l.mu.RLock()
	lim, ok := l.limitersByRate[rateStr]
	l.mu.RUnlock()
	if ok {
		return lim
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok = l.limitersByRate[rateStr]; ok {
		return lim
	}
	r, err := limiter.NewRateFromFormatted(rateStr)
	if err != nil {
		r = limiter.Rate{Period: time.Minute, Limit: 60}
	}
	lim = limiter.New(l.store, r)
	l.limitersByRate[rateStr] = lim
	return lim
}

// Config 当前配置副本
func (l *RateLimiter) Config() RateLimiterConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// UpdateConfig 运行时替换配置，已创建的 limiter 按速率字符串复用
func (l *RateLimiter) UpdateConfig(cfg RateLimiterConfig) {
	l.mu.Lock()
	l.cfg = cfg
	l.mu.Unlock()
}

func (cfg RateLimiterConfig) pickRate(route string) string {
	if r, ok := cfg.PerRouteRates[route]; ok && r != "" {
		return r
	}
	if cfg.Rate != "" {
		return cfg.Rate
	}
	return "60-M"
}

func (cfg RateLimiterConfig) skipped(route string) bool {
	for _, pref := range cfg.SkipPaths {
		if pref != "" && strings.HasPrefix(route, pref) {
			return true
		}
	}
	return false
}

func (cfg RateLimiterConfig) limitKey(c *gin.Context) string {
	if cfg.Identifier == "user" {
		if uid := c.GetString(constants.UserField); uid != "" {
			return "user:" + uid
		}
	}
	return "ip:" + strings.TrimPrefix(c.ClientIP(), "::ffff:")
}
