package metrics

import (
	"errors"
	"time"

	"RapidResponse/pkg/logger"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const startedAtKey = "metrics:started_at"

// GormPlugin 记录每条 SQL 的耗时，超过阈值输出慢查询日志
type GormPlugin struct {
	metrics       *Metrics
	slowThreshold time.Duration
}

func NewGormPlugin(m *Metrics, slowThreshold time.Duration) *GormPlugin {
	if slowThreshold <= 0 {
		slowThreshold = 200 * time.Millisecond
	}
	return &GormPlugin{metrics: m, slowThreshold: slowThreshold}
}

func (p *GormPlugin) Name() string { return "rapidresponse:metrics" }

// Initialize 实现 gorm.Plugin
func (p *GormPlugin) Initialize(db *gorm.DB) error {
	cb := db.Callback()
	hooks := []struct {
		op     string
		before func(string, func(*gorm.DB)) error
		after  func(string, func(*gorm.DB)) error
	}{
		{"create", cb.Create().Before("gorm:create").Register, cb.Create().After("gorm:create").Register},
		{"query", cb.Query().Before("gorm:query").Register, cb.Query().After("gorm:query").Register},
		{"update", cb.Update().Before("gorm:update").Register, cb.Update().After("gorm:update").Register},
		{"delete", cb.Delete().Before("gorm:delete").Register, cb.Delete().After("gorm:delete").Register},
		{"row", cb.Row().Before("gorm:row").Register, cb.Row().After("gorm:row").Register},
		{"raw", cb.Raw().Before("gorm:raw").Register, cb.Raw().After("gorm:raw").Register},
	}
	for _, h := range hooks {
		if err := h.before("metrics:before_"+h.op, p.before); err != nil {
			return err
		}
		if err := h.after("metrics:after_"+h.op, p.after(h.op)); err != nil {
			return err
		}
	}
	return nil
}

func (p *GormPlugin) before(db *gorm.DB) {
	db.InstanceSet(startedAtKey, time.Now())
}

func (p *GormPlugin) after(op string) func(*gorm.DB) {
	return func(db *gorm.DB) {
		v, ok := db.InstanceGet(startedAtKey)
		if !ok {
			return
		}
		started, _ := v.(time.Time)
		elapsed := time.Since(started)

		table := ""
		if db.Statement != nil {
			table = db.Statement.Table
		}
		err := db.Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			err = nil
		}
		p.metrics.RecordDBQuery(op, table, elapsed, err)

		if elapsed > p.slowThreshold {
			logger.Warn("slow query",
				zap.String("operation", op),
				zap.String("table", table),
				zap.Duration("elapsed", elapsed),
				zap.String("sql", db.Statement.SQL.String()),
			)
		}
	}
}
