package metrics

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemStats 健康检查返回的系统快照
type SystemStats struct {
	Timestamp   time.Time `json:"timestamp"`
	Hostname    string    `json:"hostname"`
	Uptime      uint64    `json:"uptime"`
	CPUPercent  float64   `json:"cpu_percent"`
	MemTotal    uint64    `json:"mem_total"`
	MemUsed     uint64    `json:"mem_used"`
	MemPercent  float64   `json:"mem_percent"`
	HeapAlloc   uint64    `json:"heap_alloc"`
	Goroutines  int       `json:"goroutines"`
	NumLogicCPU int       `json:"num_logic_cpu"`
}

// SystemMonitor 周期采集主机指标并写入 Prometheus 仪表盘
type SystemMonitor struct {
	mu       sync.RWMutex
	latest   *SystemStats
	metrics  *Metrics
	interval time.Duration
}

// NewSystemMonitor 创建系统监控器
func NewSystemMonitor(m *Metrics, interval time.Duration) *SystemMonitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &SystemMonitor{metrics: m, interval: interval}
}

// Run 阻塞直到 ctx 结束
func (sm *SystemMonitor) Run(ctx context.Context) {
	sm.Collect()

	ticker := time.NewTicker(sm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sm.Collect()
		case <-ctx.Done():
			return
		}
	}
}

// Collect 采集一次，采集失败的字段保持零值
func (sm *SystemMonitor) Collect() *SystemStats {
	stats := &SystemStats{
		Timestamp:   time.Now(),
		Goroutines:  runtime.NumGoroutine(),
		NumLogicCPU: runtime.NumCPU(),
	}

	if cpuPercent, err := cpu.Percent(0, false); err == nil && len(cpuPercent) > 0 {
		stats.CPUPercent = cpuPercent[0]
	}
	if vmstat, err := mem.VirtualMemory(); err == nil {
		stats.MemTotal = vmstat.Total
		stats.MemUsed = vmstat.Used
		stats.MemPercent = vmstat.UsedPercent
	}
	if hostInfo, err := host.Info(); err == nil {
		stats.Hostname = hostInfo.Hostname
		stats.Uptime = hostInfo.Uptime
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	stats.HeapAlloc = ms.HeapAlloc

	if sm.metrics != nil {
		sm.metrics.SetSystemCPUUsage(stats.CPUPercent)
		sm.metrics.SetSystemMemoryUsage("used", stats.MemUsed)
		sm.metrics.SetSystemMemoryUsage("total", stats.MemTotal)
		sm.metrics.SetSystemMemoryUsage("heap", stats.HeapAlloc)
	}

	sm.mu.Lock()
	sm.latest = stats
	sm.mu.Unlock()
	return stats
}

// Latest 最近一次采集结果，从未采集时即时采集
func (sm *SystemMonitor) Latest() *SystemStats {
	sm.mu.RLock()
	latest := sm.latest
	sm.mu.RUnlock()
	if latest == nil {
		return sm.Collect()
	}
	return latest
}
