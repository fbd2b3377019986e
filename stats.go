package main

// 周期统计系统资源占用, 包括: cpu/内存/磁盘/流量
import (
	"sync"
	"time"

	"gb-device/common"
	"gb-device/log"
	"gb-device/stack"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
)

const (
	// 磁盘占用超过该比例视为存储异常
	DiskUsageAlarmThreshold = 95.0
)

// statsAdapter 适配api.StatsSource
type statsAdapter struct {
	*statsCollector
}

func (s statsAdapter) Latest() interface{} {
	return s.statsCollector.Latest()
}

type SystemStats struct {
	Time        string  `json:"time"`
	CpuPercent  float64 `json:"cpu_percent"`
	MemPercent  float64 `json:"mem_percent"`
	DiskPercent float64 `json:"disk_percent"`
	NetSent     uint64  `json:"net_sent"`
	NetRecv     uint64  `json:"net_recv"`
	KernelArch  string  `json:"kernel_arch"`
	Uptime      uint64  `json:"uptime"`
}

// statsCollector 实现stack.StatusSource, 磁盘满时触发存储告警
type statsCollector struct {
	lock   sync.Mutex
	latest SystemStats
	ok     bool

	alarms       *stack.AlarmManager
	storageAlarm string // 未清除的存储告警ID
}

func newStatsCollector(alarms *stack.AlarmManager) *statsCollector {
	collector := &statsCollector{ok: true, alarms: alarms}

	if info, err := host.Info(); err == nil {
		collector.latest.KernelArch = info.KernelArch
	}

	return collector
}

func (s *statsCollector) SystemOK() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.ok
}

func (s *statsCollector) Latest() SystemStats {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.latest
}

// Sample 采样一次. 由调度器周期调用.
func (s *statsCollector) Sample() {
	stats := SystemStats{Time: time.Now().Format("2006-01-02 15:04:05")}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		stats.CpuPercent = percents[0]
	}

	if memory, err := mem.VirtualMemory(); err == nil {
		stats.MemPercent = memory.UsedPercent
	}

	if usage, err := disk.Usage(common.Config.RecordPath); err == nil {
		stats.DiskPercent = usage.UsedPercent
	} else if usage, err = disk.Usage("/"); err == nil {
		stats.DiskPercent = usage.UsedPercent
	}

	if counters, err := net.IOCounters(false); err == nil && len(counters) > 0 {
		stats.NetSent = counters[0].BytesSent
		stats.NetRecv = counters[0].BytesRecv
	}

	if info, err := host.Info(); err == nil {
		stats.Uptime = info.Uptime
		stats.KernelArch = info.KernelArch
	}

	s.lock.Lock()
	s.latest = stats
	s.ok = stats.DiskPercent < DiskUsageAlarmThreshold
	storageAlarm := s.storageAlarm
	ok := s.ok
	s.lock.Unlock()

	if !ok && storageAlarm == "" {
		id := s.alarms.TriggerAlarm(stack.AlarmInfo{
			DeviceID:    common.Config.DeviceID,
			ChannelID:   common.Config.DeviceID,
			Type:        stack.AlarmTypeStorageFailure,
			Level:       stack.AlarmLevelCritical,
			Method:      "6",
			Description: "disk usage above threshold",
		})

		s.lock.Lock()
		s.storageAlarm = id
		s.lock.Unlock()

		log.Sugar.Errorf("磁盘空间不足 usage: %.1f%%", stats.DiskPercent)
	} else if ok && storageAlarm != "" {
		_ = s.alarms.ClearAlarm(storageAlarm)

		s.lock.Lock()
		s.storageAlarm = ""
		s.lock.Unlock()
	}
}
