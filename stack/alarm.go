package stack

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"gb-device/log"
)

type AlarmType int

const (
	AlarmTypeVideoLoss AlarmType = iota + 1
	AlarmTypeMotionDetect
	AlarmTypeIOAlarm
	AlarmTypeStorageFailure
	AlarmTypeNetworkFailure
	AlarmTypeIllegalAccess
	AlarmTypeVideoBlind
	AlarmTypeOther
)

func (t AlarmType) String() string {
	switch t {
	case AlarmTypeVideoLoss:
		return "VideoLoss"
	case AlarmTypeMotionDetect:
		return "MotionDetect"
	case AlarmTypeIOAlarm:
		return "IOAlarm"
	case AlarmTypeStorageFailure:
		return "StorageFailure"
	case AlarmTypeNetworkFailure:
		return "NetworkFailure"
	case AlarmTypeIllegalAccess:
		return "IllegalAccess"
	case AlarmTypeVideoBlind:
		return "VideoBlind"
	default:
		return "Other"
	}
}

type AlarmLevel int

const (
	AlarmLevelInfo AlarmLevel = iota + 1
	AlarmLevelWarning
	AlarmLevelCritical
	AlarmLevelEmergency
)

func (l AlarmLevel) String() string {
	switch l {
	case AlarmLevelInfo:
		return "Info"
	case AlarmLevelWarning:
		return "Warning"
	case AlarmLevelCritical:
		return "Critical"
	case AlarmLevelEmergency:
		return "Emergency"
	default:
		return "Unknown"
	}
}

const (
	// 历史告警环形上限, FIFO淘汰
	MaxAlarmHistory = 1000
)

var (
	ErrAlarmNotFound = errors.New("alarm not found")
)

type AlarmInfo struct {
	AlarmID     string     `json:"alarm_id"`
	DeviceID    string     `json:"device_id"`
	ChannelID   string     `json:"channel_id"`
	Type        AlarmType  `json:"type"`
	Level       AlarmLevel `json:"level"`
	Method      string     `json:"method"` // 报警方式, 缺省5-视频报警
	StartTime   string     `json:"start_time"`
	EndTime     string     `json:"end_time"` // 为空表示持续中
	Description string     `json:"description"`
	Latitude    float64    `json:"latitude"`
	Longitude   float64    `json:"longitude"`
	Priority    int        `json:"priority"`
	Attachment  string     `json:"attachment"`
	IsActive    bool       `json:"is_active"`
}

// AlarmSink 告警上报回调
type AlarmSink interface {
	OnAlarm(alarm AlarmInfo)
}

type AlarmSinkFunc func(alarm AlarmInfo)

func (f AlarmSinkFunc) OnAlarm(alarm AlarmInfo) {
	f(alarm)
}

type AlarmManager struct {
	lock    sync.Mutex
	active  map[string]*AlarmInfo
	history []AlarmInfo

	sink  AlarmSink
	armed bool

	now func() time.Time
}

func NewAlarmManager(sink AlarmSink) *AlarmManager {
	return &AlarmManager{
		active: make(map[string]*AlarmInfo),
		sink:   sink,
		armed:  true,
		now:    time.Now,
	}
}

// SetClock 测试用
func (m *AlarmManager) SetClock(now func() time.Time) {
	m.now = now
}

// SetArmed 布防/撤防. 撤防后触发的告警照常入活跃表和历史, 只是不回调上报.
func (m *AlarmManager) SetArmed(armed bool) {
	m.lock.Lock()
	m.armed = armed
	m.lock.Unlock()
}

func (m *AlarmManager) Armed() bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.armed
}

// TriggerAlarm 分配ID入表, 同步回调一次, 返回告警ID
func (m *AlarmManager) TriggerAlarm(info AlarmInfo) string {
	m.lock.Lock()

	info.AlarmID = GenerateAlarmID()
	info.IsActive = true
	if info.StartTime == "" {
		info.StartTime = m.now().Format("2006-01-02T15:04:05")
	}
	if info.Method == "" {
		info.Method = "5"
	}
	if info.Priority == 0 {
		info.Priority = int(info.Level)
	}

	copied := info
	m.active[info.AlarmID] = &copied
	m.appendHistory(info)

	armed := m.armed
	sink := m.sink
	m.lock.Unlock()

	log.Sugar.Infof("触发告警 id: %s type: %s level: %s channel: %s", info.AlarmID, info.Type, info.Level, info.ChannelID)

	if armed && sink != nil {
		sink.OnAlarm(info)
	}

	return info.AlarmID
}

func (m *AlarmManager) appendHistory(info AlarmInfo) {
	m.history = append(m.history, info)
	if len(m.history) > MaxAlarmHistory {
		m.history = m.history[len(m.history)-MaxAlarmHistory:]
	}
}

// ClearAlarm 从活跃表移走, 补endTime. 历史中保留.
func (m *AlarmManager) ClearAlarm(alarmID string) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	alarm, ok := m.active[alarmID]
	if !ok {
		return ErrAlarmNotFound
	}

	alarm.IsActive = false
	alarm.EndTime = m.now().Format("2006-01-02T15:04:05")

	// 同步历史里的记录
	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].AlarmID == alarmID {
			m.history[i] = *alarm
			break
		}
	}

	delete(m.active, alarmID)
	log.Sugar.Infof("清除告警 id: %s", alarmID)
	return nil
}

func (m *AlarmManager) GetActive() []AlarmInfo {
	m.lock.Lock()
	defer m.lock.Unlock()

	alarms := make([]AlarmInfo, 0, len(m.active))
	for _, alarm := range m.active {
		alarms = append(alarms, *alarm)
	}

	return alarms
}

// GetHistory 按时间倒序返回副本. channelID为空表示全部通道.
func (m *AlarmManager) GetHistory(channelID string, limit int) []AlarmInfo {
	m.lock.Lock()
	defer m.lock.Unlock()

	var alarms []AlarmInfo
	for i := len(m.history) - 1; i >= 0; i-- {
		if channelID != "" && m.history[i].ChannelID != channelID {
			continue
		}

		alarms = append(alarms, m.history[i])
		if limit > 0 && len(alarms) >= limit {
			break
		}
	}

	return alarms
}

// ReportActive 周期性重报所有活跃告警
func (m *AlarmManager) ReportActive() {
	m.lock.Lock()
	armed := m.armed
	sink := m.sink
	alarms := make([]AlarmInfo, 0, len(m.active))
	for _, alarm := range m.active {
		alarms = append(alarms, *alarm)
	}
	m.lock.Unlock()

	if !armed || sink == nil {
		return
	}

	for _, alarm := range alarms {
		sink.OnAlarm(alarm)
	}
}

// GenerateAlarmNotify 生成告警通知的MANSCDP报文体
func GenerateAlarmNotify(alarm AlarmInfo, sn int) string {
	deviceID := alarm.ChannelID
	if deviceID == "" {
		deviceID = alarm.DeviceID
	}

	var builder strings.Builder
	builder.WriteString(XmlHeaderGBK)
	builder.WriteString("<Notify>\r\n")
	builder.WriteString("<CmdType>Alarm</CmdType>\r\n")
	builder.WriteString(fmt.Sprintf("<SN>%d</SN>\r\n", sn))
	builder.WriteString(fmt.Sprintf("<DeviceID>%s</DeviceID>\r\n", deviceID))
	builder.WriteString(fmt.Sprintf("<AlarmPriority>%d</AlarmPriority>\r\n", alarm.Priority))
	builder.WriteString(fmt.Sprintf("<AlarmMethod>%s</AlarmMethod>\r\n", alarm.Method))
	builder.WriteString(fmt.Sprintf("<AlarmTime>%s</AlarmTime>\r\n", alarm.StartTime))
	if alarm.Description != "" {
		builder.WriteString(fmt.Sprintf("<AlarmDescription>%s</AlarmDescription>\r\n", EscapeXml(alarm.Description)))
	}
	if alarm.Longitude != 0 || alarm.Latitude != 0 {
		builder.WriteString(fmt.Sprintf("<Longitude>%f</Longitude>\r\n", alarm.Longitude))
		builder.WriteString(fmt.Sprintf("<Latitude>%f</Latitude>\r\n", alarm.Latitude))
	}
	builder.WriteString(fmt.Sprintf("<AlarmType>%d</AlarmType>\r\n", alarm.Type))
	builder.WriteString(fmt.Sprintf("<AlarmLevel>%d</AlarmLevel>\r\n", alarm.Level))
	if alarm.Attachment != "" {
		builder.WriteString(fmt.Sprintf("<Attachment>%s</Attachment>\r\n", EscapeXml(alarm.Attachment)))
	}
	builder.WriteString("</Notify>\r\n")

	return builder.String()
}
