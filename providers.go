package main

import (
	"fmt"

	"gb-device/common"
	"gb-device/dao"
	"gb-device/log"
	"gb-device/stack"

	"gopkg.in/ini.v1"
)

// deviceInfoProvider 设备静态信息来自配置, 在线状态跟随注册状态
type deviceInfoProvider struct {
	engine func() *stack.Engine
}

func (d *deviceInfoProvider) DeviceInfo() stack.DeviceInfo {
	status := common.OFF
	if engine := d.engine(); engine != nil && engine.RegistrationState() == stack.RegStateRegistered {
		status = common.ON
	}

	return stack.DeviceInfo{
		DeviceID:     common.Config.DeviceID,
		DeviceName:   common.Config.DeviceName,
		Manufacturer: common.Config.Manufacturer,
		Model:        common.Config.Model,
		Firmware:     common.Config.Firmware,
		IPAddress:    LocalIP,
		Port:         common.Config.SipPort,
		Status:       status.String(),
	}
}

// channelProvider 通道列表来自配置. 没有配置通道时暴露设备本身这一路.
type channelProvider struct {
}

func (c *channelProvider) Channels() []stack.Channel {
	if len(common.Config.Channels) == 0 {
		return []stack.Channel{{
			ChannelID: common.Config.DeviceID,
			Name:      common.Config.DeviceName,
			Type:      0,
			Status:    "OK",
		}}
	}

	channels := make([]stack.Channel, 0, len(common.Config.Channels))
	for _, channel := range common.Config.Channels {
		channels = append(channels, stack.Channel{
			ChannelID: channel.ID,
			Name:      channel.Name,
			Type:      channel.Type,
			Status:    channel.Status,
		})
	}

	return channels
}

// recordProvider 录像查询走sqlite
type recordProvider struct {
}

func (r *recordProvider) QueryRecords(query stack.RecordQuery) ([]stack.Record, error) {
	models, err := dao.Record.Query(query.ChannelID, query.StartTime, query.EndTime, string(query.Type))
	if err != nil {
		return nil, err
	}

	records := make([]stack.Record, 0, len(models))
	for _, model := range models {
		records = append(records, stack.Record{
			DeviceID:  model.DeviceID,
			ChannelID: model.ChannelID,
			Name:      model.Name,
			StartTime: model.StartTime,
			EndTime:   model.EndTime,
			Type:      model.Type,
			FilePath:  model.FilePath,
			FileSize:  model.FileSize,
		})
	}

	return records, nil
}

// iniConfigProvider ConfigDownload/DeviceConfig读写ini配置文件的对应section
type iniConfigProvider struct {
	path string
}

// 平台可见的配置类型
var configSections = map[string]string{
	"Basic":   "device",
	"Video":   "video",
	"Audio":   "audio",
	"PTZ":     "ptz",
	"Storage": "record",
	"Network": "network",
	"Alarm":   "alarm",
	"OSD":     "osd",
	"Privacy": "privacy",
}

func (p *iniConfigProvider) GetConfig(configType string) (map[string]string, error) {
	section, ok := configSections[configType]
	if !ok {
		return nil, fmt.Errorf("unknown config type: %s", configType)
	}

	load, err := ini.Load(p.path)
	if err != nil {
		return nil, err
	}

	values := make(map[string]string)
	for _, key := range load.Section(section).Keys() {
		values[key.Name()] = key.Value()
	}

	return values, nil
}

func (p *iniConfigProvider) SetConfig(configType string, values map[string]string) error {
	section, ok := configSections[configType]
	if !ok {
		return fmt.Errorf("unknown config type: %s", configType)
	}

	load, err := ini.Load(p.path)
	if err != nil {
		return err
	}

	for key, value := range values {
		load.Section(section).Key(key).SetValue(value)
	}

	return load.SaveTo(p.path)
}

// loggingPtzSink 云台硬件桩, 真实设备替换成驱动调用
type loggingPtzSink struct {
}

func (s *loggingPtzSink) ApplyPtz(action stack.PtzAction) bool {
	log.Sugar.Infof("云台动作 channel: %s command: %s speed: %d preset: %d cruise: %d",
		action.ChannelID, action.Command, action.Speed, action.PresetID, action.CruiseID)
	return true
}

// controlSink 设备控制桩
type controlSink struct {
	shutdown chan struct{}
}

func (s *controlSink) Reboot() bool {
	log.Sugar.Warnf("执行重启")
	select {
	case s.shutdown <- struct{}{}:
	default:
	}
	return true
}

func (s *controlSink) SetRecord(channelID string, start bool) bool {
	log.Sugar.Infof("本地录像 channel: %s start: %v", channelID, start)
	return true
}

func (s *controlSink) SetGuard(armed bool) bool {
	log.Sugar.Infof("布防状态 armed: %v", armed)
	return true
}

// alarmSink 告警出口: 发Notify给平台并落库
type alarmSink struct {
	engine func() *stack.Engine
}

func (s *alarmSink) OnAlarm(alarm stack.AlarmInfo) {
	if engine := s.engine(); engine != nil {
		if err := engine.SendAlarmNotify(alarm); err != nil {
			log.Sugar.Errorf("上报告警失败 err: %s id: %s", err.Error(), alarm.AlarmID)
		}
	}

	model := &dao.AlarmModel{
		AlarmID:     alarm.AlarmID,
		DeviceID:    alarm.DeviceID,
		ChannelID:   alarm.ChannelID,
		AlarmType:   int(alarm.Type),
		AlarmLevel:  int(alarm.Level),
		Method:      alarm.Method,
		StartTime:   alarm.StartTime,
		EndTime:     alarm.EndTime,
		Description: alarm.Description,
		Priority:    alarm.Priority,
	}

	if err := dao.Alarm.Save(model); err != nil {
		log.Sugar.Errorf("保存告警失败 err: %s id: %s", err.Error(), alarm.AlarmID)
	}
}
