package common

import (
	"time"

	"gopkg.in/ini.v1"
)

var (
	Config *Config_
)

type ChannelConfig struct {
	ID     string
	Name   string
	Type   int // 0-主码流/1-子码流
	Status string
}

type Config_ struct {
	ListenIP   string `json:"listen_ip"`
	SipPort    int    `json:"sip_port"`
	HttpPort   int    `json:"http_port"`
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`

	ServerID   string `json:"server_id"`
	ServerIP   string `json:"server_ip"`
	ServerPort int    `json:"server_port"`
	Realm      string `json:"realm"`
	Username   string `json:"username"`
	Password   string `json:"password"`

	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model"`
	Firmware     string `json:"firmware"`

	RegisterExpires   int `json:"register_expires"`
	KeepaliveInterval int `json:"keepalive_interval"`

	MediaPortBase  int `json:"media_port_base"`
	SessionTimeout int `json:"session_timeout"`

	AlarmReportInterval int    `json:"alarm_report_interval"`
	RecordDBPath        string `json:"record_db_path"`
	RecordPath          string `json:"record_path"`

	Channels []ChannelConfig `json:"channels"`

	path string
}

type LogConfig struct {
	Level     int
	Name      string
	MaxSize   int
	MaxBackup int
	MaxAge    int
	Compress  bool
}

func ParseConfig(path string) (*Config_, error) {
	load, err := ini.Load(path)
	if err != nil {
		return nil, err
	}

	config_ := Config_{
		ListenIP:            load.Section("sip").Key("listen_ip").MustString("auto"),
		SipPort:             load.Section("sip").Key("port").MustInt(5060),
		DeviceID:            load.Section("device").Key("id").String(),
		DeviceName:          load.Section("device").Key("name").MustString("Camera"),
		ServerID:            load.Section("sip").Key("server_id").String(),
		ServerIP:            load.Section("sip").Key("server_ip").String(),
		ServerPort:          load.Section("sip").Key("server_port").MustInt(5060),
		Realm:               load.Section("sip").Key("realm").String(),
		Username:            load.Section("sip").Key("username").String(),
		Password:            load.Section("sip").Key("password").String(),
		Manufacturer:        load.Section("device").Key("manufacturer").MustString("GBDevice"),
		Model:               load.Section("device").Key("model").MustString("IPC-1000"),
		Firmware:            load.Section("device").Key("firmware").MustString("1.0.0"),
		RegisterExpires:     load.Section("sip").Key("register_expires").MustInt(3600),
		KeepaliveInterval:   load.Section("sip").Key("keepalive_interval").MustInt(60),
		MediaPortBase:       load.Section("media").Key("port_base").MustInt(50000),
		SessionTimeout:      load.Section("media").Key("session_timeout").MustInt(300),
		AlarmReportInterval: load.Section("device").Key("alarm_report_interval").MustInt(60),
		RecordDBPath:        load.Section("record").Key("db_path").MustString("data/records.db"),
		RecordPath:          load.Section("record").Key("path").MustString("data/records"),
		HttpPort:            load.Section("http").Key("port").MustInt(8000),
		path:                path,
	}

	// username缺省取设备ID
	if config_.Username == "" {
		config_.Username = config_.DeviceID
	}

	for _, section := range load.ChildSections("channel") {
		config_.Channels = append(config_.Channels, ChannelConfig{
			ID:     section.Key("id").String(),
			Name:   section.Key("name").String(),
			Type:   section.Key("type").MustInt(0),
			Status: section.Key("status").MustString("OK"),
		})
	}

	return &config_, err
}

func (c *Config_) Path() string {
	return c.path
}

func ParseGBTime(gbTime string) time.Time {
	// 2023-08-10T15:04:05
	if gbTime == "" {
		return time.Time{}
	}

	t, err := time.Parse("2006-01-02T15:04:05", gbTime)
	if err != nil {
		return time.Time{}
	}

	return t
}

func FormatGBTime(t time.Time) string {
	return t.Format("2006-01-02T15:04:05")
}
