package stack

import (
	"fmt"
	"strings"
	"time"

	"gb-device/log"
)

var timeNow = time.Now

const (
	// 每条MESSAGE携带的录像条数, 超出分多条发送
	RecordItemsPerMessage = 10

	DeviceInfoResponseFormat = "<Response>\r\n" +
		"<CmdType>DeviceInfo</CmdType>\r\n" +
		"<SN>%s</SN>\r\n" +
		"<DeviceID>%s</DeviceID>\r\n" +
		"<Result>OK</Result>\r\n" +
		"<DeviceName>%s</DeviceName>\r\n" +
		"<Manufacturer>%s</Manufacturer>\r\n" +
		"<Model>%s</Model>\r\n" +
		"<FirmwareVersion>%s</FirmwareVersion>\r\n" +
		"<Channel>%d</Channel>\r\n" +
		"</Response>\r\n"

	DeviceStatusResponseFormat = "<Response>\r\n" +
		"<CmdType>DeviceStatus</CmdType>\r\n" +
		"<SN>%s</SN>\r\n" +
		"<DeviceID>%s</DeviceID>\r\n" +
		"<Result>OK</Result>\r\n" +
		"<Online>%s</Online>\r\n" +
		"<Status>%s</Status>\r\n" +
		"<DeviceTime>%s</DeviceTime>\r\n" +
		"<Encode>%s</Encode>\r\n" +
		"<Record>%s</Record>\r\n" +
		"</Response>\r\n"

	CatalogItemFormat = "<Item>\r\n" +
		"<DeviceID>%s</DeviceID>\r\n" +
		"<Name>%s</Name>\r\n" +
		"<Manufacturer>%s</Manufacturer>\r\n" +
		"<Model>%s</Model>\r\n" +
		"<Parental>0</Parental>\r\n" +
		"<ParentID>%s</ParentID>\r\n" +
		"<RegisterWay>1</RegisterWay>\r\n" +
		"<Secrecy>0</Secrecy>\r\n" +
		"<Status>%s</Status>\r\n" +
		"<IPAddress>%s</IPAddress>\r\n" +
		"<Port>%d</Port>\r\n" +
		"</Item>\r\n"

	RecordItemFormat = "<Item>\r\n" +
		"<DeviceID>%s</DeviceID>\r\n" +
		"<Name>%s</Name>\r\n" +
		"<FilePath>%s</FilePath>\r\n" +
		"<Address>%s</Address>\r\n" +
		"<StartTime>%s</StartTime>\r\n" +
		"<EndTime>%s</EndTime>\r\n" +
		"<Secrecy>0</Secrecy>\r\n" +
		"<Type>%s</Type>\r\n" +
		"<FileSize>%d</FileSize>\r\n" +
		"</Item>\r\n"

	ControlResponseFormat = "<Response>\r\n" +
		"<CmdType>DeviceControl</CmdType>\r\n" +
		"<SN>%s</SN>\r\n" +
		"<DeviceID>%s</DeviceID>\r\n" +
		"<Result>%s</Result>\r\n" +
		"</Response>\r\n"

	ErrorResponseFormat = "<Response>\r\n" +
		"<CmdType>%s</CmdType>\r\n" +
		"<SN>%s</SN>\r\n" +
		"<DeviceID>%s</DeviceID>\r\n" +
		"<Result>ERROR</Result>\r\n" +
		"</Response>\r\n"

	KeepaliveNotifyFormat = "<Notify>\r\n" +
		"<CmdType>Keepalive</CmdType>\r\n" +
		"<SN>%d</SN>\r\n" +
		"<DeviceID>%s</DeviceID>\r\n" +
		"<Status>OK</Status>\r\n" +
		"</Notify>\r\n"
)

// StatusSource 设备工作状态. 为nil时按一切正常处理.
type StatusSource interface {
	SystemOK() bool
}

// Dispatcher 按CmdType分发MANSCDP请求, 组装响应报文体.
// 响应由引擎作为后续MESSAGE发给查询方.
type Dispatcher struct {
	device   DeviceInfoProvider
	channels ChannelProvider
	records  RecordProvider
	configs  ConfigProvider
	ptz      *PtzController
	alarms   *AlarmManager
	control  ControlSink
	status   StatusSource
	handler  EventHandler

	recording map[string]bool
}

func NewDispatcher(device DeviceInfoProvider, channels ChannelProvider, records RecordProvider,
	configs ConfigProvider, ptz *PtzController, alarms *AlarmManager, control ControlSink) *Dispatcher {
	return &Dispatcher{
		device:    device,
		channels:  channels,
		records:   records,
		configs:   configs,
		ptz:       ptz,
		alarms:    alarms,
		control:   control,
		recording: make(map[string]bool),
	}
}

func (d *Dispatcher) SetStatusSource(source StatusSource) {
	d.status = source
}

func (d *Dispatcher) SetEventHandler(handler EventHandler) {
	d.handler = handler
}

// Dispatch 处理一个请求文档, 返回要发出的响应报文体列表.
// 响应SN与查询SN一致.
func (d *Dispatcher) Dispatch(doc *Element) []string {
	cmdType := CmdTypeOf(doc)
	sn := SNOf(doc)

	switch cmdType {
	case CmdCatalog:
		return d.onCatalog(sn)
	case CmdDeviceInfo:
		return d.onDeviceInfo(sn)
	case CmdDeviceStatus:
		return d.onDeviceStatus(doc, sn)
	case CmdRecordInfo:
		return d.onRecordInfo(doc, sn)
	case CmdConfigDownload:
		return d.onConfigDownload(doc, sn)
	case CmdDeviceConfig:
		return d.onDeviceConfig(doc, sn)
	case CmdDeviceControl:
		return d.onDeviceControl(doc, sn)
	default:
		log.Sugar.Errorf("未知的CmdType: %s sn: %s", cmdType, sn)
		return []string{fmt.Sprintf(ErrorResponseFormat, cmdType, sn, d.device.DeviceInfo().DeviceID)}
	}
}

func (d *Dispatcher) onCatalog(sn string) []string {
	info := d.device.DeviceInfo()
	channels := d.channels.Channels()

	var items strings.Builder
	for _, channel := range channels {
		items.WriteString(fmt.Sprintf(CatalogItemFormat,
			channel.ChannelID, EscapeXml(channel.Name), EscapeXml(info.Manufacturer), EscapeXml(info.Model),
			info.DeviceID, channel.Status, info.IPAddress, info.Port))
	}

	body := "<Response>\r\n" +
		"<CmdType>Catalog</CmdType>\r\n" +
		fmt.Sprintf("<SN>%s</SN>\r\n", sn) +
		fmt.Sprintf("<DeviceID>%s</DeviceID>\r\n", info.DeviceID) +
		fmt.Sprintf("<SumNum>%d</SumNum>\r\n", len(channels)) +
		fmt.Sprintf("<DeviceList Num=\"%d\">\r\n", len(channels)) +
		items.String() +
		"</DeviceList>\r\n" +
		"</Response>\r\n"

	return []string{body}
}

func (d *Dispatcher) onDeviceInfo(sn string) []string {
	info := d.device.DeviceInfo()
	return []string{fmt.Sprintf(DeviceInfoResponseFormat,
		sn, info.DeviceID, EscapeXml(info.DeviceName), EscapeXml(info.Manufacturer),
		EscapeXml(info.Model), EscapeXml(info.Firmware), len(d.channels.Channels()))}
}

func (d *Dispatcher) onDeviceStatus(doc *Element, sn string) []string {
	info := d.device.DeviceInfo()

	online := "ONLINE"
	if info.Status != "ON" {
		online = "OFFLINE"
	}

	status := "OK"
	if d.status != nil && !d.status.SystemOK() {
		status = "ERROR"
	}

	record := "OFF"
	if d.recording[DeviceIDOf(doc)] || d.recording[info.DeviceID] {
		record = "ON"
	}

	return []string{fmt.Sprintf(DeviceStatusResponseFormat,
		sn, info.DeviceID, online, status, nowGBTime(), "ON", record)}
}

func (d *Dispatcher) onRecordInfo(doc *Element, sn string) []string {
	channelID, startTime, endTime := RecordInfoQueryOf(doc)

	query := RecordQuery{
		ChannelID: channelID,
		StartTime: startTime,
		EndTime:   endTime,
		Type:      RecordType(strings.ToLower(doc.TextOf("Type"))),
	}

	records, err := d.records.QueryRecords(query)
	if err != nil {
		log.Sugar.Errorf("查询录像失败 err: %s channel: %s", err.Error(), channelID)
		return []string{fmt.Sprintf(ErrorResponseFormat, CmdRecordInfo, sn, channelID)}
	}

	total := len(records)
	if total == 0 {
		body := d.recordInfoBody(sn, channelID, total, nil)
		return []string{body}
	}

	// 分页发送
	var bodies []string
	for start := 0; start < total; start += RecordItemsPerMessage {
		end := start + RecordItemsPerMessage
		if end > total {
			end = total
		}
		bodies = append(bodies, d.recordInfoBody(sn, channelID, total, records[start:end]))
	}

	return bodies
}

func (d *Dispatcher) recordInfoBody(sn, channelID string, total int, records []Record) string {
	var items strings.Builder
	for _, record := range records {
		name := record.Name
		if name == "" {
			name = record.ChannelID
		}
		items.WriteString(fmt.Sprintf(RecordItemFormat,
			record.ChannelID, EscapeXml(name), EscapeXml(record.FilePath), EscapeXml(record.FilePath),
			record.StartTime, record.EndTime, record.Type, record.FileSize))
	}

	return "<Response>\r\n" +
		"<CmdType>RecordInfo</CmdType>\r\n" +
		fmt.Sprintf("<SN>%s</SN>\r\n", sn) +
		fmt.Sprintf("<DeviceID>%s</DeviceID>\r\n", channelID) +
		fmt.Sprintf("<SumNum>%d</SumNum>\r\n", total) +
		fmt.Sprintf("<RecordList Num=\"%d\">\r\n", len(records)) +
		items.String() +
		"</RecordList>\r\n" +
		"</Response>\r\n"
}

func (d *Dispatcher) onConfigDownload(doc *Element, sn string) []string {
	info := d.device.DeviceInfo()
	configType := doc.TextOf("ConfigType")

	values, err := d.configs.GetConfig(configType)
	if err != nil {
		log.Sugar.Errorf("查询配置失败 err: %s type: %s", err.Error(), configType)
		return []string{fmt.Sprintf(ErrorResponseFormat, CmdConfigDownload, sn, info.DeviceID)}
	}

	var items strings.Builder
	for key, value := range values {
		items.WriteString(fmt.Sprintf("<%s>%s</%s>\r\n", key, EscapeXml(value), key))
	}

	body := "<Response>\r\n" +
		"<CmdType>ConfigDownload</CmdType>\r\n" +
		fmt.Sprintf("<SN>%s</SN>\r\n", sn) +
		fmt.Sprintf("<DeviceID>%s</DeviceID>\r\n", info.DeviceID) +
		"<Result>OK</Result>\r\n" +
		fmt.Sprintf("<ConfigType>%s</ConfigType>\r\n", configType) +
		items.String() +
		"</Response>\r\n"

	return []string{body}
}

func (d *Dispatcher) onDeviceConfig(doc *Element, sn string) []string {
	info := d.device.DeviceInfo()

	// Control文档里ConfigType的子元素是配置项
	configType := doc.TextOf("ConfigType")
	values := make(map[string]string)

	if section := doc.Find("BasicParam"); section != nil {
		if configType == "" {
			configType = "Basic"
		}
		for _, child := range section.Children {
			values[child.Tag] = child.Text
		}
	} else {
		for _, child := range doc.Children {
			switch child.Tag {
			case "CmdType", "SN", "DeviceID", "ConfigType":
				continue
			}
			values[child.Tag] = child.Text
		}
	}

	result := "OK"
	if err := d.configs.SetConfig(configType, values); err != nil {
		log.Sugar.Errorf("修改配置失败 err: %s type: %s", err.Error(), configType)
		result = "ERROR"
	}

	body := "<Response>\r\n" +
		"<CmdType>DeviceConfig</CmdType>\r\n" +
		fmt.Sprintf("<SN>%s</SN>\r\n", sn) +
		fmt.Sprintf("<DeviceID>%s</DeviceID>\r\n", info.DeviceID) +
		fmt.Sprintf("<Result>%s</Result>\r\n", result) +
		"</Response>\r\n"

	return []string{body}
}

func (d *Dispatcher) onDeviceControl(doc *Element, sn string) []string {
	info := d.device.DeviceInfo()
	targetID := DeviceIDOf(doc)
	if targetID == "" {
		targetID = info.DeviceID
	}

	if ptzCmd := PtzCmdOf(doc); ptzCmd != "" {
		action, err := ParsePtzCmd(targetID, ptzCmd)
		if err != nil {
			log.Sugar.Errorf("解析云台命令失败 err: %s cmd: %s", err.Error(), ptzCmd)
			return []string{fmt.Sprintf(ControlResponseFormat, sn, targetID, "ERROR")}
		}

		result := "ERROR"
		if d.ptz.Execute(action) {
			result = "OK"
		}
		return []string{fmt.Sprintf(ControlResponseFormat, sn, targetID, result)}
	}

	if doc.Find("TeleBoot") != nil {
		log.Sugar.Warnf("收到重启命令 device: %s", targetID)
		if d.handler != nil {
			d.handler.OnEvent(Event{Kind: EventTeleBoot, Data: targetID})
		}
		// 先应答再调度重启
		ok := d.control == nil || d.control.Reboot()
		result := "OK"
		if !ok {
			result = "ERROR"
		}
		return []string{fmt.Sprintf(ControlResponseFormat, sn, targetID, result)}
	}

	if recordCmd := doc.TextOf("RecordCmd"); recordCmd != "" {
		start := strings.EqualFold(recordCmd, "Record")
		d.recording[targetID] = start

		ok := d.control == nil || d.control.SetRecord(targetID, start)
		result := "OK"
		if !ok {
			result = "ERROR"
		}

		if d.handler != nil {
			kind := EventRecordStop
			if start {
				kind = EventRecordStart
			}
			d.handler.OnEvent(Event{Kind: kind, Data: targetID})
		}
		return []string{fmt.Sprintf(ControlResponseFormat, sn, targetID, result)}
	}

	if guardCmd := doc.TextOf("GuardCmd"); guardCmd != "" {
		armed := strings.EqualFold(guardCmd, "SetGuard")
		d.alarms.SetArmed(armed)

		ok := d.control == nil || d.control.SetGuard(armed)
		result := "OK"
		if !ok {
			result = "ERROR"
		}
		return []string{fmt.Sprintf(ControlResponseFormat, sn, targetID, result)}
	}

	if doc.Find("AlarmCmd") != nil {
		// ResetAlarm 复位指定通道的活跃告警
		for _, alarm := range d.alarms.GetActive() {
			if alarm.ChannelID == targetID || alarm.DeviceID == targetID {
				_ = d.alarms.ClearAlarm(alarm.AlarmID)
			}
		}
		return []string{fmt.Sprintf(ControlResponseFormat, sn, targetID, "OK")}
	}

	log.Sugar.Errorf("未知的控制命令 device: %s", targetID)
	return []string{fmt.Sprintf(ControlResponseFormat, sn, targetID, "ERROR")}
}

func nowGBTime() string {
	return timeNow().Format("2006-01-02T15:04:05")
}
