package stack

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"gb-device/log"
)

type PtzCommand int

const (
	PtzStop PtzCommand = iota
	PtzMoveUp
	PtzMoveDown
	PtzMoveLeft
	PtzMoveRight
	PtzMoveUpLeft
	PtzMoveDownLeft
	PtzMoveUpRight
	PtzMoveDownRight
	PtzZoomIn
	PtzZoomOut
	PtzFocusNear
	PtzFocusFar
	PtzIrisOpen
	PtzIrisClose
	PtzPresetCall
	PtzPresetSet
	PtzPresetDelete
	PtzCruiseStart
	PtzCruiseStop
	PtzCruiseAdd
	PtzScanStart
	PtzScanStop
)

func (c PtzCommand) String() string {
	switch c {
	case PtzStop:
		return "STOP"
	case PtzMoveUp:
		return "UP"
	case PtzMoveDown:
		return "DOWN"
	case PtzMoveLeft:
		return "LEFT"
	case PtzMoveRight:
		return "RIGHT"
	case PtzMoveUpLeft:
		return "UP_LEFT"
	case PtzMoveDownLeft:
		return "DOWN_LEFT"
	case PtzMoveUpRight:
		return "UP_RIGHT"
	case PtzMoveDownRight:
		return "DOWN_RIGHT"
	case PtzZoomIn:
		return "ZOOM_IN"
	case PtzZoomOut:
		return "ZOOM_OUT"
	case PtzFocusNear:
		return "FOCUS_NEAR"
	case PtzFocusFar:
		return "FOCUS_FAR"
	case PtzIrisOpen:
		return "IRIS_OPEN"
	case PtzIrisClose:
		return "IRIS_CLOSE"
	case PtzPresetCall:
		return "PRESET_CALL"
	case PtzPresetSet:
		return "PRESET_SET"
	case PtzPresetDelete:
		return "PRESET_DELETE"
	case PtzCruiseStart:
		return "CRUISE_START"
	case PtzCruiseStop:
		return "CRUISE_STOP"
	case PtzCruiseAdd:
		return "CRUISE_ADD"
	case PtzScanStart:
		return "SCAN_START"
	case PtzScanStop:
		return "SCAN_STOP"
	default:
		return "UNKNOWN"
	}
}

// 国标数字指令到动作的映射
var ptzCommandCodes = map[int]PtzCommand{
	0:  PtzStop,
	1:  PtzMoveUp,
	2:  PtzMoveDown,
	3:  PtzMoveLeft,
	4:  PtzMoveRight,
	5:  PtzMoveUpLeft,
	6:  PtzMoveDownLeft,
	7:  PtzMoveUpRight,
	8:  PtzMoveDownRight,
	11: PtzZoomIn,
	12: PtzZoomOut,
	13: PtzFocusNear,
	14: PtzFocusFar,
	15: PtzIrisOpen,
	16: PtzIrisClose,
	21: PtzPresetCall,
	22: PtzPresetSet,
	23: PtzPresetDelete,
	31: PtzCruiseStart,
	32: PtzCruiseStop,
	33: PtzCruiseAdd,
	41: PtzScanStart,
	42: PtzScanStop,
}

var (
	ErrUnknownPtzCommand = errors.New("unknown ptz command")
)

type PtzAction struct {
	ChannelID string     `json:"channel_id"`
	Command   PtzCommand `json:"command"`
	Speed     int        `json:"speed"` // 1-255
	PresetID  int        `json:"preset_id"`
	CruiseID  int        `json:"cruise_id"`
	DwellTime int        `json:"dwell_time"`
}

// ParsePtzCmd 解析PTZCmd内容, name=value用&或空白分隔.
// 如 "Command=3&Speed=200"
func ParsePtzCmd(channelID, text string) (PtzAction, error) {
	action := PtzAction{ChannelID: channelID, Speed: 128}

	pairs := strings.FieldsFunc(text, func(r rune) bool {
		return r == '&' || r == ' ' || r == '\t' || r == '\r' || r == '\n'
	})

	commandCode := -1
	for _, pair := range pairs {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}

		value, err := strconv.Atoi(strings.TrimSpace(kv[1]))
		if err != nil {
			continue
		}

		switch strings.TrimSpace(kv[0]) {
		case "Command":
			commandCode = value
		case "Speed":
			action.Speed = value
		case "PresetID":
			action.PresetID = value
		case "CruiseID":
			action.CruiseID = value
		case "DwellTime":
			action.DwellTime = value
		}
	}

	if commandCode < 0 {
		return action, fmt.Errorf("%w: no Command in %q", ErrUnknownPtzCommand, text)
	}

	command, ok := ptzCommandCodes[commandCode]
	if !ok {
		return action, fmt.Errorf("%w: code %d", ErrUnknownPtzCommand, commandCode)
	}

	action.Command = command
	if action.Speed < 1 {
		action.Speed = 1
	} else if action.Speed > 255 {
		action.Speed = 255
	}

	return action, nil
}

// PtzPreset 预置位
type PtzPreset struct {
	PresetID int    `json:"preset_id"`
	Name     string `json:"name"`
}

type ptzCruise struct {
	cruiseID  int
	presets   []int
	dwellTime []int
	running   bool
}

// PtzController 解码后的动作交给硬件, 同时维护预置位和巡航簿记
type PtzController struct {
	lock    sync.Mutex
	sink    HardwarePtzSink
	presets map[string]map[int]PtzPreset // channelId -> presetId -> preset
	cruises map[string]map[int]*ptzCruise
	current map[string]PtzAction
}

func NewPtzController(sink HardwarePtzSink) *PtzController {
	return &PtzController{
		sink:    sink,
		presets: make(map[string]map[int]PtzPreset),
		cruises: make(map[string]map[int]*ptzCruise),
		current: make(map[string]PtzAction),
	}
}

// Execute 执行动作, 返回值作为Result
func (c *PtzController) Execute(action PtzAction) bool {
	log.Sugar.Infof("执行云台命令 channel: %s command: %s speed: %d", action.ChannelID, action.Command, action.Speed)

	c.lock.Lock()
	c.current[action.ChannelID] = action

	switch action.Command {
	case PtzPresetSet:
		channelPresets := c.presets[action.ChannelID]
		if channelPresets == nil {
			channelPresets = make(map[int]PtzPreset)
			c.presets[action.ChannelID] = channelPresets
		}
		channelPresets[action.PresetID] = PtzPreset{
			PresetID: action.PresetID,
			Name:     fmt.Sprintf("Preset %d", action.PresetID),
		}
	case PtzPresetCall, PtzPresetDelete:
		channelPresets := c.presets[action.ChannelID]
		if _, ok := channelPresets[action.PresetID]; !ok {
			c.lock.Unlock()
			log.Sugar.Errorf("预置位不存在 channel: %s preset: %d", action.ChannelID, action.PresetID)
			return false
		}
		if action.Command == PtzPresetDelete {
			delete(channelPresets, action.PresetID)
		}
	case PtzCruiseAdd:
		channelCruises := c.cruises[action.ChannelID]
		if channelCruises == nil {
			channelCruises = make(map[int]*ptzCruise)
			c.cruises[action.ChannelID] = channelCruises
		}
		cruise := channelCruises[action.CruiseID]
		if cruise == nil {
			cruise = &ptzCruise{cruiseID: action.CruiseID}
			channelCruises[action.CruiseID] = cruise
		}
		cruise.presets = append(cruise.presets, action.PresetID)
		cruise.dwellTime = append(cruise.dwellTime, action.DwellTime)
	case PtzCruiseStart, PtzCruiseStop:
		cruise := c.cruises[action.ChannelID][action.CruiseID]
		if cruise == nil {
			c.lock.Unlock()
			log.Sugar.Errorf("巡航路径不存在 channel: %s cruise: %d", action.ChannelID, action.CruiseID)
			return false
		}
		cruise.running = action.Command == PtzCruiseStart
	}
	c.lock.Unlock()

	if c.sink == nil {
		return false
	}

	return c.sink.ApplyPtz(action)
}

// Presets 通道的预置位快照
func (c *PtzController) Presets(channelID string) []PtzPreset {
	c.lock.Lock()
	defer c.lock.Unlock()

	var presets []PtzPreset
	for _, preset := range c.presets[channelID] {
		presets = append(presets, preset)
	}

	return presets
}

// Current 通道当前动作
func (c *PtzController) Current(channelID string) (PtzAction, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()

	action, ok := c.current[channelID]
	return action, ok
}
