package stack

import (
	"sync"
)

const (
	SsrcMaxValue = 999999999
)

var (
	ssrc     uint32
	ssrcLock sync.Mutex
)

// GetLiveSSRC 实时流SSRC, 非0
func GetLiveSSRC() uint32 {
	ssrcLock.Lock()
	defer ssrcLock.Unlock()
	ssrc = ssrc%SsrcMaxValue + 1
	return ssrc
}

// GetVodSSRC 回放流SSRC, 1开头
func GetVodSSRC() uint32 {
	return 1000000000 + GetLiveSSRC()
}
