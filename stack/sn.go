package stack

import (
	"strings"
	"sync"

	"github.com/google/uuid"
)

const (
	UserAgent = "GB28181-Device/1.0"

	branchPrefix = "z9hG4bK"
)

var (
	snValue int
	snLock  sync.Mutex
)

func GetSN() int {
	snLock.Lock()
	defer snLock.Unlock()
	snValue = (snValue + 1) % 0xFFFFFF
	return snValue
}

func GenerateTag() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
}

func GenerateBranch() string {
	return branchPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

func GenerateCallID() string {
	return uuid.NewString()
}

func GenerateAlarmID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}
