package stack

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"gb-device/common"
	"gb-device/log"
)

type SessionState int

const (
	SessionStateIdle SessionState = iota
	SessionStateInviting
	SessionStateEstablished
	SessionStateTerminating
	SessionStateTerminated
)

func (s SessionState) String() string {
	switch s {
	case SessionStateInviting:
		return "INVITING"
	case SessionStateEstablished:
		return "ESTABLISHED"
	case SessionStateTerminating:
		return "TERMINATING"
	case SessionStateTerminated:
		return "TERMINATED"
	default:
		return "IDLE"
	}
}

var (
	ErrSessionNotFound        = errors.New("session not found")
	ErrSessionAlreadyExists   = errors.New("session already exists")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrNoAvailablePort        = errors.New("no available media port")
)

// MediaSession 以Call-ID为键的媒体会话. 管理器对外只给副本.
type MediaSession struct {
	CallID          string            `json:"call_id"`
	ChannelID       string            `json:"channel_id"`
	Name            string            `json:"name"` // Play/Playback/Download
	Type            common.InviteType `json:"type"`
	RemoteIP        string            `json:"remote_ip"`
	RemoteVideoPort int               `json:"remote_video_port"`
	RemoteAudioPort int               `json:"remote_audio_port"`
	LocalVideoPort  int               `json:"local_video_port"`
	LocalAudioPort  int               `json:"local_audio_port"`
	VideoCodec      VideoCodec        `json:"video_codec"`
	AudioCodec      AudioCodec        `json:"audio_codec"`
	VideoPT         int               `json:"video_pt"`
	AudioPT         int               `json:"audio_pt"`
	VideoSSRC       uint32            `json:"video_ssrc"`
	AudioSSRC       uint32            `json:"audio_ssrc"`
	State           SessionState      `json:"state"`
	CreateTime      time.Time         `json:"create_time"`
	LastActivity    time.Time         `json:"last_activity"`
}

// SSRCString y=行的十进制SSRC
func (s *MediaSession) SSRCString() string {
	return strconv.FormatUint(uint64(s.VideoSSRC), 10)
}

type SessionManager struct {
	lock     sync.Mutex
	sessions map[string]*MediaSession

	portBase int
	portNext int
	timeout  time.Duration

	sink    MediaSink
	handler EventHandler

	now func() time.Time
}

func NewSessionManager(portBase int, timeout time.Duration) *SessionManager {
	if portBase <= 0 {
		portBase = 50000
	}
	// 端口从偶数开始
	portBase &^= 1

	return &SessionManager{
		sessions: make(map[string]*MediaSession),
		portBase: portBase,
		portNext: portBase,
		timeout:  timeout,
		now:      time.Now,
	}
}

func (m *SessionManager) SetMediaSink(sink MediaSink) {
	m.sink = sink
}

func (m *SessionManager) SetEventHandler(handler EventHandler) {
	m.handler = handler
}

// SetClock 测试用
func (m *SessionManager) SetClock(now func() time.Time) {
	m.now = now
}

// Create 一个Call-ID至多一个会话. SSRC非0且不和现有会话冲突.
func (m *SessionManager) Create(callID, channelID, remoteIP string, videoCodec VideoCodec, audioCodec AudioCodec) (MediaSession, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if _, ok := m.sessions[callID]; ok {
		return MediaSession{}, ErrSessionAlreadyExists
	}

	now := m.now()
	session := &MediaSession{
		CallID:       callID,
		ChannelID:    channelID,
		Name:         "Play",
		Type:         common.InviteTypePlay,
		RemoteIP:     remoteIP,
		VideoCodec:   videoCodec,
		AudioCodec:   audioCodec,
		VideoSSRC:    m.allocateSSRC(),
		AudioSSRC:    m.allocateSSRC(),
		State:        SessionStateInviting,
		CreateTime:   now,
		LastActivity: now,
	}

	m.sessions[callID] = session
	return *session, nil
}

func (m *SessionManager) allocateSSRC() uint32 {
	for {
		candidate := GetLiveSSRC()
		var conflict bool
		for _, session := range m.sessions {
			if session.VideoSSRC == candidate || session.AudioSSRC == candidate {
				conflict = true
				break
			}
		}

		if !conflict {
			return candidate
		}
	}
}

// AllocatePorts 分配一对本地端口, 偶数, 音频=视频+2, 每个会话跨4个端口.
// 耗尽时回绕到基址, 复用已终止会话的槽位.
func (m *SessionManager) AllocatePorts(callID string) (int, int, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	session, ok := m.sessions[callID]
	if !ok {
		return 0, 0, ErrSessionNotFound
	}

	for attempts := 0; attempts < (65536-m.portBase)/4; attempts++ {
		if m.portNext+3 > 65535 {
			m.portNext = m.portBase
		}

		videoPort := m.portNext
		m.portNext += 4

		if !m.portInUse(videoPort) {
			session.LocalVideoPort = videoPort
			session.LocalAudioPort = videoPort + 2
			return videoPort, videoPort + 2, nil
		}
	}

	return 0, 0, ErrNoAvailablePort
}

func (m *SessionManager) portInUse(videoPort int) bool {
	for _, session := range m.sessions {
		if session.State != SessionStateTerminated && session.LocalVideoPort == videoPort {
			return true
		}
	}
	return false
}

func (m *SessionManager) SetRemotePorts(callID string, videoPort, audioPort int) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	session, ok := m.sessions[callID]
	if !ok {
		return ErrSessionNotFound
	}

	session.RemoteVideoPort = videoPort
	session.RemoteAudioPort = audioPort
	return nil
}

func (m *SessionManager) SetPayloadTypes(callID string, videoPT, audioPT int) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	session, ok := m.sessions[callID]
	if !ok {
		return ErrSessionNotFound
	}

	session.VideoPT = videoPT
	session.AudioPT = audioPT
	return nil
}

func (m *SessionManager) SetName(callID, name string) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	session, ok := m.sessions[callID]
	if !ok {
		return ErrSessionNotFound
	}

	session.Name = name
	session.Type.SessionName2Type(name)

	// 回放/下载用1开头的SSRC段
	if session.Type != common.InviteTypePlay && session.State == SessionStateInviting {
		session.VideoSSRC = GetVodSSRC()
	}

	return nil
}

// UpdateState 状态只允许向前. Established回到Inviting这类回退被拒绝.
func (m *SessionManager) UpdateState(callID string, state SessionState) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	session, ok := m.sessions[callID]
	if !ok {
		return ErrSessionNotFound
	}

	if state <= session.State {
		return ErrInvalidStateTransition
	}

	session.State = state
	return nil
}

func (m *SessionManager) UpdateActivity(callID string) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	session, ok := m.sessions[callID]
	if !ok {
		return ErrSessionNotFound
	}

	session.LastActivity = m.now()
	return nil
}

func (m *SessionManager) Get(callID string) (MediaSession, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()

	session, ok := m.sessions[callID]
	if !ok {
		return MediaSession{}, false
	}

	return *session, true
}

func (m *SessionManager) Count() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return len(m.sessions)
}

// Active 所有会话的快照
func (m *SessionManager) Active() []MediaSession {
	m.lock.Lock()
	defer m.lock.Unlock()

	sessions := make([]MediaSession, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, *session)
	}

	return sessions
}

// Terminate 终止并从表中删除. 后续对该Call-ID的操作返回SessionNotFound.
func (m *SessionManager) Terminate(callID string) error {
	m.lock.Lock()
	session, ok := m.sessions[callID]
	if !ok {
		m.lock.Unlock()
		return ErrSessionNotFound
	}

	session.State = SessionStateTerminating
	snapshot := *session
	session.State = SessionStateTerminated
	delete(m.sessions, callID)
	m.lock.Unlock()

	log.Sugar.Infof("会话终止 callId: %s channel: %s", callID, snapshot.ChannelID)

	if m.sink != nil {
		m.sink.OnSessionTerminated(callID)
	}

	if m.handler != nil {
		m.handler.OnEvent(Event{Kind: EventSessionTerminated, CallID: callID, Data: snapshot.ChannelID})
	}

	return nil
}

// Sweep 清理超时会话, 返回清理数量
func (m *SessionManager) Sweep() int {
	m.lock.Lock()
	now := m.now()
	var expired []string
	for callID, session := range m.sessions {
		if now.Sub(session.LastActivity) > m.timeout {
			expired = append(expired, callID)
		}
	}
	m.lock.Unlock()

	for _, callID := range expired {
		log.Sugar.Warnf("会话超时 callId: %s", callID)
		_ = m.Terminate(callID)
	}

	return len(expired)
}
