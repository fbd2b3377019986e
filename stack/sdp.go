package stack

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

type VideoCodec string

const (
	VideoCodecH264 = VideoCodec("H264")
	VideoCodecH265 = VideoCodec("H265")
	VideoCodecPS   = VideoCodec("PS")
)

type AudioCodec string

const (
	AudioCodecPCMA = AudioCodec("PCMA")
	AudioCodecPCMU = AudioCodec("PCMU")
	AudioCodecAAC  = AudioCodec("AAC")
)

var (
	ErrMalformedSDP = errors.New("malformed sdp")

	// 视频按H264/H265/PS优先, 音频按PCMA/PCMU/AAC优先
	videoCodecPreference = []VideoCodec{VideoCodecH264, VideoCodecH265, VideoCodecPS}
	audioCodecPreference = []AudioCodec{AudioCodecPCMA, AudioCodecPCMU, AudioCodecAAC}
)

func audioPayloadType(codec AudioCodec) int {
	switch codec {
	case AudioCodecPCMU:
		return 0
	case AudioCodecAAC:
		return 97
	default:
		return 8
	}
}

// SDPMedia 一个m=段以及归属它的c=/a=行
type SDPMedia struct {
	Type         string // video/audio
	Port         int
	Transport    string
	PayloadTypes []int
	Rtpmap       map[int]string // payload type -> 编码名/时钟
	Fmtp         map[int]string
	Connection   string
}

type SDPSession struct {
	Origin      string
	SessionName string
	Connection  string
	Timing      string
	SSRC        string // y=行, 国标扩展
	Media       []*SDPMedia
}

// ParseSDP 逐行解析offer. c=/a=归属当前m=段, m=之前的归会话级.
func ParseSDP(body string) (*SDPSession, error) {
	session := &SDPSession{}
	var current *SDPMedia

	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if len(line) < 2 || line[1] != '=' {
			continue
		}

		content := line[2:]
		switch line[0] {
		case 'o':
			session.Origin = content
		case 's':
			session.SessionName = content
		case 't':
			session.Timing = content
		case 'y':
			session.SSRC = content
		case 'c':
			if current != nil {
				current.Connection = connectionAddress(content)
			} else {
				session.Connection = connectionAddress(content)
			}
		case 'm':
			media, err := parseMediaLine(content)
			if err != nil {
				return nil, err
			}
			session.Media = append(session.Media, media)
			current = media
		case 'a':
			if current == nil {
				continue
			}
			parseAttribute(current, content)
		}
	}

	if session.Connection == "" && len(session.Media) > 0 {
		// 会话级没有c=, 取第一个媒体级的
		for _, media := range session.Media {
			if media.Connection != "" {
				session.Connection = media.Connection
				break
			}
		}
	}

	return session, nil
}

func connectionAddress(content string) string {
	fields := strings.Fields(content)
	if len(fields) == 0 {
		return ""
	}
	return fields[len(fields)-1]
}

func parseMediaLine(content string) (*SDPMedia, error) {
	fields := strings.Fields(content)
	if len(fields) < 3 {
		return nil, fmt.Errorf("%w: m=%s", ErrMalformedSDP, content)
	}

	port, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil, fmt.Errorf("%w: m=%s", ErrMalformedSDP, content)
	}

	media := &SDPMedia{
		Type:      fields[0],
		Port:      port,
		Transport: fields[2],
		Rtpmap:    make(map[int]string),
		Fmtp:      make(map[int]string),
	}

	for _, field := range fields[3:] {
		if pt, err := strconv.Atoi(field); err == nil {
			media.PayloadTypes = append(media.PayloadTypes, pt)
		}
	}

	return media, nil
}

func parseAttribute(media *SDPMedia, content string) {
	colon := strings.Index(content, ":")
	if colon < 0 {
		return
	}

	name := content[:colon]
	value := content[colon+1:]

	switch name {
	case "rtpmap":
		fields := strings.SplitN(value, " ", 2)
		if len(fields) != 2 {
			return
		}
		if pt, err := strconv.Atoi(fields[0]); err == nil {
			media.Rtpmap[pt] = fields[1]
		}
	case "fmtp":
		fields := strings.SplitN(value, " ", 2)
		if len(fields) != 2 {
			return
		}
		if pt, err := strconv.Atoi(fields[0]); err == nil {
			media.Fmtp[pt] = fields[1]
		}
	}
}

func (s *SDPSession) FindMedia(mediaType string) *SDPMedia {
	for _, media := range s.Media {
		if media.Type == mediaType {
			return media
		}
	}
	return nil
}

// codecName rtpmap里的编码名, 没有rtpmap时按静态payload type推断
func (m *SDPMedia) codecName(pt int) string {
	if rtpmap, ok := m.Rtpmap[pt]; ok {
		return strings.ToUpper(strings.SplitN(rtpmap, "/", 2)[0])
	}

	switch pt {
	case 0:
		return "PCMU"
	case 8:
		return "PCMA"
	case 96:
		return "PS" // 国标约定96为PS
	}
	return ""
}

// SelectVideoCodec 按偏好从offer中选视频编码, 返回选中的编码和offer中的payload type
func (m *SDPMedia) SelectVideoCodec() (VideoCodec, int, bool) {
	for _, preferred := range videoCodecPreference {
		for _, pt := range m.PayloadTypes {
			name := m.codecName(pt)
			if name == string(preferred) || (preferred == VideoCodecPS && name == "MP2T") {
				return preferred, pt, true
			}
		}
	}
	return "", 0, false
}

func (m *SDPMedia) SelectAudioCodec() (AudioCodec, int, bool) {
	for _, preferred := range audioCodecPreference {
		for _, pt := range m.PayloadTypes {
			if m.codecName(pt) == string(preferred) {
				return preferred, pt, true
			}
		}
	}
	return "", 0, false
}

// BuildSDPAnswer 应答一个会话一个IP两个m=行.
// 会话名沿用offer(Play/Playback/Download), H264带fmtp.
func BuildSDPAnswer(sessionID, sessionName, localIP string, videoPort, audioPort int,
	videoCodec VideoCodec, videoPT int, audioCodec AudioCodec, audioPT int, ssrc string) string {

	if sessionName == "" {
		sessionName = "Play"
	}

	var builder strings.Builder
	builder.WriteString("v=0\r\n")
	builder.WriteString(fmt.Sprintf("o=- %s 0 IN IP4 %s\r\n", sessionID, localIP))
	builder.WriteString(fmt.Sprintf("s=%s\r\n", sessionName))
	builder.WriteString(fmt.Sprintf("c=IN IP4 %s\r\n", localIP))
	builder.WriteString("t=0 0\r\n")

	builder.WriteString(fmt.Sprintf("m=video %d RTP/AVP %d\r\n", videoPort, videoPT))
	builder.WriteString(fmt.Sprintf("a=rtpmap:%d %s/90000\r\n", videoPT, videoCodec))
	if videoCodec == VideoCodecH264 {
		builder.WriteString(fmt.Sprintf("a=fmtp:%d profile-level-id=42e01f;packetization-mode=1\r\n", videoPT))
	} else if videoCodec == VideoCodecH265 {
		builder.WriteString(fmt.Sprintf("a=fmtp:%d profile-id=1\r\n", videoPT))
	}

	builder.WriteString(fmt.Sprintf("m=audio %d RTP/AVP %d\r\n", audioPort, audioPT))
	builder.WriteString(fmt.Sprintf("a=rtpmap:%d %s/8000/1\r\n", audioPT, audioCodec))

	if ssrc != "" {
		builder.WriteString(fmt.Sprintf("y=%s\r\n", ssrc))
	}

	return builder.String()
}
