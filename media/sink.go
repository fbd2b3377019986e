package media

import (
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"gb-device/log"
	"gb-device/stack"

	"github.com/pion/rtp"
)

const (
	// RTP载荷分片大小, 留出头部不超MTU
	MaxPayloadSize = 1400

	// PS流90kHz时钟, 25fps一帧3600
	TimestampStep = 3600

	// 帧间隔, 25fps
	FrameInterval = 40 * time.Millisecond
)

// FrameSource 提供已经封装好的PS帧. 编码器在核心之外.
type FrameSource interface {
	ReadFrame() ([]byte, error)
}

// FrameSourceFactory 每个会话创建一个帧源. 返回nil表示该通道没有可推的流.
type FrameSourceFactory func(session stack.MediaSession) FrameSource

type stream struct {
	session stack.MediaSession
	conn    *net.UDPConn
	source  FrameSource

	sequence  uint16
	timestamp uint32

	paused bool
	scale  float64 // 回放倍速, 1.0为原速
	done   chan struct{}
	lock   sync.Mutex
}

// Sink PS-over-RTP推流出口. 会话建立后向对端视频端口发RTP包.
type Sink struct {
	lock    sync.Mutex
	streams map[string]*stream
	factory FrameSourceFactory
}

func NewSink(factory FrameSourceFactory) *Sink {
	return &Sink{
		streams: make(map[string]*stream),
		factory: factory,
	}
}

func (s *Sink) OnSessionEstablished(session stack.MediaSession) {
	addr := &net.UDPAddr{
		IP:   net.ParseIP(session.RemoteIP),
		Port: session.RemoteVideoPort,
	}

	conn, err := net.DialUDP("udp4", nil, addr)
	if err != nil {
		log.Sugar.Errorf("连接媒体对端失败 err: %s addr: %s", err.Error(), addr)
		return
	}

	var source FrameSource
	if s.factory != nil {
		source = s.factory(session)
	}

	stream_ := &stream{
		session: session,
		conn:    conn,
		source:  source,
		scale:   1.0,
		done:    make(chan struct{}),
	}

	s.lock.Lock()
	s.streams[session.CallID] = stream_
	s.lock.Unlock()

	log.Sugar.Infof("开始推流 callId: %s target: %s ssrc: %d", session.CallID, addr, session.VideoSSRC)

	if source != nil {
		go stream_.run()
	}
}

func (s *Sink) OnSessionTerminated(callID string) {
	s.lock.Lock()
	stream_, ok := s.streams[callID]
	if ok {
		delete(s.streams, callID)
	}
	s.lock.Unlock()

	if !ok {
		return
	}

	close(stream_.done)
	_ = stream_.conn.Close()
	log.Sugar.Infof("停止推流 callId: %s", callID)
}

// OnPlaybackControl MANSRTSP. 处理PLAY/PAUSE/TEARDOWN和Scale倍速.
func (s *Sink) OnPlaybackControl(callID, body string) {
	s.lock.Lock()
	stream_, ok := s.streams[callID]
	s.lock.Unlock()

	if !ok {
		return
	}

	lines := strings.Split(body, "\n")
	if len(lines) == 0 {
		return
	}

	method := strings.Fields(strings.TrimSpace(lines[0]))
	if len(method) == 0 {
		return
	}

	scale := parseScale(lines[1:])

	stream_.lock.Lock()
	defer stream_.lock.Unlock()

	switch strings.ToUpper(method[0]) {
	case "PAUSE":
		stream_.paused = true
	case "PLAY":
		stream_.paused = false
		if scale > 0 {
			stream_.scale = scale
		}
	case "TEARDOWN":
		stream_.paused = true
	}

	log.Sugar.Infof("回放控制 callId: %s method: %s scale: %.1f", callID, method[0], stream_.scale)
}

// Scale头指定回放倍速, 如 "Scale: 2.0"
func parseScale(lines []string) float64 {
	for _, line := range lines {
		kv := strings.SplitN(line, ":", 2)
		if len(kv) != 2 || !strings.EqualFold(strings.TrimSpace(kv[0]), "Scale") {
			continue
		}

		scale, err := strconv.ParseFloat(strings.TrimSpace(kv[1]), 64)
		if err != nil || scale <= 0 {
			return 0
		}

		return scale
	}

	return 0
}

// StreamCount 当前推流数
func (s *Sink) StreamCount() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.streams)
}

func (t *stream) run() {
	for {
		select {
		case <-t.done:
			return
		default:
		}

		t.lock.Lock()
		paused := t.paused
		scale := t.scale
		t.lock.Unlock()

		if paused {
			time.Sleep(100 * time.Millisecond)
			continue
		}

		frame, err := t.source.ReadFrame()
		if err != nil {
			log.Sugar.Errorf("读取媒体帧失败 err: %s callId: %s", err.Error(), t.session.CallID)
			return
		} else if len(frame) == 0 {
			time.Sleep(FrameInterval)
			continue
		}

		if err := t.sendFrame(frame, scale); err != nil {
			log.Sugar.Errorf("发送RTP失败 err: %s callId: %s", err.Error(), t.session.CallID)
			return
		}

		// 倍速回放按比例缩短帧间隔
		time.Sleep(time.Duration(float64(FrameInterval) / scale))
	}
}

// 一帧PS按MaxPayloadSize切片, 最后一包打marker
func (t *stream) sendFrame(frame []byte, scale float64) error {
	payloadType := uint8(t.session.VideoPT)
	if payloadType == 0 {
		payloadType = 96
	}

	for offset := 0; offset < len(frame); offset += MaxPayloadSize {
		end := offset + MaxPayloadSize
		if end > len(frame) {
			end = len(frame)
		}

		packet := rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         end == len(frame),
				PayloadType:    payloadType,
				SequenceNumber: t.sequence,
				Timestamp:      t.timestamp,
				SSRC:           t.session.VideoSSRC,
			},
			Payload: frame[offset:end],
		}

		data, err := packet.Marshal()
		if err != nil {
			return err
		}

		if _, err = t.conn.Write(data); err != nil {
			return err
		}

		t.sequence++
	}

	// 时间戳按倍速推进, 接收端照常还原播放速率
	t.timestamp += uint32(TimestampStep * scale)
	return nil
}

// FileFrameSource 从本地文件循环读PS帧的占位实现, 方便联调
type FileFrameSource struct {
	data   []byte
	offset int
	size   int
}

func NewFileFrameSource(data []byte, frameSize int) *FileFrameSource {
	if frameSize <= 0 {
		frameSize = 8192
	}
	return &FileFrameSource{data: data, size: frameSize}
}

func (f *FileFrameSource) ReadFrame() ([]byte, error) {
	if len(f.data) == 0 {
		return nil, nil
	}

	if f.offset >= len(f.data) {
		f.offset = 0
	}

	end := f.offset + f.size
	if end > len(f.data) {
		end = len(f.data)
	}

	frame := f.data[f.offset:end]
	f.offset = end
	return frame, nil
}
