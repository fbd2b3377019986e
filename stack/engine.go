package stack

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"gb-device/log"
)

type RegistrationState int

const (
	RegStateNone RegistrationState = iota
	RegStateChallenging
	RegStateRegistered
	RegStateExpired
)

func (s RegistrationState) String() string {
	switch s {
	case RegStateChallenging:
		return "CHALLENGING"
	case RegStateRegistered:
		return "REGISTERED"
	case RegStateExpired:
		return "EXPIRED"
	default:
		return "NOT_REGISTERED"
	}
}

const (
	// RFC3261非INVITE事务超时
	RegisterTimeout = 32 * time.Second

	// 有效期的八成时间点发起刷新注册
	registerRefreshRatio = 0.8

	AllowedMethods = "REGISTER, MESSAGE, INVITE, ACK, BYE, OPTIONS, INFO, NOTIFY"
)

var (
	ErrNotRegistered = errors.New("not registered")
)

type EngineConfig struct {
	DeviceID string
	Username string
	Password string
	Realm    string

	ServerID   string
	ServerIP   string
	ServerPort int

	RegisterExpires int
}

// PlaybackController 回放控制(MANSRTSP)出口, MediaSink可选实现
type PlaybackController interface {
	OnPlaybackControl(callID, body string)
}

type registration struct {
	state      RegistrationState
	callID     string
	fromTag    string
	nonce      string
	lastOK     time.Time
	expires    int
	deadline   time.Time // 事务超时
	challenged bool      // 本次注册已经应答过一次401
}

// Engine 单线程协作式SIP引擎. 独占传输层socket和注册状态.
// 唯一阻塞点是带超时的recv, 由外层循环驱动Step.
type Engine struct {
	lock sync.Mutex

	config     EngineConfig
	transport  Transport
	sessions   *SessionManager
	dispatcher *Dispatcher

	handler   EventHandler
	mediaSink MediaSink

	reg        registration
	cseq       uint32
	serverAddr *net.UDPAddr

	now func() time.Time
}

func NewEngine(config EngineConfig, transport Transport, sessions *SessionManager, dispatcher *Dispatcher) (*Engine, error) {
	if config.RegisterExpires <= 0 {
		config.RegisterExpires = 3600
	}

	serverAddr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(config.ServerIP, strconv.Itoa(config.ServerPort)))
	if err != nil {
		return nil, err
	}

	return &Engine{
		config:     config,
		transport:  transport,
		sessions:   sessions,
		dispatcher: dispatcher,
		serverAddr: serverAddr,
		now:        time.Now,
	}, nil
}

func (e *Engine) SetEventHandler(handler EventHandler) {
	e.handler = handler
	e.sessions.SetEventHandler(handler)
	e.dispatcher.SetEventHandler(handler)
}

func (e *Engine) SetMediaSink(sink MediaSink) {
	e.mediaSink = sink
	e.sessions.SetMediaSink(sink)
}

// SetClock 测试用
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

func (e *Engine) RegistrationState() RegistrationState {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.reg.state
}

func (e *Engine) Sessions() *SessionManager {
	return e.sessions
}

func (e *Engine) emit(event Event) {
	if e.handler != nil {
		e.handler.OnEvent(event)
	}
}

// Register 发起注册. 先发不带凭证的REGISTER, 收到401后带Authorization重发.
func (e *Engine) Register() error {
	e.lock.Lock()
	e.reg = registration{
		state:    RegStateChallenging,
		callID:   GenerateCallID(),
		fromTag:  GenerateTag(),
		expires:  e.config.RegisterExpires,
		deadline: e.now().Add(RegisterTimeout),
	}
	request := e.buildRegister("")
	e.lock.Unlock()

	log.Sugar.Infof("发起注册 server: %s user: %s", e.serverAddr, e.config.Username)
	return e.transport.Send(request.Serialize(), e.serverAddr)
}

// Unregister Expires置0注销
func (e *Engine) Unregister() error {
	e.lock.Lock()
	e.reg.state = RegStateNone
	request := e.buildRegister("")
	request.SetHeader("Expires", "0")
	e.lock.Unlock()

	return e.transport.Send(request.Serialize(), e.serverAddr)
}

// 调用方持有e.lock
func (e *Engine) buildRegister(authorization string) *Message {
	e.cseq++

	request := &Message{
		Request:    true,
		Method:     MethodRegister,
		RequestURI: fmt.Sprintf("sip:%s@%s", e.config.ServerID, e.serverAddr.String()),
	}

	local := fmt.Sprintf("%s:%d", e.transport.LocalIP(), e.transport.LocalPort())
	request.AddHeader("Via", fmt.Sprintf("SIP/2.0/UDP %s;rport;branch=%s", local, GenerateBranch()))
	request.AddHeader("From", fmt.Sprintf("<sip:%s@%s>;tag=%s", e.config.Username, e.config.Realm, e.reg.fromTag))
	request.AddHeader("To", fmt.Sprintf("<sip:%s@%s>", e.config.Username, e.config.Realm))
	request.AddHeader("Call-ID", e.reg.callID)
	request.AddHeader("CSeq", fmt.Sprintf("%d REGISTER", e.cseq))
	request.AddHeader("Contact", fmt.Sprintf("<sip:%s@%s>", e.config.Username, local))
	request.AddHeader("Max-Forwards", "70")
	request.AddHeader("User-Agent", UserAgent)
	request.AddHeader("Expires", strconv.Itoa(e.reg.expires))

	if authorization != "" {
		request.AddHeader("Authorization", authorization)
	}

	return request
}

func (e *Engine) buildRequest(method, toUser, toDomain string) *Message {
	e.lock.Lock()
	e.cseq++
	cseq := e.cseq
	e.lock.Unlock()

	request := &Message{
		Request:    true,
		Method:     method,
		RequestURI: fmt.Sprintf("sip:%s@%s", toUser, toDomain),
	}

	local := fmt.Sprintf("%s:%d", e.transport.LocalIP(), e.transport.LocalPort())
	request.AddHeader("Via", fmt.Sprintf("SIP/2.0/UDP %s;rport;branch=%s", local, GenerateBranch()))
	request.AddHeader("From", fmt.Sprintf("<sip:%s@%s>;tag=%s", e.config.Username, e.config.Realm, GenerateTag()))
	request.AddHeader("To", fmt.Sprintf("<sip:%s@%s>", toUser, toDomain))
	request.AddHeader("Call-ID", GenerateCallID())
	request.AddHeader("CSeq", fmt.Sprintf("%d %s", cseq, method))
	request.AddHeader("Max-Forwards", "70")
	request.AddHeader("User-Agent", UserAgent)

	return request
}

// SendMessageBody 把MANSCDP报文体转GB2312后作为MESSAGE发出
func (e *Engine) SendMessageBody(body string, addr *net.UDPAddr) error {
	if !strings.HasPrefix(body, "<?xml") {
		body = XmlHeaderGBK + body
	}

	gbkBody, err := Utf8ToGbk(body)
	if err != nil {
		return err
	}

	request := e.buildRequest(MethodMessage, e.config.ServerID, e.serverAddr.String())
	request.SetHeader("Content-Type", XmlContentType)
	request.Body = gbkBody

	if addr == nil {
		addr = e.serverAddr
	}

	return e.transport.Send(request.Serialize(), addr)
}

// SendKeepalive 心跳Notify
func (e *Engine) SendKeepalive() error {
	e.lock.Lock()
	registered := e.reg.state == RegStateRegistered
	e.lock.Unlock()

	if !registered {
		return ErrNotRegistered
	}

	body := fmt.Sprintf(KeepaliveNotifyFormat, GetSN(), e.config.DeviceID)
	if err := e.SendMessageBody(body, nil); err != nil {
		return err
	}

	e.emit(Event{Kind: EventKeepaliveSent})
	return nil
}

// SendAlarmNotify 告警Notify
func (e *Engine) SendAlarmNotify(alarm AlarmInfo) error {
	return e.SendMessageBody(GenerateAlarmNotify(alarm, GetSN()), nil)
}

// Step 最多阻塞timeout等待一个报文并处理. 解析失败直接丢包,
// 不回任何响应, 避免放大.
func (e *Engine) Step(timeout time.Duration) error {
	data, addr, err := e.transport.Recv(timeout)
	if err != nil {
		if errors.Is(err, ErrRecvTimeout) {
			e.housekeeping()
			return nil
		}
		return err
	}

	message, err := ParseMessage(data)
	if err != nil {
		log.Sugar.Warnf("丢弃无法解析的报文 err: %s addr: %s", err.Error(), addr)
		return nil
	}

	if message.Request {
		e.handleRequest(message, addr)
	} else {
		e.handleResponse(message)
	}

	e.housekeeping()
	return nil
}

// 注册保活和超时检查
func (e *Engine) housekeeping() {
	e.lock.Lock()
	now := e.now()
	var refresh, failed, expired bool

	switch e.reg.state {
	case RegStateChallenging:
		if now.After(e.reg.deadline) {
			e.reg.state = RegStateNone
			failed = true
		}
	case RegStateRegistered:
		expiry := e.reg.lastOK.Add(time.Duration(e.reg.expires) * time.Second)
		refreshAt := e.reg.lastOK.Add(time.Duration(float64(e.reg.expires)*registerRefreshRatio) * time.Second)
		if now.After(expiry) {
			e.reg.state = RegStateExpired
			expired = true
		} else if now.After(refreshAt) {
			refresh = true
		}
	}
	e.lock.Unlock()

	if failed {
		log.Sugar.Errorf("注册超时 server: %s", e.serverAddr)
		e.emit(Event{Kind: EventRegisterFailed, Data: "transaction timeout"})
	}

	if expired {
		log.Sugar.Errorf("注册过期 server: %s", e.serverAddr)
		e.emit(Event{Kind: EventRegisterExpired})
	}

	if refresh || expired {
		if err := e.Register(); err != nil {
			log.Sugar.Errorf("刷新注册失败 err: %s", err.Error())
		}
	}
}

func (e *Engine) handleResponse(response *Message) {
	_, method := response.CSeq()

	switch method {
	case MethodRegister:
		e.handleRegisterResponse(response)
	case MethodMessage:
		if response.StatusCode >= 300 {
			log.Sugar.Warnf("MESSAGE被拒绝 status: %d callId: %s", response.StatusCode, response.CallID())
		}
	default:
		log.Sugar.Debugf("忽略响应 method: %s status: %d", method, response.StatusCode)
	}
}

func (e *Engine) handleRegisterResponse(response *Message) {
	e.lock.Lock()

	if response.CallID() != e.reg.callID || e.reg.state != RegStateChallenging {
		e.lock.Unlock()
		return
	}

	switch {
	case response.StatusCode/100 == 2:
		e.reg.state = RegStateRegistered
		e.reg.lastOK = e.now()
		e.reg.challenged = false
		if value, ok := response.Header("Expires"); ok {
			if expires, err := strconv.Atoi(value); err == nil && expires > 0 {
				e.reg.expires = expires
			}
		}
		e.lock.Unlock()

		log.Sugar.Infof("注册成功 server: %s expires: %d", e.serverAddr, e.config.RegisterExpires)
		e.emit(Event{Kind: EventRegistered})

	case response.StatusCode == 401 || response.StatusCode == 407:
		if e.reg.challenged {
			// 第二次401, 凭证错误
			e.reg.state = RegStateNone
			e.lock.Unlock()

			log.Sugar.Errorf("认证失败 server: %s user: %s", e.serverAddr, e.config.Username)
			e.emit(Event{Kind: EventAuthFailed})
			return
		}

		challengeHeader, ok := response.Header("WWW-Authenticate")
		if !ok {
			challengeHeader, ok = response.Header("Proxy-Authenticate")
		}

		if !ok {
			e.reg.state = RegStateNone
			e.lock.Unlock()
			e.emit(Event{Kind: EventRegisterFailed, Data: "401 without challenge"})
			return
		}

		challenge, err := ParseDigestChallenge(challengeHeader)
		if err != nil {
			e.reg.state = RegStateNone
			e.lock.Unlock()

			log.Sugar.Errorf("解析认证挑战失败 err: %s", err.Error())
			e.emit(Event{Kind: EventRegisterFailed, Data: err.Error()})
			return
		}

		realm := challenge.Realm
		if realm == "" {
			realm = e.config.Realm
			challenge.Realm = realm
		}

		e.reg.nonce = challenge.Nonce
		e.reg.challenged = true
		e.reg.deadline = e.now().Add(RegisterTimeout)

		uri := "sip:" + realm
		authorization := BuildAuthorization(challenge, MethodRegister, uri, e.config.Username, e.config.Password)
		request := e.buildRegister(authorization)
		e.lock.Unlock()

		if err := e.transport.Send(request.Serialize(), e.serverAddr); err != nil {
			log.Sugar.Errorf("发送认证注册失败 err: %s", err.Error())
		}

	default:
		e.reg.state = RegStateNone
		e.lock.Unlock()

		log.Sugar.Errorf("注册失败 status: %d", response.StatusCode)
		e.emit(Event{Kind: EventRegisterFailed, Data: strconv.Itoa(response.StatusCode)})
	}
}

func (e *Engine) respond(request *Message, statusCode int, addr *net.UDPAddr) {
	response := NewResponse(request, statusCode, StatusText(statusCode))
	if err := e.transport.Send(response.Serialize(), addr); err != nil {
		log.Sugar.Errorf("发送响应失败 err: %s addr: %s", err.Error(), addr)
	}
}

func (e *Engine) handleRequest(request *Message, addr *net.UDPAddr) {
	switch request.Method {
	case MethodMessage:
		e.handleMessage(request, addr)
	case MethodInvite:
		e.handleInvite(request, addr)
	case MethodAck:
		e.handleAck(request)
	case MethodBye:
		e.handleBye(request, addr)
	case MethodOptions:
		response := NewResponse(request, 200, "OK")
		response.AddHeader("Allow", AllowedMethods)
		_ = e.transport.Send(response.Serialize(), addr)
	case MethodInfo:
		e.handleInfo(request, addr)
	default:
		log.Sugar.Warnf("不支持的方法 method: %s addr: %s", request.Method, addr)
		e.respond(request, 405, addr)
	}
}

func (e *Engine) handleMessage(request *Message, addr *net.UDPAddr) {
	if !strings.EqualFold(request.ContentType(), XmlContentType) {
		e.respond(request, 400, addr)
		return
	}

	doc, err := DecodeManscdp(request.Body)
	if err != nil {
		log.Sugar.Errorf("解析MANSCDP失败 err: %s", err.Error())
		e.respond(request, 400, addr)
		return
	}

	e.respond(request, 200, addr)

	// 平台对Notify的应答, 不用处理
	if doc.Tag == XmlNameResponse {
		return
	}

	for _, body := range e.dispatcher.Dispatch(doc) {
		if err := e.SendMessageBody(body, addr); err != nil {
			log.Sugar.Errorf("发送MANSCDP响应失败 err: %s", err.Error())
		}
	}
}

func (e *Engine) handleInvite(request *Message, addr *net.UDPAddr) {
	callID := request.CallID()
	if callID == "" || len(request.Body) == 0 {
		e.respond(request, 400, addr)
		return
	}

	offer, err := ParseSDP(string(request.Body))
	if err != nil {
		log.Sugar.Errorf("解析SDP失败 err: %s callId: %s", err.Error(), callID)
		e.respond(request, 400, addr)
		return
	}

	video := offer.FindMedia("video")
	if video == nil || offer.Connection == "" {
		e.respond(request, 400, addr)
		return
	}

	videoCodec, videoPT, ok := video.SelectVideoCodec()
	if !ok {
		log.Sugar.Errorf("offer中没有可用的视频编码 callId: %s", callID)
		e.respond(request, 488, addr)
		return
	}

	audioCodec, audioPT := AudioCodecPCMA, audioPayloadType(AudioCodecPCMA)
	remoteAudioPort := 0
	if audio := offer.FindMedia("audio"); audio != nil {
		if codec, pt, ok := audio.SelectAudioCodec(); ok {
			audioCodec, audioPT = codec, pt
		}
		remoteAudioPort = audio.Port
	}

	// 通道取Subject头, 没有则取To的user
	channelID := request.ToUser()
	if subject, ok := request.Header("Subject"); ok {
		fields := strings.Split(strings.Split(subject, ",")[0], ":")
		if len(fields) > 0 && fields[0] != "" {
			channelID = fields[0]
		}
	}

	session, err := e.sessions.Create(callID, channelID, offer.Connection, videoCodec, audioCodec)
	if err != nil {
		log.Sugar.Errorf("创建会话失败 err: %s callId: %s", err.Error(), callID)
		e.respond(request, 500, addr)
		return
	}

	_ = e.sessions.SetName(callID, offer.SessionName)
	_ = e.sessions.SetRemotePorts(callID, video.Port, remoteAudioPort)
	_ = e.sessions.SetPayloadTypes(callID, videoPT, audioPT)

	videoPort, audioPort, err := e.sessions.AllocatePorts(callID)
	if err != nil {
		log.Sugar.Errorf("分配媒体端口失败 err: %s callId: %s", err.Error(), callID)
		_ = e.sessions.Terminate(callID)
		e.respond(request, 500, addr)
		return
	}

	// SetName可能换成回放SSRC, 重新取快照
	session, _ = e.sessions.Get(callID)

	answer := BuildSDPAnswer(strconv.FormatInt(e.now().Unix(), 10), offer.SessionName,
		e.transport.LocalIP(), videoPort, audioPort, videoCodec, videoPT, audioCodec, audioPT,
		session.SSRCString())

	response := NewResponse(request, 200, "OK")
	local := fmt.Sprintf("%s:%d", e.transport.LocalIP(), e.transport.LocalPort())
	response.AddHeader("Contact", fmt.Sprintf("<sip:%s@%s>", e.config.DeviceID, local))
	response.SetHeader("Content-Type", SDPContentType)
	response.Body = []byte(answer)

	if err := e.transport.Send(response.Serialize(), addr); err != nil {
		log.Sugar.Errorf("发送INVITE应答失败 err: %s", err.Error())
		_ = e.sessions.Terminate(callID)
		return
	}

	log.Sugar.Infof("应答INVITE callId: %s channel: %s video: %s/%d audio: %s/%d",
		callID, channelID, videoCodec, videoPort, audioCodec, audioPort)
}

func (e *Engine) handleAck(request *Message) {
	callID := request.CallID()

	if err := e.sessions.UpdateState(callID, SessionStateEstablished); err != nil {
		log.Sugar.Warnf("处理ACK失败 err: %s callId: %s", err.Error(), callID)
		return
	}

	_ = e.sessions.UpdateActivity(callID)

	session, _ := e.sessions.Get(callID)
	log.Sugar.Infof("会话建立 callId: %s channel: %s", callID, session.ChannelID)

	if e.mediaSink != nil {
		e.mediaSink.OnSessionEstablished(session)
	}

	e.emit(Event{Kind: EventSessionEstablished, CallID: callID, Data: session.ChannelID})
}

func (e *Engine) handleBye(request *Message, addr *net.UDPAddr) {
	callID := request.CallID()
	e.respond(request, 200, addr)

	if err := e.sessions.Terminate(callID); err != nil {
		log.Sugar.Warnf("处理BYE失败 err: %s callId: %s", err.Error(), callID)
	}
}

// MANSRTSP回放控制. 应答200后转给媒体出口.
func (e *Engine) handleInfo(request *Message, addr *net.UDPAddr) {
	callID := request.CallID()
	if _, ok := e.sessions.Get(callID); !ok {
		e.respond(request, 481, addr)
		return
	}

	e.respond(request, 200, addr)
	_ = e.sessions.UpdateActivity(callID)

	if controller, ok := e.mediaSink.(PlaybackController); ok {
		controller.OnPlaybackControl(callID, string(request.Body))
	}
}
