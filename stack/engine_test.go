package stack

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

var platformAddr = &net.UDPAddr{IP: net.ParseIP("192.168.1.1"), Port: 5060}

type inboundPacket struct {
	data []byte
	addr *net.UDPAddr
}

// fakeTransport 用内存队列代替socket
type fakeTransport struct {
	lock sync.Mutex
	in   chan inboundPacket
	sent [][]byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{in: make(chan inboundPacket, 16)}
}

func (t *fakeTransport) Recv(timeout time.Duration) ([]byte, *net.UDPAddr, error) {
	select {
	case packet := <-t.in:
		return packet.data, packet.addr, nil
	case <-time.After(timeout):
		return nil, nil, ErrRecvTimeout
	}
}

func (t *fakeTransport) Send(data []byte, addr *net.UDPAddr) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.sent = append(t.sent, data)
	return nil
}

func (t *fakeTransport) LocalIP() string {
	return "192.168.1.100"
}

func (t *fakeTransport) LocalPort() int {
	return 5060
}

func (t *fakeTransport) Close() error {
	return nil
}

func (t *fakeTransport) push(message *Message) {
	t.in <- inboundPacket{data: message.Serialize(), addr: platformAddr}
}

func (t *fakeTransport) sentCount() int {
	t.lock.Lock()
	defer t.lock.Unlock()
	return len(t.sent)
}

func (t *fakeTransport) sentMessage(t_ *testing.T, index int) *Message {
	t.lock.Lock()
	defer t.lock.Unlock()

	if index >= len(t.sent) {
		t_.Fatalf("no sent message at %d, only %d", index, len(t.sent))
	}

	message, err := ParseMessage(t.sent[index])
	if err != nil {
		t_.Fatal(err)
	}

	return message
}

type recordingMediaSink struct {
	established []MediaSession
	terminated  []string
}

func (s *recordingMediaSink) OnSessionEstablished(session MediaSession) {
	s.established = append(s.established, session)
}

func (s *recordingMediaSink) OnSessionTerminated(callID string) {
	s.terminated = append(s.terminated, callID)
}

func newTestEngine(t *testing.T) (*Engine, *fakeTransport, *recordingMediaSink, chan Event) {
	transport := newFakeTransport()
	dispatcher, _ := newTestDispatcher(nil, nil, nil)
	sessions := NewSessionManager(50000, 300*time.Second)

	engine, err := NewEngine(EngineConfig{
		DeviceID:        "34020000001320000001",
		Username:        "u",
		Password:        "p",
		Realm:           "3402000000",
		ServerID:        "34020000002000000001",
		ServerIP:        "192.168.1.1",
		ServerPort:      5060,
		RegisterExpires: 3600,
	}, transport, sessions, dispatcher)
	if err != nil {
		t.Fatal(err)
	}

	events := make(chan Event, 16)
	engine.SetEventHandler(EventHandlerFunc(func(event Event) {
		events <- event
	}))

	sink := &recordingMediaSink{}
	engine.SetMediaSink(sink)

	return engine, transport, sink, events
}

func step(t *testing.T, engine *Engine) {
	if err := engine.Step(50 * time.Millisecond); err != nil {
		t.Fatal(err)
	}
}

func platformRequest(method, callID, contentType string, body []byte) *Message {
	request := &Message{
		Request:    true,
		Method:     method,
		RequestURI: "sip:34020000001320000001@3402000000",
	}

	request.AddHeader("Via", "SIP/2.0/UDP 192.168.1.1:5060;rport;branch="+GenerateBranch())
	request.AddHeader("From", "<sip:34020000002000000001@3402000000>;tag="+GenerateTag())
	request.AddHeader("To", "<sip:34020000001320000001@3402000000>")
	request.AddHeader("Call-ID", callID)
	request.AddHeader("CSeq", fmt.Sprintf("20 %s", method))
	request.AddHeader("Max-Forwards", "70")

	if contentType != "" {
		request.AddHeader("Content-Type", contentType)
		request.Body = body
	}

	return request
}

// 注册+Digest鉴权
func TestRegisterWithDigest(t *testing.T) {
	engine, transport, _, events := newTestEngine(t)

	if err := engine.Register(); err != nil {
		t.Fatal(err)
	}

	// 第一次REGISTER不带凭证
	first := transport.sentMessage(t, 0)
	if first.Method != MethodRegister {
		t.Fatalf("expect REGISTER, got %s", first.Method)
	}

	if _, ok := first.Header("Authorization"); ok {
		t.Fatal("initial REGISTER must not carry credentials")
	}

	// 401挑战
	challenge := NewResponse(first, 401, "Unauthorized")
	challenge.AddHeader("WWW-Authenticate", `Digest realm="3402000000", nonce="abc"`)
	transport.push(challenge)
	step(t, engine)

	second := transport.sentMessage(t, 1)
	if second.Method != MethodRegister {
		t.Fatal("expect authenticated REGISTER")
	}

	authorization, ok := second.Header("Authorization")
	if !ok {
		t.Fatal("no Authorization header")
	}

	// response = MD5( MD5("u:3402000000:p") : "abc" : MD5("REGISTER:sip:3402000000") )
	expected := MD5Hex(MD5Hex("u:3402000000:p") + ":abc:" + MD5Hex("REGISTER:sip:3402000000"))
	if !strings.Contains(authorization, `response="`+expected+`"`) {
		t.Fatalf("bad digest response: %s", authorization)
	}

	firstSeq, _ := first.CSeq()
	secondSeq, _ := second.CSeq()
	if secondSeq <= firstSeq {
		t.Fatal("cseq must increase")
	}

	// 200 OK → registered
	transport.push(NewResponse(second, 200, "OK"))
	step(t, engine)

	if engine.RegistrationState() != RegStateRegistered {
		t.Fatalf("bad state: %s", engine.RegistrationState())
	}

	select {
	case event := <-events:
		if event.Kind != EventRegistered {
			t.Fatalf("bad event: %s", event.Kind)
		}
	default:
		t.Fatal("no registered event")
	}
}

// 两次401视为凭证错误
func TestRegisterAuthFailed(t *testing.T) {
	engine, transport, _, events := newTestEngine(t)

	_ = engine.Register()

	challenge := NewResponse(transport.sentMessage(t, 0), 401, "Unauthorized")
	challenge.AddHeader("WWW-Authenticate", `Digest realm="3402000000", nonce="abc"`)
	transport.push(challenge)
	step(t, engine)

	again := NewResponse(transport.sentMessage(t, 1), 401, "Unauthorized")
	again.AddHeader("WWW-Authenticate", `Digest realm="3402000000", nonce="def"`)
	transport.push(again)
	step(t, engine)

	if engine.RegistrationState() != RegStateNone {
		t.Fatalf("bad state: %s", engine.RegistrationState())
	}

	var sawAuthFailed bool
	for len(events) > 0 {
		if event := <-events; event.Kind == EventAuthFailed {
			sawAuthFailed = true
		}
	}

	if !sawAuthFailed {
		t.Fatal("no auth failed event")
	}
}

func TestRegisterTimeout(t *testing.T) {
	engine, transport, _, events := newTestEngine(t)

	now := time.Now()
	engine.SetClock(func() time.Time { return now })

	_ = engine.Register()
	_ = transport.sentMessage(t, 0)

	// 超过32秒没有响应
	now = now.Add(RegisterTimeout + time.Second)
	step(t, engine)

	if engine.RegistrationState() != RegStateNone {
		t.Fatalf("bad state: %s", engine.RegistrationState())
	}

	var sawFailed bool
	for len(events) > 0 {
		if event := <-events; event.Kind == EventRegisterFailed {
			sawFailed = true
		}
	}

	if !sawFailed {
		t.Fatal("no register failed event")
	}
}

// Catalog查询: 200应答 + 带相同SN的MESSAGE响应
func TestMessageCatalog(t *testing.T) {
	engine, transport, _, _ := newTestEngine(t)

	request := platformRequest(MethodMessage, GenerateCallID(), XmlContentType, []byte(catalogQuery))
	transport.push(request)
	step(t, engine)

	// 第一条是200 OK
	response := transport.sentMessage(t, 0)
	if response.Request || response.StatusCode != 200 {
		t.Fatalf("expect 200, got %+v", response)
	}

	// 第二条是Catalog响应MESSAGE
	outbound := transport.sentMessage(t, 1)
	if !outbound.Request || outbound.Method != MethodMessage {
		t.Fatal("expect outbound MESSAGE")
	}

	body := string(outbound.Body)
	for _, expected := range []string{
		"<CmdType>Catalog</CmdType>",
		"<SN>17</SN>",
		"<SumNum>1</SumNum>",
		"<DeviceID>34020000001320000001</DeviceID>",
	} {
		if !strings.Contains(body, expected) {
			t.Fatalf("catalog body missing %q:\n%s", expected, body)
		}
	}
}

func TestMessageMalformedBody(t *testing.T) {
	engine, transport, _, _ := newTestEngine(t)

	request := platformRequest(MethodMessage, GenerateCallID(), XmlContentType, []byte("<Query><CmdType>broken"))
	transport.push(request)
	step(t, engine)

	response := transport.sentMessage(t, 0)
	if response.StatusCode != 400 {
		t.Fatalf("expect 400, got %d", response.StatusCode)
	}
}

// INVITE/ACK/BYE全流程
func TestInviteAckBye(t *testing.T) {
	engine, transport, sink, _ := newTestEngine(t)

	callID := GenerateCallID()
	offer := "v=0\r\n" +
		"o=34020000002000000001 0 0 IN IP4 192.168.1.1\r\n" +
		"s=Play\r\n" +
		"c=IN IP4 192.168.1.1\r\n" +
		"t=0 0\r\n" +
		"m=video 6000 RTP/AVP 96\r\n" +
		"a=rtpmap:96 H264/90000\r\n"

	invite := platformRequest(MethodInvite, callID, SDPContentType, []byte(offer))
	invite.AddHeader("Subject", "34020000001310000001:0100000001,34020000002000000001:0")
	transport.push(invite)
	step(t, engine)

	response := transport.sentMessage(t, 0)
	if response.StatusCode != 200 {
		t.Fatalf("expect 200, got %d", response.StatusCode)
	}

	if response.ContentType() != SDPContentType {
		t.Fatal("answer must carry sdp")
	}

	answer, err := ParseSDP(string(response.Body))
	if err != nil {
		t.Fatal(err)
	}

	video := answer.FindMedia("video")
	if video == nil {
		t.Fatal("no video in answer")
	}

	// 偶数端口且不低于基址, payload type沿用offer
	if video.Port%2 != 0 || video.Port < 50000 {
		t.Fatalf("bad answer port: %d", video.Port)
	}

	if len(video.PayloadTypes) != 1 || video.PayloadTypes[0] != 96 {
		t.Fatalf("bad payload type: %v", video.PayloadTypes)
	}

	if video.Rtpmap[96] != "H264/90000" {
		t.Fatalf("bad rtpmap: %s", video.Rtpmap[96])
	}

	session, ok := engine.Sessions().Get(callID)
	if !ok || session.State != SessionStateInviting {
		t.Fatalf("bad session state: %+v", session)
	}

	if session.ChannelID != "34020000001310000001" {
		t.Fatalf("channel not taken from subject: %s", session.ChannelID)
	}

	// ACK → Established
	transport.push(platformRequest(MethodAck, callID, "", nil))
	step(t, engine)

	session, _ = engine.Sessions().Get(callID)
	if session.State != SessionStateEstablished {
		t.Fatalf("expect established, got %s", session.State)
	}

	if len(sink.established) != 1 || sink.established[0].CallID != callID {
		t.Fatal("media sink not notified")
	}

	// BYE → 200, 会话删除
	transport.push(platformRequest(MethodBye, callID, "", nil))
	step(t, engine)

	bye := transport.sentMessage(t, transport.sentCount()-1)
	if bye.StatusCode != 200 {
		t.Fatalf("expect 200 for BYE, got %d", bye.StatusCode)
	}

	if err := engine.Sessions().UpdateActivity(callID); err != ErrSessionNotFound {
		t.Fatalf("expect ErrSessionNotFound, got %v", err)
	}

	if len(sink.terminated) != 1 {
		t.Fatal("media sink not notified of teardown")
	}
}

func TestInviteMalformedOffer(t *testing.T) {
	engine, transport, _, _ := newTestEngine(t)

	invite := platformRequest(MethodInvite, GenerateCallID(), SDPContentType, []byte("m=video notaport RTP/AVP 96\r\n"))
	transport.push(invite)
	step(t, engine)

	response := transport.sentMessage(t, 0)
	if response.StatusCode != 400 {
		t.Fatalf("expect 400, got %d", response.StatusCode)
	}
}

func TestOptionsAndUnknownMethod(t *testing.T) {
	engine, transport, _, _ := newTestEngine(t)

	transport.push(platformRequest(MethodOptions, GenerateCallID(), "", nil))
	step(t, engine)

	response := transport.sentMessage(t, 0)
	if response.StatusCode != 200 {
		t.Fatalf("expect 200, got %d", response.StatusCode)
	}

	if allow, ok := response.Header("Allow"); !ok || !strings.Contains(allow, "INVITE") {
		t.Fatal("no Allow header")
	}

	transport.push(platformRequest("SUBSCRIBE", GenerateCallID(), "", nil))
	step(t, engine)

	response = transport.sentMessage(t, 1)
	if response.StatusCode != 405 {
		t.Fatalf("expect 405, got %d", response.StatusCode)
	}
}

func TestKeepalive(t *testing.T) {
	engine, transport, _, _ := newTestEngine(t)

	// 未注册时不发心跳
	if err := engine.SendKeepalive(); err != ErrNotRegistered {
		t.Fatalf("expect ErrNotRegistered, got %v", err)
	}

	_ = engine.Register()
	challenge := NewResponse(transport.sentMessage(t, 0), 401, "Unauthorized")
	challenge.AddHeader("WWW-Authenticate", `Digest realm="3402000000", nonce="abc"`)
	transport.push(challenge)
	step(t, engine)
	transport.push(NewResponse(transport.sentMessage(t, 1), 200, "OK"))
	step(t, engine)

	if err := engine.SendKeepalive(); err != nil {
		t.Fatal(err)
	}

	keepalive := transport.sentMessage(t, transport.sentCount()-1)
	if keepalive.Method != MethodMessage {
		t.Fatal("keepalive must be MESSAGE")
	}

	body := string(keepalive.Body)
	for _, expected := range []string{
		"<CmdType>Keepalive</CmdType>",
		"<DeviceID>34020000001320000001</DeviceID>",
		"<Status>OK</Status>",
	} {
		if !strings.Contains(body, expected) {
			t.Fatalf("keepalive missing %q:\n%s", expected, body)
		}
	}
}
