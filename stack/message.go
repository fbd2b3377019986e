package stack

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	SipVersion = "SIP/2.0"

	MethodRegister = "REGISTER"
	MethodMessage  = "MESSAGE"
	MethodInvite   = "INVITE"
	MethodAck      = "ACK"
	MethodBye      = "BYE"
	MethodOptions  = "OPTIONS"
	MethodInfo     = "INFO"
	MethodNotify   = "NOTIFY"

	XmlContentType = "Application/MANSCDP+xml"
	SDPContentType = "application/sdp"
)

var (
	ErrMalformedStartLine = errors.New("malformed start line")
	ErrMalformedHeader    = errors.New("malformed header")
	ErrTruncatedBody      = errors.New("truncated body")

	// 紧凑头与标准头的映射
	compactForms = map[string]string{
		"f": "from",
		"t": "to",
		"i": "call-id",
		"m": "contact",
		"v": "via",
		"c": "content-type",
		"l": "content-length",
	}

	displayNames = map[string]string{
		"from":             "From",
		"to":               "To",
		"call-id":          "Call-ID",
		"contact":          "Contact",
		"via":              "Via",
		"content-type":     "Content-Type",
		"content-length":   "Content-Length",
		"cseq":             "CSeq",
		"max-forwards":     "Max-Forwards",
		"expires":          "Expires",
		"user-agent":       "User-Agent",
		"authorization":    "Authorization",
		"www-authenticate": "WWW-Authenticate",
		"allow":            "Allow",
		"subject":          "Subject",
	}
)

type Header struct {
	Name  string // 保留原始大小写, 重新序列化响应时原样输出
	Value string
}

// Message 一条SIP请求或响应. Headers保持到达顺序, 按规范名查找.
type Message struct {
	Request    bool
	Method     string
	RequestURI string
	StatusCode int
	Reason     string
	Headers    []Header
	Body       []byte
}

// CanonicalName 头名统一小写, 紧凑形式展开
func CanonicalName(name string) string {
	lower := strings.ToLower(strings.TrimSpace(name))
	if full, ok := compactForms[lower]; ok {
		return full
	}
	return lower
}

// DisplayName 序列化时使用的头名
func DisplayName(canonical string) string {
	if display, ok := displayNames[canonical]; ok {
		return display
	}
	return canonical
}

func (m *Message) Header(name string) (string, bool) {
	canonical := CanonicalName(name)
	for _, h := range m.Headers {
		if CanonicalName(h.Name) == canonical {
			return h.Value, true
		}
	}
	return "", false
}

func (m *Message) HeaderValues(name string) []string {
	canonical := CanonicalName(name)
	var values []string
	for _, h := range m.Headers {
		if CanonicalName(h.Name) == canonical {
			values = append(values, h.Value)
		}
	}
	return values
}

func (m *Message) SetHeader(name, value string) {
	canonical := CanonicalName(name)
	for i, h := range m.Headers {
		if CanonicalName(h.Name) == canonical {
			m.Headers[i].Value = value
			return
		}
	}
	m.AddHeader(name, value)
}

func (m *Message) AddHeader(name, value string) {
	m.Headers = append(m.Headers, Header{Name: name, Value: value})
}

func (m *Message) RemoveHeader(name string) {
	canonical := CanonicalName(name)
	headers := m.Headers[:0]
	for _, h := range m.Headers {
		if CanonicalName(h.Name) != canonical {
			headers = append(headers, h)
		}
	}
	m.Headers = headers
}

func (m *Message) CallID() string {
	value, _ := m.Header("Call-ID")
	return value
}

func (m *Message) ContentType() string {
	value, _ := m.Header("Content-Type")
	return value
}

// CSeq 返回序号和方法
func (m *Message) CSeq() (uint32, string) {
	value, ok := m.Header("CSeq")
	if !ok {
		return 0, ""
	}

	fields := strings.Fields(value)
	if len(fields) < 2 {
		return 0, ""
	}

	seq, _ := strconv.ParseUint(fields[0], 10, 32)
	return uint32(seq), fields[1]
}

// Via 最上面的Via头
func (m *Message) Via() string {
	value, _ := m.Header("Via")
	return value
}

// FromUser From头中的user部分
func (m *Message) FromUser() string {
	value, _ := m.Header("From")
	return uriUser(value)
}

// ToUser To头中的user部分
func (m *Message) ToUser() string {
	value, _ := m.Header("To")
	return uriUser(value)
}

func uriUser(header string) string {
	start := strings.Index(header, "sip:")
	if start < 0 {
		return ""
	}

	rest := header[start+4:]
	end := strings.IndexAny(rest, "@>;")
	if end < 0 {
		return rest
	} else if rest[end] != '@' {
		return rest[:end]
	}

	return rest[:end]
}

// ParseMessage 解析一个UDP数据报. 接受\r\n或\n行尾, 头折行拼接.
func ParseMessage(data []byte) (*Message, error) {
	text := string(data)
	headerEnd, bodyStart := splitHeadersAndBody(text)
	if headerEnd < 0 {
		return nil, ErrMalformedStartLine
	}

	lines := splitLines(text[:headerEnd])
	if len(lines) == 0 {
		return nil, ErrMalformedStartLine
	}

	message := &Message{}
	if err := parseStartLine(message, lines[0]); err != nil {
		return nil, err
	}

	for i := 1; i < len(lines); i++ {
		line := lines[i]
		if line == "" {
			continue
		}

		// 折行, 拼接到前一个头
		if line[0] == ' ' || line[0] == '\t' {
			if len(message.Headers) == 0 {
				return nil, ErrMalformedHeader
			}
			last := len(message.Headers) - 1
			message.Headers[last].Value += " " + strings.TrimSpace(line)
			continue
		}

		colon := strings.Index(line, ":")
		if colon <= 0 {
			return nil, ErrMalformedHeader
		}

		message.Headers = append(message.Headers, Header{
			Name:  strings.TrimSpace(line[:colon]),
			Value: strings.TrimSpace(line[colon+1:]),
		})
	}

	body := []byte(text[bodyStart:])
	if lengthValue, ok := message.Header("Content-Length"); ok {
		length, err := strconv.Atoi(strings.TrimSpace(lengthValue))
		if err != nil || length < 0 {
			return nil, ErrMalformedHeader
		} else if length > len(body) {
			return nil, ErrTruncatedBody
		}
		body = body[:length]
	}

	message.Body = body
	return message, nil
}

func parseStartLine(message *Message, line string) error {
	if strings.HasPrefix(line, SipVersion) {
		// 响应
		fields := strings.SplitN(line, " ", 3)
		if len(fields) < 2 {
			return ErrMalformedStartLine
		}

		code, err := strconv.Atoi(fields[1])
		if err != nil || code < 100 || code > 699 {
			return ErrMalformedStartLine
		}

		message.StatusCode = code
		if len(fields) == 3 {
			message.Reason = fields[2]
		}
		return nil
	}

	// 请求
	fields := strings.Fields(line)
	if len(fields) != 3 || fields[2] != SipVersion {
		return ErrMalformedStartLine
	}

	message.Request = true
	message.Method = fields[0]
	message.RequestURI = fields[1]
	return nil
}

// 返回头部结束位置和体开始位置
func splitHeadersAndBody(text string) (int, int) {
	if i := strings.Index(text, "\r\n\r\n"); i >= 0 {
		return i, i + 4
	}
	if i := strings.Index(text, "\n\n"); i >= 0 {
		return i, i + 2
	}
	// 没有空行, 整个报文都是头
	return len(text), len(text)
}

func splitLines(text string) []string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSuffix(line, "\r")
	}
	return lines
}

// Serialize Content-Length总是重写为实际长度
func (m *Message) Serialize() []byte {
	var buffer bytes.Buffer

	if m.Request {
		buffer.WriteString(m.Method)
		buffer.WriteString(" ")
		buffer.WriteString(m.RequestURI)
		buffer.WriteString(" ")
		buffer.WriteString(SipVersion)
	} else {
		buffer.WriteString(SipVersion)
		buffer.WriteString(" ")
		buffer.WriteString(strconv.Itoa(m.StatusCode))
		buffer.WriteString(" ")
		buffer.WriteString(m.Reason)
	}
	buffer.WriteString("\r\n")

	m.SetHeader("Content-Length", strconv.Itoa(len(m.Body)))
	for _, h := range m.Headers {
		// 已知头用标准写法, 未知头保留原始名字
		name := h.Name
		if canonical := CanonicalName(h.Name); displayNames[canonical] != "" {
			name = DisplayName(canonical)
		}
		buffer.WriteString(name)
		buffer.WriteString(": ")
		buffer.WriteString(h.Value)
		buffer.WriteString("\r\n")
	}

	buffer.WriteString("\r\n")
	buffer.Write(m.Body)
	return buffer.Bytes()
}

// NewResponse 基于请求生成响应. Via原样拷贝, 上级按branch匹配事务.
func NewResponse(request *Message, statusCode int, reason string) *Message {
	response := &Message{
		StatusCode: statusCode,
		Reason:     reason,
	}

	for _, via := range request.HeaderValues("Via") {
		response.AddHeader("Via", via)
	}

	if from, ok := request.Header("From"); ok {
		response.AddHeader("From", from)
	}

	if to, ok := request.Header("To"); ok {
		if !strings.Contains(to, "tag=") && statusCode >= 200 {
			to = fmt.Sprintf("%s;tag=%s", to, GenerateTag())
		}
		response.AddHeader("To", to)
	}

	if callID, ok := request.Header("Call-ID"); ok {
		response.AddHeader("Call-ID", callID)
	}

	if cseq, ok := request.Header("CSeq"); ok {
		response.AddHeader("CSeq", cseq)
	}

	response.AddHeader("User-Agent", UserAgent)
	return response
}

func StatusText(code int) string {
	switch code {
	case 100:
		return "Trying"
	case 200:
		return "OK"
	case 400:
		return "Bad Request"
	case 401:
		return "Unauthorized"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 405:
		return "Method Not Allowed"
	case 481:
		return "Call/Transaction Does Not Exist"
	case 488:
		return "Not Acceptable Here"
	case 500:
		return "Server Internal Error"
	default:
		return "Unknown"
	}
}
