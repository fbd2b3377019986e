package stack

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"
)

const (
	XmlHeaderGBK = `<?xml version="1.0" encoding="GB2312"?>` + "\r\n"

	XmlNameControl  = "Control"
	XmlNameQuery    = "Query"    //主动查询消息
	XmlNameNotify   = "Notify"   //订阅产生的通知消息
	XmlNameResponse = "Response" //响应消息

	CmdDeviceInfo     = "DeviceInfo"
	CmdDeviceStatus   = "DeviceStatus"
	CmdCatalog        = "Catalog"
	CmdRecordInfo     = "RecordInfo"
	CmdKeepalive      = "Keepalive"
	CmdDeviceControl  = "DeviceControl"
	CmdDeviceConfig   = "DeviceConfig"
	CmdConfigDownload = "ConfigDownload"
	CmdAlarm          = "Alarm"
)

var (
	ErrMalformedXML = errors.New("malformed xml")

	xmlEntities = map[string]string{
		"amp":  "&",
		"lt":   "<",
		"gt":   ">",
		"quot": "\"",
		"apos": "'",
	}
)

// Element MANSCDP文档树节点
type Element struct {
	Tag        string
	Text       string
	Attributes map[string]string
	Children   []*Element
}

// Find 深度优先查找
func (e *Element) Find(tag string) *Element {
	if e.Tag == tag {
		return e
	}

	for _, child := range e.Children {
		if found := child.Find(tag); found != nil {
			return found
		}
	}

	return nil
}

func (e *Element) TextOf(tag string) string {
	if found := e.Find(tag); found != nil {
		return strings.TrimSpace(found.Text)
	}
	return ""
}

func GbkToUtf8(s []byte) ([]byte, error) {
	reader := transform.NewReader(bytes.NewReader(s), simplifiedchinese.GBK.NewDecoder())

	d, e := io.ReadAll(reader)
	if e != nil {
		return nil, e
	}

	return d, nil
}

func Utf8ToGbk(s string) ([]byte, error) {
	gbk, _, err := transform.String(simplifiedchinese.GBK.NewEncoder(), s)
	if err != nil {
		return nil, err
	}

	return []byte(gbk), nil
}

// DecodeManscdp 解析一个MANSCDP报文体. GB2312/GBK编码先转成UTF-8再解析.
func DecodeManscdp(data []byte) (*Element, error) {
	utf8Data := data
	declared := charsetOf(data)
	if strings.EqualFold(declared, "GB2312") || strings.EqualFold(declared, "GBK") {
		converted, err := GbkToUtf8(data)
		if err == nil {
			utf8Data = converted
		}
	} else if declared != "" && !strings.EqualFold(declared, "UTF-8") {
		reader, err := charset.NewReaderLabel(declared, bytes.NewReader(data))
		if err == nil {
			if converted, err := io.ReadAll(reader); err == nil {
				utf8Data = converted
			}
		}
	}

	return ParseElement(utf8Data)
}

func charsetOf(data []byte) string {
	text := string(data)
	start := strings.Index(text, "encoding=")
	if start < 0 || !strings.HasPrefix(text, "<?xml") {
		return ""
	}

	rest := text[start+len("encoding="):]
	if len(rest) < 2 {
		return ""
	}

	quote := rest[0]
	end := strings.IndexByte(rest[1:], quote)
	if end < 0 {
		return ""
	}

	return rest[1 : 1+end]
}

// ParseElement 递归下降解析. 接受XML声明、注释、自闭合标签、单双引号属性,
// 不支持DTD/命名空间/CDATA.
func ParseElement(data []byte) (*Element, error) {
	parser := &xmlParser{text: string(data)}
	parser.skipProlog()

	element, err := parser.parseElement()
	if err != nil {
		return nil, err
	}

	return element, nil
}

type xmlParser struct {
	text string
	pos  int
}

func (p *xmlParser) skipProlog() {
	for {
		p.skipSpace()
		if strings.HasPrefix(p.text[p.pos:], "<?") {
			end := strings.Index(p.text[p.pos:], "?>")
			if end < 0 {
				p.pos = len(p.text)
				return
			}
			p.pos += end + 2
		} else if strings.HasPrefix(p.text[p.pos:], "<!--") {
			end := strings.Index(p.text[p.pos:], "-->")
			if end < 0 {
				p.pos = len(p.text)
				return
			}
			p.pos += end + 3
		} else {
			return
		}
	}
}

func (p *xmlParser) skipSpace() {
	for p.pos < len(p.text) {
		c := p.text[p.pos]
		if c != ' ' && c != '\t' && c != '\r' && c != '\n' {
			break
		}
		p.pos++
	}
}

func (p *xmlParser) parseElement() (*Element, error) {
	p.skipProlog()
	if p.pos >= len(p.text) || p.text[p.pos] != '<' {
		return nil, ErrMalformedXML
	}

	p.pos++
	tag := p.readName()
	if tag == "" {
		return nil, ErrMalformedXML
	}

	element := &Element{Tag: tag}

	// 属性
	for {
		p.skipSpace()
		if p.pos >= len(p.text) {
			return nil, ErrMalformedXML
		}

		if strings.HasPrefix(p.text[p.pos:], "/>") {
			p.pos += 2
			return element, nil
		} else if p.text[p.pos] == '>' {
			p.pos++
			break
		}

		name := p.readName()
		if name == "" {
			return nil, ErrMalformedXML
		}

		p.skipSpace()
		if p.pos >= len(p.text) || p.text[p.pos] != '=' {
			return nil, ErrMalformedXML
		}
		p.pos++
		p.skipSpace()

		value, err := p.readAttrValue()
		if err != nil {
			return nil, err
		}

		if element.Attributes == nil {
			element.Attributes = make(map[string]string)
		}
		element.Attributes[name] = value
	}

	// 内容: 文本和子元素
	var text strings.Builder
	for {
		if p.pos >= len(p.text) {
			return nil, ErrMalformedXML
		}

		if p.text[p.pos] == '<' {
			if strings.HasPrefix(p.text[p.pos:], "<!--") {
				end := strings.Index(p.text[p.pos:], "-->")
				if end < 0 {
					return nil, ErrMalformedXML
				}
				p.pos += end + 3
				continue
			}

			if strings.HasPrefix(p.text[p.pos:], "</") {
				p.pos += 2
				closing := p.readName()
				p.skipSpace()
				if closing != tag || p.pos >= len(p.text) || p.text[p.pos] != '>' {
					return nil, fmt.Errorf("%w: unclosed <%s>", ErrMalformedXML, tag)
				}
				p.pos++
				element.Text = decodeEntities(strings.TrimSpace(text.String()))
				return element, nil
			}

			child, err := p.parseElement()
			if err != nil {
				return nil, err
			}
			element.Children = append(element.Children, child)
		} else {
			text.WriteByte(p.text[p.pos])
			p.pos++
		}
	}
}

func (p *xmlParser) readName() string {
	start := p.pos
	for p.pos < len(p.text) {
		c := p.text[p.pos]
		if c == ' ' || c == '\t' || c == '\r' || c == '\n' ||
			c == '>' || c == '/' || c == '=' || c == '<' {
			break
		}
		p.pos++
	}
	return p.text[start:p.pos]
}

func (p *xmlParser) readAttrValue() (string, error) {
	if p.pos >= len(p.text) {
		return "", ErrMalformedXML
	}

	quote := p.text[p.pos]
	if quote == '"' || quote == '\'' {
		p.pos++
		end := strings.IndexByte(p.text[p.pos:], quote)
		if end < 0 {
			return "", ErrMalformedXML
		}
		value := p.text[p.pos : p.pos+end]
		p.pos += end + 1
		return decodeEntities(value), nil
	}

	// 无引号
	start := p.pos
	for p.pos < len(p.text) {
		c := p.text[p.pos]
		if c == ' ' || c == '\t' || c == '\r' || c == '\n' || c == '>' || c == '/' {
			break
		}
		p.pos++
	}
	return decodeEntities(p.text[start:p.pos]), nil
}

func decodeEntities(text string) string {
	if !strings.Contains(text, "&") {
		return text
	}

	var builder strings.Builder
	for i := 0; i < len(text); {
		if text[i] != '&' {
			builder.WriteByte(text[i])
			i++
			continue
		}

		end := strings.IndexByte(text[i:], ';')
		if end < 0 {
			builder.WriteString(text[i:])
			break
		}

		name := text[i+1 : i+end]
		if replacement, ok := xmlEntities[name]; ok {
			builder.WriteString(replacement)
			i += end + 1
		} else {
			builder.WriteByte(text[i])
			i++
		}
	}

	return builder.String()
}

func EscapeXml(text string) string {
	replacer := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		"\"", "&quot;",
		"'", "&apos;",
	)
	return replacer.Replace(text)
}

// 调度器使用的查询辅助

func CmdTypeOf(doc *Element) string {
	return doc.TextOf("CmdType")
}

func DeviceIDOf(doc *Element) string {
	return doc.TextOf("DeviceID")
}

func SNOf(doc *Element) string {
	return doc.TextOf("SN")
}

func PtzCmdOf(doc *Element) string {
	return doc.TextOf("PTZCmd")
}

// RecordInfoQueryOf 返回录像查询的通道和时间范围
func RecordInfoQueryOf(doc *Element) (channelID, startTime, endTime string) {
	return doc.TextOf("DeviceID"), doc.TextOf("StartTime"), doc.TextOf("EndTime")
}
