package stack

import (
	"bytes"
	"strings"
	"testing"
)

const registerRequest = "REGISTER sip:34020000002000000001@192.168.1.1:5060 SIP/2.0\r\n" +
	"Via: SIP/2.0/UDP 192.168.1.100:5060;rport;branch=z9hG4bK563315752\r\n" +
	"From: <sip:34020000001320000001@3402000000>;tag=2043466181\r\n" +
	"To: <sip:34020000001320000001@3402000000>\r\n" +
	"Call-ID: 1302938964\r\n" +
	"CSeq: 1 REGISTER\r\n" +
	"Contact: <sip:34020000001320000001@192.168.1.100:5060>\r\n" +
	"Max-Forwards: 70\r\n" +
	"Expires: 3600\r\n" +
	"Content-Length: 0\r\n" +
	"\r\n"

func TestParseMessage(t *testing.T) {
	t.Run("request", func(t *testing.T) {
		message, err := ParseMessage([]byte(registerRequest))
		if err != nil {
			t.Fatal(err)
		}

		if !message.Request || message.Method != "REGISTER" {
			t.Fatalf("bad start line: %s %s", message.Method, message.RequestURI)
		}

		if message.CallID() != "1302938964" {
			t.Fatalf("bad call id: %s", message.CallID())
		}

		seq, method := message.CSeq()
		if seq != 1 || method != "REGISTER" {
			t.Fatalf("bad cseq: %d %s", seq, method)
		}

		if message.FromUser() != "34020000001320000001" {
			t.Fatalf("bad from user: %s", message.FromUser())
		}
	})

	t.Run("response", func(t *testing.T) {
		raw := "SIP/2.0 401 Unauthorized\r\n" +
			"Via: SIP/2.0/UDP 192.168.1.100:5060;branch=z9hG4bK1\r\n" +
			"WWW-Authenticate: Digest realm=\"3402000000\", nonce=\"abc\"\r\n" +
			"Content-Length: 0\r\n\r\n"

		message, err := ParseMessage([]byte(raw))
		if err != nil {
			t.Fatal(err)
		}

		if message.Request || message.StatusCode != 401 || message.Reason != "Unauthorized" {
			t.Fatalf("bad status line: %d %s", message.StatusCode, message.Reason)
		}
	})

	t.Run("bare_lf", func(t *testing.T) {
		raw := strings.ReplaceAll(registerRequest, "\r\n", "\n")
		message, err := ParseMessage([]byte(raw))
		if err != nil {
			t.Fatal(err)
		}

		if message.CallID() != "1302938964" {
			t.Fatalf("bad call id: %s", message.CallID())
		}
	})

	t.Run("compact_forms", func(t *testing.T) {
		raw := "MESSAGE sip:34020000002000000001@3402000000 SIP/2.0\r\n" +
			"v: SIP/2.0/UDP 192.168.1.100:5060;branch=z9hG4bK1\r\n" +
			"f: <sip:34020000001320000001@3402000000>;tag=1\r\n" +
			"t: <sip:34020000002000000001@3402000000>\r\n" +
			"i: abcdef\r\n" +
			"CSeq: 20 MESSAGE\r\n" +
			"c: Application/MANSCDP+xml\r\n" +
			"l: 4\r\n" +
			"\r\n" +
			"abcd"

		message, err := ParseMessage([]byte(raw))
		if err != nil {
			t.Fatal(err)
		}

		if message.CallID() != "abcdef" {
			t.Fatalf("compact i not canonicalised: %s", message.CallID())
		}

		if message.ContentType() != "Application/MANSCDP+xml" {
			t.Fatalf("compact c not canonicalised: %s", message.ContentType())
		}

		if string(message.Body) != "abcd" {
			t.Fatalf("bad body: %s", message.Body)
		}
	})

	t.Run("folded_header", func(t *testing.T) {
		raw := "OPTIONS sip:a@b SIP/2.0\r\n" +
			"Subject: line one\r\n" +
			" line two\r\n" +
			"Content-Length: 0\r\n\r\n"

		message, err := ParseMessage([]byte(raw))
		if err != nil {
			t.Fatal(err)
		}

		if subject, _ := message.Header("Subject"); subject != "line one line two" {
			t.Fatalf("bad folded header: %q", subject)
		}
	})

	t.Run("truncated_body", func(t *testing.T) {
		raw := "MESSAGE sip:a@b SIP/2.0\r\n" +
			"Content-Length: 100\r\n\r\nshort"

		if _, err := ParseMessage([]byte(raw)); err != ErrTruncatedBody {
			t.Fatalf("expect ErrTruncatedBody, got %v", err)
		}
	})

	t.Run("malformed_start_line", func(t *testing.T) {
		if _, err := ParseMessage([]byte("garbage\r\n\r\n")); err != ErrMalformedStartLine {
			t.Fatalf("expect ErrMalformedStartLine, got %v", err)
		}
	})
}

// 序列化后再解析应该和原解析结果一致(Content-Length重算除外)
func TestSerializeRoundTrip(t *testing.T) {
	first, err := ParseMessage([]byte(registerRequest))
	if err != nil {
		t.Fatal(err)
	}

	second, err := ParseMessage(first.Serialize())
	if err != nil {
		t.Fatal(err)
	}

	if second.Method != first.Method || second.RequestURI != first.RequestURI {
		t.Fatal("start line not stable")
	}

	if len(second.Headers) != len(first.Headers) {
		t.Fatalf("header count changed: %d -> %d", len(first.Headers), len(second.Headers))
	}

	for _, h := range first.Headers {
		value, ok := second.Header(h.Name)
		if !ok || value != h.Value {
			t.Fatalf("header %s not stable: %q", h.Name, value)
		}
	}

	if !bytes.Equal(second.Serialize(), first.Serialize()) {
		t.Fatal("serialize not stable")
	}
}

func TestNewResponse(t *testing.T) {
	request, err := ParseMessage([]byte(registerRequest))
	if err != nil {
		t.Fatal(err)
	}

	response := NewResponse(request, 200, "OK")
	data := response.Serialize()

	parsed, err := ParseMessage(data)
	if err != nil {
		t.Fatal(err)
	}

	// Via必须原样拷贝, 平台按branch匹配事务
	if parsed.Via() != request.Via() {
		t.Fatalf("via changed: %s", parsed.Via())
	}

	if parsed.CallID() != request.CallID() {
		t.Fatal("call id changed")
	}

	if !strings.Contains(string(data), "SIP/2.0 200 OK") {
		t.Fatal("bad status line")
	}
}
