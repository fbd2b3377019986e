package stack

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// DigestChallenge WWW-Authenticate/Proxy-Authenticate头的参数
type DigestChallenge struct {
	Realm     string
	Nonce     string
	Opaque    string
	Qop       string
	Algorithm string
}

func MD5Hex(data string) string {
	sum := md5.Sum([]byte(data))
	return hex.EncodeToString(sum[:])
}

// ParseDigestChallenge 宽松解析. name=value逗号分隔, 值可以带引号也可以不带,
// algorithm缺省为MD5.
func ParseDigestChallenge(value string) (*DigestChallenge, error) {
	value = strings.TrimSpace(value)
	scheme := strings.SplitN(value, " ", 2)
	if len(scheme) < 2 || !strings.EqualFold(scheme[0], "Digest") {
		return nil, fmt.Errorf("not a digest challenge: %s", value)
	}

	challenge := &DigestChallenge{Algorithm: "MD5"}
	for _, pair := range splitChallengeParams(scheme[1]) {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}

		name := strings.ToLower(strings.TrimSpace(kv[0]))
		param := strings.TrimSpace(kv[1])
		param = strings.Trim(param, "\"")

		switch name {
		case "realm":
			challenge.Realm = param
		case "nonce":
			challenge.Nonce = param
		case "opaque":
			challenge.Opaque = param
		case "qop":
			challenge.Qop = param
		case "algorithm":
			challenge.Algorithm = param
		}
	}

	if challenge.Nonce == "" {
		return nil, fmt.Errorf("no nonce in challenge: %s", value)
	}

	return challenge, nil
}

// 逗号分隔, 引号内的逗号不算
func splitChallengeParams(text string) []string {
	var params []string
	var quoted bool
	start := 0

	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '"':
			quoted = !quoted
		case ',':
			if !quoted {
				params = append(params, text[start:i])
				start = i + 1
			}
		}
	}

	return append(params, text[start:])
}

// DigestResponse RFC 2617 MD5算法.
// qop为空: response = MD5(HA1:nonce:HA2)
// qop=auth: response = MD5(HA1:nonce:nc:cnonce:qop:HA2)
func DigestResponse(method, uri, username, realm, password, nonce, qop, nc, cnonce string) string {
	ha1 := MD5Hex(username + ":" + realm + ":" + password)
	ha2 := MD5Hex(method + ":" + uri)

	if qop == "" {
		return MD5Hex(ha1 + ":" + nonce + ":" + ha2)
	}

	return MD5Hex(ha1 + ":" + nonce + ":" + nc + ":" + cnonce + ":" + qop + ":" + ha2)
}

// BuildAuthorization 根据挑战生成Authorization头的值
func BuildAuthorization(challenge *DigestChallenge, method, uri, username, password string) string {
	realm := challenge.Realm

	var qop, nc, cnonce string
	if strings.Contains(challenge.Qop, "auth") {
		qop = "auth"
		nc = "00000001"
		cnonce = GenerateCNonce()
	}

	response := DigestResponse(method, uri, username, realm, password, challenge.Nonce, qop, nc, cnonce)

	var builder strings.Builder
	builder.WriteString(fmt.Sprintf("Digest username=\"%s\",realm=\"%s\",nonce=\"%s\",uri=\"%s\",response=\"%s\",algorithm=%s",
		username, realm, challenge.Nonce, uri, response, challenge.Algorithm))

	if qop != "" {
		builder.WriteString(fmt.Sprintf(",qop=%s,cnonce=\"%s\",nc=%s", qop, cnonce, nc))
	}

	if challenge.Opaque != "" {
		builder.WriteString(fmt.Sprintf(",opaque=\"%s\"", challenge.Opaque))
	}

	return builder.String()
}

// GenerateCNonce 每次挑战使用随机的8位hex
func GenerateCNonce() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
