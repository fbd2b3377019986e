package stack

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"
)

var (
	ErrRecvTimeout = errors.New("recv timeout")
)

const (
	// SIP over UDP约定报文小于MTU, 超出4K的数据报截断并按解析失败丢弃
	MaxDatagramSize = 4096
)

// Transport 收发数据报. 引擎独占持有, 不感知SIP结构.
type Transport interface {
	Recv(timeout time.Duration) ([]byte, *net.UDPAddr, error)

	Send(data []byte, addr *net.UDPAddr) error

	LocalIP() string

	LocalPort() int

	Close() error
}

type UDPTransport struct {
	conn      *net.UDPConn
	localIP   string
	localPort int
	buffer    []byte
}

// NewUDPTransport localIP为"auto"时取第一个非回环的IPv4地址
func NewUDPTransport(localIP string, localPort int) (*UDPTransport, error) {
	resolved, err := ResolveLocalIP(localIP)
	if err != nil {
		return nil, err
	}

	addr := &net.UDPAddr{IP: net.ParseIP(resolved), Port: localPort}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, err
	}

	return &UDPTransport{
		conn:      conn,
		localIP:   resolved,
		localPort: localPort,
		buffer:    make([]byte, MaxDatagramSize),
	}, nil
}

// ResolveLocalIP 枚举网卡, 取第一个up状态非回环网卡的IPv4地址
func ResolveLocalIP(localIP string) (string, error) {
	if localIP != "" && localIP != "auto" {
		return localIP, nil
	}

	interfaces, err := net.Interfaces()
	if err != nil {
		return "", err
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}

			if ipv4 := ipNet.IP.To4(); ipv4 != nil && !ipv4.IsLoopback() {
				return ipv4.String(), nil
			}
		}
	}

	return "", fmt.Errorf("no usable ipv4 address")
}

func (t *UDPTransport) Recv(timeout time.Duration) ([]byte, *net.UDPAddr, error) {
	if err := t.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, nil, err
	}

	n, addr, err := t.conn.ReadFromUDP(t.buffer)
	if err != nil {
		if os.IsTimeout(err) {
			return nil, nil, ErrRecvTimeout
		}
		return nil, nil, err
	}

	data := make([]byte, n)
	copy(data, t.buffer[:n])
	return data, addr, nil
}

func (t *UDPTransport) Send(data []byte, addr *net.UDPAddr) error {
	_, err := t.conn.WriteToUDP(data, addr)
	return err
}

func (t *UDPTransport) LocalIP() string {
	return t.localIP
}

func (t *UDPTransport) LocalPort() int {
	return t.localPort
}

func (t *UDPTransport) Close() error {
	return t.conn.Close()
}
