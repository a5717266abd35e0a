package sip

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"voip-agent/pkg/metrics"
)

// Addr is a remote or local UDP endpoint.
type Addr struct {
	Host string
	Port int
}

func (a Addr) String() string {
	return net.JoinHostPort(a.Host, fmt.Sprintf("%d", a.Port))
}

// InboundSIP is one SIP datagram delivered by the transport.
type InboundSIP struct {
	Data   []byte
	Remote Addr
}

// InboundRTP is one RTP datagram delivered by the transport, tagged with
// the local port it arrived on so the owner can route it to a session.
type InboundRTP struct {
	Data      []byte
	Remote    Addr
	LocalPort int
}

// Transport is the datagram plane the user-agent consumes. The agent does
// not assume reliable delivery.
type Transport interface {
	Bind() error
	SendSIPMessage(data []byte, remote Addr) error
	OpenRTP(localPort int) error
	CloseRTP(localPort int)
	SendRTPPacket(localPort int, data []byte, remote Addr) error
	Close() error

	SIPMessages() <-chan InboundSIP
	RTPData() <-chan InboundRTP
	Errors() <-chan error
}

// ErrTransportClosed is returned by sends after Close.
var ErrTransportClosed = errors.New("transport closed")

// UDPTransport implements Transport over net.UDPConn: one socket for SIP
// signaling plus one socket per active RTP port.
type UDPTransport struct {
	logger *logrus.Logger
	host   string
	port   int

	sipConn *net.UDPConn

	mu       sync.Mutex
	rtpConns map[int]*net.UDPConn
	closed   bool

	sipCh chan InboundSIP
	rtpCh chan InboundRTP
	errCh chan error

	wg sync.WaitGroup
}

// NewUDPTransport builds an unbound transport listening on host:port for SIP.
func NewUDPTransport(host string, port int, logger *logrus.Logger) *UDPTransport {
	return &UDPTransport{
		logger:   logger,
		host:     host,
		port:     port,
		rtpConns: make(map[int]*net.UDPConn),
		sipCh:    make(chan InboundSIP, 64),
		rtpCh:    make(chan InboundRTP, 256),
		errCh:    make(chan error, 16),
	}
}

// Bind opens the SIP socket and starts its reader. A bind failure is fatal
// to the agent and is returned to the caller.
func (t *UDPTransport) Bind() error {
	addr := &net.UDPAddr{IP: net.ParseIP(t.host), Port: t.port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("binding SIP socket %s:%d: %w", t.host, t.port, err)
	}
	t.sipConn = conn

	t.logger.WithFields(logrus.Fields{
		"host": t.host,
		"port": t.port,
	}).Info("SIP transport bound")

	t.wg.Add(1)
	go t.readSIP(conn)
	return nil
}

func (t *UDPTransport) readSIP(conn *net.UDPConn) {
	defer t.wg.Done()
	buf := make([]byte, 65535)
	for {
		n, raddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if t.isClosed() {
				return
			}
			select {
			case t.errCh <- err:
			default:
			}
			continue
		}
		if n == 0 {
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case t.sipCh <- InboundSIP{Data: data, Remote: Addr{Host: raddr.IP.String(), Port: raddr.Port}}:
		default:
			t.logger.Warn("Inbound SIP queue full, dropping datagram")
		}
	}
}

// OpenRTP opens a socket on localPort and feeds its datagrams into the RTP
// event stream.
func (t *UDPTransport) OpenRTP(localPort int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	if _, ok := t.rtpConns[localPort]; ok {
		return nil
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(t.host), Port: localPort})
	if err != nil {
		return fmt.Errorf("binding RTP socket port %d: %w", localPort, err)
	}
	t.rtpConns[localPort] = conn

	t.wg.Add(1)
	go t.readRTP(conn, localPort)
	return nil
}

func (t *UDPTransport) readRTP(conn *net.UDPConn, localPort int) {
	defer t.wg.Done()
	buf := make([]byte, 1500)
	for {
		n, raddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			// Socket closed on CloseRTP or Close.
			return
		}
		if n == 0 {
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case t.rtpCh <- InboundRTP{Data: data, Remote: Addr{Host: raddr.IP.String(), Port: raddr.Port}, LocalPort: localPort}:
		default:
			metrics.RecordRTPDropped("queue_full")
		}
	}
}

// CloseRTP tears down the socket on localPort.
func (t *UDPTransport) CloseRTP(localPort int) {
	t.mu.Lock()
	conn, ok := t.rtpConns[localPort]
	if ok {
		delete(t.rtpConns, localPort)
	}
	t.mu.Unlock()
	if ok {
		conn.Close()
	}
}

// SendSIPMessage writes one signaling datagram. Errors are counted and
// surfaced to the caller.
func (t *UDPTransport) SendSIPMessage(data []byte, remote Addr) error {
	if t.isClosed() || t.sipConn == nil {
		return ErrTransportClosed
	}
	dst := &net.UDPAddr{IP: net.ParseIP(remote.Host), Port: remote.Port}
	if dst.IP == nil {
		return fmt.Errorf("unresolvable SIP destination %q", remote.Host)
	}
	if _, err := t.sipConn.WriteToUDP(data, dst); err != nil {
		if metrics.IsMetricsEnabled() {
			metrics.TransportSendErrors.Inc()
		}
		return fmt.Errorf("sending SIP datagram to %s: %w", remote, err)
	}
	return nil
}

// SendRTPPacket writes one media datagram from the session's local port.
func (t *UDPTransport) SendRTPPacket(localPort int, data []byte, remote Addr) error {
	t.mu.Lock()
	conn, ok := t.rtpConns[localPort]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("no RTP socket on port %d", localPort)
	}
	dst := &net.UDPAddr{IP: net.ParseIP(remote.Host), Port: remote.Port}
	if dst.IP == nil {
		return fmt.Errorf("unresolvable RTP destination %q", remote.Host)
	}
	if _, err := conn.WriteToUDP(data, dst); err != nil {
		if metrics.IsMetricsEnabled() {
			metrics.TransportSendErrors.Inc()
		}
		return fmt.Errorf("sending RTP datagram to %s: %w", remote, err)
	}
	return nil
}

// Close shuts every socket down. Event channels stay open so late selects
// drain cleanly; readers exit on their socket errors.
func (t *UDPTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conns := make([]*net.UDPConn, 0, len(t.rtpConns))
	for _, c := range t.rtpConns {
		conns = append(conns, c)
	}
	t.rtpConns = make(map[int]*net.UDPConn)
	t.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	if t.sipConn != nil {
		t.sipConn.Close()
	}
	t.wg.Wait()
	return nil
}

func (t *UDPTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *UDPTransport) SIPMessages() <-chan InboundSIP { return t.sipCh }
func (t *UDPTransport) RTPData() <-chan InboundRTP     { return t.rtpCh }
func (t *UDPTransport) Errors() <-chan error           { return t.errCh }
