package iface

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/cmdtlm/internal/rawlog"
)

const defaultPollInterval = 100 * time.Millisecond

// TCPConfig configures a TCP client connector. An empty or "nil" address
// turns that direction off; equal addresses share one connection.
type TCPConfig struct {
	WriteAddress string
	ReadAddress  string
	DialTimeout  time.Duration
	PollInterval time.Duration
}

// TCPConnector dials TCP streams.
type TCPConnector struct {
	write, read string
	dialer      net.Dialer
	interval    time.Duration
}

func NewTCPConnector(cfg TCPConfig) *TCPConnector {
	c := &TCPConnector{
		write:    PortName(cfg.WriteAddress),
		read:     PortName(cfg.ReadAddress),
		interval: cfg.PollInterval,
	}
	c.dialer.Timeout = cfg.DialTimeout
	if c.dialer.Timeout <= 0 {
		c.dialer.Timeout = 5 * time.Second
	}
	if c.interval <= 0 {
		c.interval = defaultPollInterval
	}
	return c
}

// Directions reports which directions have an address.
func (c *TCPConnector) Directions() (read, write bool) {
	return c.read != "", c.write != ""
}

// SetOption rejects every option; TCP streams have none.
func (c *TCPConnector) SetOption(name string, _ []string) error {
	return fmt.Errorf("unknown tcp option %s", name)
}

func (c *TCPConnector) Connect(ctx context.Context, read, write bool) (Stream, error) {
	s := &connStream{interval: c.interval, buf: make([]byte, 65536)}
	var err error
	if write && c.write != "" {
		if s.w, err = c.dialer.DialContext(ctx, "tcp", c.write); err != nil {
			return nil, err
		}
	}
	if read && c.read != "" {
		if c.read == c.write && s.w != nil {
			s.r = s.w
		} else if s.r, err = c.dialer.DialContext(ctx, "tcp", c.read); err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

// connStream polls a net.Conn with short read deadlines so a cancelled
// context ends a blocked read.
type connStream struct {
	r, w     net.Conn
	interval time.Duration
	buf      []byte
}

func (s *connStream) Read(ctx context.Context) ([]byte, error) {
	if s.r == nil {
		return nil, ErrReadNotAllowed
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := s.r.SetReadDeadline(time.Now().Add(s.interval)); err != nil {
			return nil, err
		}
		n, err := s.r.Read(s.buf)
		if n > 0 {
			return append([]byte(nil), s.buf[:n]...), nil
		}
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return nil, err
		}
	}
}

func (s *connStream) Write(p []byte) error {
	if s.w == nil {
		return ErrWriteNotAllowed
	}
	_, err := s.w.Write(p)
	return err
}

func (s *connStream) Close() error {
	var errs []error
	if s.w != nil {
		errs = append(errs, s.w.Close())
	}
	if s.r != nil && s.r != s.w {
		errs = append(errs, s.r.Close())
	}
	return errors.Join(errs...)
}

// NewTCP builds a TCP client interface.
func NewTCP(name string, cfg TCPConfig, proto Protocol, raw *rawlog.Pair, observers ...Observer) (*Interface, error) {
	conn := NewTCPConnector(cfg)
	read, write := conn.Directions()
	return New(Config{
		Name:      name,
		Connector: conn,
		Protocol:  proto,
		Read:      read,
		Write:     write,
		RawLogs:   raw,
		Observers: observers,
	})
}

// UDPSocket is the part of *net.UDPConn a UDP stream uses.
type UDPSocket interface {
	ReadFromUDP(b []byte) (n int, addr *net.UDPAddr, err error)
	WriteToUDP(b []byte, addr *net.UDPAddr) (int, error)
	SetReadBuffer(bytes int) error
	SetReadDeadline(t time.Time) error
	Close() error
	LocalAddr() net.Addr
}

// UDPSocketFactory creates UDP sockets.
type UDPSocketFactory interface {
	ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error)
}

// RealUDPSocketFactory implements UDPSocketFactory using net.ListenUDP.
type RealUDPSocketFactory struct{}

func (RealUDPSocketFactory) ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error) {
	conn, err := net.ListenUDP(network, laddr)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// UDPConfig configures a UDP connector. Datagrams are received on
// ListenAddress and sent to WriteAddress; either may be empty or "nil".
type UDPConfig struct {
	ListenAddress string
	WriteAddress  string
	// RcvBuf sets the OS receive buffer when positive.
	RcvBuf       int
	PollInterval time.Duration
}

// UDPConnector opens UDP streams.
type UDPConnector struct {
	factory  UDPSocketFactory
	listen   string
	write    string
	interval time.Duration

	mu     sync.Mutex
	rcvBuf int
}

// NewUDPConnector returns a connector. A nil factory uses real sockets.
func NewUDPConnector(cfg UDPConfig, factory UDPSocketFactory) *UDPConnector {
	if factory == nil {
		factory = RealUDPSocketFactory{}
	}
	c := &UDPConnector{
		factory:  factory,
		listen:   PortName(cfg.ListenAddress),
		write:    PortName(cfg.WriteAddress),
		interval: cfg.PollInterval,
		rcvBuf:   cfg.RcvBuf,
	}
	if c.interval <= 0 {
		c.interval = defaultPollInterval
	}
	return c
}

// Directions reports which directions have an address.
func (c *UDPConnector) Directions() (read, write bool) {
	return c.listen != "", c.write != ""
}

// SetOption accepts RCVBUF.
func (c *UDPConnector) SetOption(name string, values []string) error {
	if !strings.EqualFold(name, "RCVBUF") {
		return fmt.Errorf("unknown udp option %s", name)
	}
	if len(values) != 1 {
		return fmt.Errorf("option %s takes exactly one value", name)
	}
	n, err := parseCount(values[0])
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.rcvBuf = n
	c.mu.Unlock()
	return nil
}

func (c *UDPConnector) Connect(ctx context.Context, read, write bool) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	laddr := &net.UDPAddr{}
	if read && c.listen != "" {
		var err error
		if laddr, err = net.ResolveUDPAddr("udp", c.listen); err != nil {
			return nil, err
		}
	}
	s := &udpStream{interval: c.interval, buf: make([]byte, 65536), read: read && c.listen != ""}
	if write && c.write != "" {
		var err error
		if s.dest, err = net.ResolveUDPAddr("udp", c.write); err != nil {
			return nil, err
		}
	}
	sock, err := c.factory.ListenUDP("udp", laddr)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	rcvBuf := c.rcvBuf
	c.mu.Unlock()
	if rcvBuf > 0 {
		if err := sock.SetReadBuffer(rcvBuf); err != nil {
			sock.Close()
			return nil, fmt.Errorf("set receive buffer: %w", err)
		}
	}
	s.sock = sock
	return s, nil
}

type udpStream struct {
	sock     UDPSocket
	dest     *net.UDPAddr
	read     bool
	interval time.Duration
	buf      []byte
}

func (s *udpStream) Read(ctx context.Context) ([]byte, error) {
	if !s.read {
		return nil, ErrReadNotAllowed
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := s.sock.SetReadDeadline(time.Now().Add(s.interval)); err != nil {
			return nil, err
		}
		n, _, err := s.sock.ReadFromUDP(s.buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return nil, err
		}
		if n > 0 {
			return append([]byte(nil), s.buf[:n]...), nil
		}
	}
}

func (s *udpStream) Write(p []byte) error {
	if s.dest == nil {
		return ErrWriteNotAllowed
	}
	_, err := s.sock.WriteToUDP(p, s.dest)
	return err
}

func (s *udpStream) Close() error { return s.sock.Close() }

// NewUDP builds a UDP interface.
func NewUDP(name string, cfg UDPConfig, factory UDPSocketFactory, proto Protocol, raw *rawlog.Pair, observers ...Observer) (*Interface, error) {
	conn := NewUDPConnector(cfg, factory)
	read, write := conn.Directions()
	return New(Config{
		Name:      name,
		Connector: conn,
		Protocol:  proto,
		Read:      read,
		Write:     write,
		RawLogs:   raw,
		Observers: observers,
	})
}
