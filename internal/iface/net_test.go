package iface

import (
	"bufio"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadBytes('\n')
			if err != nil {
				return
			}
			if _, err := conn.Write(line); err != nil {
				return
			}
		}
	}()
	return ln.Addr().String()
}

func TestTCPEcho(t *testing.T) {
	addr := echoServer(t)
	proto := &TerminatedProtocol{WriteTermination: []byte("\n"), ReadTermination: []byte("\n"), StripRead: true}
	i, err := NewTCP("link", TCPConfig{WriteAddress: addr, ReadAddress: addr, PollInterval: 10 * time.Millisecond}, proto, nil)
	require.NoError(t, err)
	assert.True(t, i.ReadAllowed())
	assert.True(t, i.WriteAllowed())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, i.Connect(ctx))
	defer i.Disconnect()

	require.NoError(t, i.Write([]byte("PING")))
	got, err := i.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "PING", string(got))

	short, cancelShort := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancelShort()
	_, err = i.Read(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, i.Connected(), "a cancelled read keeps the connection")
}

func TestTCPDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	i, err := NewTCP("link", TCPConfig{WriteAddress: addr, ReadAddress: "nil", DialTimeout: time.Second}, nil, nil)
	require.NoError(t, err)
	assert.False(t, i.ReadAllowed())
	assert.Error(t, i.Connect(context.Background()))
	assert.Equal(t, Disconnected, i.State())
	assert.Error(t, i.SetOption("NODELAY", []string{"1"}))
}

// mockUDPSocket replays queued datagrams and records sends.
type mockUDPSocket struct {
	mu       sync.Mutex
	packets  [][]byte
	sent     [][]byte
	sentTo   []*net.UDPAddr
	rcvBuf   int
	closed   bool
	deadline time.Time
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func (m *mockUDPSocket) ReadFromUDP(b []byte) (int, *net.UDPAddr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, nil, net.ErrClosed
	}
	if len(m.packets) == 0 {
		return 0, nil, &net.OpError{Op: "read", Net: "udp", Err: timeoutError{}}
	}
	n := copy(b, m.packets[0])
	m.packets = m.packets[1:]
	return n, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9000}, nil
}

func (m *mockUDPSocket) WriteToUDP(b []byte, addr *net.UDPAddr) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, append([]byte(nil), b...))
	m.sentTo = append(m.sentTo, addr)
	return len(b), nil
}

func (m *mockUDPSocket) SetReadBuffer(n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rcvBuf = n
	return nil
}

func (m *mockUDPSocket) SetReadDeadline(t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadline = t
	return nil
}

func (m *mockUDPSocket) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockUDPSocket) LocalAddr() net.Addr { return &net.UDPAddr{Port: 8000} }

type mockUDPFactory struct {
	sock  *mockUDPSocket
	laddr *net.UDPAddr
}

func (f *mockUDPFactory) ListenUDP(_ string, laddr *net.UDPAddr) (UDPSocket, error) {
	f.laddr = laddr
	return f.sock, nil
}

func TestUDPReadWrite(t *testing.T) {
	sock := &mockUDPSocket{packets: [][]byte{{0x01, 0x02}, {0x03}}}
	factory := &mockUDPFactory{sock: sock}
	i, err := NewUDP("udp", UDPConfig{ListenAddress: "127.0.0.1:8000", WriteAddress: "127.0.0.1:9000", PollInterval: time.Millisecond}, factory, nil, nil)
	require.NoError(t, err)
	require.NoError(t, i.SetOption("RCVBUF", []string{"4096"}))

	ctx := context.Background()
	require.NoError(t, i.Connect(ctx))
	assert.Equal(t, 8000, factory.laddr.Port)
	assert.Equal(t, 4096, sock.rcvBuf)

	got, err := i.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02}, got)
	got, err = i.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x03}, got)

	// The queue is empty, so reads time out until the context ends.
	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = i.Read(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, i.Write([]byte("cmd")))
	require.Len(t, sock.sent, 1)
	assert.Equal(t, "cmd", string(sock.sent[0]))
	assert.Equal(t, 9000, sock.sentTo[0].Port)

	require.NoError(t, i.Disconnect())
	assert.True(t, sock.closed)
}

func TestUDPListenOnly(t *testing.T) {
	i, err := NewUDP("udp", UDPConfig{ListenAddress: "127.0.0.1:8000"}, &mockUDPFactory{sock: &mockUDPSocket{}}, nil, nil)
	require.NoError(t, err)
	assert.True(t, i.ReadAllowed())
	assert.False(t, i.WriteAllowed())
	assert.Error(t, i.SetOption("RCVBUF", []string{"big"}))
	assert.Error(t, i.SetOption("TTL", []string{"4"}))
}
