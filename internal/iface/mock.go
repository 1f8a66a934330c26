package iface

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"go.bug.st/serial"
)

var errPortClosed = errors.New("serial port closed")

// TestableSerialPort implements TimeoutPort with configurable behaviour for
// testing. Reads block until data is added or the port is closed.
type TestableSerialPort struct {
	mu sync.Mutex

	// ReadBuffer holds data to be returned by Read calls
	ReadBuffer *bytes.Buffer

	// WriteBuffer captures data written to the port
	WriteBuffer *bytes.Buffer

	// ReadError is returned by the next Read call if set
	ReadError error

	// WriteError is returned by the next Write call if set
	WriteError error

	// CloseError is returned by Close if set
	CloseError error

	Closed      bool
	ReadCalls   int
	WriteCalls  int
	ReadTimeout time.Duration

	readCond *sync.Cond
}

// NewTestableSerialPort creates a new TestableSerialPort for testing.
func NewTestableSerialPort() *TestableSerialPort {
	tsp := &TestableSerialPort{
		ReadBuffer:  bytes.NewBuffer(nil),
		WriteBuffer: bytes.NewBuffer(nil),
	}
	tsp.readCond = sync.NewCond(&tsp.mu)
	return tsp
}

func (t *TestableSerialPort) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadCalls++
	for !t.Closed && t.ReadError == nil && t.ReadBuffer.Len() == 0 {
		t.readCond.Wait()
	}
	if t.Closed {
		return 0, errPortClosed
	}
	if t.ReadError != nil {
		err := t.ReadError
		t.ReadError = nil
		return 0, err
	}
	return t.ReadBuffer.Read(p)
}

func (t *TestableSerialPort) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.WriteCalls++
	if t.Closed {
		return 0, errPortClosed
	}
	if t.WriteError != nil {
		err := t.WriteError
		t.WriteError = nil
		return 0, err
	}
	return t.WriteBuffer.Write(p)
}

// Close marks the port as closed and wakes blocked readers.
func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.Closed = true
	t.readCond.Broadcast()
	return t.CloseError
}

func (t *TestableSerialPort) SetReadTimeout(timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ReadTimeout = timeout
	return nil
}

// AddReadData adds data to be returned by subsequent Read calls.
func (t *TestableSerialPort) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ReadBuffer.Write(data)
	t.readCond.Broadcast()
}

// FailNextRead makes the next Read return err.
func (t *TestableSerialPort) FailNextRead(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ReadError = err
	t.readCond.Broadcast()
}

// GetWrittenData returns a copy of all data written to the port.
func (t *TestableSerialPort) GetWrittenData() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]byte(nil), t.WriteBuffer.Bytes()...)
}

// IsClosed reports whether Close was called.
func (t *TestableSerialPort) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Closed
}

// MockPortFactory implements PortFactory for testing. Ports maps a path
// to the port returned for it.
type MockPortFactory struct {
	mu sync.Mutex

	Ports map[string]SerialPort

	// Error is returned by Open if set
	Error error

	OpenCalls []MockOpenCall
}

// MockOpenCall records details of an Open call.
type MockOpenCall struct {
	Path string
	Mode serial.Mode
}

func NewMockPortFactory() *MockPortFactory {
	return &MockPortFactory{Ports: make(map[string]SerialPort)}
}

// Add registers a fresh testable port under path and returns it.
func (f *MockPortFactory) Add(path string) *TestableSerialPort {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := NewTestableSerialPort()
	f.Ports[path] = p
	return p
}

func (f *MockPortFactory) Open(path string, mode *serial.Mode) (SerialPort, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.OpenCalls = append(f.OpenCalls, MockOpenCall{Path: path, Mode: *mode})
	if f.Error != nil {
		return nil, f.Error
	}
	p, ok := f.Ports[path]
	if !ok {
		return nil, errors.New("no such port " + path)
	}
	return p, nil
}

// Calls returns a copy of the recorded Open calls.
func (f *MockPortFactory) Calls() []MockOpenCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]MockOpenCall(nil), f.OpenCalls...)
}

// MemoryConnector is an in-memory Connector. Each Connect hands out a new
// MemoryStream fed by Inject.
type MemoryConnector struct {
	mu       sync.Mutex
	stream   *MemoryStream
	options  map[string][]string
	connects int

	// ConnectError is returned by the next Connect if set
	ConnectError error
	// Gate, if set, is received from before Connect returns.
	Gate chan struct{}
}

func NewMemoryConnector() *MemoryConnector {
	return &MemoryConnector{options: make(map[string][]string)}
}

func (c *MemoryConnector) Connect(ctx context.Context, read, write bool) (Stream, error) {
	c.mu.Lock()
	gate := c.Gate
	c.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++
	if c.ConnectError != nil {
		err := c.ConnectError
		c.ConnectError = nil
		return nil, err
	}
	c.stream = &MemoryStream{incoming: make(chan []byte, 64), done: make(chan struct{})}
	return c.stream, nil
}

func (c *MemoryConnector) SetOption(name string, values []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.options[name] = append([]string(nil), values...)
	return nil
}

// Option returns a stored option.
func (c *MemoryConnector) Option(name string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.options[name]
}

// Connects returns the number of Connect calls.
func (c *MemoryConnector) Connects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

// Stream returns the most recently connected stream.
func (c *MemoryConnector) Stream() *MemoryStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream
}

// MemoryStream delivers injected reads and records writes.
type MemoryStream struct {
	incoming chan []byte
	done     chan struct{}
	once     sync.Once

	mu      sync.Mutex
	written [][]byte
	readErr error
	reads   int
}

// Inject queues data for a future Read.
func (s *MemoryStream) Inject(data []byte) {
	s.incoming <- append([]byte(nil), data...)
}

// Fail makes blocked and future reads return err.
func (s *MemoryStream) Fail(err error) {
	s.mu.Lock()
	s.readErr = err
	s.mu.Unlock()
	s.Close()
}

func (s *MemoryStream) Read(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	s.reads++
	s.mu.Unlock()
	select {
	case data := <-s.incoming:
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.readErr != nil {
			return nil, s.readErr
		}
		return nil, errors.New("stream closed")
	}
}

func (s *MemoryStream) Write(p []byte) error {
	select {
	case <-s.done:
		return errors.New("stream closed")
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.written = append(s.written, append([]byte(nil), p...))
	return nil
}

func (s *MemoryStream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

// Written returns every write in order.
func (s *MemoryStream) Written() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.written...)
}

// Reads returns the number of Read calls, including blocked ones.
func (s *MemoryStream) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

// Closed reports whether Close was called.
func (s *MemoryStream) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
