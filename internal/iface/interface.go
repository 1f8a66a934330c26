// Package iface manages the connection to a device: the transport stream,
// its read/write permissions, the protocol framing packets on the stream
// and the raw logs of every byte crossing it.
package iface

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/banshee-data/cmdtlm/internal/monitoring"
	"github.com/banshee-data/cmdtlm/internal/rawlog"
)

var (
	ErrReadNotAllowed    = errors.New("read not allowed")
	ErrWriteNotAllowed   = errors.New("write not allowed")
	ErrNotConnected      = errors.New("interface not connected")
	ErrConnectInProgress = errors.New("connect already in progress")
	ErrNoDirection       = errors.New("interface allows neither read nor write")
)

// State is the connection state of an interface.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	default:
		return "DISCONNECTED"
	}
}

// Stream is an open transport.
type Stream interface {
	// Read blocks until data arrives, the stream fails or ctx is done.
	Read(ctx context.Context) ([]byte, error)
	Write(p []byte) error
	Close() error
}

// Connector opens streams for an interface. Options set on a connector
// take effect on the next Connect.
type Connector interface {
	Connect(ctx context.Context, read, write bool) (Stream, error)
	SetOption(name string, values []string) error
}

// Observer is told about connection changes and traffic.
type Observer interface {
	StateChanged(name string, state State)
	Transferred(name string, dir rawlog.Direction, bytes, packets int)
}

// Config describes an interface.
type Config struct {
	Name      string
	Connector Connector
	// Protocol frames packets; nil passes each read through as one packet.
	Protocol Protocol
	Read     bool
	Write    bool
	// RawLogs is optional.
	RawLogs   *rawlog.Pair
	Observers []Observer
}

// Stats are the interface's traffic counters.
type Stats struct {
	BytesRead      uint64
	BytesWritten   uint64
	PacketsRead    uint64
	PacketsWritten uint64
}

// Interface is one managed device connection. Read is meant to be
// called from a single goroutine; Write may be called concurrently with it.
type Interface struct {
	name      string
	connector Connector
	protocol  Protocol
	read      bool
	write     bool
	raw       *rawlog.Pair
	observers []Observer

	// notifyMu orders state changes with their notifications. It is
	// taken before mu and never while readMu is wanted.
	notifyMu sync.Mutex
	mu       sync.Mutex
	state    State
	stream   Stream

	readMu  sync.Mutex
	pending [][]byte

	writeMu sync.Mutex

	bytesRead      atomic.Uint64
	bytesWritten   atomic.Uint64
	packetsRead    atomic.Uint64
	packetsWritten atomic.Uint64
}

// New creates a disconnected interface.
func New(cfg Config) (*Interface, error) {
	if cfg.Name == "" {
		return nil, errors.New("interface needs a name")
	}
	if cfg.Connector == nil {
		return nil, fmt.Errorf("interface %s needs a connector", cfg.Name)
	}
	proto := cfg.Protocol
	if proto == nil {
		proto = &BurstProtocol{}
	}
	return &Interface{
		name:      strings.ToUpper(cfg.Name),
		connector: cfg.Connector,
		protocol:  proto,
		read:      cfg.Read,
		write:     cfg.Write,
		raw:       cfg.RawLogs,
		observers: cfg.Observers,
	}, nil
}

func (i *Interface) Name() string { return i.name }

// ReadAllowed reports whether the interface was given a read endpoint.
func (i *Interface) ReadAllowed() bool { return i.read }

// WriteAllowed reports whether the interface was given a write endpoint.
func (i *Interface) WriteAllowed() bool { return i.write }

// WriteRawAllowed reports whether unframed bytes may be written.
func (i *Interface) WriteRawAllowed() bool { return i.write }

// RawLogs returns the raw log pair, or nil.
func (i *Interface) RawLogs() *rawlog.Pair { return i.raw }

// State returns the connection state.
func (i *Interface) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Connected reports whether the interface has an open stream.
func (i *Interface) Connected() bool { return i.State() == Connected }

// Connect opens the transport. Only one connect may be in flight; a
// concurrent attempt fails with ErrConnectInProgress. Connecting an
// already connected interface is a no-op.
func (i *Interface) Connect(ctx context.Context) error {
	if !i.read && !i.write {
		return fmt.Errorf("%s: %w", i.name, ErrNoDirection)
	}
	i.notifyMu.Lock()
	i.mu.Lock()
	switch i.state {
	case Connecting:
		i.mu.Unlock()
		i.notifyMu.Unlock()
		return fmt.Errorf("%s: %w", i.name, ErrConnectInProgress)
	case Connected:
		i.mu.Unlock()
		i.notifyMu.Unlock()
		return nil
	}
	i.state = Connecting
	i.mu.Unlock()
	i.notify(Connecting)
	i.notifyMu.Unlock()

	stream, err := i.connector.Connect(ctx, i.read, i.write)
	if err != nil {
		i.notifyMu.Lock()
		i.mu.Lock()
		was := i.state
		i.state = Disconnected
		i.mu.Unlock()
		if was == Connecting {
			i.notify(Disconnected)
		}
		i.notifyMu.Unlock()
		return fmt.Errorf("%s: connect: %w", i.name, err)
	}

	// A reader still blocked on the previous stream holds readMu until
	// that stream's closure reaches it.
	i.readMu.Lock()
	i.pending = nil
	i.protocol.Reset()
	i.readMu.Unlock()

	i.notifyMu.Lock()
	i.mu.Lock()
	if i.state != Connecting {
		i.mu.Unlock()
		i.notifyMu.Unlock()
		if cerr := stream.Close(); cerr != nil {
			monitoring.Logf("%s: close: %v", i.name, cerr)
		}
		return fmt.Errorf("%s: disconnected while connecting: %w", i.name, ErrNotConnected)
	}
	i.stream = stream
	i.state = Connected
	i.mu.Unlock()
	i.notify(Connected)
	i.notifyMu.Unlock()
	return nil
}

// Disconnect closes the transport.
func (i *Interface) Disconnect() error {
	return i.drop(nil, false)
}

// dropStream disconnects only if s is still the open stream, so a failure
// on a stream already replaced leaves the newer connection alone.
func (i *Interface) dropStream(s Stream) {
	if err := i.drop(s, true); err != nil {
		monitoring.Logf("%s: close: %v", i.name, err)
	}
}

func (i *Interface) drop(s Stream, onlyIf bool) error {
	i.notifyMu.Lock()
	i.mu.Lock()
	if onlyIf && i.stream != s {
		i.mu.Unlock()
		i.notifyMu.Unlock()
		return nil
	}
	stream := i.stream
	was := i.state
	i.stream = nil
	i.state = Disconnected
	i.mu.Unlock()
	if was != Disconnected {
		i.notify(Disconnected)
	}
	i.notifyMu.Unlock()

	if stream == nil {
		return nil
	}
	return stream.Close()
}

// Read returns the next packet framed by the protocol. Bytes are written
// to the read raw log as they arrive from the stream. A stream error
// disconnects the interface.
func (i *Interface) Read(ctx context.Context) ([]byte, error) {
	if !i.read {
		return nil, ErrReadNotAllowed
	}
	i.readMu.Lock()
	defer i.readMu.Unlock()

	for {
		if len(i.pending) > 0 {
			pkt := i.pending[0]
			i.pending = i.pending[1:]
			i.packetsRead.Add(1)
			i.transferred(rawlog.Read, 0, 1)
			return pkt, nil
		}

		stream := i.currentStream()
		if stream == nil {
			return nil, ErrNotConnected
		}
		data, err := stream.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				i.dropStream(stream)
			}
			return nil, err
		}
		if len(data) == 0 {
			continue
		}
		if i.raw != nil {
			i.raw.Read.Write(data)
		}
		i.bytesRead.Add(uint64(len(data)))
		i.transferred(rawlog.Read, len(data), 0)

		pkts, err := i.protocol.ReadData(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", i.name, err)
		}
		i.pending = append(i.pending, pkts...)
	}
}

// Write frames data with the protocol and transmits it.
func (i *Interface) Write(data []byte) error {
	if !i.write {
		return ErrWriteNotAllowed
	}
	i.writeMu.Lock()
	defer i.writeMu.Unlock()

	out, err := i.protocol.WriteData(data)
	if err != nil {
		return fmt.Errorf("%s: %w", i.name, err)
	}
	return i.writeLocked(out)
}

// WriteRaw transmits data without protocol framing.
func (i *Interface) WriteRaw(data []byte) error {
	if !i.write {
		return ErrWriteNotAllowed
	}
	i.writeMu.Lock()
	defer i.writeMu.Unlock()
	return i.writeLocked(data)
}

func (i *Interface) writeLocked(out []byte) error {
	stream := i.currentStream()
	if stream == nil {
		return ErrNotConnected
	}
	if err := stream.Write(out); err != nil {
		i.dropStream(stream)
		return fmt.Errorf("%s: write: %w", i.name, err)
	}
	if i.raw != nil {
		i.raw.Write.Write(out)
	}
	i.bytesWritten.Add(uint64(len(out)))
	i.packetsWritten.Add(1)
	i.transferred(rawlog.Write, len(out), 1)
	return nil
}

// SetOption validates and stores a transport option for the next connect.
func (i *Interface) SetOption(name string, values []string) error {
	return i.connector.SetOption(strings.ToUpper(strings.TrimSpace(name)), values)
}

// Stats returns a snapshot of the traffic counters.
func (i *Interface) Stats() Stats {
	return Stats{
		BytesRead:      i.bytesRead.Load(),
		BytesWritten:   i.bytesWritten.Load(),
		PacketsRead:    i.packetsRead.Load(),
		PacketsWritten: i.packetsWritten.Load(),
	}
}

func (i *Interface) currentStream() Stream {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.stream
}

func (i *Interface) notify(s State) {
	for _, o := range i.observers {
		o.StateChanged(i.name, s)
	}
}

func (i *Interface) transferred(dir rawlog.Direction, bytes, packets int) {
	for _, o := range i.observers {
		o.Transferred(i.name, dir, bytes, packets)
	}
}
