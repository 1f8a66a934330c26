package iface

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/banshee-data/cmdtlm/internal/rawlog"
)

// SerialPort is the minimal port needed by a serial stream. serial.Port
// satisfies it, as does TestableSerialPort.
type SerialPort interface {
	io.ReadWriteCloser
}

// TimeoutPort is implemented by ports that support read timeouts. The
// stream polls such ports so that a cancelled context ends a blocked read.
type TimeoutPort interface {
	SerialPort
	SetReadTimeout(timeout time.Duration) error
}

// PortFactory opens serial ports.
type PortFactory interface {
	Open(path string, mode *serial.Mode) (SerialPort, error)
}

// RealPortFactory opens OS serial ports with go.bug.st/serial.
type RealPortFactory struct{}

func (RealPortFactory) Open(path string, mode *serial.Mode) (SerialPort, error) {
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, err
	}
	return port, nil
}

// Flow control modes. The serial library has no hardware handshaking, so
// RTSCTS only asserts RTS and DTR when the port opens; nothing throttles
// on CTS afterwards.
const (
	FlowControlNone   = "NONE"
	FlowControlRTSCTS = "RTSCTS"
)

// PortOptions describes the serial line settings.
type PortOptions struct {
	BaudRate    int    `json:"baud_rate" yaml:"baud_rate" toml:"baud_rate"`
	DataBits    int    `json:"data_bits" yaml:"data_bits" toml:"data_bits"`
	StopBits    int    `json:"stop_bits" yaml:"stop_bits" toml:"stop_bits"`
	Parity      string `json:"parity" yaml:"parity" toml:"parity"`
	// FlowControl is NONE or RTSCTS; RTSCTS sets the initial RTS and DTR
	// lines only and is not hardware flow control.
	FlowControl string `json:"flow_control" yaml:"flow_control" toml:"flow_control"`
}

// Normalize validates the options and applies defaults for any unset values.
func (o PortOptions) Normalize() (PortOptions, error) {
	opts := o

	if opts.BaudRate <= 0 {
		opts.BaudRate = 9600
	}

	if opts.DataBits == 0 {
		opts.DataBits = 8
	}
	if opts.DataBits < 5 || opts.DataBits > 8 {
		return opts, fmt.Errorf("invalid data bits %d: must be between 5 and 8", opts.DataBits)
	}

	if opts.StopBits == 0 {
		opts.StopBits = 1
	}
	if opts.StopBits != 1 && opts.StopBits != 2 {
		return opts, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", opts.StopBits)
	}

	switch strings.TrimSpace(strings.ToUpper(opts.Parity)) {
	case "", "N", "NONE":
		opts.Parity = "N"
	case "E", "EVEN":
		opts.Parity = "E"
	case "O", "ODD":
		opts.Parity = "O"
	default:
		return opts, fmt.Errorf("unsupported parity %q: expected NONE, EVEN, or ODD", o.Parity)
	}

	switch strings.TrimSpace(strings.ToUpper(opts.FlowControl)) {
	case "", FlowControlNone:
		opts.FlowControl = FlowControlNone
	case FlowControlRTSCTS:
		opts.FlowControl = FlowControlRTSCTS
	default:
		return opts, fmt.Errorf("unsupported flow control %q: expected NONE or RTSCTS", o.FlowControl)
	}

	return opts, nil
}

// SerialMode converts the options into the go.bug.st/serial mode used to
// open a port. RTSCTS flow control asserts RTS and DTR when the port opens.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	opts, err := o.Normalize()
	if err != nil {
		return nil, err
	}

	mode := &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: opts.DataBits,
		StopBits: serial.OneStopBit,
	}
	if opts.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}

	switch opts.Parity {
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	default:
		mode.Parity = serial.NoParity
	}

	if opts.FlowControl == FlowControlRTSCTS {
		mode.InitialStatusBits = &serial.ModemOutputBits{RTS: true, DTR: true}
	}
	return mode, nil
}

// PortName returns the port path, or "" when the name disables the
// direction.
func PortName(s string) string {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "nil") {
		return ""
	}
	return s
}

// SerialConfig configures a serial connector. A port that is empty or
// "nil" turns that direction off; equal ports share one handle.
type SerialConfig struct {
	WritePort string
	ReadPort  string
	Options   PortOptions
	// PollInterval bounds how long a read blocks before checking for
	// cancellation. Defaults to 100ms.
	PollInterval time.Duration
}

// SerialConnector opens serial streams.
type SerialConnector struct {
	factory  PortFactory
	write    string
	read     string
	interval time.Duration

	mu   sync.Mutex
	opts PortOptions
}

// NewSerialConnector validates cfg. A nil factory opens real ports.
func NewSerialConnector(cfg SerialConfig, factory PortFactory) (*SerialConnector, error) {
	opts, err := cfg.Options.Normalize()
	if err != nil {
		return nil, err
	}
	if factory == nil {
		factory = RealPortFactory{}
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &SerialConnector{
		factory:  factory,
		write:    PortName(cfg.WritePort),
		read:     PortName(cfg.ReadPort),
		interval: interval,
		opts:     opts,
	}, nil
}

// Directions reports which directions have a port.
func (c *SerialConnector) Directions() (read, write bool) {
	return c.read != "", c.write != ""
}

// Options returns the options the next Connect will use.
func (c *SerialConnector) Options() PortOptions {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts
}

// SetOption accepts FLOW_CONTROL, DATA_BITS, BAUD_RATE, PARITY and
// STOP_BITS.
func (c *SerialConnector) SetOption(name string, values []string) error {
	if len(values) != 1 {
		return fmt.Errorf("option %s takes exactly one value", name)
	}
	v := strings.TrimSpace(values[0])

	c.mu.Lock()
	defer c.mu.Unlock()
	next := c.opts
	switch strings.ToUpper(name) {
	case "FLOW_CONTROL":
		next.FlowControl = v
	case "PARITY":
		next.Parity = v
	case "DATA_BITS", "BAUD_RATE", "STOP_BITS":
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid %s %q", name, v)
		}
		switch strings.ToUpper(name) {
		case "DATA_BITS":
			next.DataBits = n
		case "BAUD_RATE":
			next.BaudRate = n
		default:
			next.StopBits = n
		}
	default:
		return fmt.Errorf("unknown serial option %s", name)
	}
	normalized, err := next.Normalize()
	if err != nil {
		return err
	}
	c.opts = normalized
	return nil
}

func (c *SerialConnector) Connect(ctx context.Context, read, write bool) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mode, err := c.Options().SerialMode()
	if err != nil {
		return nil, err
	}
	s := &serialStream{buf: make([]byte, 4096)}
	if write && c.write != "" {
		if s.w, err = c.factory.Open(c.write, mode); err != nil {
			return nil, fmt.Errorf("open %s: %w", c.write, err)
		}
	}
	if read && c.read != "" {
		if c.read == c.write && s.w != nil {
			s.r = s.w
		} else if s.r, err = c.factory.Open(c.read, mode); err != nil {
			s.Close()
			return nil, fmt.Errorf("open %s: %w", c.read, err)
		}
		if tp, ok := s.r.(TimeoutPort); ok {
			if err := tp.SetReadTimeout(c.interval); err != nil {
				s.Close()
				return nil, fmt.Errorf("set read timeout on %s: %w", c.read, err)
			}
		}
	}
	return s, nil
}

type serialStream struct {
	r, w SerialPort
	buf  []byte
}

func (s *serialStream) Read(ctx context.Context) ([]byte, error) {
	if s.r == nil {
		return nil, ErrReadNotAllowed
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := s.r.Read(s.buf)
		if n > 0 {
			return append([]byte(nil), s.buf[:n]...), nil
		}
		if err != nil {
			return nil, err
		}
		// A timed out read returns no bytes and no error.
	}
}

func (s *serialStream) Write(p []byte) error {
	if s.w == nil {
		return ErrWriteNotAllowed
	}
	for len(p) > 0 {
		n, err := s.w.Write(p)
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

func (s *serialStream) Close() error {
	var errs []error
	if s.w != nil {
		errs = append(errs, s.w.Close())
	}
	if s.r != nil && s.r != s.w {
		errs = append(errs, s.r.Close())
	}
	return errors.Join(errs...)
}

// NewSerial builds a serial interface whose read and write permissions
// follow the configured ports.
func NewSerial(name string, cfg SerialConfig, factory PortFactory, proto Protocol, raw *rawlog.Pair, observers ...Observer) (*Interface, error) {
	conn, err := NewSerialConnector(cfg, factory)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
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
