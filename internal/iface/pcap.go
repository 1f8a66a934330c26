package iface

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/cmdtlm/internal/rawlog"
	"github.com/banshee-data/cmdtlm/internal/timeutil"
)

// PcapConfig configures replay of telemetry from a capture file. Each UDP
// payload addressed to UDPPort becomes one read; a zero port accepts all
// UDP traffic.
type PcapConfig struct {
	Path    string
	UDPPort int
	// Realtime paces reads by the capture timestamps.
	Realtime bool
	Clock    timeutil.Clock
}

// PcapConnector opens capture files for reading. It never writes.
type PcapConnector struct {
	path     string
	realtime bool
	clock    timeutil.Clock

	mu   sync.Mutex
	port int
}

func NewPcapConnector(cfg PcapConfig) *PcapConnector {
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &PcapConnector{path: cfg.Path, port: cfg.UDPPort, realtime: cfg.Realtime, clock: clock}
}

// SetOption accepts UDP_PORT.
func (c *PcapConnector) SetOption(name string, values []string) error {
	if name != "UDP_PORT" {
		return fmt.Errorf("unknown pcap option %s", name)
	}
	if len(values) != 1 {
		return fmt.Errorf("option %s takes exactly one value", name)
	}
	port, err := strconv.Atoi(values[0])
	if err != nil || port < 0 || port > 65535 {
		return fmt.Errorf("invalid UDP_PORT %q", values[0])
	}
	c.mu.Lock()
	c.port = port
	c.mu.Unlock()
	return nil
}

func (c *PcapConnector) Connect(ctx context.Context, read, write bool) (Stream, error) {
	if write {
		return nil, ErrWriteNotAllowed
	}
	f, err := os.Open(c.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open PCAP file %s: %w", c.path, err)
	}
	r, err := pcapgo.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read PCAP header %s: %w", c.path, err)
	}
	c.mu.Lock()
	port := c.port
	c.mu.Unlock()
	return &pcapStream{file: f, reader: r, port: port, realtime: c.realtime, clock: c.clock}, nil
}

type pcapStream struct {
	file     *os.File
	reader   *pcapgo.Reader
	port     int
	realtime bool
	clock    timeutil.Clock

	// first capture timestamp and wall time it was replayed at
	capStart, wallStart time.Time
}

// Read returns the next matching UDP payload, or io.EOF at the end of the
// capture.
func (s *pcapStream) Read(ctx context.Context) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, ci, err := s.reader.ReadPacketData()
		if err != nil {
			return nil, err
		}
		packet := gopacket.NewPacket(data, s.reader.LinkType(), gopacket.Default)
		udpLayer := packet.Layer(layers.LayerTypeUDP)
		if udpLayer == nil {
			continue
		}
		udp, ok := udpLayer.(*layers.UDP)
		if !ok || len(udp.Payload) == 0 {
			continue
		}
		if s.port != 0 && int(udp.DstPort) != s.port {
			continue
		}
		if s.realtime {
			if err := s.pace(ctx, ci.Timestamp); err != nil {
				return nil, err
			}
		}
		return append([]byte(nil), udp.Payload...), nil
	}
}

func (s *pcapStream) pace(ctx context.Context, ts time.Time) error {
	if s.capStart.IsZero() {
		s.capStart, s.wallStart = ts, s.clock.Now()
		return nil
	}
	wait := ts.Sub(s.capStart) - s.clock.Since(s.wallStart)
	if wait <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.clock.After(wait):
		return nil
	}
}

func (s *pcapStream) Write([]byte) error { return ErrWriteNotAllowed }

func (s *pcapStream) Close() error {
	err := s.file.Close()
	if errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}

// NewPcap builds a read-only interface replaying a capture file.
func NewPcap(name string, cfg PcapConfig, proto Protocol, raw *rawlog.Pair, observers ...Observer) (*Interface, error) {
	return New(Config{
		Name:      name,
		Connector: NewPcapConnector(cfg),
		Protocol:  proto,
		Read:      true,
		RawLogs:   raw,
		Observers: observers,
	})
}
