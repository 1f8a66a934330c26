// Package stats provides a packet processor that keeps rolling statistics
// over the most recent values of one telemetry item.
package stats

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/cmdtlm/internal/packet"
)

// Result names reported by Process.
const (
	Max    = "MAX"
	Min    = "MIN"
	Mean   = "MEAN"
	StdDev = "STDDEV"
)

// DefaultName is used when the processor is built without a name.
const DefaultName = "STATISTICS"

// Processor tracks a window of converted values of a single item.
type Processor struct {
	name string
	item string
	size int

	mu      sync.Mutex
	samples []float64
	next    int
	full    bool
}

// New creates a processor over the last size values of item.
func New(name, item string, size int) (*Processor, error) {
	if item == "" {
		return nil, fmt.Errorf("statistics processor needs an item name")
	}
	if size < 1 {
		return nil, fmt.Errorf("statistics processor sample count %d must be positive", size)
	}
	if name == "" {
		name = DefaultName
	}
	return &Processor{
		name:    strings.ToUpper(name),
		item:    strings.ToUpper(item),
		size:    size,
		samples: make([]float64, size),
	}, nil
}

// Factory builds a processor from definition arguments: the item name
// followed by the number of samples to keep.
func Factory(args []string) (packet.Processor, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("statistics processor needs an item name and a sample count")
	}
	size, err := strconv.Atoi(args[1])
	if err != nil {
		return nil, fmt.Errorf("invalid sample count %q: %w", args[1], err)
	}
	return New(DefaultName, args[0], size)
}

func (p *Processor) Name() string { return p.name }

// Item returns the name of the item being tracked.
func (p *Processor) Item() string { return p.item }

// Process adds the current value of the tracked item to the window and
// returns the window statistics. The standard deviation is the population
// deviation so a single sample reports zero.
func (p *Processor) Process(pkt *packet.Packet, values map[string]any) (map[string]any, error) {
	raw, ok := values[p.item]
	if !ok {
		return nil, fmt.Errorf("%s: item %s not present in %s %s", p.name, p.item, pkt.TargetName, pkt.PacketName)
	}
	v, ok := packet.Float64(raw)
	if !ok {
		return nil, fmt.Errorf("%s: item %s value %v is not numeric", p.name, p.item, raw)
	}

	p.mu.Lock()
	p.samples[p.next] = v
	p.next = (p.next + 1) % p.size
	if p.next == 0 {
		p.full = true
	}
	window := p.window()
	p.mu.Unlock()

	mean, std := stat.PopMeanStdDev(window, nil)
	return map[string]any{
		Max:    floats.Max(window),
		Min:    floats.Min(window),
		Mean:   mean,
		StdDev: std,
	}, nil
}

// Reset drops every sample.
func (p *Processor) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next = 0
	p.full = false
}

// window copies the valid samples; the caller holds mu.
func (p *Processor) window() []float64 {
	n := p.next
	if p.full {
		n = p.size
	}
	out := make([]float64, n)
	copy(out, p.samples[:n])
	return out
}
