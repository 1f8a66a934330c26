package packet

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
)

// ErrSealed is returned when a sealed definition is modified.
var ErrSealed = errors.New("packet definition is sealed")

// Processor derives additional values from every decoded telemetry packet.
type Processor interface {
	Name() string
	// Process receives the converted values of the packet keyed by item
	// name and returns derived values keyed by result name.
	Process(pkt *Packet, values map[string]any) (map[string]any, error)
}

// Packet is the layout of one command or telemetry packet.
type Packet struct {
	TargetName  string
	PacketName  string
	Direction   Direction
	Endianness  Endianness
	Description string

	items      []*Item
	byName     map[string]*Item
	processors []Processor
	nextOffset int
	sealed     bool

	received atomic.Uint32
}

// New creates an empty packet definition. Names are upper-cased.
func New(target, name string, dir Direction, endianness Endianness, description string) *Packet {
	return &Packet{
		TargetName:  strings.ToUpper(target),
		PacketName:  strings.ToUpper(name),
		Direction:   dir,
		Endianness:  endianness,
		Description: description,
		byName:      make(map[string]*Item),
	}
}

// AddItem appends item to the packet. Items keep definition order.
func (p *Packet) AddItem(item *Item) error {
	if p.sealed {
		return ErrSealed
	}
	item.Name = strings.ToUpper(item.Name)
	if err := item.validate(); err != nil {
		return err
	}
	if _, exists := p.byName[item.Name]; exists {
		return fmt.Errorf("item %s already defined in %s %s", item.Name, p.TargetName, p.PacketName)
	}
	p.items = append(p.items, item)
	p.byName[item.Name] = item

	if item.DataType != DERIVED {
		if bits := item.TotalBits(); bits < 0 {
			p.nextOffset = -1
		} else if p.nextOffset >= 0 && item.BitOffset+bits > p.nextOffset {
			p.nextOffset = item.BitOffset + bits
		}
	}
	return nil
}

// NextBitOffset is the bit offset an appended item would receive. It is
// negative once a variably sized item has been added.
func (p *Packet) NextBitOffset() int { return p.nextOffset }

// DefinedLength is the minimum buffer size in bytes covering every fixed item.
func (p *Packet) DefinedLength() int {
	bits := 0
	for _, item := range p.items {
		if item.DataType == DERIVED || item.Variable() {
			continue
		}
		if end := item.BitOffset + item.TotalBits(); end > bits {
			bits = end
		}
	}
	return (bits + 7) / 8
}

// Item looks up an item by name.
func (p *Packet) Item(name string) (*Item, bool) {
	item, ok := p.byName[strings.ToUpper(name)]
	return item, ok
}

// Items returns the items in definition order.
func (p *Packet) Items() []*Item {
	out := make([]*Item, len(p.items))
	copy(out, p.items)
	return out
}

// IDItems returns the identification items in definition order.
func (p *Packet) IDItems() []*Item {
	var out []*Item
	for _, item := range p.items {
		if item.IsID() {
			out = append(out, item)
		}
	}
	return out
}

// AddProcessor attaches a packet processor.
func (p *Packet) AddProcessor(proc Processor) error {
	if p.sealed {
		return ErrSealed
	}
	p.processors = append(p.processors, proc)
	return nil
}

// Processors returns the attached processors in definition order.
func (p *Packet) Processors() []Processor {
	out := make([]Processor, len(p.processors))
	copy(out, p.processors)
	return out
}

// Seal prevents any further change to the layout.
func (p *Packet) Seal() { p.sealed = true }

// Sealed reports whether Seal has been called.
func (p *Packet) Sealed() bool { return p.sealed }

// IncrementReceivedCount records the receipt of one packet and returns the
// new count. The counter wraps at 32 bits.
func (p *Packet) IncrementReceivedCount() uint32 { return p.received.Add(1) }

// ReceivedCount returns the number of packets received so far.
func (p *Packet) ReceivedCount() uint32 { return p.received.Load() }

func (p *Packet) String() string {
	return fmt.Sprintf("%s %s %s", p.Direction, p.TargetName, p.PacketName)
}
