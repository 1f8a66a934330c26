package packet

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrNotFound is returned when a packet is not in the catalog.
var ErrNotFound = errors.New("packet not found")

// Lookup resolves a packet by target, name and direction.
type Lookup interface {
	LookupPacket(target, name string, dir Direction) (*Packet, error)
}

// Catalog holds the compiled command and telemetry packets by target.
type Catalog struct {
	packets map[Direction]map[string]map[string]*Packet
	sealed  bool
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		packets: map[Direction]map[string]map[string]*Packet{
			Command:   {},
			Telemetry: {},
		},
	}
}

// Add stores p, replacing any earlier definition with the same name.
func (c *Catalog) Add(p *Packet) error {
	if c.sealed {
		return ErrSealed
	}
	targets := c.packets[p.Direction]
	if targets[p.TargetName] == nil {
		targets[p.TargetName] = make(map[string]*Packet)
	}
	targets[p.TargetName][p.PacketName] = p
	return nil
}

// LookupPacket implements Lookup.
func (c *Catalog) LookupPacket(target, name string, dir Direction) (*Packet, error) {
	target = strings.ToUpper(target)
	name = strings.ToUpper(name)
	pkt, ok := c.packets[dir][target][name]
	if !ok {
		return nil, fmt.Errorf("%w: %s %s %s", ErrNotFound, dir, target, name)
	}
	return pkt, nil
}

// Packets returns the packets of target in name order.
func (c *Catalog) Packets(target string, dir Direction) []*Packet {
	byName := c.packets[dir][strings.ToUpper(target)]
	out := make([]*Packet, 0, len(byName))
	for _, pkt := range byName {
		out = append(out, pkt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PacketName < out[j].PacketName })
	return out
}

// Targets returns every target name with at least one packet.
func (c *Catalog) Targets() []string {
	seen := make(map[string]bool)
	for _, targets := range c.packets {
		for name := range targets {
			seen[name] = true
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Seal freezes the catalog and every packet it contains.
func (c *Catalog) Seal() {
	c.sealed = true
	for _, targets := range c.packets {
		for _, byName := range targets {
			for _, pkt := range byName {
				pkt.Seal()
			}
		}
	}
}

// Sealed reports whether the catalog has been sealed.
func (c *Catalog) Sealed() bool { return c.sealed }
