// Package telemetry decommutates packets read from interfaces: it
// identifies the packet, decodes and converts its items, evaluates
// limits, runs packet processors and hands the result to a sink.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/banshee-data/cmdtlm/internal/codec"
	"github.com/banshee-data/cmdtlm/internal/limits"
	"github.com/banshee-data/cmdtlm/internal/monitoring"
	"github.com/banshee-data/cmdtlm/internal/packet"
	"github.com/banshee-data/cmdtlm/internal/store"
	"github.com/banshee-data/cmdtlm/internal/timeutil"
)

var ErrUnknownPacket = errors.New("unknown telemetry packet")

// Sink persists the current values of a decoded packet.
type Sink interface {
	Put(ctx context.Context, target, pkt string, count uint64, at time.Time, values []store.Value) error
}

// Publisher fans a decoded packet out to subscribers.
type Publisher interface {
	Publish(msg store.Message) int
}

// Recorder counts processed packets. Reason is one of "unknown",
// "decode" or "store".
type Recorder interface {
	Decoded(target, pkt string)
	Failed(reason string)
}

// Decoded is one processed telemetry packet.
type Decoded struct {
	Packet    *packet.Packet
	Time      time.Time
	Count     uint32
	Raw       map[string]any
	Converted map[string]any
	States    map[string]packet.LimitsState
	// Derived holds processor results keyed "<PROCESSOR>.<RESULT>".
	Derived map[string]any
}

// Values flattens d into store values, items first then processor
// results, each in name order.
func (d *Decoded) Values() []store.Value {
	out := make([]store.Value, 0, len(d.Raw)+len(d.Derived))
	for _, item := range d.Packet.Items() {
		out = append(out, store.Value{
			Item:      item.Name,
			Raw:       d.Raw[item.Name],
			Converted: d.Converted[item.Name],
			State:     d.States[item.Name],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Item < out[j].Item })
	names := make([]string, 0, len(d.Derived))
	for name := range d.Derived {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		out = append(out, store.Value{Item: name, Converted: d.Derived[name]})
	}
	return out
}

// Payload is the published form of d: converted values and processor
// results keyed by name.
func (d *Decoded) Payload() map[string]any {
	out := make(map[string]any, len(d.Converted)+len(d.Derived)+2)
	for k, v := range d.Converted {
		out[k] = v
	}
	for k, v := range d.Derived {
		out[k] = v
	}
	out["PACKET_TIMESECONDS"] = float64(d.Time.UnixNano()) / 1e9
	out["RECEIVED_COUNT"] = d.Count
	return out
}

// Options configures a Processor. Everything but Catalog is optional.
type Options struct {
	Catalog   *packet.Catalog
	Limits    *limits.Monitor
	Sink      Sink
	Publisher Publisher
	Recorder  Recorder
	Clock     timeutil.Clock
}

type Processor struct {
	catalog   *packet.Catalog
	limits    *limits.Monitor
	sink      Sink
	publisher Publisher
	recorder  Recorder
	clock     timeutil.Clock
}

func NewProcessor(opts Options) *Processor {
	clock := opts.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Processor{
		catalog:   opts.Catalog,
		limits:    opts.Limits,
		sink:      opts.Sink,
		publisher: opts.Publisher,
		recorder:  opts.Recorder,
		clock:     clock,
	}
}

// Identify returns the first telemetry packet of targets, tried in
// order, whose id items match buf.
func (p *Processor) Identify(targets []string, buf []byte) (*packet.Packet, error) {
	for _, target := range targets {
		if pkt := codec.Identify(p.catalog.Packets(target, packet.Telemetry), buf); pkt != nil {
			return pkt, nil
		}
	}
	return nil, fmt.Errorf("%w: %d bytes for %v", ErrUnknownPacket, len(buf), targets)
}

// Process decommutates buf as a packet of one of targets. Processor
// failures are logged and do not fail the packet; sink failures do.
func (p *Processor) Process(ctx context.Context, targets []string, buf []byte) (*Decoded, error) {
	pkt, err := p.Identify(targets, buf)
	if err != nil {
		p.failed("unknown")
		return nil, err
	}
	count := pkt.IncrementReceivedCount()

	raw, err := codec.ReadAll(pkt, buf)
	if err != nil {
		p.failed("decode")
		return nil, err
	}
	d := &Decoded{
		Packet:    pkt,
		Time:      p.clock.Now(),
		Count:     count,
		Raw:       raw,
		Converted: make(map[string]any, len(raw)),
		States:    make(map[string]packet.LimitsState),
	}
	for _, item := range pkt.Items() {
		value, err := packet.ApplyConversions(item, raw[item.Name], pkt, buf)
		if err != nil {
			p.failed("decode")
			return nil, err
		}
		d.Converted[item.Name] = value
		if p.limits != nil {
			state, _ := p.limits.Check(pkt, item, value)
			d.States[item.Name] = state
		}
	}

	for _, proc := range pkt.Processors() {
		results, err := proc.Process(pkt, d.Converted)
		if err != nil {
			monitoring.Logf("%s %s processor %s: %v", pkt.TargetName, pkt.PacketName, proc.Name(), err)
			continue
		}
		if d.Derived == nil {
			d.Derived = make(map[string]any)
		}
		for k, v := range results {
			d.Derived[proc.Name()+"."+k] = v
		}
	}

	if p.sink != nil {
		if err := p.sink.Put(ctx, pkt.TargetName, pkt.PacketName, uint64(count), d.Time, d.Values()); err != nil {
			p.failed("store")
			return d, fmt.Errorf("store %s %s: %w", pkt.TargetName, pkt.PacketName, err)
		}
	}
	if p.publisher != nil {
		p.publisher.Publish(store.Message{
			Topic:   store.TelemetryTopic(pkt.TargetName, pkt.PacketName),
			Time:    d.Time,
			Payload: d.Payload(),
		})
	}
	if p.recorder != nil {
		p.recorder.Decoded(pkt.TargetName, pkt.PacketName)
	}
	return d, nil
}

func (p *Processor) failed(reason string) {
	if p.recorder != nil {
		p.recorder.Failed(reason)
	}
}
