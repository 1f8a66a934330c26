// Package limits classifies telemetry values against threshold sets and
// fires limits responses when an item changes state.
package limits

import (
	"math"
	"sort"
	"sync"

	"github.com/banshee-data/cmdtlm/internal/packet"
)

// Classify places v in the region of t it falls in:
//
//	v < RedLow                    RED
//	RedLow <= v < GreenLow        YELLOW
//	GreenLow <= v <= GreenHigh    GREEN
//	GreenHigh < v <= RedHigh      YELLOW_HIGH
//	v > RedHigh                   RED_HIGH
//
// GREEN_HIGH is never produced.
func Classify(v float64, t packet.Thresholds) packet.LimitsState {
	switch {
	case v < t.RedLow:
		return packet.RED
	case v < t.GreenLow:
		return packet.YELLOW
	case v <= t.GreenHigh:
		return packet.GREEN
	case v <= t.RedHigh:
		return packet.YELLOW_HIGH
	default:
		return packet.RED_HIGH
	}
}

// Transition describes one committed change of an item's limits state.
type Transition struct {
	Target string
	Packet string
	Item   *packet.Item
	Set    string
	Old    packet.LimitsState
	New    packet.LimitsState
	Value  float64
}

// Observer is notified of every committed transition after the item's
// response has run.
type Observer func(Transition)

// ItemState is a snapshot of one monitored item.
type ItemState struct {
	Target string
	Packet string
	Item   string
	State  packet.LimitsState
}

type key struct {
	target string
	packet string
	item   string
}

type entry struct {
	mu           sync.Mutex
	// dispatch is taken before mu is released on a transition and held
	// while callbacks run, so callbacks see transitions in commit order.
	dispatch     sync.Mutex
	state        packet.LimitsState
	pending      packet.LimitsState
	pendingCount int
	disabled     bool
}

// Monitor holds the limits state of every telemetry item it has evaluated.
// Check is safe for concurrent use; evaluation and state update are atomic
// per item so a transition fires its response exactly once. Responses and
// observers of one item run one at a time in commit order and must not
// Check that item again.
type Monitor struct {
	mu        sync.RWMutex
	activeSet string
	entries   map[key]*entry
	observers []Observer
}

// NewMonitor creates a Monitor using the DEFAULT limits set.
func NewMonitor() *Monitor {
	return &Monitor{
		activeSet: packet.DefaultLimitsSet,
		entries:   make(map[key]*entry),
	}
}

// SetActiveSet selects the named threshold set. Items that do not define it
// keep using DEFAULT.
func (m *Monitor) SetActiveSet(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if name == "" {
		name = packet.DefaultLimitsSet
	}
	m.activeSet = name
}

// ActiveSet returns the selected threshold set name.
func (m *Monitor) ActiveSet() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeSet
}

// OnTransition registers an observer.
func (m *Monitor) OnTransition(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, o)
}

func (m *Monitor) entry(k key) *entry {
	m.mu.RLock()
	e, ok := m.entries[k]
	m.mu.RUnlock()
	if ok {
		return e
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok = m.entries[k]; !ok {
		e = &entry{}
		m.entries[k] = e
	}
	return e
}

// Check evaluates the converted value of item and returns the item's
// resulting state and whether a transition was committed. Items without
// limits, with disabled limits, or with non-numeric values are not
// evaluated.
func (m *Monitor) Check(pkt *packet.Packet, item *packet.Item, value any) (packet.LimitsState, bool) {
	if item.Limits == nil || item.Limits.Root == nil {
		return packet.STALE, false
	}
	setName := m.ActiveSet()
	node := item.Limits.Set(setName)
	e := m.entry(key{pkt.TargetName, pkt.PacketName, item.Name})

	e.mu.Lock()
	if !node.Enabled || e.disabled {
		e.state = packet.STALE
		e.pendingCount = 0
		e.mu.Unlock()
		return packet.STALE, false
	}
	v, ok := packet.Float64(value)
	if !ok || math.IsNaN(v) {
		state := e.state
		e.mu.Unlock()
		return state, false
	}

	next := Classify(v, node.Thresholds)
	if next == e.state {
		e.pendingCount = 0
		e.mu.Unlock()
		return next, false
	}

	persistence := node.Persistence
	if persistence < 1 {
		persistence = 1
	}
	if e.pendingCount == 0 || e.pending != next {
		e.pending = next
		e.pendingCount = 1
	} else {
		e.pendingCount++
	}
	if e.pendingCount < persistence {
		state := e.state
		e.mu.Unlock()
		return state, false
	}

	old := e.state
	e.state = next
	e.pendingCount = 0
	e.dispatch.Lock()
	e.mu.Unlock()
	defer e.dispatch.Unlock()

	if resp := node.ResolveResponse(); resp != nil {
		resp.Call(pkt.TargetName, pkt.PacketName, item, old, next)
	}
	t := Transition{
		Target: pkt.TargetName,
		Packet: pkt.PacketName,
		Item:   item,
		Set:    node.Name,
		Old:    old,
		New:    next,
		Value:  v,
	}
	m.mu.RLock()
	observers := m.observers
	m.mu.RUnlock()
	for _, o := range observers {
		o(t)
	}
	return next, true
}

// State returns the current state of an item, STALE when never evaluated.
func (m *Monitor) State(target, pkt, item string) packet.LimitsState {
	m.mu.RLock()
	e, ok := m.entries[key{target, pkt, item}]
	m.mu.RUnlock()
	if !ok {
		return packet.STALE
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Disable stops evaluation of an item and returns it to STALE.
func (m *Monitor) Disable(target, pkt, item string) {
	e := m.entry(key{target, pkt, item})
	e.mu.Lock()
	defer e.mu.Unlock()
	e.disabled = true
	e.state = packet.STALE
	e.pendingCount = 0
}

// Enable resumes evaluation of a disabled item.
func (m *Monitor) Enable(target, pkt, item string) {
	e := m.entry(key{target, pkt, item})
	e.mu.Lock()
	defer e.mu.Unlock()
	e.disabled = false
}

// States returns a snapshot of every tracked item sorted by name.
func (m *Monitor) States() []ItemState {
	m.mu.RLock()
	out := make([]ItemState, 0, len(m.entries))
	for k, e := range m.entries {
		e.mu.Lock()
		out = append(out, ItemState{Target: k.target, Packet: k.packet, Item: k.item, State: e.state})
		e.mu.Unlock()
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Target != b.Target {
			return a.Target < b.Target
		}
		if a.Packet != b.Packet {
			return a.Packet < b.Packet
		}
		return a.Item < b.Item
	})
	return out
}
