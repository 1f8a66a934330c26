// Package engine ties the command and telemetry pipeline together: it
// owns the interfaces, routes commands to the interface carrying their
// target and runs one telemetry read loop per readable interface.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/cmdtlm/internal/command"
	"github.com/banshee-data/cmdtlm/internal/extract"
	"github.com/banshee-data/cmdtlm/internal/iface"
	"github.com/banshee-data/cmdtlm/internal/limits"
	"github.com/banshee-data/cmdtlm/internal/monitoring"
	"github.com/banshee-data/cmdtlm/internal/packet"
	"github.com/banshee-data/cmdtlm/internal/store"
	"github.com/banshee-data/cmdtlm/internal/telemetry"
	"github.com/banshee-data/cmdtlm/internal/timeutil"
)

var (
	ErrNoInterface   = errors.New("no interface for target")
	ErrNoStore       = errors.New("no value store configured")
	ErrDuplicateName = errors.New("interface already added")
)

// CommandRecorder counts sent commands.
type CommandRecorder interface {
	CommandSent(target, command string)
}

// Options configures an Engine. Catalog is required.
type Options struct {
	Catalog *packet.Catalog
	Limits  *limits.Monitor
	// DB stores current values, limits events and the command log.
	DB        *store.DB
	Recorder  telemetry.Recorder
	Commands  CommandRecorder
	Clock     timeutil.Clock
	LimitsSet string
}

type binding struct {
	ifc       *iface.Interface
	targets   []string
	reconnect time.Duration
}

type Engine struct {
	catalog  *packet.Catalog
	builder  *command.Builder
	limits   *limits.Monitor
	db       *store.DB
	bus      *store.Bus
	tlm      *telemetry.Processor
	commands CommandRecorder
	clock    timeutil.Clock

	mu         sync.RWMutex
	interfaces []*binding
}

func New(opts Options) *Engine {
	clock := opts.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	mon := opts.Limits
	if mon == nil {
		mon = limits.NewMonitor()
	}
	if opts.LimitsSet != "" {
		mon.SetActiveSet(opts.LimitsSet)
	}

	e := &Engine{
		catalog:  opts.Catalog,
		builder:  command.NewBuilder(opts.Catalog),
		limits:   mon,
		db:       opts.DB,
		commands: opts.Commands,
		clock:    clock,
	}
	tOpts := telemetry.Options{
		Catalog:  opts.Catalog,
		Limits:   mon,
		Recorder: opts.Recorder,
		Clock:    clock,
	}
	if opts.DB != nil {
		e.bus = opts.DB.Bus()
		tOpts.Sink = opts.DB
		mon.OnTransition(e.recordTransition)
	} else {
		e.bus = store.NewBus()
	}
	tOpts.Publisher = e.bus
	e.tlm = telemetry.NewProcessor(tOpts)
	return e
}

func (e *Engine) recordTransition(tr limits.Transition) {
	if _, err := e.db.RecordTransition(context.Background(), tr, e.clock.Now()); err != nil {
		monitoring.Logf("record limits transition %s %s %s: %v", tr.Target, tr.Packet, tr.Item.Name, err)
	}
}

func (e *Engine) Catalog() *packet.Catalog { return e.catalog }
func (e *Engine) Limits() *limits.Monitor  { return e.limits }
func (e *Engine) Bus() *store.Bus          { return e.bus }

// AddInterface registers ifc as carrying targets. A positive reconnect
// delay makes Run reconnect the interface after it drops.
func (e *Engine) AddInterface(ifc *iface.Interface, targets []string, reconnect time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, b := range e.interfaces {
		if b.ifc.Name() == ifc.Name() {
			return fmt.Errorf("%w: %s", ErrDuplicateName, ifc.Name())
		}
	}
	upper := make([]string, len(targets))
	for i, t := range targets {
		upper[i] = strings.ToUpper(t)
	}
	e.interfaces = append(e.interfaces, &binding{ifc: ifc, targets: upper, reconnect: reconnect})
	return nil
}

// Interfaces returns the registered interfaces in registration order.
func (e *Engine) Interfaces() []*iface.Interface {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*iface.Interface, len(e.interfaces))
	for i, b := range e.interfaces {
		out[i] = b.ifc
	}
	return out
}

// Interface looks up an interface by name.
func (e *Engine) Interface(name string) (*iface.Interface, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, b := range e.interfaces {
		if strings.EqualFold(b.ifc.Name(), name) {
			return b.ifc, true
		}
	}
	return nil, false
}

// InterfaceFor returns the first writable, connected interface carrying
// target.
func (e *Engine) InterfaceFor(target string) (*iface.Interface, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	target = strings.ToUpper(target)
	found := false
	for _, b := range e.interfaces {
		for _, t := range b.targets {
			if t != target || !b.ifc.WriteAllowed() {
				continue
			}
			found = true
			if b.ifc.Connected() {
				return b.ifc, nil
			}
		}
	}
	if found {
		return nil, fmt.Errorf("%s: %w", target, iface.ErrNotConnected)
	}
	return nil, fmt.Errorf("%w %s", ErrNoInterface, target)
}

// Run supervises every readable interface until ctx is done. Write-only
// interfaces are connected once. The first interface to fail without a
// reconnect delay ends Run.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.RLock()
	bindings := append([]*binding(nil), e.interfaces...)
	e.mu.RUnlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, b := range bindings {
		b := b
		if !b.ifc.ReadAllowed() {
			g.Go(func() error {
				if err := b.ifc.Connect(ctx); err != nil {
					return err
				}
				<-ctx.Done()
				return b.ifc.Disconnect()
			})
			continue
		}
		g.Go(func() error {
			return e.tlm.Supervise(ctx, b.ifc, b.targets, telemetry.SuperviseOptions{
				ReconnectDelay: b.reconnect,
				Clock:          e.clock,
			})
		})
	}
	return g.Wait()
}

// Sent describes a command written to an interface.
type Sent struct {
	Target    string
	Command   string
	Interface string
	Data      []byte
}

// Send builds the named command and writes it to the interface carrying
// its target.
func (e *Engine) Send(ctx context.Context, target, name string, params map[string]any) (Sent, error) {
	buf, pkt, err := e.builder.Build(target, name, params)
	if err != nil {
		return Sent{}, err
	}
	return e.write(ctx, pkt, buf)
}

// SendText parses "TGT CMD with P1 v1, ..." and sends the command.
func (e *Engine) SendText(ctx context.Context, text string) (Sent, error) {
	buf, pkt, err := e.builder.BuildText(text)
	if err != nil {
		return Sent{}, err
	}
	return e.write(ctx, pkt, buf)
}

func (e *Engine) write(ctx context.Context, pkt *packet.Packet, buf []byte) (Sent, error) {
	ifc, err := e.InterfaceFor(pkt.TargetName)
	if err != nil {
		return Sent{}, err
	}
	if err := ifc.Write(buf); err != nil {
		return Sent{}, err
	}
	sent := Sent{Target: pkt.TargetName, Command: pkt.PacketName, Interface: ifc.Name(), Data: buf}
	if e.commands != nil {
		e.commands.CommandSent(pkt.TargetName, pkt.PacketName)
	}
	if e.db != nil {
		if _, err := e.db.RecordCommand(ctx, pkt.TargetName, pkt.PacketName, ifc.Name(), buf, e.clock.Now()); err != nil {
			monitoring.Logf("record command %s %s: %v", pkt.TargetName, pkt.PacketName, err)
		}
	}
	return sent, nil
}

// Tlm returns the current value of "TGT PKT ITEM".
func (e *Engine) Tlm(ctx context.Context, text string) (store.Stored, error) {
	ref, err := extract.TlmFields(text)
	if err != nil {
		return store.Stored{}, err
	}
	return e.get(ctx, ref)
}

func (e *Engine) get(ctx context.Context, ref extract.Ref) (store.Stored, error) {
	if e.db == nil {
		return store.Stored{}, ErrNoStore
	}
	ref = upperRef(ref)
	if _, err := e.item(ref); err != nil {
		return store.Stored{}, err
	}
	return e.db.Get(ctx, ref.Target, ref.Packet, ref.Item)
}

// SetTlm overrides the current value of an item from
// "TGT PKT ITEM = VALUE". Both raw and converted values are replaced and
// the limits state is left as stored.
func (e *Engine) SetTlm(ctx context.Context, text string) error {
	ref, value, err := extract.SetTlmFields(text)
	if err != nil {
		return err
	}
	if e.db == nil {
		return ErrNoStore
	}
	ref = upperRef(ref)
	if _, err := e.item(ref); err != nil {
		return err
	}
	state := e.limits.State(ref.Target, ref.Packet, ref.Item)
	var count uint64
	if cur, err := e.db.Get(ctx, ref.Target, ref.Packet, ref.Item); err == nil {
		count = cur.ReceivedCount
	}
	return e.db.Put(ctx, ref.Target, ref.Packet, count, e.clock.Now(), []store.Value{
		{Item: ref.Item, Raw: value, Converted: value, State: state},
	})
}

// Check parses "TGT PKT ITEM [comparison]" and returns the item's
// current value along with the comparison text.
func (e *Engine) Check(ctx context.Context, text string) (store.Stored, string, error) {
	ref, comparison, err := extract.CheckFields(text)
	if err != nil {
		return store.Stored{}, "", err
	}
	s, err := e.get(ctx, ref)
	return s, comparison, err
}

func (e *Engine) item(ref extract.Ref) (*packet.Item, error) {
	pkt, err := e.catalog.LookupPacket(ref.Target, ref.Packet, packet.Telemetry)
	if err != nil {
		return nil, err
	}
	item, ok := pkt.Item(ref.Item)
	if !ok {
		return nil, fmt.Errorf("%w: item %s %s %s", packet.ErrNotFound, ref.Target, ref.Packet, ref.Item)
	}
	return item, nil
}

func upperRef(r extract.Ref) extract.Ref {
	return extract.Ref{Target: strings.ToUpper(r.Target), Packet: strings.ToUpper(r.Packet), Item: strings.ToUpper(r.Item)}
}

// InterfaceStatus is a snapshot of one interface.
type InterfaceStatus struct {
	Name    string      `json:"name"`
	State   string      `json:"state"`
	Targets []string    `json:"targets"`
	Read    bool        `json:"read"`
	Write   bool        `json:"write"`
	Stats   iface.Stats `json:"stats"`
}

// Status reports every interface, sorted by name.
func (e *Engine) Status() []InterfaceStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]InterfaceStatus, 0, len(e.interfaces))
	for _, b := range e.interfaces {
		out = append(out, InterfaceStatus{
			Name:    b.ifc.Name(),
			State:   b.ifc.State().String(),
			Targets: append([]string(nil), b.targets...),
			Read:    b.ifc.ReadAllowed(),
			Write:   b.ifc.WriteAllowed(),
			Stats:   b.ifc.Stats(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
