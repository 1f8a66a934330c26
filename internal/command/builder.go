// Package command turns command references into wire bytes.
package command

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/banshee-data/cmdtlm/internal/codec"
	"github.com/banshee-data/cmdtlm/internal/extract"
	"github.com/banshee-data/cmdtlm/internal/packet"
)

var (
	ErrMissingRequired = errors.New("missing required parameter")
	ErrUnknownParam    = errors.New("unknown parameter")
	ErrOutOfRange      = errors.New("parameter out of range")
)

// Builder encodes commands found through a packet lookup.
type Builder struct {
	lookup packet.Lookup
}

func NewBuilder(lookup packet.Lookup) *Builder {
	return &Builder{lookup: lookup}
}

// Build encodes the named command. Parameters not given take their
// default; id parameters always carry their id value unless given.
// Parameter names are matched case-insensitively.
func (b *Builder) Build(target, name string, params map[string]any) ([]byte, *packet.Packet, error) {
	pkt, err := b.lookup.LookupPacket(target, name, packet.Command)
	if err != nil {
		return nil, nil, err
	}

	given := make(map[string]any, len(params))
	for k, v := range params {
		key := strings.ToUpper(k)
		if _, ok := pkt.Item(key); !ok {
			return nil, nil, fmt.Errorf("%w %s for %s %s", ErrUnknownParam, key, pkt.TargetName, pkt.PacketName)
		}
		given[key] = v
	}

	buf := make([]byte, pkt.DefinedLength())
	var missing []string
	for _, item := range pkt.Items() {
		if item.DataType == packet.DERIVED {
			continue
		}
		value, ok := given[item.Name]
		switch {
		case ok:
		case item.Required:
			missing = append(missing, item.Name)
			continue
		case item.IsID():
			value = item.IDValue
		case item.Default != nil:
			value = item.Default
		default:
			continue
		}
		if err := checkRange(pkt, item, value); err != nil {
			return nil, nil, err
		}
		if buf, err = codec.Write(pkt, item, value, buf); err != nil {
			return nil, nil, err
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, nil, fmt.Errorf("%w for %s %s: %s", ErrMissingRequired, pkt.TargetName, pkt.PacketName, strings.Join(missing, ", "))
	}
	return buf, pkt, nil
}

// BuildText parses "TGT CMD with P1 v1, P2 v2" and encodes the command.
func (b *Builder) BuildText(text string) ([]byte, *packet.Packet, error) {
	cmd, err := extract.CmdFields(text, b.lookup)
	if err != nil {
		return nil, nil, err
	}
	return b.Build(cmd.Target, cmd.Name, cmd.Params)
}

func checkRange(pkt *packet.Packet, item *packet.Item, value any) error {
	if item.Range == nil {
		return nil
	}
	v, ok := packet.Float64(value)
	if !ok {
		return nil
	}
	if v < item.Range.Min || v > item.Range.Max {
		return fmt.Errorf("%w: %s %s %s = %v not in [%v, %v]", ErrOutOfRange,
			pkt.TargetName, pkt.PacketName, item.Name, value, item.Range.Min, item.Range.Max)
	}
	return nil
}
