// Package packetconfig compiles packet definition files into a sealed
// packet catalog.
//
// A definition file is a sequence of keyword lines. TELEMETRY and COMMAND
// open a packet, the item and parameter keywords open an item in the
// current packet, and the remaining keywords modify the current item or
// packet:
//
//	TELEMETRY INST HEALTH BIG_ENDIAN "Health and status"
//	  APPEND_ID_ITEM PKTID 8 UINT 1 "Packet id"
//	  APPEND_ITEM TEMP 16 INT "Temperature"
//	    UNITS Celsius C
//	    POLY_READ_CONVERSION -40 0.01
//	    LIMITS DEFAULT 1 ENABLED -10 0 50 60
//	    LIMITS_RESPONSE temp_response.rb
package packetconfig

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/banshee-data/cmdtlm/internal/packet"
	"github.com/banshee-data/cmdtlm/internal/registry"
)

// Compiler turns definition files into packets. It is not safe for
// concurrent use; compile every file first and then call Finish.
type Compiler struct {
	reg     *registry.Registry
	catalog *packet.Catalog

	file    string
	line    int
	keyword string
	text    string

	pkt    *packet.Packet
	item   *packet.Item
	limits *packet.LimitsNode

	// items whose DEFAULT limits set has been given by a LIMITS line
	defaults map[*packet.Item]bool
}

// NewCompiler creates a compiler resolving class references through reg.
// A nil reg uses NewRegistry.
func NewCompiler(reg *registry.Registry) *Compiler {
	if reg == nil {
		reg = NewRegistry()
	}
	return &Compiler{
		reg:      reg,
		catalog:  packet.NewCatalog(),
		defaults: make(map[*packet.Item]bool),
	}
}

// ProcessFile compiles the definition file at path. A non-empty
// targetName replaces the target named inside the file.
func (c *Compiler) ProcessFile(path, targetName string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open packet definition: %w", err)
	}
	defer f.Close()
	return c.Process(f, path, targetName)
}

// Process compiles definitions read from r. filename is only used in
// error messages. The first malformed line aborts processing.
func (c *Compiler) Process(r io.Reader, filename, targetName string) error {
	c.file = filename
	c.line = 0
	c.pkt, c.item, c.limits = nil, nil, nil
	defer func() { c.pkt, c.item, c.limits = nil, nil, nil }()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		c.line++
		c.text = strings.TrimSpace(scanner.Text())
		c.keyword = ""
		tokens, err := tokenize(c.text)
		if err != nil {
			return c.fail("%v", err)
		}
		if len(tokens) == 0 {
			continue
		}
		c.keyword = strings.ToUpper(tokens[0])
		if err := c.handle(targetName, tokens[1:]); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading %s: %w", filename, err)
	}
	return nil
}

// Finish seals and returns the catalog. The compiler must not be used
// afterwards.
func (c *Compiler) Finish() *packet.Catalog {
	c.catalog.Seal()
	return c.catalog
}

func (c *Compiler) handle(targetName string, params []string) error {
	switch c.keyword {
	case "TELEMETRY", "COMMAND":
		return c.packetDef(targetName, params)
	case "ITEM", "APPEND_ITEM", "ID_ITEM", "APPEND_ID_ITEM", "ARRAY_ITEM", "APPEND_ARRAY_ITEM",
		"PARAMETER", "APPEND_PARAMETER", "ID_PARAMETER", "APPEND_ID_PARAMETER",
		"ARRAY_PARAMETER", "APPEND_ARRAY_PARAMETER":
		return c.itemDef(params)
	case "LIMITS":
		return c.limitsDef(params)
	case "LIMITS_RESPONSE":
		return c.limitsResponse(params)
	case "READ_CONVERSION":
		return c.readConversion(params)
	case "POLY_READ_CONVERSION":
		return c.polyReadConversion(params)
	case "PROCESSOR":
		return c.processor(params)
	case "REQUIRED":
		return c.required(params)
	case "UNITS":
		return c.units(params)
	case "DESCRIPTION":
		return c.description(params)
	default:
		return c.fail("Unknown keyword '%s'", c.keyword)
	}
}

// fail builds a CompileError for the line being processed.
func (c *Compiler) fail(format string, args ...any) error {
	return &CompileError{
		File:    c.file,
		Line:    c.line,
		Keyword: c.keyword,
		Text:    c.text,
		Msg:     fmt.Sprintf(format, args...),
	}
}

// wrap attaches line context to err.
func (c *Compiler) wrap(err error) error {
	return &CompileError{
		File:    c.file,
		Line:    c.line,
		Keyword: c.keyword,
		Text:    c.text,
		Msg:     err.Error(),
		Err:     err,
	}
}

func (c *Compiler) needItem() error {
	if c.item == nil {
		return c.fail("No current item for %s", c.keyword)
	}
	return nil
}

func (c *Compiler) needPacket() error {
	if c.pkt == nil {
		return c.fail("No current packet for %s", c.keyword)
	}
	return nil
}

// needParams checks the parameter count. max < 0 means unbounded.
func (c *Compiler) needParams(params []string, min, max int) error {
	if len(params) < min {
		return c.fail("Not enough parameters for %s", c.keyword)
	}
	if max >= 0 && len(params) > max {
		return c.fail("Too many parameters for %s", c.keyword)
	}
	return nil
}

func (c *Compiler) packetDef(targetName string, params []string) error {
	if err := c.needParams(params, 3, 4); err != nil {
		return err
	}
	target := params[0]
	if targetName != "" {
		target = targetName
	}
	endianness, err := packet.ParseEndianness(params[2])
	if err != nil {
		return c.wrap(err)
	}
	dir := packet.Telemetry
	if c.keyword == "COMMAND" {
		dir = packet.Command
	}
	var desc string
	if len(params) > 3 {
		desc = params[3]
	}
	pkt := packet.New(target, params[1], dir, endianness, desc)
	if err := c.catalog.Add(pkt); err != nil {
		return c.wrap(err)
	}
	c.pkt, c.item, c.limits = pkt, nil, nil
	return nil
}

func (c *Compiler) itemDef(params []string) error {
	if err := c.needPacket(); err != nil {
		return err
	}
	base := strings.TrimPrefix(c.keyword, "APPEND_")
	appending := base != c.keyword
	isParam := strings.HasSuffix(base, "PARAMETER")
	isID := strings.HasPrefix(base, "ID_")
	isArray := strings.HasPrefix(base, "ARRAY_")

	if isParam && c.pkt.Direction != packet.Command {
		return c.fail("%s only applies to command packets", c.keyword)
	}
	if !isParam && c.pkt.Direction != packet.Telemetry {
		return c.fail("%s only applies to telemetry packets", c.keyword)
	}

	need := 3
	if !appending {
		need++
	}
	if err := c.needParams(params, need, -1); err != nil {
		return err
	}

	item := &packet.Item{Name: params[0], Endianness: c.pkt.Endianness}
	i := 1
	if appending {
		item.BitOffset = c.pkt.NextBitOffset()
		if item.BitOffset < 0 {
			return c.fail("%s %s cannot follow a variably sized item", c.keyword, strings.ToUpper(item.Name))
		}
	} else {
		off, err := parseInt(params[i], "bit offset")
		if err != nil {
			return c.wrap(err)
		}
		item.BitOffset = off
		i++
	}
	size, err := parseInt(params[i], "bit size")
	if err != nil {
		return c.wrap(err)
	}
	item.BitSize = size
	i++
	if item.DataType, err = packet.ParseDataType(params[i]); err != nil {
		return c.wrap(err)
	}
	i++

	switch {
	case isArray:
		if err := c.needParams(params, i+1, -1); err != nil {
			return err
		}
		arrayBits, err := parseInt(params[i], "array size")
		if err != nil {
			return c.wrap(err)
		}
		i++
		switch {
		case arrayBits <= 0:
			item.ArrayCount = packet.Remaining
		case item.BitSize == 0 || arrayBits%item.BitSize != 0:
			return c.fail("array size %d is not a multiple of the element size %d", arrayBits, item.BitSize)
		default:
			item.ArrayCount = arrayBits / item.BitSize
		}
	case isParam:
		if item.DataType.Numeric() {
			if err := c.needParams(params, i+3, -1); err != nil {
				return err
			}
			lo, err := parseFloat(params[i], "minimum")
			if err != nil {
				return c.wrap(err)
			}
			hi, err := parseFloat(params[i+1], "maximum")
			if err != nil {
				return c.wrap(err)
			}
			if lo > hi {
				return c.fail("minimum %g is greater than maximum %g", lo, hi)
			}
			item.Range = &packet.Range{Min: lo, Max: hi}
			i += 2
		} else if err := c.needParams(params, i+1, -1); err != nil {
			return err
		}
		if item.Default, err = parseValue(params[i], item.DataType); err != nil {
			return c.wrap(err)
		}
		i++
		if isID {
			item.IDValue = item.Default
		}
	case isID:
		if err := c.needParams(params, i+1, -1); err != nil {
			return err
		}
		if item.IDValue, err = parseValue(params[i], item.DataType); err != nil {
			return c.wrap(err)
		}
		i++
	}

	if i < len(params) {
		item.Description = params[i]
		i++
	}
	if i < len(params) {
		if item.Endianness, err = packet.ParseEndianness(params[i]); err != nil {
			return c.wrap(err)
		}
		i++
	}
	if i < len(params) {
		return c.fail("Too many parameters for %s", c.keyword)
	}

	if err := c.pkt.AddItem(item); err != nil {
		return c.wrap(err)
	}
	c.item, c.limits = item, nil
	return nil
}

// LIMITS <set> <persistence> <ENABLED|DISABLED> <rl> <yl> <yh> <rh> [<gl> <gh>]
func (c *Compiler) limitsDef(params []string) error {
	if err := c.needItem(); err != nil {
		return err
	}
	if c.pkt.Direction != packet.Telemetry {
		return c.fail("LIMITS only applies to telemetry items")
	}
	if err := c.needParams(params, 7, 9); err != nil {
		return err
	}
	if len(params) == 8 {
		return c.fail("Must give both a green low and green high value")
	}

	set := strings.ToUpper(params[0])
	persistence, err := parseInt(params[1], "persistence")
	if err != nil {
		return c.wrap(err)
	}
	if persistence < 1 {
		return c.fail("Persistence must be at least 1 but is %d", persistence)
	}
	var enabled bool
	switch strings.ToUpper(params[2]) {
	case "ENABLED":
		enabled = true
	case "DISABLED":
	default:
		return c.fail("Initial LIMITS state must be ENABLED or DISABLED but is %s", params[2])
	}

	values := make([]float64, 0, 6)
	for _, p := range params[3:] {
		v, err := parseFloat(p, "limit")
		if err != nil {
			return c.wrap(err)
		}
		values = append(values, v)
	}
	th := packet.Thresholds{
		RedLow:     values[0],
		YellowLow:  values[1],
		GreenLow:   values[1],
		GreenHigh:  values[2],
		YellowHigh: values[2],
		RedHigh:    values[3],
	}
	if len(values) == 6 {
		th.GreenLow, th.GreenHigh = values[4], values[5]
	}
	if err := th.Validate(); err != nil {
		return c.wrap(err)
	}

	node, err := c.limitsNode(set)
	if err != nil {
		return err
	}
	node.Thresholds = th
	node.Enabled = enabled
	node.Persistence = persistence
	c.limits = node
	return nil
}

// limitsNode finds or creates the node for set on the current item. A
// dotted name such as TVAC.COLD nests COLD beneath TVAC.
func (c *Compiler) limitsNode(set string) (*packet.LimitsNode, error) {
	item := c.item
	if set == packet.DefaultLimitsSet {
		if item.Limits == nil {
			item.Limits = &packet.Limits{Root: &packet.LimitsNode{Name: packet.DefaultLimitsSet}}
		}
		c.defaults[item] = true
		return item.Limits.Root, nil
	}
	if !c.defaults[item] {
		return nil, c.fail("DEFAULT limits set must be defined for %s before setting limits set %s", item.Name, set)
	}
	parent := item.Limits.Root
	parts := strings.Split(set, ".")
	for _, name := range parts[:len(parts)-1] {
		next, ok := parent.Children[name]
		if !ok {
			return nil, c.fail("limits set %s must be defined before %s", name, set)
		}
		parent = next
	}
	name := parts[len(parts)-1]
	if node, ok := parent.Children[name]; ok {
		return node, nil
	}
	node := &packet.LimitsNode{Name: name}
	parent.AddChild(node)
	return node, nil
}

// LIMITS_RESPONSE <class> [args...]
func (c *Compiler) limitsResponse(params []string) error {
	if err := c.needItem(); err != nil {
		return err
	}
	if c.pkt.Direction != packet.Telemetry {
		return c.fail("LIMITS_RESPONSE only applies to telemetry items")
	}
	if err := c.needParams(params, 1, -1); err != nil {
		return err
	}
	v, err := c.build(params[0], params[1:])
	if err != nil {
		return err
	}
	resp, ok := v.(packet.LimitsResponse)
	if !ok {
		return c.capability("LimitsResponse", v)
	}

	node := c.limits
	if node == nil {
		if c.item.Limits == nil {
			c.item.Limits = &packet.Limits{Root: &packet.LimitsNode{Name: packet.DefaultLimitsSet}}
		}
		node = c.item.Limits.Root
	}
	node.Response = resp
	return nil
}

// READ_CONVERSION <class> [args...]
func (c *Compiler) readConversion(params []string) error {
	if err := c.needItem(); err != nil {
		return err
	}
	if err := c.needParams(params, 1, -1); err != nil {
		return err
	}
	v, err := c.build(params[0], params[1:])
	if err != nil {
		return err
	}
	conv, ok := v.(packet.Conversion)
	if !ok {
		return c.capability("Conversion", v)
	}
	c.item.Conversions = append(c.item.Conversions, conv)
	return nil
}

// POLY_READ_CONVERSION <c0> [c1 ...]
func (c *Compiler) polyReadConversion(params []string) error {
	if err := c.needItem(); err != nil {
		return err
	}
	if err := c.needParams(params, 1, -1); err != nil {
		return err
	}
	coeffs := make([]float64, len(params))
	for i, p := range params {
		v, err := parseFloat(p, "coefficient")
		if err != nil {
			return c.wrap(err)
		}
		coeffs[i] = v
	}
	c.item.Conversions = append(c.item.Conversions, packet.PolynomialConversion{Coefficients: coeffs})
	return nil
}

// PROCESSOR <name> <class> [args...]
func (c *Compiler) processor(params []string) error {
	if err := c.needPacket(); err != nil {
		return err
	}
	if c.pkt.Direction != packet.Telemetry {
		return c.fail("PROCESSOR only applies to telemetry packets")
	}
	if err := c.needParams(params, 2, -1); err != nil {
		return err
	}
	v, err := c.build(params[1], params[2:])
	if err != nil {
		return err
	}
	proc, ok := v.(packet.Processor)
	if !ok {
		return c.capability("Processor", v)
	}
	if err := c.pkt.AddProcessor(namedProcessor{name: strings.ToUpper(params[0]), Processor: proc}); err != nil {
		return c.wrap(err)
	}
	return nil
}

func (c *Compiler) required(params []string) error {
	if err := c.needItem(); err != nil {
		return err
	}
	if err := c.needParams(params, 0, 0); err != nil {
		return err
	}
	if c.pkt.Direction != packet.Command {
		return c.fail("REQUIRED only applies to command parameters")
	}
	c.item.Required = true
	return nil
}

func (c *Compiler) units(params []string) error {
	if err := c.needItem(); err != nil {
		return err
	}
	if err := c.needParams(params, 2, 2); err != nil {
		return err
	}
	c.item.Units, c.item.UnitsAbbrev = params[0], params[1]
	return nil
}

// DESCRIPTION applies to the current item, or the packet when no item is open.
func (c *Compiler) description(params []string) error {
	if err := c.needPacket(); err != nil {
		return err
	}
	if err := c.needParams(params, 1, 1); err != nil {
		return err
	}
	if c.item != nil {
		c.item.Description = params[0]
	} else {
		c.pkt.Description = params[0]
	}
	return nil
}

// build resolves ref and runs its factory once with args.
func (c *Compiler) build(ref string, args []string) (any, error) {
	f, ok := c.reg.Resolve(ref)
	if !ok {
		return nil, c.fail("%s class not found", registry.ClassName(ref))
	}
	v, err := f(args)
	if err != nil {
		return nil, c.wrap(fmt.Errorf("%s: %w", registry.ClassName(ref), err))
	}
	return v, nil
}

func (c *Compiler) capability(want string, got any) error {
	return c.wrap(&CapabilityError{Keyword: c.keyword, Capability: want, Got: typeName(got)})
}

type namedProcessor struct {
	name string
	packet.Processor
}

func (p namedProcessor) Name() string { return p.name }
