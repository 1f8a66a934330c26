package packet

import "fmt"

// DefaultLimitsSet is the name of the root threshold set of every item.
const DefaultLimitsSet = "DEFAULT"

// LimitsState is the health classification of a telemetry value.
type LimitsState int

const (
	STALE LimitsState = iota
	GREEN
	GREEN_HIGH
	YELLOW
	YELLOW_HIGH
	RED
	RED_HIGH
)

var limitsStateNames = [...]string{"STALE", "GREEN", "GREEN_HIGH", "YELLOW", "YELLOW_HIGH", "RED", "RED_HIGH"}

func (s LimitsState) String() string {
	if int(s) >= 0 && int(s) < len(limitsStateNames) {
		return limitsStateNames[s]
	}
	return fmt.Sprintf("LimitsState(%d)", int(s))
}

// ParseLimitsState converts a state name back into a LimitsState.
func ParseLimitsState(s string) (LimitsState, error) {
	for i, name := range limitsStateNames {
		if name == s {
			return LimitsState(i), nil
		}
	}
	return STALE, fmt.Errorf("unknown limits state %q", s)
}

// LimitsResponse is invoked on every limits state transition of an item.
type LimitsResponse interface {
	Call(targetName, packetName string, item *Item, oldState, newState LimitsState)
}

// Thresholds holds the six ordered boundaries of a limits set.
type Thresholds struct {
	RedLow     float64
	YellowLow  float64
	GreenLow   float64
	GreenHigh  float64
	YellowHigh float64
	RedHigh    float64
}

// Validate checks that the boundaries are non-decreasing.
func (t Thresholds) Validate() error {
	ordered := []struct {
		name  string
		value float64
	}{
		{"red low", t.RedLow},
		{"yellow low", t.YellowLow},
		{"green low", t.GreenLow},
		{"green high", t.GreenHigh},
		{"yellow high", t.YellowHigh},
		{"red high", t.RedHigh},
	}
	for i := 1; i < len(ordered); i++ {
		if ordered[i].value < ordered[i-1].value {
			return fmt.Errorf("%s limit %g must not be less than %s limit %g",
				ordered[i].name, ordered[i].value, ordered[i-1].name, ordered[i-1].value)
		}
	}
	return nil
}

// LimitsNode is one threshold set. The DEFAULT set is the root; named sets
// hang beneath it as modifiers and inherit the response of their parent
// when they have none of their own.
type LimitsNode struct {
	Name        string
	Thresholds  Thresholds
	Enabled     bool
	Persistence int
	Response    LimitsResponse
	Children    map[string]*LimitsNode

	parent *LimitsNode
}

// AddChild attaches a named set beneath n, replacing an existing one.
func (n *LimitsNode) AddChild(child *LimitsNode) {
	if n.Children == nil {
		n.Children = make(map[string]*LimitsNode)
	}
	child.parent = n
	n.Children[child.Name] = child
}

// Find returns the set named name, searching n and then its children.
func (n *LimitsNode) Find(name string) *LimitsNode {
	if n == nil {
		return nil
	}
	if n.Name == name {
		return n
	}
	if child, ok := n.Children[name]; ok {
		return child
	}
	for _, child := range n.Children {
		if found := child.Find(name); found != nil {
			return found
		}
	}
	return nil
}

// Parent returns the set n modifies, or nil for the root.
func (n *LimitsNode) Parent() *LimitsNode { return n.parent }

// ResolveResponse returns the response attached to n or the nearest parent.
func (n *LimitsNode) ResolveResponse() LimitsResponse {
	for node := n; node != nil; node = node.parent {
		if node.Response != nil {
			return node.Response
		}
	}
	return nil
}

// Limits is the limits definition of a telemetry item.
type Limits struct {
	Root *LimitsNode
}

// Set returns the named set, falling back to DEFAULT when it is not defined.
func (l *Limits) Set(name string) *LimitsNode {
	if l == nil || l.Root == nil {
		return nil
	}
	if name == "" {
		return l.Root
	}
	if node := l.Root.Find(name); node != nil {
		return node
	}
	return l.Root
}
