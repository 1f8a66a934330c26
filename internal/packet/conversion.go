package packet

import "fmt"

// Conversion transforms a raw decoded value into an engineering value.
// ConvertedType and ConvertedBitSize describe the output for consumers; the
// value returned by Call is not checked against them.
type Conversion interface {
	ConvertedType() DataType
	ConvertedBitSize() int
	Call(value any, pkt *Packet, buffer []byte) (any, error)
}

// ApplyConversions folds the item's conversion chain over raw from left to
// right. Every stage receives the previous stage's output together with the
// unmodified packet and buffer.
func ApplyConversions(item *Item, raw any, pkt *Packet, buffer []byte) (any, error) {
	value := raw
	for i, conv := range item.Conversions {
		out, err := conv.Call(value, pkt, buffer)
		if err != nil {
			return nil, fmt.Errorf("conversion %d of %s %s %s: %w", i, pkt.TargetName, pkt.PacketName, item.Name, err)
		}
		value = out
	}
	return value, nil
}

// ReceivedCountConversion exposes the packet's receipt counter as a 32-bit
// unsigned value regardless of the item's raw content.
type ReceivedCountConversion struct{}

func (ReceivedCountConversion) ConvertedType() DataType { return UINT }
func (ReceivedCountConversion) ConvertedBitSize() int   { return 32 }

func (ReceivedCountConversion) Call(_ any, pkt *Packet, _ []byte) (any, error) {
	return uint64(pkt.ReceivedCount()), nil
}

// PolynomialConversion evaluates c0 + c1*x + c2*x^2 + ...
type PolynomialConversion struct {
	Coefficients []float64
}

func (PolynomialConversion) ConvertedType() DataType { return FLOAT }
func (PolynomialConversion) ConvertedBitSize() int   { return 64 }

func (p PolynomialConversion) Call(value any, _ *Packet, _ []byte) (any, error) {
	x, ok := Float64(value)
	if !ok {
		return nil, fmt.Errorf("polynomial conversion requires a numeric value, got %T", value)
	}
	// Horner's method
	result := 0.0
	for i := len(p.Coefficients) - 1; i >= 0; i-- {
		result = result*x + p.Coefficients[i]
	}
	return result, nil
}
