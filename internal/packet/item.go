package packet

import "fmt"

// Remaining marks an array item that consumes every element left in the buffer.
const Remaining = -1

// Range bounds the accepted values of a numeric command parameter.
type Range struct {
	Min float64
	Max float64
}

// Item is one named field of a packet.
//
// BitSize is the size of a single element. ArrayCount is zero for scalar
// items, a positive element count for fixed arrays, or Remaining. A BitSize
// of zero on a STRING or BLOCK item means the item is variably sized and
// extends to the end of the buffer.
type Item struct {
	Name        string
	BitOffset   int
	BitSize     int
	DataType    DataType
	Endianness  Endianness
	ArrayCount  int
	Description string
	Units       string
	UnitsAbbrev string

	// Command parameter attributes.
	Required bool
	Default  any
	Range    *Range

	// IDValue is non-nil for identification items.
	IDValue any

	Conversions []Conversion
	Limits      *Limits
}

// IsArray reports whether the item repeats its element layout.
func (i *Item) IsArray() bool { return i.ArrayCount != 0 }

// IsID reports whether the item participates in packet identification.
func (i *Item) IsID() bool { return i.IDValue != nil }

// Variable reports whether the item extends to the end of the buffer.
func (i *Item) Variable() bool {
	if i.ArrayCount == Remaining {
		return true
	}
	return (i.DataType == STRING || i.DataType == BLOCK) && i.BitSize == 0
}

// TotalBits returns the number of bits the item occupies, or -1 for
// variably sized items.
func (i *Item) TotalBits() int {
	if i.Variable() {
		return -1
	}
	if i.IsArray() {
		return i.BitSize * i.ArrayCount
	}
	return i.BitSize
}

// ConvertedType is the type presented after the conversion chain runs.
func (i *Item) ConvertedType() DataType {
	if n := len(i.Conversions); n > 0 {
		return i.Conversions[n-1].ConvertedType()
	}
	return i.DataType
}

// validate checks the layout rules that do not depend on the owning packet.
func (i *Item) validate() error {
	if i.Name == "" {
		return fmt.Errorf("item name must not be empty")
	}
	if i.BitOffset < 0 {
		return fmt.Errorf("item %s: bit offset %d must not be negative", i.Name, i.BitOffset)
	}
	if i.BitSize < 0 {
		return fmt.Errorf("item %s: bit size %d must not be negative", i.Name, i.BitSize)
	}
	switch i.DataType {
	case UINT, INT:
		if i.BitSize < 1 || i.BitSize > 64 {
			return fmt.Errorf("item %s: %s bit size %d must be between 1 and 64", i.Name, i.DataType, i.BitSize)
		}
	case FLOAT:
		if i.BitSize != 32 && i.BitSize != 64 {
			return fmt.Errorf("item %s: FLOAT bit size %d must be 32 or 64", i.Name, i.BitSize)
		}
		if i.BitOffset%8 != 0 {
			return fmt.Errorf("item %s: FLOAT items must be byte aligned", i.Name)
		}
	case STRING, BLOCK:
		if i.BitOffset%8 != 0 || i.BitSize%8 != 0 {
			return fmt.Errorf("item %s: %s items must be byte aligned with a whole number of bytes", i.Name, i.DataType)
		}
	case DERIVED:
		if i.BitSize != 0 || i.IsArray() {
			return fmt.Errorf("item %s: DERIVED items must have zero bit size", i.Name)
		}
	}
	if i.IsArray() && i.BitSize == 0 {
		return fmt.Errorf("item %s: array elements must have a non-zero bit size", i.Name)
	}
	if i.ArrayCount < Remaining {
		return fmt.Errorf("item %s: invalid array count %d", i.Name, i.ArrayCount)
	}
	return nil
}
