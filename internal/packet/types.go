// Package packet describes the fixed binary layout of command and telemetry
// packets. Definitions are built once by the config compiler and are treated
// as read-only once the owning Catalog has been sealed.
package packet

import (
	"fmt"
	"strings"
)

// DataType is the wire representation of an item.
type DataType int

const (
	UINT DataType = iota
	INT
	FLOAT
	STRING
	BLOCK
	// DERIVED items occupy no bits and exist only through conversions.
	DERIVED
)

var dataTypeNames = map[DataType]string{
	UINT:    "UINT",
	INT:     "INT",
	FLOAT:   "FLOAT",
	STRING:  "STRING",
	BLOCK:   "BLOCK",
	DERIVED: "DERIVED",
}

func (d DataType) String() string {
	if name, ok := dataTypeNames[d]; ok {
		return name
	}
	return fmt.Sprintf("DataType(%d)", int(d))
}

// Numeric reports whether values of this type are integers or floats.
func (d DataType) Numeric() bool {
	return d == UINT || d == INT || d == FLOAT
}

// ParseDataType converts a definition keyword such as "UINT" into a DataType.
func ParseDataType(s string) (DataType, error) {
	upper := strings.ToUpper(strings.TrimSpace(s))
	for t, name := range dataTypeNames {
		if name == upper {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown data type %q", s)
}

// Endianness is the byte order used to interpret multi-byte items.
type Endianness int

const (
	BigEndian Endianness = iota
	LittleEndian
)

func (e Endianness) String() string {
	if e == LittleEndian {
		return "LITTLE_ENDIAN"
	}
	return "BIG_ENDIAN"
}

// ParseEndianness accepts BIG_ENDIAN or LITTLE_ENDIAN.
func ParseEndianness(s string) (Endianness, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BIG_ENDIAN":
		return BigEndian, nil
	case "LITTLE_ENDIAN":
		return LittleEndian, nil
	default:
		return 0, fmt.Errorf("invalid endianness %q: must be BIG_ENDIAN or LITTLE_ENDIAN", s)
	}
}

// Direction distinguishes the disjoint command and telemetry catalogs.
type Direction int

const (
	Telemetry Direction = iota
	Command
)

func (d Direction) String() string {
	if d == Command {
		return "COMMAND"
	}
	return "TELEMETRY"
}
