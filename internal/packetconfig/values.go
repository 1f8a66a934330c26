package packetconfig

import (
	"encoding/hex"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/banshee-data/cmdtlm/internal/packet"
	"github.com/banshee-data/cmdtlm/internal/registry"
	"github.com/banshee-data/cmdtlm/internal/stats"
)

// NewRegistry returns a registry holding the built in classes:
// received_count_conversion and statistics_processor.
func NewRegistry() *registry.Registry {
	r := registry.New()
	must(r.RegisterConversion("received_count_conversion.rb", func([]string) (packet.Conversion, error) {
		return packet.ReceivedCountConversion{}, nil
	}))
	must(r.RegisterProcessor("statistics_processor.rb", stats.Factory))
	return r
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

func parseInt(s, what string) (int, error) {
	v, err := strconv.ParseInt(s, 0, 0)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", what, s)
	}
	return int(v), nil
}

func parseFloat(s, what string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		if iv, ierr := strconv.ParseInt(s, 0, 64); ierr == nil {
			return float64(iv), nil
		}
		return 0, fmt.Errorf("invalid %s %q", what, s)
	}
	return v, nil
}

// parseValue converts a definition token into a value of type dt. Integers
// accept any base prefix strconv understands; BLOCK values given as 0x...
// are decoded as hex.
func parseValue(s string, dt packet.DataType) (any, error) {
	switch dt {
	case packet.INT:
		v, err := strconv.ParseInt(s, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid INT value %q", s)
		}
		return v, nil
	case packet.UINT:
		v, err := strconv.ParseUint(s, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid UINT value %q", s)
		}
		return v, nil
	case packet.FLOAT:
		v, err := parseFloat(s, "FLOAT value")
		if err != nil {
			return nil, err
		}
		return v, nil
	case packet.BLOCK:
		if len(s) > 2 && strings.EqualFold(s[:2], "0x") {
			digits := s[2:]
			if len(digits)%2 != 0 {
				digits = "0" + digits
			}
			b, err := hex.DecodeString(digits)
			if err != nil {
				return nil, fmt.Errorf("invalid BLOCK value %q", s)
			}
			return b, nil
		}
		return []byte(s), nil
	default:
		return s, nil
	}
}

// typeName names the concrete type of v without its package or pointers.
func typeName(v any) string {
	if v == nil {
		return "nil"
	}
	t := reflect.TypeOf(v)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Name() != "" {
		return t.Name()
	}
	return t.String()
}
