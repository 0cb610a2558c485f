package botspec

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ByteSize is a byte count that unmarshals from YAML and JSON either as a
// plain number of bytes or as a string with a unit suffix: decimal K/M/G/T
// or binary Ki/Mi/Gi/Ti (e.g. "256Mi", "2G"). It marshals as a number so
// persisted documents round-trip exactly.
type ByteSize int64

// suffix multipliers, longest first so "Mi" wins over "M".
var byteUnits = []struct {
	suffix string
	mult   int64
}{
	{"Ki", 1 << 10},
	{"Mi", 1 << 20},
	{"Gi", 1 << 30},
	{"Ti", 1 << 40},
	{"K", 1e3},
	{"M", 1e6},
	{"G", 1e9},
	{"T", 1e12},
}

// ParseByteSize parses a human byte quantity ("1048576", "256Mi", "2G").
func ParseByteSize(s string) (int64, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return 0, fmt.Errorf("byte size is empty")
	}
	for _, u := range byteUnits {
		if len(raw) > len(u.suffix) && strings.EqualFold(raw[len(raw)-len(u.suffix):], u.suffix) {
			num := strings.TrimSpace(raw[:len(raw)-len(u.suffix)])
			f, err := strconv.ParseFloat(num, 64)
			if err != nil {
				return 0, fmt.Errorf("byte size %q: %w", s, err)
			}
			if f < 0 {
				return 0, fmt.Errorf("byte size %q is negative", s)
			}
			return int64(f * float64(u.mult)), nil
		}
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("byte size %q: %w", s, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("byte size %q is negative", s)
	}
	return n, nil
}

// String renders the size with the largest exact binary unit.
func (b ByteSize) String() string {
	v := int64(b)
	switch {
	case v >= 1<<30 && v%(1<<30) == 0:
		return strconv.FormatInt(v>>30, 10) + "Gi"
	case v >= 1<<20 && v%(1<<20) == 0:
		return strconv.FormatInt(v>>20, 10) + "Mi"
	case v >= 1<<10 && v%(1<<10) == 0:
		return strconv.FormatInt(v>>10, 10) + "Ki"
	default:
		return strconv.FormatInt(v, 10)
	}
}

// UnmarshalYAML accepts either a bare integer or a suffixed string scalar.
func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("byte size must be a scalar, got %v", node.Kind)
	}
	n, err := ParseByteSize(node.Value)
	if err != nil {
		return err
	}
	*b = ByteSize(n)
	return nil
}

// UnmarshalJSON accepts either a JSON number or a suffixed string.
func (b *ByteSize) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		n, perr := ParseByteSize(s)
		if perr != nil {
			return perr
		}
		*b = ByteSize(n)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("byte size: %w", err)
	}
	if n < 0 {
		return fmt.Errorf("byte size %d is negative", n)
	}
	*b = ByteSize(n)
	return nil
}

// MarshalJSON emits the plain byte count.
func (b ByteSize) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatInt(int64(b), 10)), nil
}
