package tensor

import (
	"fmt"
	"strings"
)

// Precision is the element type of a tensor. The numeric values match the
// CustomNodeTensorPrecision enum of the custom node C ABI.
type Precision int32

const (
	Unspecified Precision = iota
	FP32
	FP16
	U8
	I8
	I16
	U16
	I32
)

var precisionNames = map[Precision]string{
	Unspecified: "unspecified",
	FP32:        "fp32",
	FP16:        "fp16",
	U8:          "u8",
	I8:          "i8",
	I16:         "i16",
	U16:         "u16",
	I32:         "i32",
}

func (p Precision) String() string {
	if name, ok := precisionNames[p]; ok {
		return name
	}
	return fmt.Sprintf("precision(%d)", int32(p))
}

// Size returns the byte width of one element, or 0 for Unspecified and
// unknown values.
func (p Precision) Size() int {
	switch p {
	case FP32, I32:
		return 4
	case FP16, I16, U16:
		return 2
	case U8, I8:
		return 1
	default:
		return 0
	}
}

// Valid reports whether p is a concrete, known precision.
func (p Precision) Valid() bool {
	return p.Size() > 0
}

// ParsePrecision accepts the canonical names plus the common aliases used by
// model manifests ("float32", "float", "int32", "tensor(float)", ...).
func ParsePrecision(raw string) (Precision, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	normalized = strings.TrimPrefix(normalized, "tensor(")
	normalized = strings.TrimSuffix(normalized, ")")
	switch normalized {
	case "fp32", "float32", "float", "f32":
		return FP32, nil
	case "fp16", "float16", "half", "f16":
		return FP16, nil
	case "u8", "uint8":
		return U8, nil
	case "i8", "int8":
		return I8, nil
	case "i16", "int16":
		return I16, nil
	case "u16", "uint16":
		return U16, nil
	case "i32", "int32":
		return I32, nil
	case "", "unspecified":
		return Unspecified, nil
	default:
		return Unspecified, fmt.Errorf("unsupported precision %q", raw)
	}
}

// MarshalText renders the canonical precision name.
func (p Precision) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText parses any name accepted by ParsePrecision.
func (p *Precision) UnmarshalText(text []byte) error {
	parsed, err := ParsePrecision(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
