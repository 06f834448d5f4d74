package tensor

import (
	"fmt"
	"strings"

	"github.com/example/go-pipeserve/internal/dagerr"
)

// AnyDim in an Info shape accepts any extent for that axis.
const AnyDim int64 = 0

// Info is the declared contract of a tensor: a name, a precision and a shape
// in which AnyDim entries are wildcards. An Info with Unspecified precision
// or a nil shape constrains nothing along that dimension of the contract.
type Info struct {
	Name      string    `json:"name" yaml:"name"`
	Precision Precision `json:"precision" yaml:"precision"`
	Shape     []int64   `json:"shape,omitempty" yaml:"shape,omitempty"`
}

func (i Info) String() string {
	dims := make([]string, len(i.Shape))
	for n, d := range i.Shape {
		if d == AnyDim {
			dims[n] = "?"
			continue
		}
		dims[n] = fmt.Sprint(d)
	}
	return fmt.Sprintf("%s:%s[%s]", i.Name, i.Precision, strings.Join(dims, ","))
}

// Check validates an actual tensor against the contract.
func (i Info) Check(t *Tensor) error {
	if i.Precision != Unspecified && t.Precision() != i.Precision {
		return dagerr.Errorf(dagerr.Validation, "tensor %q: precision %s, want %s", i.Name, t.Precision(), i.Precision)
	}
	if i.Shape == nil {
		return nil
	}
	shape := t.Shape()
	if len(shape) != len(i.Shape) {
		return dagerr.Errorf(dagerr.Validation, "tensor %q: shape %v has %d dims, want %v", i.Name, shape, len(shape), i.Shape)
	}
	for n, want := range i.Shape {
		if want != AnyDim && shape[n] != want {
			return dagerr.Errorf(dagerr.Validation, "tensor %q: shape %v, want %v", i.Name, shape, i.Shape)
		}
	}
	return nil
}

// Compatible reports whether a tensor produced under contract i can satisfy
// contract other. Wildcards on either side are compatible with anything.
func (i Info) Compatible(other Info) error {
	if i.Precision != Unspecified && other.Precision != Unspecified && i.Precision != other.Precision {
		return dagerr.Errorf(dagerr.GraphConfiguration, "%s is incompatible with %s: precision differs", i, other)
	}
	if i.Shape == nil || other.Shape == nil {
		return nil
	}
	if len(i.Shape) != len(other.Shape) {
		return dagerr.Errorf(dagerr.GraphConfiguration, "%s is incompatible with %s: rank differs", i, other)
	}
	for n := range i.Shape {
		a, b := i.Shape[n], other.Shape[n]
		if a != AnyDim && b != AnyDim && a != b {
			return dagerr.Errorf(dagerr.GraphConfiguration, "%s is incompatible with %s: dim %d differs", i, other, n)
		}
	}
	return nil
}

// IndexInfos maps a list of contracts by name, rejecting duplicates.
func IndexInfos(infos []Info) (map[string]Info, error) {
	out := make(map[string]Info, len(infos))
	for _, info := range infos {
		if _, dup := out[info.Name]; dup {
			return nil, fmt.Errorf("duplicate tensor name %q", info.Name)
		}
		out[info.Name] = info
	}
	return out, nil
}
