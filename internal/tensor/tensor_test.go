package tensor

import (
	"errors"
	"testing"

	"github.com/example/go-pipeserve/internal/dagerr"
)

func TestFromSliceRoundTrip(t *testing.T) {
	want := []float32{1, 2, 3}
	tt, err := FromSlice("x", want, []int64{1, 3})
	if err != nil {
		t.Fatalf("FromSlice: %v", err)
	}

	if tt.Precision() != FP32 {
		t.Errorf("precision = %s; want fp32", tt.Precision())
	}
	if tt.Owner() != OwnerEngine {
		t.Errorf("owner = %s; want engine", tt.Owner())
	}
	if len(tt.Bytes()) != 12 {
		t.Errorf("bytes = %d; want 12", len(tt.Bytes()))
	}

	got, err := Values[float32](tt)
	if err != nil {
		t.Fatalf("Values: %v", err)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("value[%d] = %v; want %v", i, got[i], want[i])
		}
	}
}

func TestFromSliceCopiesInput(t *testing.T) {
	data := []int32{7, 8}
	tt, err := FromSlice("x", data, []int64{2})
	if err != nil {
		t.Fatalf("FromSlice: %v", err)
	}
	data[0] = 100

	got, _ := Values[int32](tt)
	if got[0] != 7 {
		t.Errorf("tensor aliased caller slice: got %d", got[0])
	}
}

func TestNewRejectsSizeMismatch(t *testing.T) {
	_, err := New("x", FP32, []int64{1, 3}, NewEngineBuffer(make([]byte, 8)))
	if err == nil {
		t.Fatal("expected size mismatch error")
	}
	if dagerr.KindOf(err) != dagerr.Validation {
		t.Errorf("kind = %s; want validation", dagerr.KindOf(err))
	}
}

func TestNewRejectsBadShapeAndPrecision(t *testing.T) {
	tests := []struct {
		name      string
		precision Precision
		shape     []int64
	}{
		{name: "zero dim", precision: FP32, shape: []int64{1, 0}},
		{name: "negative dim", precision: U8, shape: []int64{-1}},
		{name: "unspecified precision", precision: Unspecified, shape: []int64{1}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New("x", tc.precision, tc.shape, NewEngineBuffer(make([]byte, 4)))
			if dagerr.KindOf(err) != dagerr.Validation {
				t.Errorf("want validation error, got %v", err)
			}
		})
	}
}

func TestValuesRejectsWrongType(t *testing.T) {
	tt, _ := FromSlice("x", []uint8{1, 2}, []int64{2})
	if _, err := Values[float32](tt); err == nil {
		t.Fatal("expected precision mismatch")
	}
}

func TestCloneIsEngineOwned(t *testing.T) {
	d := &countingDeallocator{}
	raw := []byte{1, 0, 0, 0}
	src, err := New("src", I32, []int64{1}, NewLibraryBuffer(raw, d))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	c := src.Clone("dst")
	if c.Owner() != OwnerEngine {
		t.Errorf("clone owner = %s; want engine", c.Owner())
	}
	if c.Name() != "dst" {
		t.Errorf("clone name = %q", c.Name())
	}
	raw[0] = 9
	if c.Bytes()[0] != 1 {
		t.Error("clone shares memory with source")
	}
	_ = c.Release()
	if d.calls != 0 {
		t.Errorf("releasing clone called source deallocator %d times", d.calls)
	}
}

func TestRenameSharesBuffer(t *testing.T) {
	src, _ := FromSlice("a", []float32{1}, []int64{1})
	r := src.Rename("b")
	if r.Buffer() != src.Buffer() {
		t.Error("Rename should share the buffer")
	}
	if r.Name() != "b" || src.Name() != "a" {
		t.Errorf("names = %q, %q", r.Name(), src.Name())
	}
}

func TestParsePrecision(t *testing.T) {
	tests := map[string]Precision{
		"fp32":          FP32,
		"Float32":       FP32,
		"tensor(float)": FP32,
		"fp16":          FP16,
		"uint8":         U8,
		"i8":            I8,
		"int16":         I16,
		"u16":           U16,
		"int32":         I32,
		"":              Unspecified,
	}
	for raw, want := range tests {
		got, err := ParsePrecision(raw)
		if err != nil {
			t.Errorf("ParsePrecision(%q): %v", raw, err)
			continue
		}
		if got != want {
			t.Errorf("ParsePrecision(%q) = %s; want %s", raw, got, want)
		}
	}

	if _, err := ParsePrecision("int64"); err == nil {
		t.Error("int64 is not part of the precision set")
	}
}

func TestPrecisionSize(t *testing.T) {
	sizes := map[Precision]int{FP32: 4, I32: 4, FP16: 2, I16: 2, U16: 2, U8: 1, I8: 1, Unspecified: 0}
	for p, want := range sizes {
		if p.Size() != want {
			t.Errorf("%s.Size() = %d; want %d", p, p.Size(), want)
		}
	}
}

type countingDeallocator struct {
	calls int
	err   error
}

func (c *countingDeallocator) Deallocate() error {
	c.calls++
	return c.err
}

func TestBufferReleaseOnce(t *testing.T) {
	d := &countingDeallocator{err: errors.New("release failed")}
	b := NewLibraryBuffer(make([]byte, 4), d)

	for range 5 {
		err := b.Release()
		if err == nil || err.Error() != "release failed" {
			t.Fatalf("Release() = %v; want first release error", err)
		}
	}
	if d.calls != 1 {
		t.Errorf("deallocator called %d times; want 1", d.calls)
	}
	if b.Len() != 0 {
		t.Errorf("released buffer still exposes %d bytes", b.Len())
	}
}

func TestEngineBufferReleaseIsNoop(t *testing.T) {
	b := NewEngineBuffer([]byte{1, 2})
	if err := b.Release(); err != nil {
		t.Errorf("Release: %v", err)
	}
	if b.Owner() != OwnerEngine {
		t.Errorf("owner = %s", b.Owner())
	}
}

func TestViewAliasesBuffer(t *testing.T) {
	in, err := FromSlice("x", []int32{1, 2, 3}, []int64{3})
	if err != nil {
		t.Fatalf("FromSlice: %v", err)
	}
	view, err := View[int32](in)
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	view[1] = 20
	got, _ := Values[int32](in)
	if got[1] != 20 {
		t.Fatalf("want view writes visible in tensor, got %v", got)
	}
	if _, err := View[float32](in); err == nil {
		t.Fatal("want precision mismatch error")
	}
}

func TestBorrowIsIndependentlyReleased(t *testing.T) {
	d := &countingDeallocator{}
	orig, err := New("x", FP32, []int64{1}, NewLibraryBuffer(make([]byte, 4), d))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	view := orig.Borrow("y")
	if view.Owner() != OwnerEngine || view.Name() != "y" {
		t.Fatalf("want engine-owned view named y, got %s %q", view.Owner(), view.Name())
	}
	if err := view.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if d.calls != 0 {
		t.Fatalf("want original untouched, got %d deallocations", d.calls)
	}
	if len(orig.Bytes()) != 4 {
		t.Fatalf("want original bytes intact, got %d", len(orig.Bytes()))
	}
}
