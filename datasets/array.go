package datasets

import (
	"fmt"

	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// Array is a dense, row-major numeric array with an explicit shape. It is the
// in-memory form of every loaded .npy file and of every sampled batch field:
// a contiguous float64 buffer plus shape metadata, trivially convertible into
// a gomlx tensor when the training code wants one.
type Array struct {
	Data  []float64
	Shape []int
}

// NewArray wraps data in an Array with the given shape. The product of the
// dimensions must equal len(data).
func NewArray(data []float64, shape ...int) (*Array, error) {
	if sizeOf(shape) != len(data) {
		return nil, fmt.Errorf("%w: %d values cannot fill shape %v", ErrShapeMismatch, len(data), shape)
	}
	return &Array{Data: data, Shape: shape}, nil
}

func sizeOf(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Size returns the total number of elements.
func (a *Array) Size() int { return len(a.Data) }

// Rows returns the leading (frame) dimension.
func (a *Array) Rows() int { return a.Shape[0] }

// rowSize returns the number of elements per leading-axis row.
func (a *Array) rowSize() int {
	if a.Shape[0] == 0 {
		return 0
	}
	return len(a.Data) / a.Shape[0]
}

// Reshape returns a view of a with a new shape. At most one dimension may be
// -1, in which case it is inferred from the total size. The total size must
// be preserved exactly.
func (a *Array) Reshape(shape ...int) (*Array, error) {
	infer := -1
	known := 1
	for i, d := range shape {
		if d == -1 {
			if infer >= 0 {
				return nil, fmt.Errorf("%w: more than one inferred dimension in %v", ErrShapeMismatch, shape)
			}
			infer = i
			continue
		}
		known *= d
	}
	dims := append([]int(nil), shape...)
	if infer >= 0 {
		if known == 0 || len(a.Data)%known != 0 {
			return nil, fmt.Errorf("%w: cannot infer dimension %d of %v for %d values", ErrShapeMismatch, infer, shape, len(a.Data))
		}
		dims[infer] = len(a.Data) / known
	} else if known != len(a.Data) {
		return nil, fmt.Errorf("%w: %d values cannot fill shape %v", ErrShapeMismatch, len(a.Data), shape)
	}
	return &Array{Data: a.Data, Shape: dims}, nil
}

// Filter returns a copy of a keeping only the leading-axis rows where mask is
// true. len(mask) must equal Rows().
func (a *Array) Filter(mask []bool) *Array {
	rs := a.rowSize()
	kept := 0
	for _, m := range mask {
		if m {
			kept++
		}
	}
	out := make([]float64, 0, kept*rs)
	for i, m := range mask {
		if m {
			out = append(out, a.Data[i*rs:(i+1)*rs]...)
		}
	}
	shape := append([]int(nil), a.Shape...)
	shape[0] = kept
	return &Array{Data: out, Shape: shape}
}

// Take returns a copy of the rows selected by indices, in order. Repeated
// indices are allowed.
func (a *Array) Take(indices []int) *Array {
	rs := a.rowSize()
	out := make([]float64, 0, len(indices)*rs)
	for _, idx := range indices {
		out = append(out, a.Data[idx*rs:(idx+1)*rs]...)
	}
	shape := append([]int(nil), a.Shape...)
	shape[0] = len(indices)
	return &Array{Data: out, Shape: shape}
}

// SliceRows returns a copy of rows [lo, hi).
func (a *Array) SliceRows(lo, hi int) *Array {
	rs := a.rowSize()
	out := make([]float64, (hi-lo)*rs)
	copy(out, a.Data[lo*rs:hi*rs])
	shape := append([]int(nil), a.Shape...)
	shape[0] = hi - lo
	return &Array{Data: out, Shape: shape}
}

// Permute reorders the leading-axis rows so that new row i is old row
// perm[i]. A fresh buffer is installed rather than mutating the old one, so
// any previously returned views keep the data they were created over.
func (a *Array) Permute(perm []int) {
	rs := a.rowSize()
	out := make([]float64, len(a.Data))
	for i, idx := range perm {
		copy(out[i*rs:(i+1)*rs], a.Data[idx*rs:(idx+1)*rs])
	}
	a.Data = out
}

// ConcatRows concatenates arrays along the leading axis. All trailing
// dimensions must match.
func ConcatRows(arrays ...*Array) (*Array, error) {
	if len(arrays) == 0 {
		return nil, fmt.Errorf("%w: nothing to concatenate", ErrShapeMismatch)
	}
	first := arrays[0]
	rows, size := 0, 0
	for _, a := range arrays {
		if len(a.Shape) != len(first.Shape) {
			return nil, fmt.Errorf("%w: rank %d vs %d", ErrShapeMismatch, len(a.Shape), len(first.Shape))
		}
		for d := 1; d < len(a.Shape); d++ {
			if a.Shape[d] != first.Shape[d] {
				return nil, fmt.Errorf("%w: trailing shape %v vs %v", ErrShapeMismatch, a.Shape, first.Shape)
			}
		}
		rows += a.Shape[0]
		size += len(a.Data)
	}
	out := make([]float64, 0, size)
	for _, a := range arrays {
		out = append(out, a.Data...)
	}
	shape := append([]int(nil), first.Shape...)
	shape[0] = rows
	return &Array{Data: out, Shape: shape}, nil
}

// concatChannels concatenates rank-3 (frames, natm, channels_i) arrays along
// the channel axis. The leading two dimensions must match.
func concatChannels(arrays []*Array) (*Array, error) {
	if len(arrays) == 1 {
		return arrays[0], nil
	}
	frames, natm := arrays[0].Shape[0], arrays[0].Shape[1]
	channels := 0
	for _, a := range arrays {
		if a.Shape[0] != frames || a.Shape[1] != natm {
			return nil, fmt.Errorf("%w: descriptor sources disagree on (frames, natm): %v vs %v",
				ErrShapeMismatch, a.Shape, arrays[0].Shape)
		}
		channels += a.Shape[2]
	}
	out := make([]float64, 0, frames*natm*channels)
	for f := 0; f < frames; f++ {
		for at := 0; at < natm; at++ {
			for _, a := range arrays {
				c := a.Shape[2]
				base := (f*natm + at) * c
				out = append(out, a.Data[base:base+c]...)
			}
		}
	}
	return &Array{Data: out, Shape: []int{frames, natm, channels}}, nil
}

// Tensor converts the array into a gomlx tensor sharing no memory with a.
func (a *Array) Tensor() *tensors.Tensor {
	data := make([]float64, len(a.Data))
	copy(data, a.Data)
	return tensors.FromFlatDataAndDimensions(data, a.Shape...)
}
