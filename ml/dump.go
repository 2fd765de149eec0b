package ml

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
)

type number interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64
}

func mul[T number](s ...T) T {
	p := T(1)
	for _, v := range s {
		p *= v
	}
	return p
}

// DumpOptions configures tensor dump output format.
type DumpOptions func(*dumpOptions)

// DumpWithPrecision sets the number of decimal places printed for floating
// point elements.
func DumpWithPrecision(n int) DumpOptions {
	return func(opts *dumpOptions) {
		opts.Precision = n
	}
}

// DumpWithThreshold sets the element count at or below which the whole
// tensor is printed; above it only the edges of each dimension appear.
func DumpWithThreshold(n int) DumpOptions {
	return func(opts *dumpOptions) {
		opts.Threshold = n
	}
}

// DumpWithEdgeItems sets how many elements print at each end of an elided
// dimension.
func DumpWithEdgeItems(n int) DumpOptions {
	return func(opts *dumpOptions) {
		opts.EdgeItems = n
	}
}

type dumpOptions struct {
	Precision, Threshold, EdgeItems int
}

// Dump renders a tensor as a nested, numpy-style bracketed string, for
// debug-layer checkpoints and readback probes. Quantized and f16 tensors
// are widened to f32 through the context before formatting.
func Dump(ctx Context, t Tensor, optsFuncs ...DumpOptions) string {
	opts := dumpOptions{Precision: 4, Threshold: 1000, EdgeItems: 3}
	for _, fn := range optsFuncs {
		fn(&opts)
	}

	if mul(t.Shape()...) <= opts.Threshold {
		opts.EdgeItems = math.MaxInt
	}

	switch t.DType() {
	case DTypeF32:
		return dump[[]float32](ctx, t, opts.EdgeItems, func(f float32) string {
			return strconv.FormatFloat(float64(f), 'f', opts.Precision, 32)
		})
	case DTypeF16, DTypeInt8, DTypeQ4K:
		widened := ctx.Input().Empty(DTypeF32, t.Shape()...)
		widened = t.Copy(ctx, widened)
		return dump[[]float32](ctx, widened, opts.EdgeItems, func(f float32) string {
			return strconv.FormatFloat(float64(f), 'f', opts.Precision, 32)
		})
	case DTypeI32:
		return dump[[]int32](ctx, t, opts.EdgeItems, func(i int32) string {
			return strconv.FormatInt(int64(i), 10)
		})
	default:
		return "<unsupported>"
	}
}

func dump[S ~[]E, E number](ctx Context, t Tensor, edge int, format func(E) string) string {
	if t.Bytes() == nil {
		ctx.Forward(t).Compute(t)
	}

	elems := make(S, mul(t.Shape()...))
	if err := binary.Read(bytes.NewBuffer(t.Bytes()), binary.LittleEndian, &elems); err != nil {
		panic(err)
	}

	shape := t.Shape()
	slices.Reverse(shape)

	var out strings.Builder
	var walk func(dims []int, base int)
	walk = func(dims []int, base int) {
		indent := strings.Repeat(" ", len(shape)-len(dims)+1)
		out.WriteString("[")
		defer out.WriteString("]")
		for i := 0; i < dims[0]; i++ {
			switch {
			case i >= edge && i < dims[0]-edge:
				out.WriteString("..., ")
				// Jump past the elided middle to the trailing edge.
				skip := dims[0] - 2*edge
				if len(dims) > 1 {
					base += mul(append(dims[1:], skip)...)
					fmt.Fprint(&out, strings.Repeat("\n", len(dims)-1), indent)
				}
				i += skip - 1
			case len(dims) > 1:
				walk(dims[1:], base)
				base += mul(dims[1:]...)
				if i < dims[0]-1 {
					fmt.Fprint(&out, ",", strings.Repeat("\n", len(dims)-1), indent)
				}
			default:
				text := format(elems[base+i])
				if len(text) > 0 && text[0] != '-' {
					out.WriteString(" ")
				}
				out.WriteString(text)
				if i < dims[0]-1 {
					out.WriteString(", ")
				}
			}
		}
	}
	walk(shape, 0)

	return out.String()
}
