// Package mltest implements a CPU-slice-backed ml.Backend/Context/Tensor
// fixture so the pipeline, recorder, decode ring, and KV cache layouts can
// be exercised without a GPU. Every Context operation executes eagerly
// against a shared float32 backing slice instead of recording a deferred
// graph node, since there is no device to dispatch to; Forward/Compute are
// no-ops kept only so the real call sites compile unchanged against this
// fixture.
//
// Tensors alias their backing slice the same way a real view-based backend
// would: Reshape/View/Permute return tensors sharing the source's storage,
// so a SetRows or Copy written through a reshaped view is visible on the
// original tensor exactly as the kvcache package's Put/shift code requires.
package mltest

import (
	"context"
	"fmt"
	"math"

	"github.com/x448/float16"

	"github.com/wgpuinfer/core/ml"
)

// Tensor is a dense or aliased view over a shared float32 backing slice,
// addressed ggml-style: dim 0 varies fastest, Stride(n) is the product of
// dims[0:n].
type Tensor struct {
	dtype   ml.DType
	dims    [4]int
	strides [4]int
	offset  int
	backing []float32
}

func contiguousStrides(dims [4]int) [4]int {
	return [4]int{
		1,
		dims[0],
		dims[0] * dims[1],
		dims[0] * dims[1] * dims[2],
	}
}

func pad4(shape []int) [4]int {
	var d [4]int
	d[0], d[1], d[2], d[3] = 1, 1, 1, 1
	for i, s := range shape {
		if i >= 4 {
			break
		}
		d[i] = s
	}
	return d
}

func total(dims [4]int) int { return dims[0] * dims[1] * dims[2] * dims[3] }

func newDense(dtype ml.DType, dims [4]int) *Tensor {
	return &Tensor{dtype: dtype, dims: dims, strides: contiguousStrides(dims), backing: make([]float32, total(dims))}
}

func (t *Tensor) isContiguous() bool {
	return t.strides == contiguousStrides(t.dims)
}

func (t *Tensor) addr(idx [4]int) int {
	return t.offset + idx[0]*t.strides[0] + idx[1]*t.strides[1] + idx[2]*t.strides[2] + idx[3]*t.strides[3]
}

func unflatten(n int, dims [4]int) [4]int {
	var idx [4]int
	for d := 0; d < 4; d++ {
		idx[d] = n % dims[d]
		n /= dims[d]
	}
	return idx
}

func (t *Tensor) get(idx [4]int) float32    { return t.backing[t.addr(idx)] }
func (t *Tensor) set(idx [4]int, v float32) { t.backing[t.addr(idx)] = v }

func (t *Tensor) Dim(n int) int {
	if n < 0 || n >= 4 {
		return 1
	}
	return t.dims[n]
}

func (t *Tensor) Stride(n int) int {
	if n < 0 || n >= 4 {
		return total(t.dims)
	}
	return t.strides[n]
}

// Shape trims trailing singleton dimensions, matching how real backends
// report a tensor's logical rank.
func (t *Tensor) Shape() []int {
	n := 4
	for n > 1 && t.dims[n-1] == 1 {
		n--
	}
	out := make([]int, n)
	copy(out, t.dims[:n])
	return out
}
func (t *Tensor) DType() ml.DType { return t.dtype }

func (t *Tensor) Cast(ctx ml.Context, dtype ml.DType) ml.Tensor {
	c := *t
	c.dtype = dtype
	return &c
}

func (t *Tensor) Bytes() []byte {
	out := make([]byte, 0, total(t.dims)*4)
	for n := 0; n < total(t.dims); n++ {
		v := t.get(unflatten(n, t.dims))
		switch t.dtype {
		case ml.DTypeF16:
			bits := float16.Fromfloat32(v).Bits()
			out = append(out, byte(bits), byte(bits>>8))
		case ml.DTypeInt8:
			out = append(out, byte(int8(v)))
		case ml.DTypeI32:
			bits := uint32(int32(v))
			out = append(out, byte(bits), byte(bits>>8), byte(bits>>16), byte(bits>>24))
		default:
			bits := math.Float32bits(v)
			out = append(out, byte(bits), byte(bits>>8), byte(bits>>16), byte(bits>>24))
		}
	}
	return out
}

func (t *Tensor) Floats() []float32 {
	out := make([]float32, total(t.dims))
	for n := range out {
		out[n] = t.get(unflatten(n, t.dims))
	}
	return out
}

func (t *Tensor) FromBytes(b []byte) {
	decoded := decodeBytes(t.dtype, b, total(t.dims))
	for n, v := range decoded {
		t.set(unflatten(n, t.dims), v)
	}
}

func decodeBytes(dtype ml.DType, b []byte, count int) []float32 {
	out := make([]float32, count)
	switch dtype {
	case ml.DTypeF16:
		for i := 0; i < count; i++ {
			out[i] = float16.Frombits(uint16(b[2*i]) | uint16(b[2*i+1])<<8).Float32()
		}
	case ml.DTypeInt8:
		for i := 0; i < count; i++ {
			out[i] = float32(int8(b[i]))
		}
	case ml.DTypeI32:
		for i := 0; i < count; i++ {
			bits := uint32(b[4*i]) | uint32(b[4*i+1])<<8 | uint32(b[4*i+2])<<16 | uint32(b[4*i+3])<<24
			out[i] = float32(int32(bits))
		}
	default:
		for i := 0; i < count; i++ {
			bits := uint32(b[4*i]) | uint32(b[4*i+1])<<8 | uint32(b[4*i+2])<<16 | uint32(b[4*i+3])<<24
			out[i] = math.Float32frombits(bits)
		}
	}
	return out
}

func (t *Tensor) FromFloats(s []float32) {
	for n, v := range s {
		t.set(unflatten(n, t.dims), v)
	}
}

func (t *Tensor) FromInts(s []int32) {
	for n, v := range s {
		t.set(unflatten(n, t.dims), float32(v))
	}
}

func (t *Tensor) elementwise(t2 ml.Tensor, op func(a, b float32) float32) ml.Tensor {
	o := t2.(*Tensor)
	if t.dims != o.dims {
		panic(fmt.Sprintf("mltest: elementwise op on mismatched shapes %v vs %v", t.dims, o.dims))
	}
	out := newDense(t.dtype, t.dims)
	for n := 0; n < total(t.dims); n++ {
		idx := unflatten(n, t.dims)
		out.set(idx, op(t.get(idx), o.get(idx)))
	}
	return out
}

func (t *Tensor) Add(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.elementwise(t2, func(a, b float32) float32 { return a + b })
}
func (t *Tensor) Sub(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.elementwise(t2, func(a, b float32) float32 { return a - b })
}
func (t *Tensor) Mul(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.elementwise(t2, func(a, b float32) float32 { return a * b })
}
func (t *Tensor) Div(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.elementwise(t2, func(a, b float32) float32 { return a / b })
}

func notImplemented(op string) {
	panic(fmt.Sprintf("mltest: %s is not implemented by this fixture; the fixture only covers the layout-agnostic core's own tensor use, not a real architecture's forward pass", op))
}

func (t *Tensor) Mulmat(ctx ml.Context, t2 ml.Tensor) ml.Tensor { notImplemented("Mulmat"); return nil }
func (t *Tensor) MulmatFullPrec(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	notImplemented("MulmatFullPrec")
	return nil
}
func (t *Tensor) MulmatID(ctx ml.Context, t2, ids ml.Tensor) ml.Tensor {
	notImplemented("MulmatID")
	return nil
}
func (t *Tensor) AddID(ctx ml.Context, t2, ids ml.Tensor) ml.Tensor {
	notImplemented("AddID")
	return nil
}
func (t *Tensor) Softmax(ctx ml.Context) ml.Tensor { notImplemented("Softmax"); return nil }
func (t *Tensor) RMSNorm(ctx ml.Context, weight ml.Tensor, eps float32) ml.Tensor {
	notImplemented("RMSNorm")
	return nil
}
func (t *Tensor) LayerNorm(ctx ml.Context, weight, bias ml.Tensor, eps float32) ml.Tensor {
	notImplemented("LayerNorm")
	return nil
}
func (t *Tensor) SumRows(ctx ml.Context) ml.Tensor               { notImplemented("SumRows"); return nil }
func (t *Tensor) Sin(ctx ml.Context) ml.Tensor                   { notImplemented("Sin"); return nil }
func (t *Tensor) Cos(ctx ml.Context) ml.Tensor                   { notImplemented("Cos"); return nil }
func (t *Tensor) Tanh(ctx ml.Context) ml.Tensor                  { notImplemented("Tanh"); return nil }
func (t *Tensor) SILU(ctx ml.Context, up ...ml.Tensor) ml.Tensor { notImplemented("SILU"); return nil }
func (t *Tensor) RELU(ctx ml.Context, up ...ml.Tensor) ml.Tensor { notImplemented("RELU"); return nil }
func (t *Tensor) Sigmoid(ctx ml.Context) ml.Tensor               { notImplemented("Sigmoid"); return nil }
func (t *Tensor) Stack(ctx ml.Context, dim int, s ...ml.Tensor) ml.Tensor {
	notImplemented("Stack")
	return nil
}
func (t *Tensor) Repeat(ctx ml.Context, dim, n int) ml.Tensor { notImplemented("Repeat"); return nil }
func (t *Tensor) Concat(ctx ml.Context, t2 ml.Tensor, dim int) ml.Tensor {
	notImplemented("Concat")
	return nil
}
func (t *Tensor) Rows(ctx ml.Context, t2 ml.Tensor) ml.Tensor { notImplemented("Rows"); return nil }
func (t *Tensor) Chunk(ctx ml.Context, dim int, size int) []ml.Tensor {
	notImplemented("Chunk")
	return nil
}
func (t *Tensor) ChunkSections(ctx ml.Context, dim int, sections ...int) []ml.Tensor {
	notImplemented("ChunkSections")
	return nil
}
func (t *Tensor) TopK(ctx ml.Context, k int) ml.Tensor { notImplemented("TopK"); return nil }
func (t *Tensor) Argsort(ctx ml.Context) ml.Tensor     { notImplemented("Argsort"); return nil }
func (t *Tensor) Mean(ctx ml.Context) ml.Tensor        { notImplemented("Mean"); return nil }
func (t *Tensor) Variance(ctx ml.Context) ml.Tensor    { notImplemented("Variance"); return nil }
func (t *Tensor) Sqr(ctx ml.Context) ml.Tensor         { notImplemented("Sqr"); return nil }
func (t *Tensor) Sqrt(ctx ml.Context) ml.Tensor        { notImplemented("Sqrt"); return nil }

func (t *Tensor) Scale(ctx ml.Context, s float64) ml.Tensor {
	out := newDense(t.dtype, t.dims)
	for n := 0; n < total(t.dims); n++ {
		idx := unflatten(n, t.dims)
		out.set(idx, t.get(idx)*float32(s))
	}
	return out
}

// Reshape requires a contiguous tensor (true of every reshape call site in
// this core) and aliases the same backing storage under the new shape.
func (t *Tensor) Reshape(ctx ml.Context, shape ...int) ml.Tensor {
	if !t.isContiguous() {
		panic("mltest: Reshape requires a contiguous tensor")
	}
	newDims := pad4(shape)
	if total(newDims) != total(t.dims) {
		panic(fmt.Sprintf("mltest: Reshape element count mismatch: %v -> %v", t.dims, newDims))
	}
	return &Tensor{dtype: t.dtype, dims: newDims, strides: contiguousStrides(newDims), offset: t.offset, backing: t.backing}
}

// View aliases this tensor's backing storage starting at offset (in
// elements), with ne0 implicitly contiguous and each further dimension
// given as an explicit (stride, size) pair — the same convention the
// kvcache package's View calls use.
func (t *Tensor) View(ctx ml.Context, offset int, shape ...int) ml.Tensor {
	if len(shape) == 0 {
		panic("mltest: View requires at least ne0")
	}
	dims := [4]int{1, 1, 1, 1}
	strides := [4]int{1, 1, 1, 1}
	dims[0] = shape[0]
	i := 1
	for a := 1; a+1 < len(shape) && i < 4; a += 2 {
		strides[i] = shape[a]
		dims[i] = shape[a+1]
		i++
	}
	return &Tensor{dtype: t.dtype, dims: dims, strides: strides, offset: t.offset + offset, backing: t.backing}
}

// Permute reorders axes: output axis i reads from input axis shape[i].
func (t *Tensor) Permute(ctx ml.Context, shape ...int) ml.Tensor {
	if len(shape) != 4 {
		panic("mltest: Permute requires exactly 4 axis indices")
	}
	var dims, strides [4]int
	for i, p := range shape {
		dims[i] = t.dims[p]
		strides[i] = t.strides[p]
	}
	return &Tensor{dtype: t.dtype, dims: dims, strides: strides, offset: t.offset, backing: t.backing}
}

// Contiguous materializes a dense copy in the tensor's current shape,
// matching real backends where Contiguous forces a layout a subsequent op
// requires.
func (t *Tensor) Contiguous(ctx ml.Context, shape ...int) ml.Tensor {
	dims := t.dims
	if len(shape) > 0 {
		dims = pad4(shape)
	}
	return t.Duplicate(ctx).(*Tensor).reshapeDense(dims)
}

func (t *Tensor) reshapeDense(dims [4]int) ml.Tensor {
	if total(dims) != total(t.dims) {
		panic("mltest: Contiguous shape mismatch")
	}
	t.dims = dims
	t.strides = contiguousStrides(dims)
	return t
}

// Duplicate returns an independent dense copy, decoupled from this
// tensor's backing storage — used for cache-clone snapshots.
func (t *Tensor) Duplicate(ctx ml.Context) ml.Tensor {
	out := newDense(t.dtype, t.dims)
	for n := 0; n < total(t.dims); n++ {
		idx := unflatten(n, t.dims)
		out.set(idx, t.get(idx))
	}
	return out
}

// Copy writes this tensor's values into t2's storage in place and returns
// t2, mirroring the kvcache shift path's re-RoPE-in-place usage.
func (t *Tensor) Copy(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	dst := t2.(*Tensor)
	if dst.dims != t.dims {
		panic(fmt.Sprintf("mltest: Copy shape mismatch %v -> %v", t.dims, dst.dims))
	}
	for n := 0; n < total(t.dims); n++ {
		idx := unflatten(n, t.dims)
		dst.set(idx, t.get(idx))
	}
	return dst
}

func (t *Tensor) Slice(ctx ml.Context, dim, low, high, step int) ml.Tensor {
	if step <= 0 {
		step = 1
	}
	dims := t.dims
	strides := t.strides
	dims[dim] = (high - low + step - 1) / step
	strides[dim] = t.strides[dim] * step
	return &Tensor{dtype: t.dtype, dims: dims, strides: strides, offset: t.offset + low*t.strides[dim], backing: t.backing}
}

// SetRows scatters src's rows (dim 0 is the row vector, dim 1 the row
// index) into this tensor at the destination row indices named by idxs,
// mutating this tensor's backing in place and returning it — the
// kvcache package relies on this mutation being visible through whatever
// Reshape/View produced the receiver.
func (t *Tensor) SetRows(ctx ml.Context, src ml.Tensor, idxs ml.Tensor) ml.Tensor {
	s := src.(*Tensor)
	locs := idxs.(*Tensor).Floats()
	rowLen := s.dims[0]
	for row, locF := range locs {
		destRow := int(locF)
		for d := 0; d < rowLen; d++ {
			t.set([4]int{d, destRow, 0, 0}, s.get([4]int{d, row, 0, 0}))
		}
	}
	return t
}

// Context executes every operation eagerly against the shared float32
// backing of the tensors it creates or is handed; Forward/Compute exist
// only so production call sites compile unchanged.
type Context struct {
	maxNodes  int
	batchSize int
}

func newContext(maxNodes int) *Context { return &Context{maxNodes: maxNodes} }

func (c *Context) Empty(dtype ml.DType, shape ...int) ml.Tensor { return newDense(dtype, pad4(shape)) }
func (c *Context) Zeros(dtype ml.DType, shape ...int) ml.Tensor { return newDense(dtype, pad4(shape)) }

func (c *Context) FromBytes(dtype ml.DType, s []byte, shape ...int) ml.Tensor {
	dims := pad4(shape)
	t := newDense(dtype, dims)
	decoded := decodeBytes(dtype, s, total(dims))
	for n, v := range decoded {
		t.set(unflatten(n, dims), v)
	}
	return t
}

func (c *Context) FromFloats(s []float32, shape ...int) ml.Tensor {
	dims := pad4(shape)
	t := newDense(ml.DTypeF32, dims)
	for n := range s {
		t.set(unflatten(n, dims), s[n])
	}
	return t
}

func (c *Context) FromInts(s []int32, shape ...int) ml.Tensor {
	dims := pad4(shape)
	t := newDense(ml.DTypeI32, dims)
	for n := range s {
		t.set(unflatten(n, dims), float32(s[n]))
	}
	return t
}

func (c *Context) Arange(start, stop, step float32, dtype ml.DType) ml.Tensor {
	var vals []float32
	for v := start; v < stop; v += step {
		vals = append(vals, v)
	}
	dims := pad4([]int{len(vals)})
	t := newDense(dtype, dims)
	for n, v := range vals {
		t.set(unflatten(n, dims), v)
	}
	return t
}

func (c *Context) Forward(...ml.Tensor) ml.Context { return c }
func (c *Context) SetBatchSize(n int)              { c.batchSize = n }
func (c *Context) Compute(...ml.Tensor)            {}
func (c *Context) ComputeWithNotify(notify func(), _ ...ml.Tensor) {
	if notify != nil {
		notify()
	}
}
func (c *Context) Reserve()             {}
func (c *Context) MaxGraphNodes() int   { return c.maxNodes }
func (c *Context) Close()               {}
func (c *Context) Input() ml.Context    { return c }
func (c *Context) Layer(int) ml.Context { return c }

// Buffer is a bookkeeping-only allocation: mltest has no device memory to
// back it, only a size/usage pair the pool and decode ring can account for.
type Buffer struct {
	size      int
	usage     ml.UsageFlags
	destroyed bool
}

func (b *Buffer) Size() int            { return b.size }
func (b *Buffer) Usage() ml.UsageFlags { return b.usage }
func (b *Buffer) Destroy()             { b.destroyed = true }

// Config is a settable ml.Config fixture for tests that need specific
// architecture metadata without parsing a manifest.
type Config struct {
	Arch      string
	Uints     map[string]uint
	Floats    map[string]float32
	Strs      map[string]string
	StrSlices map[string][]string
}

func (c Config) Architecture() string { return c.Arch }

func (c Config) Uint(key string, defaultValue ...uint) uint {
	if v, ok := c.Uints[key]; ok {
		return v
	}
	if len(defaultValue) > 0 {
		return defaultValue[0]
	}
	return 0
}

func (c Config) Float(key string, defaultValue ...float32) float32 {
	if v, ok := c.Floats[key]; ok {
		return v
	}
	if len(defaultValue) > 0 {
		return defaultValue[0]
	}
	return 0
}

func (c Config) String(key string, defaultValue ...string) string {
	if v, ok := c.Strs[key]; ok {
		return v
	}
	if len(defaultValue) > 0 {
		return defaultValue[0]
	}
	return ""
}

func (c Config) Strings(key string, defaultValue ...[]string) []string {
	if v, ok := c.StrSlices[key]; ok {
		return v
	}
	if len(defaultValue) > 0 {
		return defaultValue[0]
	}
	return nil
}

// Backend is a CPU-only ml.Backend: NewBuffer returns a bookkeeping-only
// Buffer, and every Context it hands out executes eagerly against its own
// tensors' backing slices, with no GPU involved.
type Backend struct {
	Cfg      Config
	CacheCfg ml.CacheConfig
	Devices  []ml.DeviceInfo
	LoadErr  error
}

// NewBackend constructs a ready-to-use fixture backend. Register it with
// ml.RegisterBackend under a test-only name if a test needs to go through
// ml.NewBackend; most tests construct it directly and pass it wherever an
// ml.Backend is expected.
func NewBackend() *Backend {
	return &Backend{
		Cfg:      Config{Arch: "mltest"},
		CacheCfg: ml.CacheConfig{CachePadding: 1, MaskDType: ml.DTypeF32},
		Devices:  []ml.DeviceInfo{{DeviceID: ml.DeviceID{Library: "mltest", ID: "0"}, Name: "mltest-cpu"}},
	}
}

func (b *Backend) Close() {}

func (b *Backend) Load(ctx context.Context, progress func(float32)) error {
	if progress != nil {
		progress(1)
	}
	return b.LoadErr
}

func (b *Backend) BackendMemory() ml.BackendMemory    { return ml.BackendMemory{} }
func (b *Backend) Config() ml.Config                  { return b.Cfg }
func (b *Backend) Get(name string) ml.Tensor          { return nil }
func (b *Backend) NewContext() ml.Context             { return newContext(8192) }
func (b *Backend) NewContextSize(size int) ml.Context { return newContext(size) }

func (b *Backend) NewBuffer(size int, usage ml.UsageFlags) (ml.Buffer, error) {
	return &Buffer{size: size, usage: usage}, nil
}

func (b *Backend) BackendDevices() []ml.DeviceInfo { return b.Devices }

func (b *Backend) CacheConfig() ml.CacheConfig { return b.CacheCfg }

var _ ml.Backend = (*Backend)(nil)
var _ ml.BackendCacheConfig = (*Backend)(nil)
var _ ml.Tensor = (*Tensor)(nil)
var _ ml.Context = (*Context)(nil)
var _ ml.Buffer = (*Buffer)(nil)
var _ ml.Config = Config{}
