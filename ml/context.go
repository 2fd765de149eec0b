package ml

// Context represents a single recorded GPU execution scope: a sequence of
// tensor operations accumulated via Forward and later dispatched by Compute.
// Contexts are created per command-recorder (see the recorder package) and
// are not safe for concurrent use; the owning recorder serializes access.
type Context interface {
	Empty(dtype DType, shape ...int) Tensor
	Zeros(dtype DType, shape ...int) Tensor
	FromBytes(dtype DType, s []byte, shape ...int) Tensor
	FromFloats(s []float32, shape ...int) Tensor
	FromInts(s []int32, shape ...int) Tensor

	// Arange creates a 1D tensor with values within an interval [start, stop) increased by step.
	Arange(start, stop, step float32, dtype DType) Tensor

	Forward(...Tensor) Context

	// SetBatchSize hints at the number of tokens in this pass, letting the
	// backend pick graph-sizing heuristics (block shapes, workgroup counts).
	SetBatchSize(int)

	Compute(...Tensor)
	ComputeWithNotify(func(), ...Tensor) // notify callback once compute has begun

	// Reserve preallocates memory for a worst-case graph without executing it.
	Reserve()

	MaxGraphNodes() int
	Close()

	// Input returns a context appropriate for creating tensors that feed the
	// graph (token ids, positions, masks).
	Input() Context

	// Layer returns a context appropriate for creating the intermediate
	// tensors of a single transformer layer.
	Layer(int) Context
}

// Tensor represents a multi-dimensional array and the operations the core
// needs to express a transformer forward pass, RoPE, KV cache updates, and
// CPU-side sampling readback.
type Tensor interface {
	Dim(n int) int
	Stride(n int) int

	Shape() []int
	DType() DType
	Cast(ctx Context, dtype DType) Tensor

	Bytes() []byte
	Floats() []float32

	FromBytes([]byte)
	FromFloats([]float32)
	FromInts([]int32)

	Add(ctx Context, t2 Tensor) Tensor
	Sub(ctx Context, t2 Tensor) Tensor
	Mul(ctx Context, t2 Tensor) Tensor
	Div(ctx Context, t2 Tensor) Tensor

	Mulmat(ctx Context, t2 Tensor) Tensor
	MulmatFullPrec(ctx Context, t2 Tensor) Tensor
	// MulmatID and AddID are the MoE expert-gather primitives: ids selects,
	// per token, which expert's weight slab to multiply/add against.
	MulmatID(ctx Context, t2, ids Tensor) Tensor
	AddID(ctx Context, t2, ids Tensor) Tensor

	Softmax(ctx Context) Tensor
	RMSNorm(ctx Context, weight Tensor, eps float32) Tensor
	LayerNorm(ctx Context, weight, bias Tensor, eps float32) Tensor
	Scale(ctx Context, s float64) Tensor
	SumRows(ctx Context) Tensor

	Sin(ctx Context) Tensor
	Cos(ctx Context) Tensor
	Tanh(ctx Context) Tensor
	SILU(ctx Context, up ...Tensor) Tensor
	RELU(ctx Context, up ...Tensor) Tensor
	Sigmoid(ctx Context) Tensor

	Reshape(ctx Context, shape ...int) Tensor
	View(ctx Context, offset int, shape ...int) Tensor
	Permute(ctx Context, shape ...int) Tensor
	Contiguous(ctx Context, shape ...int) Tensor

	Stack(ctx Context, dim int, s ...Tensor) Tensor

	// Repeat repeats the tensor n times along dimension dim.
	Repeat(ctx Context, dim, n int) Tensor
	Concat(ctx Context, t2 Tensor, dim int) Tensor
	Rows(ctx Context, t2 Tensor) Tensor
	SetRows(ctx Context, src Tensor, idxs Tensor) Tensor
	Copy(ctx Context, t2 Tensor) Tensor
	Duplicate(ctx Context) Tensor

	Slice(ctx Context, dim, low, high, step int) Tensor
	Chunk(ctx Context, dim int, size int) []Tensor
	ChunkSections(ctx Context, dim int, sections ...int) []Tensor

	TopK(ctx Context, k int) Tensor
	Argsort(ctx Context) Tensor
	Mean(ctx Context) Tensor
	Variance(ctx Context) Tensor
	Sqr(ctx Context) Tensor
	Sqrt(ctx Context) Tensor
}

// ScaledDotProductAttention implements a fused attention operation
// equivalent to the following on a tensor named query:
//
//	query = query.Permute(ctx, 0, 2, 1, 3)
//	key = key.Permute(ctx, 0, 2, 1, 3)
//	value = value.Permute(ctx, 1, 2, 0, 3).Contiguous(ctx)
//	kq := key.MulmatFullPrec(ctx, query)
//	kq = kq.Scale(ctx, scale)
//	if mask != nil {
//		kq = kq.Add(ctx, mask)
//	}
//	kq = kq.Softmax(ctx)
//	kqv := value.Mulmat(ctx, kq)
//	return kqv.Permute(ctx, 0, 2, 1, 3).Contiguous(ctx)
//
// A backend that doesn't implement this interface falls back to the
// unfused sequence above, composed from the primitives.
type ScaledDotProductAttention interface {
	ScaledDotProductAttention(ctx Context, query, key, value, mask Tensor, scale float64) Tensor
}
