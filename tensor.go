package main

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
)

// ===========================================================================
// TENSOR SUBSTRATE
// ===========================================================================
//
// This file implements the dense and integer tensor types everything else in
// this repository is built on.
//
// Conventions:
//   - Dense activations flow through the model as 4-D tensors shaped
//     [batch, length, 1, hidden] (1-D sequence mode) or
//     [batch, rows, cols, hidden] (2-D image-grid mode).
//   - Discrete latent codes are IntTensors shaped [batch, latentLen, blocks],
//     each value in [0, blockVocab).
//   - Storage is row-major (C-contiguous) float64/int slices.
//
// Shape errors are programmer bugs, not runtime conditions: like the rest of
// the numeric code here, they panic rather than returning errors. Invalid
// *configuration* is a different story and is reported as an error at model
// construction time, before any tensor exists.
//
// Tensors are not safe for concurrent mutation. The forward pass never
// mutates a tensor it did not allocate, so retracing a pass is always safe.

var (
	// ErrShapeMismatch indicates incompatible tensor shapes for an operation.
	ErrShapeMismatch = errors.New("tensor: shape mismatch")

	// ErrInvalidShape indicates an invalid tensor shape.
	ErrInvalidShape = errors.New("tensor: invalid shape")
)

// Tensor represents a multi-dimensional array of float64 values stored in
// row-major order.
type Tensor struct {
	data  []float64
	shape []int
}

// NewTensor creates a tensor with the given shape, initialized to zero.
// Panics if shape is invalid (empty or contains non-positive dimensions).
func NewTensor(shape ...int) *Tensor {
	if len(shape) == 0 {
		panic("tensor: shape cannot be empty")
	}

	size := 1
	for i, dim := range shape {
		if dim <= 0 {
			panic(fmt.Sprintf("tensor: shape[%d] must be positive, got %d", i, dim))
		}
		size *= dim
	}

	shapeCopy := make([]int, len(shape))
	copy(shapeCopy, shape)

	return &Tensor{
		data:  make([]float64, size),
		shape: shapeCopy,
	}
}

// NewTensorRand creates a tensor with values from a normal distribution with
// standard deviation 0.02, using the Box-Muller transform.
func NewTensorRand(shape ...int) *Tensor {
	t := NewTensor(shape...)

	for i := 0; i < len(t.data); i += 2 {
		u1, u2 := rand.Float64(), rand.Float64()
		mag := 0.02 * math.Sqrt(-2*math.Log(u1))
		t.data[i] = mag * math.Cos(2*math.Pi*u2)
		if i+1 < len(t.data) {
			t.data[i+1] = mag * math.Sin(2*math.Pi*u2)
		}
	}

	return t
}

// Shape returns a copy of the tensor's shape.
func (t *Tensor) Shape() []int {
	shape := make([]int, len(t.shape))
	copy(shape, t.shape)
	return shape
}

// Dims returns the number of dimensions (rank) of the tensor.
func (t *Tensor) Dims() int {
	return len(t.shape)
}

// Size returns the total number of elements in the tensor.
func (t *Tensor) Size() int {
	return len(t.data)
}

// At returns the element at the given indices. Panics on invalid indices.
func (t *Tensor) At(indices ...int) float64 {
	return t.data[flatIndex(t.shape, indices)]
}

// Set sets the element at the given indices. Panics on invalid indices.
func (t *Tensor) Set(value float64, indices ...int) {
	t.data[flatIndex(t.shape, indices)] = value
}

// flatIndex converts multi-dimensional indices to a flat row-major index.
func flatIndex(shape, indices []int) int {
	if len(indices) != len(shape) {
		panic(fmt.Sprintf("tensor: expected %d indices, got %d", len(shape), len(indices)))
	}

	idx := 0
	stride := 1
	for i := len(indices) - 1; i >= 0; i-- {
		if indices[i] < 0 || indices[i] >= shape[i] {
			panic(fmt.Sprintf("tensor: index[%d]=%d out of bounds [0,%d)", i, indices[i], shape[i]))
		}
		idx += indices[i] * stride
		stride *= shape[i]
	}
	return idx
}

// Clone creates a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	clone := NewTensor(t.shape...)
	copy(clone.data, t.data)
	return clone
}

// Reshape returns a new view of the tensor with a different shape.
// The total number of elements must remain the same; the returned tensor
// shares the underlying data.
func (t *Tensor) Reshape(newShape ...int) *Tensor {
	newSize := 1
	for _, dim := range newShape {
		newSize *= dim
	}
	if newSize != len(t.data) {
		panic(fmt.Sprintf("tensor: cannot reshape size %d to %v (size %d)", len(t.data), newShape, newSize))
	}

	shapeCopy := make([]int, len(newShape))
	copy(shapeCopy, newShape)

	return &Tensor{data: t.data, shape: shapeCopy}
}

// String returns a string representation of the tensor for debugging.
func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, size=%d)", t.shape, len(t.data))
}

// ===========================================================================
// OPERATIONS
// ===========================================================================

// Add performs element-wise addition: out = a + b. Panics on shape mismatch.
func Add(a, b *Tensor) *Tensor {
	if !shapeEqual(a.shape, b.shape) {
		panic(fmt.Sprintf("tensor: cannot add shapes %v and %v", a.shape, b.shape))
	}

	out := NewTensor(a.shape...)
	for i := range out.data {
		out.data[i] = a.data[i] + b.data[i]
	}
	return out
}

// Sub performs element-wise subtraction: out = a - b. Panics on shape mismatch.
func Sub(a, b *Tensor) *Tensor {
	if !shapeEqual(a.shape, b.shape) {
		panic(fmt.Sprintf("tensor: cannot subtract shapes %v and %v", a.shape, b.shape))
	}

	out := NewTensor(a.shape...)
	for i := range out.data {
		out.data[i] = a.data[i] - b.data[i]
	}
	return out
}

// Mul performs element-wise multiplication (Hadamard product).
func Mul(a, b *Tensor) *Tensor {
	if !shapeEqual(a.shape, b.shape) {
		panic(fmt.Sprintf("tensor: cannot multiply shapes %v and %v", a.shape, b.shape))
	}

	out := NewTensor(a.shape...)
	for i := range out.data {
		out.data[i] = a.data[i] * b.data[i]
	}
	return out
}

// Scale multiplies all elements by a scalar: out = a * scalar.
func Scale(a *Tensor, scalar float64) *Tensor {
	out := NewTensor(a.shape...)
	for i := range out.data {
		out.data[i] = a.data[i] * scalar
	}
	return out
}

// MatMul performs matrix multiplication C = A @ B for 2-D tensors.
// Uses the global compute configuration to decide on parallel execution.
func MatMul(a, b *Tensor) *Tensor {
	return MatMulWithConfig(a, b, globalComputeConfig)
}

// Transpose returns the transpose of a 2-D matrix.
func Transpose(a *Tensor) *Tensor {
	if len(a.shape) != 2 {
		panic("tensor: Transpose requires 2D tensor")
	}

	m, n := a.shape[0], a.shape[1]
	out := NewTensor(n, m)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			out.data[j*m+i] = a.data[i*n+j]
		}
	}
	return out
}

// Mean returns the arithmetic mean of all elements.
func (t *Tensor) Mean() float64 {
	sum := 0.0
	for _, v := range t.data {
		sum += v
	}
	return sum / float64(len(t.data))
}

// ===========================================================================
// ACTIVATIONS
// ===========================================================================

// ReLU applies f(x) = max(0, x) element-wise.
func ReLU(x *Tensor) *Tensor {
	return ParallelApply(x, func(v float64) float64 {
		return math.Max(0, v)
	}, globalComputeConfig)
}

// GELU applies the Gaussian Error Linear Unit (tanh approximation).
func GELU(x *Tensor) *Tensor {
	const (
		sqrt2OverPi = 0.7978845608028654
		coeff       = 0.044715
	)
	return ParallelApply(x, func(v float64) float64 {
		inner := sqrt2OverPi * (v + coeff*v*v*v)
		return 0.5 * v * (1.0 + math.Tanh(inner))
	}, globalComputeConfig)
}

// Sigmoid applies the logistic function element-wise.
func Sigmoid(x *Tensor) *Tensor {
	return ParallelApply(x, func(v float64) float64 {
		return 1.0 / (1.0 + math.Exp(-v))
	}, globalComputeConfig)
}

// SaturatingSigmoid applies a sigmoid stretched and clipped so that it
// saturates at exactly 0 and 1: max(0, min(1, 1.2*sigmoid(x) - 0.1)).
func SaturatingSigmoid(x *Tensor) *Tensor {
	return ParallelApply(x, func(v float64) float64 {
		s := 1.2/(1.0+math.Exp(-v)) - 0.1
		return math.Max(0, math.Min(1, s))
	}, globalComputeConfig)
}

// Softmax converts logits to probabilities along the last axis, numerically
// stabilized by subtracting the row maximum before exponentiating.
func Softmax(x *Tensor) *Tensor {
	features := x.shape[len(x.shape)-1]
	rows := len(x.data) / features
	out := NewTensor(x.shape...)

	for r := 0; r < rows; r++ {
		row := x.data[r*features : (r+1)*features]
		outRow := out.data[r*features : (r+1)*features]

		maxVal := row[0]
		for _, v := range row[1:] {
			if v > maxVal {
				maxVal = v
			}
		}

		sum := 0.0
		for i, v := range row {
			e := math.Exp(v - maxVal)
			outRow[i] = e
			sum += e
		}
		for i := range outRow {
			outRow[i] /= sum
		}
	}

	return out
}

// ===========================================================================
// INTEGER TENSORS (discrete latent codes)
// ===========================================================================

// IntTensor is the integer counterpart of Tensor, used for discrete latent
// codes shaped [batch, latentLen, blocks].
type IntTensor struct {
	data  []int
	shape []int
}

// NewIntTensor creates a zero-valued integer tensor.
func NewIntTensor(shape ...int) *IntTensor {
	if len(shape) == 0 {
		panic("tensor: shape cannot be empty")
	}

	size := 1
	for i, dim := range shape {
		if dim <= 0 {
			panic(fmt.Sprintf("tensor: shape[%d] must be positive, got %d", i, dim))
		}
		size *= dim
	}

	shapeCopy := make([]int, len(shape))
	copy(shapeCopy, shape)

	return &IntTensor{data: make([]int, size), shape: shapeCopy}
}

// Shape returns a copy of the tensor's shape.
func (t *IntTensor) Shape() []int {
	shape := make([]int, len(t.shape))
	copy(shape, t.shape)
	return shape
}

// At returns the element at the given indices.
func (t *IntTensor) At(indices ...int) int {
	return t.data[flatIndex(t.shape, indices)]
}

// Set sets the element at the given indices.
func (t *IntTensor) Set(value int, indices ...int) {
	t.data[flatIndex(t.shape, indices)] = value
}

// Clone creates a deep copy.
func (t *IntTensor) Clone() *IntTensor {
	clone := NewIntTensor(t.shape...)
	copy(clone.data, t.data)
	return clone
}

// String returns a string representation for debugging.
func (t *IntTensor) String() string {
	return fmt.Sprintf("IntTensor(shape=%v, size=%d)", t.shape, len(t.data))
}

// ===========================================================================
// HELPERS
// ===========================================================================

func shapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// argmax returns the index of the maximum value.
func argmax(data []float64) int {
	if len(data) == 0 {
		return -1
	}
	maxIdx := 0
	maxVal := data[0]
	for i := 1; i < len(data); i++ {
		if data[i] > maxVal {
			maxVal = data[i]
			maxIdx = i
		}
	}
	return maxIdx
}

// softmaxSlice applies a numerically stable softmax to a flat slice.
func softmaxSlice(logits []float64) []float64 {
	maxLogit := logits[0]
	for _, l := range logits {
		if l > maxLogit {
			maxLogit = l
		}
	}

	expSum := 0.0
	probs := make([]float64, len(logits))
	for i, l := range logits {
		probs[i] = math.Exp(l - maxLogit)
		expSum += probs[i]
	}
	for i := range probs {
		probs[i] /= expSum
	}
	return probs
}
