package main

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestNewTensorShape(t *testing.T) {
	x := NewTensor(2, 3, 4)
	if diff := cmp.Diff([]int{2, 3, 4}, x.Shape()); diff != "" {
		t.Errorf("shape mismatch (-want +got):\n%s", diff)
	}
	if x.Size() != 24 {
		t.Errorf("Size() = %d, want 24", x.Size())
	}
}

func TestTensorAtSet(t *testing.T) {
	x := NewTensor(2, 3)
	x.Set(1.5, 1, 2)
	if got := x.At(1, 2); got != 1.5 {
		t.Errorf("At(1,2) = %v, want 1.5", got)
	}
	if got := x.At(0, 0); got != 0 {
		t.Errorf("At(0,0) = %v, want 0", got)
	}
}

func TestTensorAtPanicsOutOfBounds(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for out-of-bounds index")
		}
	}()
	NewTensor(2, 2).At(2, 0)
}

func TestReshapeSharesData(t *testing.T) {
	x := NewTensor(2, 6)
	x.Set(7, 1, 3)
	y := x.Reshape(3, 4)
	if got := y.At(2, 1); got != 7 {
		t.Errorf("reshaped view At(2,1) = %v, want 7", got)
	}
	y.Set(9, 0, 0)
	if got := x.At(0, 0); got != 9 {
		t.Errorf("write through view not visible, got %v", got)
	}
}

func TestReshapePanicsOnSizeMismatch(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for size-changing reshape")
		}
	}()
	NewTensor(2, 3).Reshape(4, 2)
}

func TestAddSubScale(t *testing.T) {
	a := NewTensor(2, 2)
	b := NewTensor(2, 2)
	a.Set(1, 0, 0)
	a.Set(2, 1, 1)
	b.Set(3, 0, 0)

	sum := Add(a, b)
	require.Equal(t, 4.0, sum.At(0, 0))
	require.Equal(t, 2.0, sum.At(1, 1))

	diff := Sub(a, b)
	require.Equal(t, -2.0, diff.At(0, 0))

	scaled := Scale(a, 3)
	require.Equal(t, 6.0, scaled.At(1, 1))
}

func TestMatMulKnownValues(t *testing.T) {
	a := NewTensor(2, 3)
	b := NewTensor(3, 2)
	for i := 0; i < 6; i++ {
		a.data[i] = float64(i + 1) // [[1,2,3],[4,5,6]]
		b.data[i] = float64(i + 1) // [[1,2],[3,4],[5,6]]
	}

	c := MatMul(a, b)
	want := [][]float64{{22, 28}, {49, 64}}
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			if c.At(i, j) != want[i][j] {
				t.Errorf("C[%d][%d] = %v, want %v", i, j, c.At(i, j), want[i][j])
			}
		}
	}
}

func TestMatMulParallelMatchesSingleThreaded(t *testing.T) {
	a := NewTensorRand(17, 33)
	b := NewTensorRand(33, 9)

	single := MatMulWithConfig(a, b, SingleThreadedConfig())
	parallel := MatMulWithConfig(a, b, ComputeConfig{
		Parallel:           true,
		NumWorkers:         4,
		MinSizeForParallel: 1,
	})

	for i := range single.data {
		if math.Abs(single.data[i]-parallel.data[i]) > 1e-12 {
			t.Fatalf("parallel result diverges at %d: %v vs %v",
				i, single.data[i], parallel.data[i])
		}
	}
}

func TestSoftmaxRowsSumToOne(t *testing.T) {
	x := NewTensorRand(4, 7)
	p := Softmax(x)
	for r := 0; r < 4; r++ {
		sum := 0.0
		for c := 0; c < 7; c++ {
			v := p.At(r, c)
			require.GreaterOrEqual(t, v, 0.0)
			sum += v
		}
		require.InDelta(t, 1.0, sum, 1e-9)
	}
}

func TestSaturatingSigmoidSaturates(t *testing.T) {
	x := NewTensor(3)
	x.data[0] = -10
	x.data[1] = 0
	x.data[2] = 10

	y := SaturatingSigmoid(x)
	require.Equal(t, 0.0, y.data[0])
	require.InDelta(t, 0.5, y.data[1], 1e-9)
	require.Equal(t, 1.0, y.data[2])
}

func TestIntTensorRoundTrip(t *testing.T) {
	c := NewIntTensor(2, 3, 1)
	c.Set(5, 1, 2, 0)
	clone := c.Clone()
	c.Set(9, 1, 2, 0)
	if clone.At(1, 2, 0) != 5 {
		t.Error("clone shares storage with original")
	}
}

func TestArgmax(t *testing.T) {
	require.Equal(t, 2, argmax([]float64{0.1, 0.3, 0.9, 0.2}))
	require.Equal(t, 0, argmax([]float64{1.0}))
}
