package main

import (
	"runtime"
	"sync"
)

// ===========================================================================
// PARALLEL COMPUTE
// ===========================================================================
//
// This file implements parallel execution of tensor operations using
// goroutines. The forward pass itself is single-threaded, synchronous
// dataflow; all parallelism lives below the operation boundary, here, where
// matrix multiplications and element-wise maps are split across CPU cores.
//
// The user chooses between single-threaded (deterministic, debuggable) and
// parallel (faster) modes at runtime via ComputeConfig. Small problems stay
// single-threaded: goroutine overhead dominates below MinSizeForParallel.

// ComputeConfig controls parallelization behavior for tensor operations.
type ComputeConfig struct {
	// Parallel enables multi-threaded execution of tensor operations.
	Parallel bool

	// NumWorkers specifies the number of worker goroutines to use.
	// If 0, defaults to runtime.NumCPU(). Only used when Parallel is true.
	NumWorkers int

	// MinSizeForParallel specifies the minimum problem dimension before
	// parallelization is used.
	MinSizeForParallel int
}

// DefaultComputeConfig returns a sensible default configuration.
func DefaultComputeConfig() ComputeConfig {
	return ComputeConfig{
		Parallel:           true,
		NumWorkers:         0, // Use all available CPUs
		MinSizeForParallel: 64,
	}
}

// SingleThreadedConfig returns a configuration for single-threaded execution.
func SingleThreadedConfig() ComputeConfig {
	return ComputeConfig{
		Parallel:           false,
		NumWorkers:         1,
		MinSizeForParallel: 0,
	}
}

// numWorkers returns the actual number of workers to use.
func (c ComputeConfig) numWorkers() int {
	if !c.Parallel {
		return 1
	}
	if c.NumWorkers > 0 {
		return c.NumWorkers
	}
	return runtime.NumCPU()
}

// shouldParallelize determines if an operation should use parallelization
// based on the problem size.
func (c ComputeConfig) shouldParallelize(size int) bool {
	return c.Parallel && size >= c.MinSizeForParallel
}

// Global compute configuration (can be overridden per operation).
var globalComputeConfig = DefaultComputeConfig()

// SetGlobalComputeConfig sets the global compute configuration.
func SetGlobalComputeConfig(cfg ComputeConfig) {
	globalComputeConfig = cfg
}

// GetGlobalComputeConfig returns the current global compute configuration.
func GetGlobalComputeConfig() ComputeConfig {
	return globalComputeConfig
}

// MatMulWithConfig performs matrix multiplication with the given compute
// configuration.
func MatMulWithConfig(a, b *Tensor, cfg ComputeConfig) *Tensor {
	if len(a.shape) != 2 || len(b.shape) != 2 {
		panic("tensor: MatMul requires 2D tensors")
	}

	m, k1 := a.shape[0], a.shape[1]
	k2, n := b.shape[0], b.shape[1]
	if k1 != k2 {
		panic("tensor: incompatible dimensions for matmul")
	}

	out := NewTensor(m, n)

	if !cfg.shouldParallelize(m) && !cfg.shouldParallelize(n) {
		return matmulSingleThreaded(a, b, out, m, n, k1)
	}
	return parallelMatMul(a, b, out, m, n, k1, cfg)
}

// parallelMatMul divides output rows among workers; each worker computes a
// contiguous block of rows, which keeps workers writing to different cache
// lines.
func parallelMatMul(a, b, out *Tensor, m, n, k int, cfg ComputeConfig) *Tensor {
	numWorkers := cfg.numWorkers()
	rowsPerWorker := (m + numWorkers - 1) / numWorkers // Ceiling division

	var wg sync.WaitGroup
	wg.Add(numWorkers)

	for w := 0; w < numWorkers; w++ {
		startRow := w * rowsPerWorker
		endRow := startRow + rowsPerWorker
		if endRow > m {
			endRow = m
		}

		if startRow >= m {
			wg.Done()
			continue
		}

		go func(start, end int) {
			defer wg.Done()
			matmulWorker(a, b, out, start, end, n, k)
		}(startRow, endRow)
	}

	wg.Wait()
	return out
}

// matmulWorker computes a subset of output rows.
func matmulWorker(a, b, out *Tensor, startRow, endRow, n, k int) {
	for i := startRow; i < endRow; i++ {
		for j := 0; j < n; j++ {
			sum := 0.0
			for kk := 0; kk < k; kk++ {
				sum += a.data[i*k+kk] * b.data[kk*n+j]
			}
			out.data[i*n+j] = sum
		}
	}
}

// matmulSingleThreaded performs single-threaded matrix multiplication.
func matmulSingleThreaded(a, b, out *Tensor, m, n, k int) *Tensor {
	matmulWorker(a, b, out, 0, m, n, k)
	return out
}

// ParallelApply applies a function to each element in parallel.
// Useful for element-wise operations like activations on large tensors.
func ParallelApply(t *Tensor, fn func(float64) float64, cfg ComputeConfig) *Tensor {
	out := NewTensor(t.shape...)
	size := len(t.data)

	if !cfg.shouldParallelize(size) {
		for i := 0; i < size; i++ {
			out.data[i] = fn(t.data[i])
		}
		return out
	}

	numWorkers := cfg.numWorkers()
	elemsPerWorker := (size + numWorkers - 1) / numWorkers

	var wg sync.WaitGroup
	wg.Add(numWorkers)

	for w := 0; w < numWorkers; w++ {
		start := w * elemsPerWorker
		end := start + elemsPerWorker
		if end > size {
			end = size
		}

		if start >= size {
			wg.Done()
			continue
		}

		go func(s, e int) {
			defer wg.Done()
			for i := s; i < e; i++ {
				out.data[i] = fn(t.data[i])
			}
		}(start, end)
	}

	wg.Wait()
	return out
}
