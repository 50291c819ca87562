package main

// ===========================================================================
// LATENT CACHE
// ===========================================================================
//
// Sampling the latent code is the expensive part of inference: a full beam
// or refinement pass through the latent decoder. Incremental decoding calls
// the forward pass repeatedly with the same inputs, so the sampled code is
// cached after the first call and re-embedded on the rest.
//
// A cache belongs to exactly one decoding session. It is not safe to share
// across concurrent sessions; create one per session and discard it when the
// session ends.

// LatentCache holds a sampled discrete latent code across incremental
// decoding calls.
type LatentCache struct {
	code *IntTensor // flat [batch, latentLen]
}

// NewLatentCache wraps a sampled flat code.
func NewLatentCache(code *IntTensor) *LatentCache {
	return &LatentCache{code: code}
}

// Code returns the cached flat code [batch, latentLen].
func (c *LatentCache) Code() *IntTensor {
	return c.code
}

// Batch returns the batch size the cache was sampled for.
func (c *LatentCache) Batch() int {
	return c.code.shape[0]
}

// LatentLen returns the cached code's latent length.
func (c *LatentCache) LatentLen() int {
	return c.code.shape[1]
}
