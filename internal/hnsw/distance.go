package hnsw

import (
	"math"
	"runtime"
)

// norm returns the L2 norm of v.
func norm(v []float32) float32 {
	var sum float32
	for _, x := range v {
		sum += x * x
	}
	return float32(math.Sqrt(float64(sum)))
}

// CosineDistance returns 1 - cos(a, b). Zero-norm vectors are maximally
// distant from everything.
func CosineDistance(a, b []float32) float32 {
	na, nb := norm(a), norm(b)
	return cosineDistance(a, b, na, nb)
}

func cosineDistance(a, b []float32, na, nb float32) float32 {
	if na == 0 || nb == 0 {
		return 1
	}
	var dot float32
	for i := range a {
		dot += a[i] * b[i]
	}
	d := 1 - dot/(na*nb)
	if d < 0 {
		// Floating error can push cos slightly above 1.
		return 0
	}
	return d
}

// distance computes the cosine distance between the query and the node in
// slot, using precomputed norms. Caller holds at least the read lock.
func (ix *Index) distance(query []float32, qnorm float32, slot int32) float32 {
	n := ix.nodes[slot]
	ix.stats.distanceCalcs.Add(1)
	return cosineDistance(query, n.vec, qnorm, n.norm)
}

// maxParallelism bounds fan-out for parallel search.
func maxParallelism() int {
	n := runtime.NumCPU()
	if n < 2 {
		return 2
	}
	return n
}
