package dummytemperature

import (
	"math/rand/v2"
	"sync"
)

// noise produces normally distributed values around a mean.
type noise struct {
	mean   float64
	stdDev float64

	mu  sync.Mutex
	rng *rand.Rand
}

// newNoise returns a producer seeded with seed, or randomly if seed is 0.
func newNoise(mean, stdDev float64, seed uint64) *noise {
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &noise{
		mean:   mean,
		stdDev: stdDev,
		rng:    rand.New(rand.NewPCG(seed, seed>>1)),
	}
}

func (n *noise) next() float64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.mean + n.stdDev*n.rng.NormFloat64()
}
