package main

import (
	"math/rand/v2"
	"sync"
)

const (
	idAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	idLength   = 10
)

// IDGenerator produces ids for remote tilesets and tileset sources
type IDGenerator interface {
	NewID() string
}

type randomIDGenerator struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomIDGenerator returns a generator seeded from the runtime's random source
func NewRandomIDGenerator() IDGenerator {
	return &randomIDGenerator{rng: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))}
}

// NewSeededIDGenerator returns a deterministic generator
func NewSeededIDGenerator(seed uint64) IDGenerator {
	return &randomIDGenerator{rng: rand.New(rand.NewPCG(seed, seed))}
}

func (g *randomIDGenerator) NewID() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	b := make([]byte, idLength)
	for i := range b {
		b[i] = idAlphabet[g.rng.IntN(len(idAlphabet))]
	}
	return string(b)
}
