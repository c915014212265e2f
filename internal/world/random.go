package world

import (
	"hash/fnv"
	"math/rand"
)

// DeterministicSeedValue derives a stream seed from the world seed and a
// label, so every machine places the same things in the same spots.
func DeterministicSeedValue(rootSeed, label string) int64 {
	hasher := fnv.New64a()
	hasher.Write([]byte(rootSeed))
	hasher.Write([]byte{0})
	hasher.Write([]byte(label))
	sum := hasher.Sum64()
	if sum == 0 {
		sum = 1
	}
	return int64(sum)
}

func NewDeterministicRNG(rootSeed, label string) *rand.Rand {
	return rand.New(rand.NewSource(DeterministicSeedValue(rootSeed, label)))
}

func randomBetween(rng *rand.Rand, min, max float64) float64 {
	if max <= min {
		return min
	}
	return min + rng.Float64()*(max-min)
}
