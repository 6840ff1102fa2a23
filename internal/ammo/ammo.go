// Package ammo selects request endpoints for a profiling session.
//
// Selection is driven by an explicitly seeded generator so that two
// sessions with the same seed send exactly the same request mix, which is
// what makes their profiles comparable.
package ammo

import (
	"errors"
	"fmt"
	"math/rand"
)

// Reference session constants.
const (
	// DefaultSeed seeds the generator when no seed is configured.
	DefaultSeed int64 = 123456789

	// DefaultBound is the exclusive upper bound of each draw. It is large
	// relative to any practical ammunition set to keep modulo bias small.
	DefaultBound = 1000
)

// DefaultEndpoints is the reference ammunition set.
var DefaultEndpoints = []string{
	"localhost:8080/api/v1/maps/map1",
	"localhost:8080/api/v1/maps",
}

// ErrEmptySet is returned when an ammunition set has no entries.
var ErrEmptySet = errors.New("ammunition set is empty")

// Set is an ordered, immutable list of endpoints.
type Set struct {
	endpoints []string
}

// NewSet creates a set from endpoints. The slice is copied.
func NewSet(endpoints []string) (Set, error) {
	if len(endpoints) == 0 {
		return Set{}, ErrEmptySet
	}
	for i, e := range endpoints {
		if e == "" {
			return Set{}, fmt.Errorf("ammunition entry %d is empty", i)
		}
	}

	copied := make([]string, len(endpoints))
	copy(copied, endpoints)
	return Set{endpoints: copied}, nil
}

// Len returns the number of endpoints.
func (s Set) Len() int {
	return len(s.endpoints)
}

// At returns the endpoint at index i.
func (s Set) At(i int) string {
	return s.endpoints[i]
}

// Endpoints returns a copy of the endpoints.
func (s Set) Endpoints() []string {
	out := make([]string, len(s.endpoints))
	copy(out, s.endpoints)
	return out
}

// Pick draws the next index from g and returns the endpoint it selects.
func (s Set) Pick(g *Generator) string {
	return s.endpoints[g.Next(len(s.endpoints))]
}

// Generator produces a reproducible sequence of ammunition indices.
// It is not safe for concurrent use; the load driver owns it.
type Generator struct {
	rng   *rand.Rand
	seed  int64
	bound int
}

// NewGenerator creates a generator seeded with seed that draws uniformly
// from [0, bound). A bound below 1 is replaced with DefaultBound.
func NewGenerator(seed int64, bound int) *Generator {
	if bound < 1 {
		bound = DefaultBound
	}
	return &Generator{
		rng:   rand.New(rand.NewSource(seed)),
		seed:  seed,
		bound: bound,
	}
}

// Next draws a value in [0, bound) and reduces it modulo setSize.
func (g *Generator) Next(setSize int) int {
	if setSize < 1 {
		panic("ammo: Next called with empty set")
	}
	return g.rng.Intn(g.bound) % setSize
}

// Seed returns the seed the generator was created with.
func (g *Generator) Seed() int64 {
	return g.seed
}

// Bound returns the exclusive upper bound of each draw.
func (g *Generator) Bound() int {
	return g.bound
}

// Sequence returns the first n indices a fresh generator with the given
// seed and bound produces for a set of setSize entries.
func Sequence(seed int64, bound, setSize, n int) []int {
	g := NewGenerator(seed, bound)
	seq := make([]int, n)
	for i := range seq {
		seq[i] = g.Next(setSize)
	}
	return seq
}
