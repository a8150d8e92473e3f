package ident

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Generator produces unique record identifiers (settled amounts,
// settlements). Implemented by UUIDv7Generator in production and by
// FixedGenerator and SequentialGenerator in tests.
type Generator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 identifiers.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new UUIDv7 and returns it as a hyphenated string.
//
// Panics if UUID generation fails (should never happen in practice).
func (g UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// FixedGenerator returns predetermined identifiers in order.
//
// Thread-safety: FixedGenerator is safe for concurrent use via internal mutex.
type FixedGenerator struct {
	mu  sync.Mutex
	ids []string
	idx int
}

// NewFixedGenerator creates a generator that returns ids in order.
func NewFixedGenerator(ids ...string) *FixedGenerator {
	return &FixedGenerator{ids: ids}
}

// Generate returns the next predetermined id.
//
// Panics if all ids have been consumed, so a test that creates more
// records than it expected fails fast.
func (g *FixedGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.idx >= len(g.ids) {
		panic("FixedGenerator: all ids exhausted")
	}
	id := g.ids[g.idx]
	g.idx++
	return id
}

// SequentialGenerator returns prefix-0001, prefix-0002, ...
// Safe for concurrent use.
type SequentialGenerator struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequentialGenerator creates a sequential generator.
func NewSequentialGenerator(prefix string) *SequentialGenerator {
	return &SequentialGenerator{prefix: prefix}
}

// Generate returns the next id.
func (g *SequentialGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%04d", g.prefix, g.n)
}
