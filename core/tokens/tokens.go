// Package tokens issues command tokens and ids.
package tokens

import (
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
)

// Generator produces tokens of the form "<seed>::<n>". Tokens from one generator never repeat.
type Generator struct {
	seed    string
	counter atomic.Uint64
}

// NewGenerator creates a generator with a random seed.
func NewGenerator() *Generator {
	return &Generator{seed: uuid.NewString()}
}

// NewGeneratorWithSeed creates a generator with a fixed seed.
func NewGeneratorWithSeed(seed string) *Generator {
	return &Generator{seed: seed}
}

// NewToken returns the next token.
func (g *Generator) NewToken() string {
	n := g.counter.Add(1)
	return fmt.Sprintf("%s::%d", g.seed, n)
}

var defaultGenerator = NewGenerator()

// NewToken returns a token from the process-wide generator.
func NewToken() string {
	return defaultGenerator.NewToken()
}

// NewCommandID returns a fresh command id.
func NewCommandID() string {
	return uuid.NewString()
}

// Child derives the n-th child token of parent.
func Child(parent string, n uint64) string {
	return parent + "." + strconv.FormatUint(n, 10)
}
