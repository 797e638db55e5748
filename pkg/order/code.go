package order

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
)

const (
	MinPickupCodeLength = 4
	MaxPickupCodeLength = 5

	// maxCodeDraws bounds collision retries; codes only need to be unique
	// among a restaurant's outstanding orders.
	maxCodeDraws = 32
)

// CodeGenerator draws numeric pickup codes of a fixed length, uniformly
// from [10^(n-1), 10^n) so the code never starts with zero.
type CodeGenerator struct {
	length int
	rand   io.Reader
}

func NewCodeGenerator(length int) (*CodeGenerator, error) {
	if length < MinPickupCodeLength || length > MaxPickupCodeLength {
		return nil, fmt.Errorf("pickup code length %d out of range %d..%d",
			length, MinPickupCodeLength, MaxPickupCodeLength)
	}
	return &CodeGenerator{length: length, rand: rand.Reader}, nil
}

func (g *CodeGenerator) Length() int {
	return g.length
}

func (g *CodeGenerator) draw() (string, error) {
	low := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(g.length-1)), nil)
	span := new(big.Int).Sub(new(big.Int).Mul(low, big.NewInt(10)), low)

	n, err := rand.Int(g.rand, span)
	if err != nil {
		return "", fmt.Errorf("draw pickup code: %w", err)
	}
	return n.Add(n, low).String(), nil
}

// Generate returns a code not present in taken when one can be found within
// a bounded number of draws. If every draw collides the last draw is
// returned with unique=false.
func (g *CodeGenerator) Generate(taken map[string]struct{}) (code string, unique bool, err error) {
	for i := 0; i < maxCodeDraws; i++ {
		code, err = g.draw()
		if err != nil {
			return "", false, err
		}
		if _, clash := taken[code]; !clash {
			return code, true, nil
		}
	}
	return code, false, nil
}
