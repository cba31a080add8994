// Package knowledge answers user questions from configured knowledge bases.
package knowledge

import (
	"context"
	"errors"
	"fmt"
)

// ErrLookup marks answer lookups that failed at the transport or service
// layer. Callers test with errors.Is.
var ErrLookup = errors.New("knowledge lookup failed")

// Answer is one scored knowledge-base answer. Scores are on a 0..1 scale
// regardless of the backing provider.
type Answer struct {
	Text      string
	Score     float64
	ID        int
	Source    string
	Questions []string
}

// Provider answers questions from one knowledge base.
type Provider interface {
	// GenerateAnswer returns candidate answers for question, best first.
	// An empty slice means the base holds no suitable answer.
	GenerateAnswer(ctx context.Context, question string) ([]Answer, error)
	// Name identifies the provider kind in logs and probes.
	Name() string
}

// wrapLookup marks err as a lookup failure while keeping the cause chain.
func wrapLookup(name string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrLookup, name, err)
}
