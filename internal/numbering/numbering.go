// Package numbering allocates human readable NCR numbers.
package numbering

import (
	"context"
	"fmt"
)

const (
	KindSequence = "sequence"
	KindCount    = "count"
)

// Counter is the store surface the allocators need.
type Counter interface {
	CountNCRs(ctx context.Context) (int, error)
	NextNCRSequence(ctx context.Context) (int64, error)
}

// Allocator produces the next sequence value for a new NCR.
type Allocator interface {
	Allocate(ctx context.Context, c Counter) (int64, error)
}

// CountAllocator numbers a record as count+1. Two concurrent callers can read
// the same count, so it relies on the store's unique constraint to catch
// duplicates. Deleted records also free their number for reuse.
type CountAllocator struct{}

func (CountAllocator) Allocate(ctx context.Context, c Counter) (int64, error) {
	n, err := c.CountNCRs(ctx)
	if err != nil {
		return 0, fmt.Errorf("count ncrs: %w", err)
	}
	return int64(n) + 1, nil
}

// SequenceAllocator draws from a dedicated counter that the store increments
// atomically. Values are never handed out twice.
type SequenceAllocator struct{}

func (SequenceAllocator) Allocate(ctx context.Context, c Counter) (int64, error) {
	n, err := c.NextNCRSequence(ctx)
	if err != nil {
		return 0, fmt.Errorf("next ncr sequence: %w", err)
	}
	return n, nil
}

// New returns the allocator for kind; empty selects the sequence allocator.
func New(kind string) (Allocator, error) {
	switch kind {
	case "", KindSequence:
		return SequenceAllocator{}, nil
	case KindCount:
		return CountAllocator{}, nil
	default:
		return nil, fmt.Errorf("unknown allocator %q", kind)
	}
}

// Format renders a sequence value as NCR-0001.
func Format(seq int64) string {
	return fmt.Sprintf("NCR-%04d", seq)
}

// Parse extracts the sequence value from a formatted number.
func Parse(number string) (int64, error) {
	var n int64
	if _, err := fmt.Sscanf(number, "NCR-%d", &n); err != nil {
		return 0, fmt.Errorf("invalid ncr number %q", number)
	}
	return n, nil
}
