// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package segdata

import (
	"fmt"
	"math/rand"

	"github.com/pkg/errors"
)

// RandomSplit partitions the indices [0, n) into len(sizes) disjoint subsets of the given sizes.
//
// The indices are permuted with a generator seeded with seed, so the same seed always yields the
// same subsets. The sizes must be non-negative and sum to n. A size of 0 yields an empty subset,
// so RandomSplit(n, []int{n, 0}, 0) assigns every index to the first subset.
func RandomSplit(n int, sizes []int, seed int64) ([][]int, error) {
	total := 0
	for i, size := range sizes {
		if size < 0 {
			return nil, errors.Errorf("split size #%d is negative (%d)", i, size)
		}
		total += size
	}
	if total != n {
		return nil, errors.Errorf("sum of split sizes %v is %d, but it must equal the dataset length %d", sizes, total, n)
	}

	perm := rand.New(rand.NewSource(seed)).Perm(n)
	subsets := make([][]int, len(sizes))
	start := 0
	for i, size := range sizes {
		subsets[i] = perm[start : start+size : start+size]
		start += size
	}
	return subsets, nil
}

// Subset is a view of a Source restricted to (and ordered by) a list of indices.
type Subset struct {
	source  Source
	indices []int
	name    string
}

var _ Source = (*Subset)(nil)

// NewSubset returns a view of source with the given indices, which are validated against source.Len().
func NewSubset(source Source, indices []int) (*Subset, error) {
	for _, idx := range indices {
		if idx < 0 || idx >= source.Len() {
			return nil, errors.Errorf("subset index %d out of range for %q with %d samples", idx, source.Name(), source.Len())
		}
	}
	return &Subset{
		source:  source,
		indices: indices,
		name:    fmt.Sprintf("%s[%d]", source.Name(), len(indices)),
	}, nil
}

// Name implements Source.
func (s *Subset) Name() string { return s.name }

// Len implements Source.
func (s *Subset) Len() int { return len(s.indices) }

// Indices returns the indices of the underlying source, in the subset order.
func (s *Subset) Indices() []int { return s.indices }

// Sample implements Source.
func (s *Subset) Sample(index int) (*Sample, error) {
	if index < 0 || index >= len(s.indices) {
		return nil, errors.Errorf("sample index %d out of range for subset %q with %d samples", index, s.name, len(s.indices))
	}
	return s.source.Sample(s.indices[index])
}

// SplitSubsets applies RandomSplit to source and returns the subsets as Source views.
func SplitSubsets(source Source, sizes []int, seed int64) ([]*Subset, error) {
	parts, err := RandomSplit(source.Len(), sizes, seed)
	if err != nil {
		return nil, errors.WithMessagef(err, "splitting %q", source.Name())
	}
	subsets := make([]*Subset, len(parts))
	for i, indices := range parts {
		subsets[i], err = NewSubset(source, indices)
		if err != nil {
			return nil, err
		}
	}
	return subsets, nil
}
