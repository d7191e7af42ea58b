package execgraph

import (
	"fmt"
	"sync"

	"github.com/cuemby/streamforge/pkg/types"
)

// DefaultSplitAssigner hands out the splits produced by a vertex's
// InputSplitSource in order, without host-locality awareness. Vertices
// needing locality-aware assignment supply their own
// types.InputSplitAssigner instead.
type DefaultSplitAssigner struct {
	mu     sync.Mutex
	splits []types.InputSplit
	next   int
}

// NewDefaultSplitAssigner creates an assigner that hands out the splits in
// order, each one once.
func NewDefaultSplitAssigner(splits []types.InputSplit) *DefaultSplitAssigner {
	return &DefaultSplitAssigner{splits: splits}
}

// GetNextInputSplit implements types.InputSplitAssigner.
func (a *DefaultSplitAssigner) GetNextInputSplit(host string, taskID int) (types.InputSplit, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.next >= len(a.splits) {
		return nil, nil
	}
	split := a.splits[a.next]
	a.next++
	return split, nil
}

// buildSplitAssigner materializes a vertex's split source into an assigner,
// or nil if the vertex has no input splits.
func buildSplitAssigner(v *types.JobVertex) (types.InputSplitAssigner, error) {
	if v.SplitSource == nil {
		return nil, nil
	}
	splits, err := v.SplitSource.CreateInputSplits(v.Parallelism)
	if err != nil {
		return nil, fmt.Errorf("failed to create input splits for vertex %s: %w", types.ShortID(v.ID), err)
	}
	return NewDefaultSplitAssigner(splits), nil
}
