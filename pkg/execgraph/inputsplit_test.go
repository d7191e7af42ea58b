package execgraph

import (
	"fmt"
	"testing"

	"github.com/cuemby/streamforge/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type intSplit int

func (s intSplit) SplitNumber() int { return int(s) }

type fakeSplitSource struct {
	splits []types.InputSplit
	err    error
}

func (s *fakeSplitSource) CreateInputSplits(minNumSplits int) ([]types.InputSplit, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.splits, nil
}

func TestDefaultSplitAssignerInOrderUntilExhausted(t *testing.T) {
	splits := []types.InputSplit{intSplit(0), intSplit(1)}
	a := NewDefaultSplitAssigner(splits)

	s1, err := a.GetNextInputSplit("host-a", 0)
	require.NoError(t, err)
	assert.Equal(t, intSplit(0), s1)

	s2, err := a.GetNextInputSplit("host-a", 0)
	require.NoError(t, err)
	assert.Equal(t, intSplit(1), s2)

	s3, err := a.GetNextInputSplit("host-a", 0)
	require.NoError(t, err)
	assert.Nil(t, s3, "exhausted assigner returns nil, nil")
}

func TestBuildSplitAssignerNilSource(t *testing.T) {
	v := &types.JobVertex{ID: types.NewID(), Parallelism: 1}
	assigner, err := buildSplitAssigner(v)
	require.NoError(t, err)
	assert.Nil(t, assigner)
}

func TestBuildSplitAssignerPropagatesSourceError(t *testing.T) {
	v := &types.JobVertex{ID: types.NewID(), Parallelism: 1, SplitSource: &fakeSplitSource{err: fmt.Errorf("boom")}}
	_, err := buildSplitAssigner(v)
	assert.Error(t, err)
}

func TestRequestNextInputSplitUnknownVertex(t *testing.T) {
	g := New(types.NewID(), "job", &types.CodeContext{}, nil)
	_, err := g.RequestNextInputSplit(types.NewID(), types.NewID())
	assert.Error(t, err)
}

func TestRequestNextInputSplitNoSplitSource(t *testing.T) {
	g, v := singleVertexGraph(t, 1)
	attempt := v.CurrentAttempts()[0]
	split, err := g.RequestNextInputSplit(v.ID, attempt.AttemptID)
	require.NoError(t, err)
	assert.Nil(t, split)
}
