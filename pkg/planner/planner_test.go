package planner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRatioPlanner_SplitsByConfiguredRates(t *testing.T) {
	p := NewRatioPlanner(70, 30)

	out, err := p.Plan(context.Background(), ModelParams{}, MachineParams{}, []GroupLoad{
		{GroupID: 1, PrefillNodeCount: 5, DecodeNodeCount: 5},
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, 1, out[0].GroupID)
	require.Equal(t, 7, out[0].Prefill)
	require.Equal(t, 3, out[0].Decode)
}

func TestRatioPlanner_RemainderGoesToPrefill(t *testing.T) {
	p := NewRatioPlanner(50, 40)

	out, err := p.Plan(context.Background(), ModelParams{}, MachineParams{}, []GroupLoad{
		{GroupID: 2, PrefillNodeCount: 5, DecodeNodeCount: 5},
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, 6, out[0].Prefill)
	require.Equal(t, 4, out[0].Decode)
	require.Equal(t, 10, out[0].Prefill+out[0].Decode)
}

func TestRatioPlanner_SkipsEmptyGroups(t *testing.T) {
	p := NewRatioPlanner(50, 50)

	out, err := p.Plan(context.Background(), ModelParams{}, MachineParams{}, []GroupLoad{
		{GroupID: 3},
	})
	require.NoError(t, err)
	require.Empty(t, out)
}
