package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benchwork/benchwork/pkg/core"
)

func TestTailer_ReadsBacklogThenNewEvents(t *testing.T) {
	b, st := newTestBus(t)
	ctx := context.Background()

	var published []int64
	for i := 0; i < 3; i++ {
		e := core.NewLogEvent("run-1", "unit-1", core.LevelInfo, "test", "line")
		require.NoError(t, b.Publish(ctx, e))
		published = append(published, e.Sequence)
	}

	tail := NewTailer(st, 0, core.EventFilter{}, 10*time.Millisecond)

	batch, err := tail.Next(ctx)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	for i, e := range batch {
		assert.Equal(t, published[i], e.Sequence)
	}
	assert.Equal(t, published[2], tail.Cursor())

	late := core.NewLogEvent("run-1", "unit-1", core.LevelInfo, "test", "late")
	require.NoError(t, b.Publish(ctx, late))

	batch, err = tail.Next(ctx)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, late.Sequence, batch[0].Sequence)
	assert.Equal(t, late.Sequence, tail.Cursor())
}

func TestTailer_NextHonorsContext(t *testing.T) {
	_, st := newTestBus(t)

	tail := NewTailer(st, 0, core.EventFilter{}, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := tail.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTailer_FilterNarrowsResults(t *testing.T) {
	b, st := newTestBus(t)
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, core.NewLogEvent("run-1", "unit-a", core.LevelInfo, "test", "a")))
	costEvent := core.NewCostEvent("run-1", "unit-b", core.CostPayload{USD: 0.02})
	require.NoError(t, b.Publish(ctx, costEvent))

	tail := NewTailer(st, 0, core.EventFilter{Types: []core.EventType{core.EventCost}}, 10*time.Millisecond)

	batch, err := tail.Next(ctx)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, costEvent.Sequence, batch[0].Sequence)
}
