package turnbus

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatlog/internal/record"
	"chatlog/internal/turn"
)

func TestBusDeliversTurns(t *testing.T) {
	var mu sync.Mutex
	var got []string
	release := make(chan struct{})
	slow := turn.SinkFunc(func(_ context.Context, tr record.Turn) error {
		<-release
		mu.Lock()
		got = append(got, tr.ID)
		mu.Unlock()
		return nil
	})

	bus := New(slow, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, bus.Start(ctx))

	// the sink is blocked, so these only return if Emit never waits on delivery
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, bus.Emit(ctx, record.Turn{ID: id, AssistantText: "x"}))
	}
	close(release)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	sort.Strings(got)
	assert.Equal(t, []string{"a", "b", "c"}, got)
	mu.Unlock()

	require.NoError(t, bus.Close())
}

func TestBusStartTwice(t *testing.T) {
	bus := New(turn.SinkFunc(func(context.Context, record.Turn) error { return nil }), 0)
	ctx := context.Background()
	require.NoError(t, bus.Start(ctx))
	assert.Error(t, bus.Start(ctx))
	require.NoError(t, bus.Close())
}
