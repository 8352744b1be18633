package pending

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFinishResolvesMatchingResult(t *testing.T) {
	g := NewRegistry[string]()
	a := g.Start(1)
	b := g.Start(2)

	require.NoError(t, g.Finish(2, "two"))
	require.NoError(t, g.Finish(1, "one"))

	got, err := a.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "one", got)

	got, err = b.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "two", got)
	assert.Zero(t, g.Len())
}

func TestFinishUnknownTag(t *testing.T) {
	g := NewRegistry[int]()
	assert.ErrorIs(t, g.Finish(7, 1), ErrUnknownTag)
}

func TestFinishTwice(t *testing.T) {
	g := NewRegistry[int]()
	g.Start(3)
	require.NoError(t, g.Finish(3, 1))
	assert.ErrorIs(t, g.Finish(3, 2), ErrUnknownTag)
}

func TestFail(t *testing.T) {
	g := NewRegistry[int]()
	r := g.Start(1)
	boom := errors.New("boom")
	require.NoError(t, g.Fail(1, boom))

	_, err := r.Wait(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestStartDuplicateTagFails(t *testing.T) {
	g := NewRegistry[int]()
	g.Start(1)
	r := g.Start(1)
	_, err := r.Wait(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 1, g.Len())
}

func TestWaitHonoursContext(t *testing.T) {
	g := NewRegistry[int]()
	r := g.Start(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := r.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The registration survives the caller giving up.
	assert.NoError(t, g.Finish(1, 5))
}

func TestAbandon(t *testing.T) {
	g := NewRegistry[int]()
	results := []*Result[int]{g.Start(1), g.Start(2), g.Start(3)}
	closed := errors.New("connection closed")

	g.Abandon(closed)
	for _, r := range results {
		_, err := r.Wait(context.Background())
		assert.ErrorIs(t, err, closed)
	}
	assert.Zero(t, g.Len())

	late := g.Start(4)
	select {
	case <-late.Done():
	default:
		t.Fatal("result started after Abandon should already be resolved")
	}
	_, err := late.Wait(context.Background())
	assert.ErrorIs(t, err, closed)
}

func TestConcurrentStartFinish(t *testing.T) {
	g := NewRegistry[uint32]()
	const n = 200

	results := make([]*Result[uint32], n)
	for i := range results {
		results[i] = g.Start(uint32(i))
	}

	var wg sync.WaitGroup
	for i := n - 1; i >= 0; i-- {
		wg.Go(func() {
			assert.NoError(t, g.Finish(uint32(i), uint32(i)*10))
		})
	}
	wg.Wait()

	for i, r := range results {
		got, err := r.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, uint32(i)*10, got)
	}
}
