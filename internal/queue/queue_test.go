package queue

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestMemoryFIFO(t *testing.T) {
	ctx := context.Background()
	q := NewMemory()
	require.NoError(t, q.Push(ctx, "a", "b"))
	require.NoError(t, q.Push(ctx, "c"))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	for _, want := range []string{"a", "b", "c"} {
		got, err := q.Pop(ctx)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestMemoryPopBlocksUntilPush(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	q := NewMemory()

	done := make(chan string, 1)
	go func() {
		id, err := q.Pop(ctx)
		if err == nil {
			done <- id
		}
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, q.Push(ctx, "late"))
	select {
	case id := <-done:
		require.Equal(t, "late", id)
	case <-ctx.Done():
		t.Fatal("pop did not return")
	}
}

func TestMemoryPopHonorsContextAndClose(t *testing.T) {
	q := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Pop(ctx)
	require.ErrorIs(t, err, context.Canceled)

	require.NoError(t, q.Close())
	_, err = q.Pop(context.Background())
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, q.Push(context.Background(), "x"), ErrClosed)
}

// Runs only when PLEDGECACHE_TEST_REDIS points at a disposable Redis.
func TestRedisFIFO(t *testing.T) {
	addr := os.Getenv("PLEDGECACHE_TEST_REDIS")
	if addr == "" {
		t.Skip("PLEDGECACHE_TEST_REDIS not set")
	}
	ctx := context.Background()
	q, err := NewRedis(ctx, addr, "", 0, "pledgecache:test:"+uuid.NewString())
	require.NoError(t, err)
	defer q.Close()

	require.NoError(t, q.Push(ctx, "a", "b"))
	n, err := q.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	first, err := q.Pop(ctx)
	require.NoError(t, err)
	require.Equal(t, "a", first)
	second, err := q.Pop(ctx)
	require.NoError(t, err)
	require.Equal(t, "b", second)
}
