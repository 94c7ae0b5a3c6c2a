package enrich

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoalescerCollapsesBurst(t *testing.T) {
	c := NewCoalescer(30 * time.Millisecond)
	var writes, last atomic.Int32

	for i := 1; i <= 10; i++ {
		n := int32(i)
		c.Schedule("acvp", func(context.Context) error {
			writes.Add(1)
			last.Store(n)
			return nil
		})
	}
	assert.Equal(t, 1, c.Pending())

	require.Eventually(t, func() bool { return writes.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(1), writes.Load())
	assert.Equal(t, int32(10), last.Load())
	assert.Equal(t, 0, c.Pending())
}

func TestCoalescerKeysAreIndependent(t *testing.T) {
	c := NewCoalescer(20 * time.Millisecond)
	var a, b atomic.Int32
	c.Schedule("a", func(context.Context) error { a.Add(1); return nil })
	c.Schedule("b", func(context.Context) error { b.Add(1); return nil })

	require.Eventually(t, func() bool { return a.Load() == 1 && b.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestCoalescerSerialisesWritesPerKey(t *testing.T) {
	c := NewCoalescer(time.Millisecond)
	var running, overlaps, done atomic.Int32

	write := func(context.Context) error {
		if running.Add(1) > 1 {
			overlaps.Add(1)
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		done.Add(1)
		return nil
	}
	c.Schedule("acvp", write)
	time.Sleep(5 * time.Millisecond) // first write is now running
	c.Schedule("acvp", write)

	require.Eventually(t, func() bool { return done.Load() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), overlaps.Load())
}

func TestCoalescerFlush(t *testing.T) {
	c := NewCoalescer(time.Hour)
	var writes atomic.Int32
	c.Schedule("a", func(context.Context) error { writes.Add(1); return nil })
	c.Schedule("b", func(context.Context) error { return errors.New("disk full") })

	err := c.Flush(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, int32(1), writes.Load())
	assert.Equal(t, 0, c.Pending())

	require.NoError(t, c.Flush(context.Background()))
}
