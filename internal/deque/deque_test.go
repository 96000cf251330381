package deque

// ============================================================================
// Deque Test File
// Purpose: Verify owner/thief semantics, bounds, concurrent exactly-once
// ============================================================================

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ints(n int) []*int {
	out := make([]*int, n)
	for i := range out {
		v := i
		out[i] = &v
	}
	return out
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

func TestNewRoundsCapacity(t *testing.T) {
	tests := []struct {
		name string
		in   int
		want int
	}{
		{"zero", 0, 2},
		{"one", 1, 2},
		{"exact", 8, 8},
		{"round up", 9, 16},
		{"large", 1000, 1024},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, New[int](tt.in).Cap())
		})
	}
}

func TestPopLocalIsLIFO(t *testing.T) {
	d := New[int](8)
	for _, v := range ints(3) {
		require.True(t, d.PushLocal(v))
	}
	assert.Equal(t, 3, d.Len())

	for want := 2; want >= 0; want-- {
		got, ok := d.PopLocal()
		require.True(t, ok)
		assert.Equal(t, want, *got)
	}
	_, ok := d.PopLocal()
	assert.False(t, ok)
	assert.Equal(t, 0, d.Len())
}

func TestStealIsFIFO(t *testing.T) {
	d := New[int](8)
	for _, v := range ints(3) {
		require.True(t, d.PushLocal(v))
	}

	for want := 0; want < 3; want++ {
		got, ok := d.Steal()
		require.True(t, ok)
		assert.Equal(t, want, *got)
	}
	_, ok := d.Steal()
	assert.False(t, ok)
}

func TestPushLocalFull(t *testing.T) {
	d := New[int](4)
	for _, v := range ints(4) {
		require.True(t, d.PushLocal(v))
	}
	extra := 99
	assert.False(t, d.PushLocal(&extra), "push into full deque must be rejected")
	assert.Equal(t, 4, d.Len())

	// Freeing one slot at the steal end makes room again
	_, ok := d.Steal()
	require.True(t, ok)
	assert.True(t, d.PushLocal(&extra))
}

func TestPushLocalNil(t *testing.T) {
	d := New[int](4)
	assert.False(t, d.PushLocal(nil))
	assert.Equal(t, 0, d.Len())
}

func TestWrapAround(t *testing.T) {
	d := New[int](4)
	seen := 0
	for round := 0; round < 10; round++ {
		for _, v := range ints(3) {
			require.True(t, d.PushLocal(v))
		}
		_, ok := d.Steal()
		require.True(t, ok)
		seen++
		seen += len(d.Drain())
	}
	assert.Equal(t, 30, seen)
	assert.Equal(t, 0, d.Len())
}

func TestDrain(t *testing.T) {
	d := New[int](8)
	for _, v := range ints(5) {
		d.PushLocal(v)
	}
	out := d.Drain()
	require.Len(t, out, 5)
	assert.Equal(t, 4, *out[0])
	assert.Equal(t, 0, *out[4])
	assert.Empty(t, d.Drain())
}

// ============================================================================
// Concurrency Tests
// ============================================================================

// TestConcurrentPopAndSteal checks that every pushed item is returned exactly
// once while one owner and several thieves race on the same deque.
func TestConcurrentPopAndSteal(t *testing.T) {
	const (
		total   = 20000
		thieves = 4
	)
	d := New[int](64)
	items := ints(total)

	var counts [total]atomic.Int32
	var done atomic.Bool
	var wg sync.WaitGroup

	for i := 0; i < thieves; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if v, ok := d.Steal(); ok {
					counts[*v].Add(1)
					continue
				}
				if done.Load() && d.Len() == 0 {
					return
				}
				runtime.Gosched()
			}
		}()
	}

	// Owner: push everything, popping some along the way
	for i := 0; i < total; {
		if d.PushLocal(items[i]) {
			i++
			if i%3 == 0 {
				if v, ok := d.PopLocal(); ok {
					counts[*v].Add(1)
				}
			}
			continue
		}
		if v, ok := d.PopLocal(); ok {
			counts[*v].Add(1)
		}
	}
	for {
		v, ok := d.PopLocal()
		if !ok {
			break
		}
		counts[*v].Add(1)
	}
	done.Store(true)
	wg.Wait()

	for i := range counts {
		require.Equal(t, int32(1), counts[i].Load(), "item %d", i)
	}
}
