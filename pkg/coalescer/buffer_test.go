package coalescer

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBufferDetachDoesNotAlias(t *testing.T) {
	var b buffer[int]
	b.append(1)
	b.append(2)
	first := b.detach()
	assert.Equal(t, []int{1, 2}, first)
	assert.Zero(t, b.len())
	assert.Nil(t, b.detach(), "an empty buffer detaches to nothing")

	b.append(3)
	second := b.detach()
	first[0] = 99
	assert.Equal(t, []int{3}, second)
}

func TestBufferObserverTracksLength(t *testing.T) {
	var seen []int
	b := buffer[int]{observe: func(n int) { seen = append(seen, n) }}
	b.append(1)
	b.append(2)
	b.detach()
	b.append(3)
	assert.Equal(t, []int{1, 2, 0, 1}, seen)
}

func TestBufferObserverSettlesOnFinalLength(t *testing.T) {
	var gauge atomic.Int64
	b := buffer[int]{observe: func(n int) { gauge.Store(int64(n)) }}

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				b.append(i)
			}
		}()
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				b.detach()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(b.len()), gauge.Load())

	b.detach()
	assert.Zero(t, gauge.Load())
}
