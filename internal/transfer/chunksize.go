package transfer

import (
	"sync"
	"time"
)

// Chunk size ladder. Higher observed throughput selects a larger chunk.
const (
	MinChunkSize = 128 * 1024
	MaxChunkSize = 1024 * 1024

	chunk256K = 256 * 1024
	chunk512K = 512 * 1024

	// adaptInterval throttles recomputation so concurrent transfers don't
	// make the shared size oscillate.
	adaptInterval = 2 * time.Second
)

// ChunkSizer holds the single chunk size shared by all concurrent transfers
// in the process, recomputed from the most recently observed aggregate
// throughput at most once per adaptInterval.
type ChunkSizer struct {
	mu        sync.Mutex
	size      int
	lastAdapt time.Time

	now func() time.Time
}

// NewChunkSizer starts at the smallest ladder step.
func NewChunkSizer() *ChunkSizer {
	return &ChunkSizer{
		size: MinChunkSize,
		now:  time.Now,
	}
}

// Size returns the current shared chunk size.
func (c *ChunkSizer) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.size
}

// Adapt recomputes the shared size from speedBps and returns the value in
// effect. Calls inside the throttling window leave the size unchanged.
func (c *ChunkSizer) Adapt(speedBps float64) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.now().Sub(c.lastAdapt) < adaptInterval {
		return c.size
	}

	switch {
	case speedBps > 10*1024*1024:
		c.size = MaxChunkSize
	case speedBps > 5*1024*1024:
		c.size = chunk512K
	case speedBps > 1*1024*1024:
		c.size = chunk256K
	default:
		c.size = MinChunkSize
	}

	c.lastAdapt = c.now()

	return c.size
}
