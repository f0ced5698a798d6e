// Package parallel splits index ranges across goroutines for the CPU kernels.
package parallel

import (
	"runtime"
	"sync"
)

// Config controls how kernels fan out.
type Config struct {
	Enabled      bool // Spawn goroutines at all.
	NumWorkers   int  // Upper bound on goroutines per call.
	MinChunkSize int  // Fewest indices handed to one goroutine.
}

// DefaultConfig uses one worker per CPU.
func DefaultConfig() Config {
	n := runtime.NumCPU()
	return Config{
		Enabled:      n > 1,
		NumWorkers:   n,
		MinChunkSize: 64,
	}
}

// Sequential returns a configuration that never spawns goroutines.
func Sequential() Config {
	return Config{Enabled: false, NumWorkers: 1, MinChunkSize: 1}
}

// WithWorkers returns a copy of c using n workers. Values below 2 disable
// parallel execution. Kernels that do heavy work per index, such as one
// (batch, channel) plane of a convolution, lower MinChunkSize with it.
func (c Config) WithWorkers(n, minChunk int) Config {
	if n < 2 {
		return Sequential()
	}
	c.Enabled = true
	c.NumWorkers = n
	c.MinChunkSize = max(minChunk, 1)
	return c
}

// Grain returns a copy of c whose chunks hold at least n indices. Cheap
// per-index kernels raise the grain so that goroutine startup stays small
// next to the work.
func (c Config) Grain(n int) Config {
	c.MinChunkSize = max(c.MinChunkSize, n)
	return c
}

// chunk returns the range size For hands to one goroutine, or n when the
// range runs inline.
func (c Config) chunk(n int) int {
	if !c.Enabled || c.NumWorkers < 2 || n < 2*max(c.MinChunkSize, 1) {
		return n
	}
	return max((n+c.NumWorkers-1)/c.NumWorkers, c.MinChunkSize)
}

// For calls f on disjoint subranges [start, end) that together cover
// [0, n). Subranges run concurrently; For returns when all are done.
func For(n int, f func(start, end int), cfg Config) {
	if n <= 0 {
		return
	}
	size := cfg.chunk(n)
	if size >= n {
		f(0, n)
		return
	}

	var wg sync.WaitGroup
	for start := 0; start < n; start += size {
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			f(s, e)
		}(start, min(start+size, n))
	}
	wg.Wait()
}

// ForBatch calls f(b, c) for every b < batch and c < channels, the
// iteration pattern of convolution planes.
func ForBatch(batch, channels int, f func(b, c int), cfg Config) {
	For(batch*channels, func(start, end int) {
		for k := start; k < end; k++ {
			f(k/channels, k%channels)
		}
	}, cfg)
}
