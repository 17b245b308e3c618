package threat

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Pool bounds how many record chunks are matched at once across all resolvers.
// It is sized independently of the per-resolver subtask pool.
type Pool struct {
	sem  *semaphore.Weighted
	size int
}

func NewPool(size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size)), size: size}
}

func (p *Pool) Size() int {
	return p.size
}

func (p *Pool) acquire(ctx context.Context) error {
	return p.sem.Acquire(ctx, 1)
}

func (p *Pool) release() {
	p.sem.Release(1)
}
