package hashing

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Pool bounds the number of concurrent Argon2 computations so bursts of
// registrations or logins cannot exhaust memory.
type Pool struct {
	hasher *Hasher
	sem    *semaphore.Weighted
}

func NewPool(hasher *Hasher, size int) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{hasher: hasher, sem: semaphore.NewWeighted(int64(size))}
}

func (p *Pool) HashPassword(ctx context.Context, password string) (string, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer p.sem.Release(1)
	return p.hasher.HashPassword(password)
}

func (p *Pool) VerifyPassword(ctx context.Context, password, encoded string) (bool, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return false, err
	}
	defer p.sem.Release(1)
	return p.hasher.VerifyPassword(password, encoded)
}

// Hasher exposes the underlying hasher for the cheap digest operations.
func (p *Pool) Hasher() *Hasher {
	return p.hasher
}
