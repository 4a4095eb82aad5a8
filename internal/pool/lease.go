package pool

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type leaseState int

const (
	leaseActive leaseState = iota
	leaseReleased
	leaseRevoked
)

// Lease is exclusive use of one pooled connection. It must be released
// exactly once.
type Lease[T Resource] struct {
	pool  *Pool[T]
	c     *conn[T]
	id    uuid.UUID
	start time.Time

	invalid      atomic.Bool
	state        leaseState // guarded by pool.mu
	leakReported bool       // guarded by pool.mu
}

// ID identifies this lease.
func (l *Lease[T]) ID() uuid.UUID { return l.id }

// ConnID identifies the physical connection. It is stable across leases of
// the same connection.
func (l *Lease[T]) ConnID() uuid.UUID { return l.c.id }

// Conn returns the leased connection.
func (l *Lease[T]) Conn() T { return l.c.res }

// Created is when the physical connection was opened.
func (l *Lease[T]) Created() time.Time { return l.c.created }

// LeasedAt is when this lease started.
func (l *Lease[T]) LeasedAt() time.Time { return l.start }

// Invalidate marks the connection broken; it is discarded on release.
func (l *Lease[T]) Invalidate() { l.invalid.Store(true) }

func (l *Lease[T]) valid() bool { return !l.invalid.Load() }

// Release returns the lease to its pool.
func (l *Lease[T]) Release() error { return l.pool.Release(l) }
