// Package pool is a bounded pool of exclusive connection leases for one data
// source.
//
// A Pool owns at most MaxTotal physical connections. Each Acquire returns a
// *Lease that grants exclusive use of one connection until Release. Idle
// connections are reused most-recently-used first; borrowers that find no idle
// connection and no free capacity wait in FIFO order, and a released
// connection is handed directly to the oldest waiter.
//
// Validation is lazy: a reused connection is probed with PingContext on
// acquire unless it was used within ValidationBypass. A connection that fails
// validation, exceeds MaxLifetime or was invalidated by its borrower is
// discarded; its close runs asynchronously and the freed slot is given to the
// next waiter, which then creates a replacement.
//
// Background maintenance is not started by the pool. The owner calls Sweep
// periodically (the registry schedules it) to retire idle connections, report
// suspected leaks and top the pool up to MinIdle.
//
// Shutdown fails all waiters with shared.ErrPoolClosed, closes idle
// connections and waits for outstanding leases up to the drain bound. Leases
// still held after the bound are revoked and closed, and Shutdown returns an
// error wrapping shared.ErrForcedShutdown.
package pool
