package pool

import (
	"context"
	"log/slog"
	"time"

	"datacore/internal/events"
)

// SweepResult summarizes one maintenance pass.
type SweepResult struct {
	Retired      int
	LeaksFlagged int
	Created      int
	Failed       int
}

type leakReport struct {
	id     string
	connID string
	held   time.Duration
}

// Sweep runs one maintenance pass at now. It retires idle connections past
// IdleTimeout while keeping MinIdle of them, retires idle connections past
// MaxLifetime, reports leases held longer than LeakThreshold once per lease
// and opens connections until MinIdle are idle.
func (p *Pool[T]) Sweep(ctx context.Context, now time.Time) SweepResult {
	var res SweepResult

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return res
	}

	var retire []*conn[T]
	kept := make([]*conn[T], 0, len(p.idle))
	for i, c := range p.idle {
		remaining := len(p.idle) - i + len(kept)
		switch {
		case p.expired(c, now):
			retire = append(retire, c)
		case p.cfg.IdleTimeout > 0 && now.Sub(c.lastUsed) >= p.cfg.IdleTimeout && remaining > p.cfg.MinIdle:
			retire = append(retire, c)
		default:
			kept = append(kept, c)
		}
	}
	p.idle = kept
	p.total -= len(retire)
	p.stats.discarded += uint64(len(retire))

	var leaks []leakReport
	if p.cfg.LeakThreshold > 0 {
		for l := range p.leased {
			held := now.Sub(l.start)
			if held >= p.cfg.LeakThreshold && !l.leakReported {
				l.leakReported = true
				leaks = append(leaks, leakReport{id: l.id.String(), connID: l.c.id.String(), held: held})
			}
		}
		p.stats.leaks += uint64(len(leaks))
	}

	deficit := 0
	if len(p.waiters) == 0 {
		deficit = min(p.cfg.MinIdle-len(p.idle), p.cfg.MaxTotal-p.total)
	}
	if deficit > 0 {
		p.total += deficit
	} else {
		deficit = 0
	}
	p.mu.Unlock()

	for _, c := range retire {
		p.closeAsync(c)
		p.sink.Emit(ctx, events.Event{
			Kind:       events.ConnectionDiscarded,
			DataSource: p.cfg.Name,
			Level:      slog.LevelDebug,
			Message:    "idle connection retired",
			Attrs:      []slog.Attr{slog.String("conn_id", c.id.String())},
		})
	}
	res.Retired = len(retire)

	for _, lk := range leaks {
		p.sink.Emit(ctx, events.Event{
			Kind:       events.LeakSuspected,
			DataSource: p.cfg.Name,
			Level:      slog.LevelWarn,
			Message:    "connection lease held past leak threshold",
			Attrs: []slog.Attr{
				slog.String("lease_id", lk.id),
				slog.String("conn_id", lk.connID),
				slog.Duration("held", lk.held),
			},
		})
	}
	res.LeaksFlagged = len(leaks)

	for i := 0; i < deficit; i++ {
		cctx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
		c, err := p.create(cctx)
		cancel()
		if err != nil {
			res.Failed++
			p.releaseSlot()
			continue
		}
		res.Created++
		p.putBack(c)
	}
	return res
}
