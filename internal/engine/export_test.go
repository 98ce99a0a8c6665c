package engine

import (
	"context"
	"time"
)

func (e *Engine) SetSources(seed, roundID func() (string, error)) {
	e.newSeed = seed
	e.newRoundID = roundID
}

func (e *Engine) SetClock(now func() time.Time) { e.now = now }

func (e *Engine) Advance(ctx context.Context) { e.advance(ctx) }

func (e *Engine) Watchdog(ctx context.Context) { e.watchdog(ctx) }
