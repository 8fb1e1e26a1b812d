package economy

import (
	"context"
	"time"
)

// Tick performs one simulated transfer. The sender is any wallet other
// than Koi, Alice and the Millionaire. Half the time it pays the
// Millionaire; otherwise it pays a random ordinary wallet other than
// itself. The amount is 0.1% to 1% of the sender's balance.
func (e *Economy) Tick() {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := len(e.wallets)

	from := 2 + e.rng.IntN(n-3)
	if from >= MillionaireIndex {
		from++
	}

	to := MillionaireIndex
	if e.rng.Float64() >= 0.5 {
		to = 2 + e.rng.IntN(n-4)
		if to >= min(MillionaireIndex, from) {
			to++
		}
		if to >= max(MillionaireIndex, from) {
			to++
		}
	}

	pct := 0.001 + e.rng.Float64()*0.009
	balance := e.wallets[from].Balance
	if balance <= 0 {
		return
	}
	if err := e.send(from, to, balance*pct); err != nil {
		e.logger.Debug("simulated transfer rejected",
			"from", e.wallets[from].Name,
			"to", e.wallets[to].Name,
			"error", err,
		)
		return
	}
	e.checkMillionaire()
}

// Run calls Tick every interval until ctx is cancelled.
func (e *Economy) Run(ctx context.Context, interval time.Duration) error {
	ticker := e.clock.NewTicker(interval)
	defer ticker.Stop()

	e.logger.Info("economy simulation started", "interval", interval, "wallets", len(e.wallets))
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("economy simulation stopped")
			return nil
		case <-ticker.C:
			e.Tick()
		}
	}
}
