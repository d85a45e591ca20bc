package browser

import (
	"context"
	"time"
)

// waitFor runs the dispatch loop one iteration at a time until pred holds.
// A positive timeout bounds the wait; expiry reports false without error.
// An already satisfied predicate returns without touching the loop.
func (b *Browser) waitFor(ctx context.Context, timeout time.Duration, pred func() bool) (bool, error) {
	if pred() {
		return true, nil
	}
	var deadline time.Time
	if timeout > 0 {
		deadline = b.clock.Now().Add(timeout)
	}
	for !pred() {
		if err := b.LoopOnce(ctx); err != nil {
			return pred(), err
		}
		if timeout > 0 && !b.clock.Now().Before(deadline) {
			return pred(), nil
		}
	}
	return true, nil
}
