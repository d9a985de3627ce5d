package coordinator

import (
	"context"

	"go.uber.org/zap"
)

// sweep enforces both timeout policies on a fixed cadence, independent of
// inbound traffic. It runs on the dispatch goroutine (driven by the Run
// ticker), so it can never race a reply for the same correlation id.
func (c *Coordinator) sweep(ctx context.Context) {
	now := c.now()

	// Generation joins past the context-request timeout are forcibly
	// completed with whatever they accumulated; an empty STM context is
	// better than an unbounded wait.
	var expiredGens []string
	for id, pg := range c.pendingGens {
		if now.Sub(pg.createdAt) > c.cfg.ContextRequestTimeout {
			expiredGens = append(expiredGens, id)
		}
	}
	for _, id := range expiredGens {
		pg := c.pendingGens[id]
		delete(c.pendingGens, id)
		c.log.Warn("context request timed out, generating without historical context",
			zap.String("correlation_id", id),
			zap.String("user_id", pg.userID))
		c.finishGeneration(ctx, id, pg)
	}

	// Limit checks past the auth timeout either continue as demo traffic or
	// are dropped, per configuration.
	var expiredLimits []string
	for id, pl := range c.pendingLimits {
		if now.Sub(pl.createdAt) > c.cfg.AuthCheckTimeout {
			expiredLimits = append(expiredLimits, id)
		}
	}
	for _, id := range expiredLimits {
		pl := c.pendingLimits[id]
		delete(c.pendingLimits, id)

		if c.cfg.AuthFallbackToDemo {
			c.log.Warn("limit check timed out, continuing as demo",
				zap.String("correlation_id", id),
				zap.String("user_id", pl.userID))
			c.continueTurn(ctx, pl)
		} else {
			c.log.Warn("limit check timed out, dropping turn",
				zap.String("correlation_id", id),
				zap.String("user_id", pl.userID))
		}
	}
}
