package call

import (
	"context"
	"fmt"
	"time"

	"github.com/dkeye/CareCall/internal/domain"
)

// retryOnce runs fn and, on a store failure, once more after delay. The
// final error wraps kind so callers can match it with errors.Is.
func (s *Session) retryOnce(ctx context.Context, op string, kind error, fn func(context.Context) error) error {
	err := fn(ctx)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return domain.NewCallError(op, ctx.Err())
	}
	s.logger.Warn().Err(err).Str("op", op).Dur("delay", s.opts.RetryDelay).Msg("signaling op failed, retrying")

	t := time.NewTimer(s.opts.RetryDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return domain.NewCallError(op, ctx.Err())
	case <-t.C:
	}

	if err = fn(ctx); err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return domain.NewCallError(op, ctx.Err())
	}
	return domain.NewCallError(op, fmt.Errorf("%w: %v", kind, err))
}
