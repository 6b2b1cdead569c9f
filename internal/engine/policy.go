package engine

import (
	"context"
	"errors"
	"time"

	"postbridge/internal/sink"
	"postbridge/internal/source"
)

type fetchAction int

const (
	// skipTick: the failure is expected to heal by itself; try again next tick.
	skipTick fetchAction = iota
	// invalidateAuthor: the cached identity is suspect; resolve it again next tick.
	invalidateAuthor
	// cooldown: unknown failure; back off for the error cooldown.
	cooldown
)

func (a fetchAction) String() string {
	switch a {
	case skipTick:
		return "skip_tick"
	case invalidateAuthor:
		return "invalidate_author"
	default:
		return "cooldown"
	}
}

// fetchPolicy decides how a failed source call affects the poll loop.
func fetchPolicy(err error) fetchAction {
	switch {
	case errors.Is(err, source.ErrQuotaExhausted),
		errors.Is(err, source.ErrTransient),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return skipTick
	case errors.Is(err, source.ErrAuth), errors.Is(err, source.ErrNotFound):
		return invalidateAuthor
	default:
		return cooldown
	}
}

type deliveryAction int

const (
	// markDelivered records the item so it is never sent again. Fatal
	// rejections take this path too; resending them would loop forever.
	markDelivered deliveryAction = iota
	// retryLater leaves the item unmarked and ends the tick.
	retryLater
)

func deliveryPolicy(o sink.Outcome) deliveryAction {
	if o == sink.Retryable {
		return retryLater
	}
	return markDelivered
}

// retryWait is max(pause, hint) capped at limit.
func retryWait(pause, hint, limit time.Duration) time.Duration {
	w := pause
	if hint > w {
		w = hint
	}
	if limit > 0 && w > limit {
		w = limit
	}
	return w
}
