package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"time"

	"github.com/google/uuid"

	"postbridge/internal/eventbus"
	"postbridge/internal/sink"
	"postbridge/internal/source"
	logx "postbridge/pkg/logx"
)

// safeTick runs one tick and converts panics into tick failures. It returns a
// non-zero wait when the next tick must be delayed by the error cooldown.
func (e *Engine) safeTick(runCtx, ioCtx context.Context) (wait time.Duration) {
	tickID := uuid.NewString()
	log := e.log.With(logx.String("tick", tickID))
	started := e.deps.Now()

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("tick panic: %v", r)
			log.Error("tick panicked", logx.Err(err), logx.String("stack", string(debug.Stack())))
			e.finishTick(log, eventbus.TickResult{TickID: tickID, Reason: "panic"}, started, err)
			wait = e.cfg.ErrorCooldown
		}
		e.beat()
	}()

	res, err := e.tick(runCtx, ioCtx, tickID, log)
	e.finishTick(log, res, started, err)
	if err != nil {
		return e.cfg.ErrorCooldown
	}
	return 0
}

func (e *Engine) tick(runCtx, ioCtx context.Context, tickID string, log logx.Logger) (eventbus.TickResult, error) {
	res := eventbus.TickResult{TickID: tickID}

	if e.author == nil {
		a, err := e.deps.Source.FetchAuthor(runCtx, e.cfg.Handle)
		if err != nil {
			if fetchPolicy(err) == cooldown {
				return res, err
			}
			res.Reason = "author_unavailable"
			log.Warn("account still unresolved; skipping tick", logx.Err(err))
			return res, nil
		}
		e.setAuthor(&a)
		log.Info("account re-resolved", logx.String("author_id", a.ID))
	}

	if !e.startupDone {
		e.suppressBacklog(runCtx, ioCtx)
		res.Reason = "startup_suppression"
		return res, nil
	}

	batch, err := e.deps.Source.FetchRecent(runCtx, e.author.ID, e.cfg.MaxItems)
	if err != nil {
		switch act := fetchPolicy(err); act {
		case skipTick:
			res.Reason = "fetch_skipped"
			log.Warn("fetch failed; skipping tick", logx.String("action", act.String()), logx.Err(err))
			return res, nil
		case invalidateAuthor:
			e.setAuthor(nil)
			res.Reason = "author_invalidated"
			log.Warn("fetch rejected; account will be resolved again", logx.Err(err))
			return res, nil
		default:
			return res, err
		}
	}
	res.Fetched = len(batch.Items)

	pending := e.pending(batch.Items)
	if len(pending) == 0 {
		log.Debug("no new items", logx.Int("fetched", res.Fetched))
		return res, nil
	}
	log.Info("new items found", logx.Int("count", len(pending)))

	for i, it := range pending {
		if e.stopping() {
			break
		}
		if i > 0 {
			e.pause(runCtx, e.cfg.DeliveryPause)
			if e.stopping() {
				break
			}
		}
		act, out := e.deliverItem(ioCtx, tickID, log, it, batch.Media, "")
		if act == retryLater {
			res.Retrying = len(pending) - i
			wait := retryWait(e.cfg.RetryPause, out.RetryAfter, e.cfg.MaxRetryWait)
			log.Warn("destination asked to retry; remaining items wait for next tick",
				logx.String("item", it.ID),
				logx.Int("remaining", res.Retrying),
				logx.Duration("pause", wait),
				logx.Err(out.Err),
			)
			e.pause(runCtx, wait)
			break
		}
		if out.Outcome == sink.Success {
			res.Delivered++
		}
	}
	return res, nil
}

// pending keeps new original items and orders them oldest-first. The source
// lists newest-first, so the batch is reversed and then stably sorted by
// creation time where both timestamps are known.
func (e *Engine) pending(items []source.Item) []source.Item {
	out := make([]source.Item, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for i := len(items) - 1; i >= 0; i-- {
		it := items[i]
		if it.ID == "" || !source.IsOriginal(it) || e.deps.Ledger.IsDelivered(it.ID) {
			continue
		}
		if _, dup := seen[it.ID]; dup {
			continue
		}
		seen[it.ID] = struct{}{}
		out = append(out, it)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].CreatedAt, out[j].CreatedAt
		if a.IsZero() || b.IsZero() {
			return false
		}
		return a.Before(b)
	})
	return out
}

// deliverItem renders and sends one item, then applies the delivery policy.
func (e *Engine) deliverItem(ioCtx context.Context, tickID string, log logx.Logger, it source.Item, media source.MediaIndex, label string) (deliveryAction, sink.Result) {
	log = log.With(logx.String("item", it.ID))

	payload, err := e.deps.Renderer.Item(it, *e.author, media, label)
	if err != nil {
		log.Error("item cannot be rendered; marking delivered", logx.Err(err))
		e.markDelivered(ioCtx, log, it.ID)
		e.recordDelivery(tickID, it.ID, "render_error", 0)
		return markDelivered, sink.Result{Outcome: sink.Fatal, Err: err}
	}

	ctx, cancel := context.WithTimeout(ioCtx, e.cfg.DeliveryTimeout)
	out := e.deps.Sink.Deliver(ctx, payload)
	cancel()

	act := deliveryPolicy(out.Outcome)
	switch out.Outcome {
	case sink.Success:
		log.Info("item delivered", logx.String("sink", e.deps.Sink.Name()))
	case sink.Fatal:
		log.Error("destination rejected item; marking delivered",
			logx.Int("status", out.Status),
			logx.Err(out.Err),
		)
	}
	if act == markDelivered {
		e.markDelivered(ioCtx, log, it.ID)
	}
	e.recordDelivery(tickID, it.ID, out.Outcome.String(), out.Status)
	return act, out
}

func (e *Engine) markDelivered(ioCtx context.Context, log logx.Logger, id string) {
	if err := e.deps.Ledger.MarkDelivered(ioCtx, id); err != nil {
		// The id stays in memory; only a restart can resend it.
		log.Error("ledger write failed; continuing", logx.Err(err))
		e.deps.Bus.Publish(eventbus.Event{Type: eventbus.TypeLedgerError, Data: err.Error()})
	}
}

func (e *Engine) recordDelivery(tickID, itemID, outcome string, status int) {
	typ := eventbus.TypeItemFailed
	e.mu.Lock()
	if outcome == sink.Success.String() {
		typ = eventbus.TypeItemDelivered
		e.status.Delivered++
	} else {
		e.status.Failed++
	}
	e.mu.Unlock()
	e.deps.Bus.Publish(eventbus.Event{
		Type: typ,
		Data: eventbus.Delivery{TickID: tickID, ItemID: itemID, Outcome: outcome, Status: status},
	})
}

func (e *Engine) finishTick(log logx.Logger, res eventbus.TickResult, started time.Time, err error) {
	now := e.deps.Now()
	res.Duration = now.Sub(started)
	res.LedgerSize = e.deps.Ledger.Len()
	res.QuotaRemaining = -1
	if b := e.deps.Source.Budget(); b.Known {
		res.QuotaRemaining = b.Remaining
	}

	e.mu.Lock()
	e.status.Ticks++
	e.status.LastTickID = res.TickID
	e.status.LastTickAt = now
	e.status.StartupComplete = e.startupDone
	if err != nil {
		e.status.TickFailures++
		e.status.LastError = err.Error()
	}
	e.mu.Unlock()

	if err != nil {
		if res.Reason == "" {
			res.Reason = "error"
		}
		log.Error("tick failed; cooling down", logx.Duration("cooldown", e.cfg.ErrorCooldown), logx.Err(err))
		e.deps.Bus.Publish(eventbus.Event{Type: eventbus.TypeTickFailed, Data: res})
		return
	}
	log.Debug("tick done",
		logx.Int("fetched", res.Fetched),
		logx.Int("delivered", res.Delivered),
		logx.Int("retrying", res.Retrying),
		logx.String("reason", res.Reason),
		logx.Int("quota_remaining", res.QuotaRemaining),
		logx.Duration("took", res.Duration),
	)
	e.deps.Bus.Publish(eventbus.Event{Type: eventbus.TypeTickDone, Data: res})
}
