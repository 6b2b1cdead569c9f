package engine

import (
	"context"

	"github.com/google/uuid"

	"postbridge/internal/source"
	logx "postbridge/pkg/logx"
)

// suppressBacklog absorbs the posts that already exist on first run so they
// do not flood the channel. It is skipped when the ledger already has history
// (a restart must deliver what was posted while the bridge was down). When
// the fetch fails, startup stays incomplete and the next tick retries it.
func (e *Engine) suppressBacklog(runCtx, ioCtx context.Context) {
	if e.startupDone {
		return
	}
	log := e.log.With(logx.String("phase", "startup"), logx.String("mode", string(e.cfg.StartupMode)))
	if n := e.deps.Ledger.Len(); n > 0 {
		log.Info("ledger has history; backlog suppression skipped", logx.Int("ledger_size", n))
		e.completeStartup()
		return
	}
	if e.author == nil {
		return
	}

	// The window never shrinks below a regular poll so the first tick cannot
	// surface posts older than what was absorbed here.
	window := e.cfg.StartupWindow
	if window < e.cfg.MaxItems {
		window = e.cfg.MaxItems
	}
	batch, err := e.deps.Source.FetchRecent(runCtx, e.author.ID, window)
	if err != nil {
		if fetchPolicy(err) == invalidateAuthor {
			e.setAuthor(nil)
		}
		log.Warn("backlog fetch failed; will retry on next tick", logx.Err(err))
		return
	}

	items := e.pending(batch.Items) // oldest-first
	announce := 0
	if e.cfg.StartupMode == StartupAnnounce {
		announce = e.cfg.AnnounceCount
		if announce > len(items) {
			announce = len(items)
		}
	}
	silent, loud := items[:len(items)-announce], items[len(items)-announce:]

	for _, it := range silent {
		e.markDelivered(ioCtx, log, it.ID)
	}
	log.Info("backlog marked delivered without sending", logx.Int("count", len(silent)))

	if len(loud) > 0 {
		e.announce(runCtx, ioCtx, log, loud, batch.Media)
	}
	e.completeStartup()
}

// announce sends the newest backlog items labeled as an initial check. A
// retryable failure stops the batch; the rest goes out through normal polling.
func (e *Engine) announce(runCtx, ioCtx context.Context, log logx.Logger, items []source.Item, media source.MediaIndex) {
	tickID := uuid.NewString()
	sent := 0
	for i, it := range items {
		if e.stopping() {
			break
		}
		if i > 0 {
			e.pause(runCtx, e.cfg.DeliveryPause)
			if e.stopping() {
				break
			}
		}
		act, out := e.deliverItem(ioCtx, tickID, log, it, media, AnnounceLabel)
		if act == retryLater {
			log.Warn("initial check interrupted by destination", logx.String("item", it.ID), logx.Err(out.Err))
			break
		}
		sent++
	}
	log.Info("initial check sent", logx.Int("count", sent), logx.Int("planned", len(items)))
}

func (e *Engine) completeStartup() {
	e.startupDone = true
	e.mu.Lock()
	e.status.StartupComplete = true
	e.mu.Unlock()
}
