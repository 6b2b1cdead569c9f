package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"postbridge/internal/engine"
	"postbridge/internal/eventbus"
	logx "postbridge/pkg/logx"
)

// sdNotifier reports readiness and liveness to systemd. Outside a unit
// (no NOTIFY_SOCKET) every call is a no-op.
type sdNotifier struct {
	log    logx.Logger
	notify func(state string) (bool, error)

	// interval is half of WATCHDOG_USEC; zero disables pings.
	interval time.Duration
	// extend is the start timeout requested on each heartbeat until READY;
	// zero disables it.
	extend time.Duration
	// step bounds each wait in Sleep.
	step time.Duration

	mu         sync.Mutex
	ready      bool
	lastPing   time.Time
	lastExtend time.Time
	now        func() time.Time
}

const (
	startupExtend = 30 * time.Second
	sleepStep     = time.Second
)

func newSDNotifier(log logx.Logger) *sdNotifier {
	n := &sdNotifier{
		log:    log,
		notify: func(state string) (bool, error) { return daemon.SdNotify(false, state) },
		extend: startupExtend,
		step:   sleepStep,
		now:    time.Now,
	}
	if iv, err := daemon.SdWatchdogEnabled(false); err != nil {
		log.Warn("systemd watchdog config invalid", logx.Err(err))
	} else if iv > 0 {
		n.interval = iv / 2
		log.Info("systemd watchdog enabled", logx.Duration("ping_every", n.interval))
	}
	return n
}

func (n *sdNotifier) send(state string) {
	sent, err := n.notify(state)
	if err != nil {
		n.log.Warn("systemd notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		n.log.Debug("systemd notified", logx.String("state", state))
	}
}

// Heartbeat pings the watchdog at most once per interval. Until READY it
// also extends the start timeout.
func (n *sdNotifier) Heartbeat() {
	now := n.now()
	n.mu.Lock()
	ping := n.interval > 0 && now.Sub(n.lastPing) >= n.interval
	if ping {
		n.lastPing = now
	}
	extend := n.extend > 0 && !n.ready && now.Sub(n.lastExtend) >= n.extend/3
	if extend {
		n.lastExtend = now
	}
	n.mu.Unlock()
	if ping {
		n.send(daemon.SdNotifyWatchdog)
	}
	if extend {
		n.send(fmt.Sprintf("EXTEND_TIMEOUT_USEC=%d", n.extend.Microseconds()))
	}
}

// Sleep waits d in steps of at most n.step, calling Heartbeat after each.
// It returns ctx.Err() when ctx ends first.
func (n *sdNotifier) Sleep(ctx context.Context, d time.Duration) error {
	step := n.step
	if step <= 0 {
		step = sleepStep
	}
	for d > 0 {
		s := min(d, step)
		t := time.NewTimer(s)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		d -= s
		n.Heartbeat()
	}
	return ctx.Err()
}

func (n *sdNotifier) markReady() {
	n.mu.Lock()
	n.ready = true
	n.mu.Unlock()
	n.send(daemon.SdNotifyReady)
}

// Run maps engine state changes to systemd states until ctx is done. Entering
// Initializing requests a start timeout extension right away.
func (n *sdNotifier) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsubscribe := bus.Subscribe(16)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if ev.Type != eventbus.TypeEngineState {
				continue
			}
			sc, _ := ev.Data.(eventbus.StateChange)
			switch sc.To {
			case engine.Initializing.String():
				n.Heartbeat()
			case engine.Polling.String():
				n.markReady()
			case engine.Draining.String():
				n.send(daemon.SdNotifyStopping)
			}
		}
	}
}
