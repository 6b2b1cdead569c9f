// Package engine runs the synchronization loop: resolve the account, absorb
// the first-run backlog, then poll, filter, order and deliver new items,
// recording each one in the ledger.
//
// One Engine processes ticks sequentially on the goroutine that calls Run.
// RequestShutdown may be called from any goroutine; it is observed between
// item deliveries and within about a second during sleeps.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"postbridge/internal/eventbus"
	"postbridge/internal/render"
	"postbridge/internal/sink"
	"postbridge/internal/source"
	"postbridge/internal/storage"
	logx "postbridge/pkg/logx"
)

// Defaults applied by New for zero values.
const (
	DefaultMaxItems        = 10
	DefaultDeliveryPause   = 2 * time.Second
	DefaultRetryPause      = 5 * time.Second
	DefaultMaxRetryWait    = time.Minute
	DefaultErrorCooldown   = 5 * time.Minute
	DefaultStartupWindow   = 5
	DefaultAnnounceCount   = 3
	DefaultInitAttempts    = 3
	DefaultInitPause       = 2 * time.Minute
	DefaultDeliveryTimeout = 30 * time.Second
)

// ErrStartup is returned by Run when the account could not be resolved.
var ErrStartup = errors.New("engine: startup failed")

type Config struct {
	Handle   string
	MaxItems int
	// Schedule yields tick start times; nil means every 5 minutes.
	Schedule cron.Schedule

	DeliveryPause   time.Duration
	RetryPause      time.Duration
	MaxRetryWait    time.Duration
	ErrorCooldown   time.Duration
	DeliveryTimeout time.Duration

	StartupMode   StartupMode
	StartupWindow int
	AnnounceCount int
	InitAttempts  int
	InitPause     time.Duration

	NotifyStartup  bool
	NotifyShutdown bool
}

// Source is the upstream client (see source.Client).
type Source interface {
	FetchAuthor(ctx context.Context, handle string) (source.Author, error)
	FetchRecent(ctx context.Context, authorID string, maxCount int) (source.Batch, error)
	Budget() source.RateBudget
}

// Renderer turns items into payloads (see render.Renderer).
type Renderer interface {
	Item(it source.Item, author source.Author, media source.MediaIndex, label string) (render.Payload, error)
	Status(title, detail string) render.Payload
}

type Deps struct {
	Source   Source
	Ledger   storage.Ledger
	Renderer Renderer
	Sink     sink.Sink
	Bus      eventbus.Bus
	Log      logx.Logger

	// Heartbeat, when set, is called after every tick and sleep step
	// (systemd watchdog).
	Heartbeat func()

	// Sleep and Now replace the wall clock in tests.
	Sleep func(ctx context.Context, d time.Duration)
	Now   func() time.Time
}

// Status is a point-in-time view for the ops endpoint.
type Status struct {
	State           string            `json:"state"`
	Handle          string            `json:"handle"`
	AuthorID        string            `json:"author_id,omitempty"`
	StartupComplete bool              `json:"startup_complete"`
	Ticks           uint64            `json:"ticks"`
	TickFailures    uint64            `json:"tick_failures"`
	Delivered       uint64            `json:"delivered"`
	Failed          uint64            `json:"failed"`
	LastTickID      string            `json:"last_tick_id,omitempty"`
	LastTickAt      time.Time         `json:"last_tick_at,omitempty"`
	NextTickAt      time.Time         `json:"next_tick_at,omitempty"`
	LastError       string            `json:"last_error,omitempty"`
	LedgerSize      int               `json:"ledger_size"`
	Budget          source.RateBudget `json:"rate_budget"`
}

type Engine struct {
	cfg  Config
	deps Deps
	log  logx.Logger

	state    atomic.Int32
	started  atomic.Bool
	shutdown atomic.Bool

	// cancelRun aborts waits and source calls once shutdown is requested.
	cancelMu  sync.Mutex
	cancelRun context.CancelFunc

	drainOnce sync.Once

	// Owned by the Run goroutine.
	author      *source.Author
	startupDone bool

	mu     sync.Mutex
	status Status
}

func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Source == nil || deps.Ledger == nil || deps.Renderer == nil || deps.Sink == nil {
		return nil, errors.New("engine: source, ledger, renderer and sink are required")
	}
	cfg.Handle = strings.TrimPrefix(strings.TrimSpace(cfg.Handle), "@")
	if cfg.Handle == "" {
		return nil, errors.New("engine: handle is required")
	}
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = DefaultMaxItems
	}
	if cfg.Schedule == nil {
		cfg.Schedule = cron.Every(5 * time.Minute)
	}
	if cfg.DeliveryPause < 0 {
		cfg.DeliveryPause = 0
	} else if cfg.DeliveryPause == 0 {
		cfg.DeliveryPause = DefaultDeliveryPause
	}
	if cfg.RetryPause <= 0 {
		cfg.RetryPause = DefaultRetryPause
	}
	if cfg.MaxRetryWait <= 0 {
		cfg.MaxRetryWait = DefaultMaxRetryWait
	}
	if cfg.ErrorCooldown <= 0 {
		cfg.ErrorCooldown = DefaultErrorCooldown
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = DefaultDeliveryTimeout
	}
	switch cfg.StartupMode {
	case "":
		cfg.StartupMode = StartupSilent
	case StartupSilent, StartupAnnounce:
	default:
		return nil, fmt.Errorf("engine: unknown startup mode %q", cfg.StartupMode)
	}
	if cfg.StartupWindow <= 0 {
		cfg.StartupWindow = DefaultStartupWindow
	}
	if cfg.AnnounceCount <= 0 {
		cfg.AnnounceCount = DefaultAnnounceCount
	}
	if cfg.InitAttempts <= 0 {
		cfg.InitAttempts = DefaultInitAttempts
	}
	if cfg.InitPause <= 0 {
		cfg.InitPause = DefaultInitPause
	}

	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.New()
	}
	if deps.Sleep == nil {
		deps.Sleep = sleepCtx
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	e := &Engine{
		cfg:  cfg,
		deps: deps,
		log:  deps.Log.With(logx.String("comp", "engine"), logx.String("handle", cfg.Handle)),
	}
	e.status.State = Uninitialized.String()
	e.status.Handle = cfg.Handle
	return e, nil
}

// State returns the current lifecycle state.
func (e *Engine) State() State { return State(e.state.Load()) }

// Status returns a snapshot for observers.
func (e *Engine) Status() Status {
	e.mu.Lock()
	st := e.status
	e.mu.Unlock()
	st.State = e.State().String()
	st.LedgerSize = e.deps.Ledger.Len()
	st.Budget = e.deps.Source.Budget()
	return st
}

// RequestShutdown asks Run to drain and stop. It never blocks and may be
// called more than once.
func (e *Engine) RequestShutdown() {
	if e.shutdown.Swap(true) {
		return
	}
	e.log.Info("shutdown requested")
	e.cancelMu.Lock()
	if e.cancelRun != nil {
		e.cancelRun()
	}
	e.cancelMu.Unlock()
}

func (e *Engine) stopping() bool { return e.shutdown.Load() }

// Run drives the engine until shutdown. Cancelling ctx is a shutdown request;
// work already in flight still completes. Run returns an error wrapping
// ErrStartup when the account cannot be resolved, nil otherwise.
func (e *Engine) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if e.started.Swap(true) {
		return errors.New("engine: Run called twice")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.cancelMu.Lock()
	e.cancelRun = cancel
	e.cancelMu.Unlock()
	if e.stopping() {
		cancel()
	}
	stopWatch := context.AfterFunc(ctx, e.RequestShutdown)
	defer stopWatch()

	// In-flight deliveries and the final notification outlive runCtx.
	ioCtx := context.WithoutCancel(ctx)

	e.setState(Initializing)
	if err := e.initialize(runCtx); err != nil {
		if e.stopping() && !errors.Is(err, source.ErrAuth) {
			e.drain(ioCtx)
			return nil
		}
		e.setLastError(err)
		e.log.Error("cannot resolve account; stopping", logx.Err(err))
		e.setState(Stopped)
		return fmt.Errorf("%w: %v", ErrStartup, err)
	}

	if !e.stopping() {
		e.setState(StartupSuppression)
		e.suppressBacklog(runCtx, ioCtx)
	}

	if !e.stopping() {
		e.setState(Polling)
		if e.cfg.NotifyStartup {
			e.notify(ioCtx, "Bridge started", "Watching @"+e.cfg.Handle+" for new posts.")
		}
	}

	for {
		// AfterFunc delivers ctx cancellation asynchronously; observe it here too.
		if ctx.Err() != nil {
			e.RequestShutdown()
		}
		if e.stopping() {
			break
		}
		start := e.deps.Now()
		next := e.cfg.Schedule.Next(start)
		wait := e.safeTick(runCtx, ioCtx)
		if wait <= 0 {
			wait = next.Sub(e.deps.Now())
		}
		e.mu.Lock()
		e.status.NextTickAt = e.deps.Now().Add(wait)
		e.mu.Unlock()
		e.pause(runCtx, wait)
	}

	e.drain(ioCtx)
	return nil
}

// initialize resolves the author, retrying up to InitAttempts times.
// Authentication failures end the attempts immediately.
func (e *Engine) initialize(ctx context.Context) error {
	var last error
	for attempt := 1; attempt <= e.cfg.InitAttempts; attempt++ {
		if e.stopping() {
			return context.Canceled
		}
		a, err := e.deps.Source.FetchAuthor(ctx, e.cfg.Handle)
		if err == nil {
			e.setAuthor(&a)
			e.log.Info("account resolved", logx.String("author_id", a.ID), logx.String("name", a.DisplayName))
			return nil
		}
		last = err
		if errors.Is(err, source.ErrAuth) {
			return err
		}
		if attempt < e.cfg.InitAttempts {
			e.log.Warn("account lookup failed; will retry",
				logx.Int("attempt", attempt),
				logx.Int("max_attempts", e.cfg.InitAttempts),
				logx.Duration("pause", e.cfg.InitPause),
				logx.Err(err),
			)
			e.pause(ctx, e.cfg.InitPause)
		}
	}
	return last
}

// drain runs once: Draining, best-effort shutdown notification, Stopped.
func (e *Engine) drain(ioCtx context.Context) {
	e.drainOnce.Do(func() {
		e.setState(Draining)
		if e.cfg.NotifyShutdown {
			e.notify(ioCtx, "Bridge stopped", "No new posts from @"+e.cfg.Handle+" will be forwarded until it restarts.")
		}
		e.setState(Stopped)
	})
}

// notify sends a status payload; failures are logged and ignored.
func (e *Engine) notify(ioCtx context.Context, title, detail string) {
	ctx, cancel := context.WithTimeout(ioCtx, e.cfg.DeliveryTimeout)
	defer cancel()
	res := e.deps.Sink.Deliver(ctx, e.deps.Renderer.Status(title, detail))
	if res.Outcome != sink.Success {
		e.log.Warn("status notification not delivered",
			logx.String("title", title),
			logx.String("outcome", res.Outcome.String()),
			logx.Err(res.Err),
		)
		return
	}
	e.log.Debug("status notification sent", logx.String("title", title))
}

// pause sleeps d in steps of at most one second, returning early once a
// shutdown is requested.
func (e *Engine) pause(ctx context.Context, d time.Duration) {
	for d > 0 && !e.stopping() && ctx.Err() == nil {
		step := d
		if step > time.Second {
			step = time.Second
		}
		e.deps.Sleep(ctx, step)
		d -= step
		e.beat()
	}
}

func (e *Engine) beat() {
	if e.deps.Heartbeat != nil {
		e.deps.Heartbeat()
	}
}

func (e *Engine) setState(s State) {
	from := State(e.state.Swap(int32(s)))
	if from == s {
		return
	}
	e.log.Info("state changed", logx.String("from", from.String()), logx.String("to", s.String()))
	e.deps.Bus.Publish(eventbus.Event{
		Type: eventbus.TypeEngineState,
		Data: eventbus.StateChange{From: from.String(), To: s.String()},
	})
}

func (e *Engine) setAuthor(a *source.Author) {
	e.author = a
	e.mu.Lock()
	if a != nil {
		e.status.AuthorID = a.ID
	} else {
		e.status.AuthorID = ""
	}
	e.mu.Unlock()
}

func (e *Engine) setLastError(err error) {
	e.mu.Lock()
	if err != nil {
		e.status.LastError = err.Error()
	} else {
		e.status.LastError = ""
	}
	e.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
