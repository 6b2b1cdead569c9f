// Package app wires the bridge together: config, logging, ledger, source
// client, renderer, sink and engine, plus the optional metrics, ops server and
// systemd integration, all running under one supervisor.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"postbridge/internal/config"
	"postbridge/internal/engine"
	"postbridge/internal/eventbus"
	"postbridge/internal/metrics"
	"postbridge/internal/observability/ops"
	"postbridge/internal/render"
	rtsup "postbridge/internal/runtime/supervisor"
	"postbridge/internal/source"
	"postbridge/internal/storage"
	logx "postbridge/pkg/logx"
)

// ErrConfig marks failures to load or map the configuration.
var ErrConfig = errors.New("invalid configuration")

type App struct {
	cfgm *config.Manager
	cfg  *config.Config

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	ledger  storage.Ledger
	engine  *engine.Engine
	metrics *metrics.Metrics
	ops     *ops.Service
	sd      *sdNotifier
	sup     *rtsup.Supervisor
}

// New loads the config at cfgPath (a missing file means environment only)
// and builds every component. Nothing runs until Run.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, warnings, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	logs, root := logx.New(mapLogging(cfg))
	log := root.With(logx.String("comp", "app"))
	for _, w := range warnings {
		log.Warn("config warning", logx.String("warning", w))
	}
	if !cfgm.FileFound() {
		log.Info("config file not found; using environment", logx.String("path", cfgPath))
	}
	cfgm.SetLogger(root.With(logx.String("comp", "config")))

	a, err := build(cfg, logs, root)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	a.cfgm = cfgm
	return a, nil
}

func build(cfg *config.Config, logs *logx.Service, root logx.Logger) (*App, error) {
	stc, err := mapStorage(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	srcCfg, err := mapSource(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	engCfg, err := mapEngine(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	snk, err := newSink(cfg, root.With(logx.String("comp", "sink")))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	ledger, err := storage.Open(stc, root.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()
	sd := newSDNotifier(root.With(logx.String("comp", "systemd")))
	srcCfg.Sleep = sd.Sleep
	eng, err := engine.New(engCfg, engine.Deps{
		Source:    source.New(srcCfg, root.With(logx.String("comp", "source"))),
		Ledger:    ledger,
		Renderer:  render.New(mapRender(cfg)),
		Sink:      snk,
		Bus:       bus,
		Log:       root,
		Heartbeat: sd.Heartbeat,
	})
	if err != nil {
		_ = ledger.Close()
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	log := root.With(logx.String("comp", "app"))
	log.Info("bridge configured",
		logx.String("handle", engCfg.Handle),
		logx.String("destination", snk.Name()),
		logx.String("ledger", stc.Driver),
		logx.String("ledger_path", stc.Path),
		logx.Int("ledger_items", ledger.Len()),
		logx.String("startup_mode", string(engCfg.StartupMode)),
	)

	a := &App{
		cfg:     cfg,
		log:     log,
		logs:    logs,
		bus:     bus,
		ledger:  ledger,
		engine:  eng,
		metrics: metrics.New(bus),
		sd:      sd,
	}
	a.ops = ops.New(ops.Probes{
		Metrics: a.metrics.Handler(),
		Engine:  eng.Status,
		Tasks:   a.tasks,
	}, root)
	return a, nil
}

func (a *App) tasks() rtsup.Snapshot { return a.sup.Snapshot() }

// RequestShutdown starts a graceful drain. Safe from any goroutine, including
// a signal handler, and safe to call more than once.
func (a *App) RequestShutdown() { a.engine.RequestShutdown() }

// Run blocks until the engine stops. It returns engine.ErrStartup when the
// account could not be resolved, or the first supervised task failure.
func (a *App) Run(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.sup.GoRestart("metrics", func(c context.Context) error { return a.metrics.Run(c, a.bus) })
	a.sup.GoRestart("systemd", func(c context.Context) error { return a.sd.Run(c, a.bus) })
	a.ops.Reconfigure(runCtx, mapOps(a.cfg))

	if a.cfgm != nil && a.cfgm.FileFound() {
		sub := a.cfgm.Subscribe(4)
		a.sup.Go("config.reload", func(c context.Context) error {
			defer a.cfgm.Unsubscribe(sub)
			a.reloadLoop(c, sub)
			return nil
		})
		a.sup.GoRestart("config.watch", a.cfgm.Watch)
	}

	a.log.Info("bridge started")
	runErr := a.engine.Run(runCtx)

	a.stop()
	if runErr != nil {
		return runErr
	}
	if err := a.sup.Err(); err != nil {
		return err
	}
	return nil
}

// stop releases everything after the engine returned.
func (a *App) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a.ops.Stop(ctx)
	if err := a.sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		a.log.Warn("supervised tasks ended with error", logx.Err(err))
	}
	if err := a.ledger.Close(); err != nil {
		a.log.Warn("ledger close failed", logx.Err(err))
	}
	a.log.Info("bridge stopped", logx.Uint64("events_dropped", a.bus.Dropped()))
	_ = a.logs.Close()
}

// reloadLoop applies live sections of each validated config update; the rest
// only take effect after a restart.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	last := a.cfg
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					drained = true
				}
			}
			a.applyConfig(ctx, last, next)
			last = next
		}
	}
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	changed, fields := config.SummarizeChange(prev, next)
	if len(changed) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	var pending []string
	for _, s := range changed {
		switch s {
		case "logging":
			a.logs.Apply(mapLogging(next))
		case "ops":
			a.ops.Reconfigure(ctx, mapOps(next))
		default:
			if !config.LiveSections[s] {
				pending = append(pending, s)
			}
		}
	}

	fields = append([]logx.Field{logx.String("changed", strings.Join(changed, ","))}, fields...)
	a.log.Info("config reloaded", fields...)
	if len(pending) > 0 {
		a.log.Warn("config sections changed; restart required to apply", logx.Strs("sections", pending))
	}
}
