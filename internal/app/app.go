// Package app wires the dispatch core together: config, logging, event
// bus, stores, providers, dispatcher, scheduler and the JSON API.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"notifyd/internal/cache"
	"notifyd/internal/config"
	"notifyd/internal/dispatch"
	"notifyd/internal/eventbus"
	"notifyd/internal/httpapi"
	"notifyd/internal/notify"
	"notifyd/internal/observability/pprof"
	"notifyd/internal/prefs"
	"notifyd/internal/provider/email"
	"notifyd/internal/provider/inapp"
	"notifyd/internal/provider/push"
	"notifyd/internal/provider/sms"
	"notifyd/internal/provider/webhook"
	"notifyd/internal/runtime/supervisor"
	"notifyd/internal/scheduler"
	"notifyd/internal/storage"
	"notifyd/internal/template"
	logx "notifyd/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	db        *storage.DB
	prefStore prefs.Store
	tplStore  template.Store

	providers  []notify.Provider
	dispatcher *dispatch.Service
	sched      *scheduler.Service
	api        *httpapi.Server
	pprof      *pprof.Service
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg.Logging))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	// High-severity log records surface on the bus so operators can
	// subscribe to them next to delivery failures.
	logSvc.SetAlertSink(func(level, msg string) {
		bus.Publish(eventbus.Event{
			Type: eventbus.TypeLogAlert,
			Time: time.Now(),
			Data: map[string]string{"level": level, "msg": msg},
		})
	})

	db, err := storage.Open(cfg.Storage, logSvc.Logger().With(logx.String("comp", "storage")))
	if err != nil {
		logSvc.Close()
		return nil, err
	}

	var (
		prefStore prefs.Store
		tplStore  template.Store
		outcomes  dispatch.OutcomeStore
	)
	if db != nil {
		prefStore = db.Preferences()
		tplStore = db.Templates()
		outcomes = db.Outcomes()
	} else {
		prefStore = prefs.NewMemoryStore()
		tplStore = template.NewMemoryStore()
		outcomes = dispatch.NewMemoryOutcomes(cfg.Dispatcher.HistorySize)
	}
	prefStore = cache.Wrap(cfg.Cache, prefStore, logSvc.Logger().With(logx.String("comp", "cache")))

	defaultLang := strings.TrimSpace(cfg.Templates.DefaultLanguage)
	if defaultLang == "" {
		defaultLang = prefs.DefaultLanguage
	}
	resolver := prefs.NewResolver(prefStore, logSvc.Logger().With(logx.String("comp", "prefs")))
	renderer := template.NewRenderer(tplStore, defaultLang, logSvc.Logger().With(logx.String("comp", "template")))

	providers := buildProviders(cfg.Providers, logSvc.Logger())

	dispatcher := dispatch.New(cfg.Dispatcher, resolver, renderer, outcomes, bus,
		logSvc.Logger().With(logx.String("comp", "dispatch")))
	for _, p := range providers {
		dispatcher.RegisterProvider(p)
	}

	sched := scheduler.New(cfg.Scheduler, dispatcher, bus,
		logSvc.Logger().With(logx.String("comp", "scheduler")))
	dispatcher.SetDeferrer(sched)
	if err := sched.RegisterConfigured(cfg.Scheduler.Recurring); err != nil {
		logSvc.Close()
		if db != nil {
			_ = db.Close()
		}
		return nil, err
	}

	api := httpapi.NewServer(httpapi.Deps{
		Dispatcher: dispatcher,
		Prefs:      prefStore,
		Templates:  tplStore,
		Renderer:   renderer,
		Providers:  providers,
	}, logSvc.Logger().With(logx.String("comp", "http")))

	pprofSvc := pprof.New(mapPprofConfig(cfg.Pprof), logSvc.Logger())

	return &App{
		cfgm:       cfgm,
		log:        log,
		logs:       logSvc,
		bus:        bus,
		db:         db,
		prefStore:  prefStore,
		tplStore:   tplStore,
		providers:  providers,
		dispatcher: dispatcher,
		sched:      sched,
		api:        api,
		pprof:      pprofSvc,
	}, nil
}

func mapPprofConfig(c *config.PprofConfig) pprof.Config {
	if c == nil {
		return pprof.Config{}
	}
	return pprof.Config{
		Enabled:              c.Enabled,
		Addr:                 c.Addr,
		Prefix:               c.Prefix,
		Token:                c.Token,
		AllowInsecure:        c.AllowInsecure,
		ReadTimeout:          config.DurationOr("pprof.read_timeout", c.ReadTimeout, 10*time.Second),
		WriteTimeout:         config.DurationOr("pprof.write_timeout", c.WriteTimeout, 30*time.Second),
		IdleTimeout:          config.DurationOr("pprof.idle_timeout", c.IdleTimeout, time.Minute),
		MutexProfileFraction: c.MutexProfileFraction,
		BlockProfileRate:     c.BlockProfileRate,
		MemProfileRate:       c.MemProfileRate,
	}
}

func buildProviders(cfg config.ProvidersConfig, log logx.Logger) []notify.Provider {
	return []notify.Provider{
		email.New(cfg.Email, log.With(logx.String("comp", "provider.email"))),
		sms.New(cfg.SMS, log.With(logx.String("comp", "provider.sms"))),
		push.New(cfg.Push, log.With(logx.String("comp", "provider.push"))),
		inapp.New(cfg.InApp, log.With(logx.String("comp", "provider.inapp"))),
		webhook.New(cfg.Webhook, log.With(logx.String("comp", "provider.webhook"))),
	}
}

// Dispatcher exposes the dispatch service for embedding callers.
func (a *App) Dispatcher() *dispatch.Service { return a.dispatcher }

// Done is closed when the supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	// Transactional reload: a config that fails validation is never
	// committed or published.
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	cfg := a.cfgm.Get()

	if a.sched.Enabled() {
		a.sched.Start(a.sup.Context())
	}
	if err := a.api.Apply(a.sup.Context(), cfg.HTTP); err != nil {
		return err
	}
	if a.pprof.Enabled() {
		a.pprof.Start(a.sup.Context())
	}

	a.sup.GoRestart("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	a.log.Info("started",
		logx.Bool("dispatcher", a.dispatcher.Enabled()),
		logx.Bool("scheduler", a.sched.Enabled()),
		logx.Bool("storage", a.db != nil))
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
			if len(sections) > 0 {
				fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
				a.log.Info("config reloaded", fields...)
			} else {
				a.log.Debug("config reload received, but no effective changes detected")
			}
			lastApplied = newCfg

			for _, s := range sections {
				if s == "storage" || s == "cache" {
					a.log.Warn("storage/cache config changed; restart required for changes to take effect")
					break
				}
			}

			a.logs.Apply(mapLoggingConfig(newCfg.Logging))
			a.dispatcher.Apply(newCfg.Dispatcher)

			prevSched := a.sched.Enabled()
			a.sched.Apply(newCfg.Scheduler)
			switch {
			case !prevSched && newCfg.Scheduler.Enabled:
				a.sched.Start(a.sup.Context())
			case prevSched && !newCfg.Scheduler.Enabled:
				a.sched.Stop(ctx)
			}

			if err := a.api.Apply(a.sup.Context(), newCfg.HTTP); err != nil {
				a.log.Warn("http config apply failed", logx.Err(err))
			}
			a.pprof.Reconfigure(a.sup.Context(), mapPprofConfig(newCfg.Pprof))
		}
	}
}

func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	if a.api != nil {
		a.api.Stop(ctx)
	}
	if a.pprof != nil {
		a.pprof.Stop(ctx)
	}
	if a.sched != nil {
		a.sched.Stop(ctx)
	}

	var err error
	if a.sup != nil {
		err = a.sup.Stop(ctx)
	}

	if c, ok := a.prefStore.(*cache.Store); ok {
		_ = c.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}

func mapLoggingConfig(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File: logx.FileConfig{
			Enabled: c.File.Enabled,
			Path:    c.File.Path,
		},
		Alerts: logx.AlertConfig{
			Enabled:    c.Alerts.Enabled,
			MinLevel:   c.Alerts.MinLevel,
			RatePerSec: c.Alerts.RatePerSec,
		},
	}
}

// validateConfig rejects configs that would fail later at apply time.
func validateConfig(cfg *config.Config) error {
	if cfg.Dispatcher.Workers < 0 {
		return fmt.Errorf("dispatcher.workers must be >= 0")
	}
	if cfg.Dispatcher.DefaultBatchSize < 0 {
		return fmt.Errorf("dispatcher.default_batch_size must be >= 0")
	}
	if cfg.Dispatcher.HistorySize < 0 {
		return fmt.Errorf("dispatcher.history_size must be >= 0")
	}
	if cfg.Dispatcher.RatePerSec < 0 {
		return fmt.Errorf("dispatcher.rate_per_sec must be >= 0")
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	for i, rs := range cfg.Scheduler.Recurring {
		if err := scheduler.ValidateRecurring(rs); err != nil {
			return fmt.Errorf("scheduler.recurring[%d]: %w", i, err)
		}
	}
	for _, d := range []struct{ path, raw string }{
		{"http.read_timeout", cfg.HTTP.ReadTimeout},
		{"http.write_timeout", cfg.HTTP.WriteTimeout},
		{"http.idle_timeout", cfg.HTTP.IdleTimeout},
		{"providers.sms.timeout", cfg.Providers.SMS.Timeout},
		{"providers.webhook.timeout", cfg.Providers.Webhook.Timeout},
	} {
		if _, err := config.ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}
	if cfg.Storage != nil {
		if _, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
			return err
		}
	}
	if cfg.Cache != nil {
		if _, err := config.ParseDurationField("cache.ttl", cfg.Cache.TTL); err != nil {
			return err
		}
	}
	if cfg.Pprof != nil {
		for _, d := range []struct{ path, raw string }{
			{"pprof.read_timeout", cfg.Pprof.ReadTimeout},
			{"pprof.write_timeout", cfg.Pprof.WriteTimeout},
			{"pprof.idle_timeout", cfg.Pprof.IdleTimeout},
		} {
			if _, err := config.ParseDurationField(d.path, d.raw); err != nil {
				return err
			}
		}
	}
	return nil
}
