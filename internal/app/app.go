// Package app assembles the realtime pipeline: change feed in, classified
// alerts out (screen queue, tone engine, native channel), with presence
// counts and permission state on the side.
package app

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"time"

	"marketpulse/internal/alertqueue"
	"marketpulse/internal/audio"
	"marketpulse/internal/config"
	"marketpulse/internal/eventbus"
	"marketpulse/internal/feed"
	"marketpulse/internal/notify"
	"marketpulse/internal/permission"
	"marketpulse/internal/presence"
	"marketpulse/internal/router"
	"marketpulse/internal/runtime/supervisor"
	"marketpulse/internal/storage"
	"marketpulse/pkg/logx"
)

type App struct {
	cfgPath string
	cfgm    *config.ConfigManager
	sup     *supervisor.Supervisor

	logs *logx.Service
	log  logx.Logger

	role router.Role
	bus  eventbus.Bus

	store storage.Store

	feedc   *feed.Client
	actorID string
	handles []*feed.Handle

	router *router.Router
	queue  *alertqueue.Queue

	audio    *audio.Engine
	audioOut *os.File

	perm *permission.Coordinator
	pres *presence.Aggregator

	sender notify.Sender
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	logs, log := logx.New(logxConfig(cfg.Logging))
	log = log.With(logx.String("comp", "app"))

	role, err := router.ParseRole(cfg.Role)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		logs:    logs,
		log:     log,
		role:    role,
		bus:     eventbus.New(),
	}
	if err := a.build(cfg); err != nil {
		logs.Close()
		return nil, err
	}
	return a, nil
}

func logxConfig(lc config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Path:    lc.File.Path,
		},
		Forward: logx.ForwardConfig{
			Enabled:    lc.Forward.Enabled,
			MinLevel:   lc.Forward.MinLevel,
			RatePerSec: lc.Forward.RatePerSec,
		},
	}
}

func (a *App) build(cfg *config.Config) error {
	// Storage first: router and permission take the handle.
	if cfg.Storage != nil {
		busy, _ := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
		st, err := storage.Open(storage.Config{
			Driver:      cfg.Storage.Driver,
			Path:        cfg.Storage.Path,
			BusyTimeout: busy,
		}, a.log.With(logx.String("comp", "storage")))
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		a.store = st
	}

	// Change feed.
	dialTimeout, err := config.ParseDurationOrDefault("feed.dial_timeout", cfg.Feed.DialTimeout, 10*time.Second)
	if err != nil {
		return err
	}
	readTimeout, err := config.ParseDurationOrDefault("feed.read_timeout", cfg.Feed.ReadTimeout, 45*time.Second)
	if err != nil {
		return err
	}
	retryBase, err := config.ParseDurationOrDefault("feed.retry_base", cfg.Feed.RetryBase, 500*time.Millisecond)
	if err != nil {
		return err
	}
	retryMaxDelay, err := config.ParseDurationOrDefault("feed.retry_max_delay", cfg.Feed.RetryMaxDelay, 30*time.Second)
	if err != nil {
		return err
	}
	transport, err := feed.NewSSETransport(feed.SSEConfig{
		URL:         cfg.Feed.URL,
		APIKey:      cfg.Feed.Token,
		ReadTimeout: readTimeout,
	})
	if err != nil {
		return err
	}
	a.feedc = feed.NewClient(feed.Config{
		DialTimeout:   dialTimeout,
		RetryMax:      cfg.Feed.RetryMax,
		RetryBase:     retryBase,
		RetryMaxDelay: retryMaxDelay,
	}, transport, a.log.With(logx.String("comp", "feed")), a.bus)
	a.actorID = cfg.Feed.ActorID

	// Classification and on-screen queue.
	rcfg := router.Config{}
	if cfg.Router != nil {
		w, err := config.ParseDurationField("router.dedup_window", cfg.Router.DedupWindow)
		if err != nil {
			return err
		}
		rcfg = router.Config{
			DedupWindow:  w,
			DedupEntries: cfg.Router.DedupMaxEntries,
			PersistDedup: cfg.Router.PersistDedup,
		}
	}
	if rcfg.DedupWindow == 0 {
		rcfg.DedupWindow = 30 * time.Second
	}
	a.router = router.New(rcfg, a.log.With(logx.String("comp", "router")), a.store)

	a.queue = alertqueue.New(alertsConfig(cfg.Alerts), a.log.With(logx.String("comp", "alerts")))

	// Audio. A missing output path means this host has no tone device; the
	// engine then treats Unlock as a logged no-op.
	var device audio.Device
	acfg := audio.Config{}
	if cfg.Audio != nil {
		acfg = audio.Config{
			Enabled:   cfg.Audio.Enabled,
			Volume:    cfg.Audio.Volume,
			Vibration: cfg.Audio.Vibration,
		}
		if cfg.Audio.Enabled && cfg.Audio.Output != "" {
			f, err := os.OpenFile(cfg.Audio.Output, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
			if err != nil {
				return fmt.Errorf("audio output: %w", err)
			}
			a.audioOut = f
			device = audio.NewPCMDevice(f, cfg.Audio.SampleRate)
		}
	}
	a.audio = audio.NewEngine(acfg, device, nil, a.log.With(logx.String("comp", "audio")))

	// Native notification channel.
	a.sender = notify.NopSender{}
	if cfg.Notify != nil && cfg.Notify.Enabled && cfg.Notify.Telegram != nil {
		sendTimeout, err := config.ParseDurationField("notify.send_timeout", cfg.Notify.SendTimeout)
		if err != nil {
			return err
		}
		s, err := notify.NewTelegramSender(notify.Config{
			Enabled:     true,
			RatePerSec:  cfg.Notify.RatePerSec,
			SendTimeout: sendTimeout,
		}, notify.TelegramConfig{
			Token:  cfg.Notify.Telegram.Token,
			ChatID: cfg.Notify.Telegram.ChatID,
		}, a.log.With(logx.String("comp", "notify")))
		if err != nil {
			return fmt.Errorf("notify: %w", err)
		}
		a.sender = s
	}

	// Permission.
	grantFile := "./notify_grant"
	pcfg := permission.Config{}
	if cfg.Permission != nil {
		if cfg.Permission.GrantFile != "" {
			grantFile = cfg.Permission.GrantFile
		}
		stale, err := config.ParseDurationField("permission.grant_stale_after", cfg.Permission.GrantStaleAfter)
		if err != nil {
			return err
		}
		pcfg.GrantStaleAfter = stale
	}
	platform := permission.NewFilePlatform(grantFile, a.log.With(logx.String("comp", "permission")))
	a.perm = permission.NewCoordinator(pcfg, platform, a.store,
		a.log.With(logx.String("comp", "permission")), a.bus)

	// Presence.
	if cfg.Presence != nil && cfg.Presence.Enabled {
		apiURL := cfg.Presence.APIURL
		if apiURL == "" {
			u, err := url.Parse(cfg.Feed.URL)
			if err != nil {
				return fmt.Errorf("presence: derive api url: %w", err)
			}
			apiURL = u.Scheme + "://" + u.Host
		}
		queryTimeout, err := config.ParseDurationField("presence.query_timeout", cfg.Presence.QueryTimeout)
		if err != nil {
			return err
		}
		horizon, err := config.ParseDurationField("presence.staleness_horizon", cfg.Presence.StalenessHorizon)
		if err != nil {
			return err
		}
		querier, err := presence.NewHTTPQuerier(presence.HTTPQuerierConfig{
			BaseURL: apiURL,
			APIKey:  cfg.Feed.Token,
			Timeout: queryTimeout,
		})
		if err != nil {
			return err
		}
		kinds := cfg.Presence.Kinds
		if len(kinds) == 0 {
			kinds = []string{"driver"}
		}
		a.pres = presence.New(presence.Config{
			QueryTimeout:     queryTimeout,
			ScanLimit:        cfg.Presence.ScanLimit,
			StalenessHorizon: horizon,
			RefreshSpec:      cfg.Presence.RefreshSpec,
			EventTables:      cfg.Presence.EventTables,
			Kinds:            kinds,
		}, querier, a.log.With(logx.String("comp", "presence")), a.bus)
	}

	return nil
}

func alertsConfig(ac *config.AlertsConfig) alertqueue.Config {
	out := alertqueue.Config{}
	if ac == nil {
		return out
	}
	out.Capacity = ac.Capacity
	ttl, err := config.ParseDurationField("alerts.default_ttl", ac.DefaultTTL)
	if err == nil {
		out.DefaultTTL = ttl
	}
	return out
}

// Capabilities reports what this host supports. Computed from the wiring,
// not probed repeatedly; consumers branch on it instead of failing at play or
// send time.
type Capabilities struct {
	Audio        bool
	Vibration    bool
	Notification bool
}

func (a *App) Capabilities() Capabilities {
	_, isNop := a.sender.(notify.NopSender)
	return Capabilities{
		Audio:        a.audioOut != nil,
		Vibration:    false, // no haptic channel on this host
		Notification: !isNop,
	}
}

// Status is a point-in-time operational snapshot.
type Status struct {
	Role         router.Role
	Feeds        int
	QueueLen     int
	Permission   permission.State
	Capabilities Capabilities
	Goroutines   int64
}

func (a *App) Status(ctx context.Context) Status {
	st := Status{
		Role:         a.role,
		QueueLen:     a.queue.Len(),
		Permission:   a.perm.CurrentState(ctx),
		Capabilities: a.Capabilities(),
	}
	if a.feedc != nil {
		st.Feeds = a.feedc.Handles()
	}
	if a.sup != nil {
		st.Goroutines, _ = a.sup.Counters()
	}
	return st
}

// History returns the most recent persisted notifications, newest first for
// the sqlite driver, oldest first for the file driver. Empty without storage.
func (a *App) History(ctx context.Context, limit int) ([]storage.HistoryEntry, error) {
	if a.store == nil {
		return nil, nil
	}
	return a.store.RecentHistory(ctx, limit)
}

// Queue exposes the alert queue for UI consumers.
func (a *App) Queue() *alertqueue.Queue { return a.queue }

// Presence exposes the presence aggregator; nil when disabled.
func (a *App) Presence() *presence.Aggregator { return a.pres }

// Permission exposes the permission coordinator.
func (a *App) Permission() *permission.Coordinator { return a.perm }

// Done is closed when the supervisor context ends (fatal error or Stop).
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
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true))

	caps := a.Capabilities()
	a.log.Info("host capabilities",
		logx.Bool("audio", caps.Audio),
		logx.Bool("vibration", caps.Vibration),
		logx.Bool("notification", caps.Notification))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return config.Validate(cfg)
	})

	// Surface high-severity log lines in the alert queue so feed problems
	// land where the operator is already looking.
	a.logs.SetForward(func(level logx.Level, line string) {
		a.queue.Push(router.NotificationRecord{
			Category:  router.CategoryGeneral,
			Title:     "Internal " + level.String(),
			Body:      line,
			Priority:  router.PriorityLow,
			CreatedAt: time.Now(),
		}, alertqueue.Options{})
	})

	// First grant: unlock the tone engine (the grant answer is a direct user
	// action) and confirm the channel end to end.
	a.perm.OnFirstGrant(func(st permission.State) {
		a.audio.Unlock(audio.Gesture{At: time.Now(), Source: "permission-grant"})
		sctx, cancel := context.WithTimeout(a.sup.Context(), 10*time.Second)
		defer cancel()
		if err := a.sender.Send(sctx, notify.Notification{
			Title:    "Notifications enabled",
			Body:     "You will now receive realtime order alerts.",
			Category: string(router.CategoryGeneral),
			Priority: string(router.PriorityLow),
		}); err != nil {
			a.log.Warn("grant confirmation failed", logx.Err(err))
		}
	})

	// Dispatcher before the feed opens so no early event is dropped.
	events, unsub := a.bus.SubscribeTopics(256, eventbus.TopicChange, eventbus.TopicFeedStatus)
	a.sup.Go("dispatch", func(ctx context.Context) error {
		defer unsub()
		return a.dispatchLoop(ctx, events)
	})

	for _, table := range router.Tables(a.role) {
		filter := subscriptionFilter(a.role, table, a.actorID)
		h, err := a.feedc.Open(a.sup.Context(), table, filter, nil, nil)
		if err != nil {
			return fmt.Errorf("feed subscribe %s: %w", table, err)
		}
		a.handles = append(a.handles, h)
	}

	if a.pres != nil {
		if err := a.pres.Start(a.sup.Context()); err != nil {
			return err
		}
	}

	// Ask for permission out of band; the prompt may wait on the operator.
	a.sup.Go("permission.request", func(ctx context.Context) error {
		st := a.perm.CurrentState(ctx)
		if st.Notification != permission.GrantDefault {
			return nil
		}
		_, err := a.perm.RequestPermission(ctx)
		return err
	})

	// Hot reload: logging, queue and audio apply live; the rest applies on
	// restart.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(ctx context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return nil
			case cfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: only the latest config matters.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							cfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(cfg)
			}
		}
	})

	a.sup.GoRestart("config.watch", func(ctx context.Context) error {
		return a.cfgm.Watch(ctx)
	})

	a.log.Info("started",
		logx.String("role", string(a.role)),
		logx.Int("feeds", len(a.handles)))
	return nil
}

// subscriptionFilter scopes a table subscription to the acting account's own
// rows. Only orders carry a per-actor column; products and incidents are
// broadcast tables. Admins watch everything unscoped.
func subscriptionFilter(role router.Role, table, actorID string) string {
	if actorID == "" || table != "orders" {
		return ""
	}
	switch role {
	case router.RoleSeller:
		return "seller_id=eq." + actorID
	case router.RoleDriver:
		return "driver_id=eq." + actorID
	case router.RoleBuyer:
		return "buyer_id=eq." + actorID
	}
	return ""
}

func (a *App) applyConfig(cfg *config.Config) {
	a.logs.Apply(logxConfig(cfg.Logging))
	a.queue.Apply(alertsConfig(cfg.Alerts))
	if cfg.Audio != nil {
		a.audio.Apply(audio.Config{
			Enabled:   cfg.Audio.Enabled,
			Volume:    cfg.Audio.Volume,
			Vibration: cfg.Audio.Vibration,
		})
	}
	a.log.Info("config reloaded")
}

func (a *App) dispatchLoop(ctx context.Context, events <-chan eventbus.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			switch e.Topic {
			case eventbus.TopicChange:
				if ev, ok := e.Data.(feed.ChangeEvent); ok {
					a.dispatch(ctx, ev)
				}
			case eventbus.TopicFeedStatus:
				if sc, ok := e.Data.(feed.StatusChange); ok {
					a.onFeedStatus(sc)
				}
			}
		}
	}
}

func (a *App) dispatch(ctx context.Context, ev feed.ChangeEvent) {
	rec := a.router.Route(ev, a.role)
	if rec == nil {
		return
	}

	opts := alertqueue.Options{Pinned: rec.Category == router.CategoryCritical}
	a.queue.Push(*rec, opts)

	// Screen alerts always land; tones and the native channel both require a
	// usable grant, so an external revocation silences them on the next event.
	if a.perm.CurrentState(ctx).Usable() {
		a.audio.Play(rec.Category)

		sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := a.sender.Send(sctx, notify.Notification{
			Title:              rec.Title,
			Body:               rec.Body,
			Category:           string(rec.Category),
			Priority:           string(rec.Priority),
			Tag:                rec.SourceEvent.Table + "/" + rec.SourceEvent.RowID(),
			RequireInteraction: rec.Priority == router.PriorityHigh,
		})
		cancel()
		if err != nil {
			a.log.Warn("notification send failed",
				logx.String("category", string(rec.Category)), logx.Err(err))
		}
	}

	if a.store != nil {
		hctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
		err := a.store.AppendHistory(hctx, storage.HistoryEntry{
			At:       rec.CreatedAt,
			Category: string(rec.Category),
			Title:    rec.Title,
			Body:     rec.Body,
			Priority: string(rec.Priority),
		})
		cancel()
		if err != nil {
			a.log.Debug("history append failed", logx.Err(err))
		}
	}
}

func (a *App) onFeedStatus(sc feed.StatusChange) {
	switch sc.State {
	case feed.StateDegraded:
		a.log.Error("feed degraded; realtime updates unavailable",
			logx.String("table", sc.Table), logx.Int("retries", sc.Retries))
		a.queue.Push(router.NotificationRecord{
			Category:  router.CategoryGeneral,
			Title:     "Realtime connection lost",
			Body:      fmt.Sprintf("Updates for %s are paused. Restart to reconnect.", sc.Table),
			Priority:  router.PriorityHigh,
			CreatedAt: sc.At,
		}, alertqueue.Options{Pinned: true})
	case feed.StateOpen:
		a.log.Info("feed open", logx.String("table", sc.Table))
	default:
		a.log.Debug("feed status",
			logx.String("table", sc.Table), logx.String("state", sc.State.String()))
	}
}

// Stop unwinds the pipeline. Each step is bounded so one stuck component
// cannot stall shutdown.
func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}
		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()
		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name))
		}
	}

	if a.pres != nil {
		step("presence", 2*time.Second, func(context.Context) error {
			a.pres.Stop()
			return nil
		})
	}
	step("feed", 3*time.Second, func(context.Context) error {
		a.feedc.Shutdown()
		return nil
	})
	step("notify", 2*time.Second, func(context.Context) error {
		return a.sender.Close()
	})
	step("audio", time.Second, func(context.Context) error {
		a.audio.Close()
		if a.audioOut != nil {
			return a.audioOut.Close()
		}
		return nil
	})
	if a.store != nil {
		step("storage", 2*time.Second, func(context.Context) error {
			return a.store.Close()
		})
	}
	step("supervisor", 2*time.Second, func(c context.Context) error {
		return a.sup.Wait(c)
	})

	a.log.Info("stopped")
	a.logs.SetForward(nil)
	return a.logs.Close()
}
