package syncqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/tidepool-social/syncqueue/internal/config"
	"github.com/tidepool-social/syncqueue/pkg/auth"
	"github.com/tidepool-social/syncqueue/pkg/events"
	"github.com/tidepool-social/syncqueue/pkg/logger"
	zaplog "github.com/tidepool-social/syncqueue/pkg/logger/zap"
	zerolog "github.com/tidepool-social/syncqueue/pkg/logger/zerolog"
	"github.com/tidepool-social/syncqueue/pkg/network"
	"github.com/tidepool-social/syncqueue/pkg/queue"
	"github.com/tidepool-social/syncqueue/pkg/queue/file"
	"github.com/tidepool-social/syncqueue/pkg/queue/memory"
	"github.com/tidepool-social/syncqueue/pkg/queue/postgres"
	"github.com/tidepool-social/syncqueue/pkg/queue/redis"
	"github.com/tidepool-social/syncqueue/pkg/queue/sqlite"
	"github.com/tidepool-social/syncqueue/pkg/realtime"
	"github.com/tidepool-social/syncqueue/pkg/realtime/gorillaws"
	"github.com/tidepool-social/syncqueue/pkg/realtime/gws"
	"github.com/tidepool-social/syncqueue/pkg/submit"
	"github.com/tidepool-social/syncqueue/pkg/submit/httpsubmit"
	"github.com/tidepool-social/syncqueue/pkg/submit/kafka"
	"github.com/tidepool-social/syncqueue/pkg/syncer"
)

// Runtime is an assembled set of components sharing one bus, one logger and
// one metrics registry.
type Runtime struct {
	Config    *config.Config
	Logger    logger.Logger
	Registry  *prometheus.Registry
	Store     queue.Store
	Submitter submit.Submitter
	Network   network.StatusProvider
	Sync      *syncer.Manager

	// Realtime is nil when no realtime URL is configured.
	Realtime *realtime.Manager

	probe   *network.Probe
	signer  *auth.Signer
	closers []func() error
}

// TokenFunc returns the credential for one request or subscription.
type TokenFunc func(ctx context.Context) (string, error)

// Option customizes Open.
type Option func(*options)

type options struct {
	onMessage  func(realtime.Message)
	deadLetter syncer.DeadLetterSink
	store      queue.Store
	submitter  submit.Submitter
}

// WithMessageHandler receives the updates pushed over the realtime channel.
func WithMessageHandler(fn func(realtime.Message)) Option {
	return func(o *options) { o.onMessage = fn }
}

// WithDeadLetter receives the items the sync manager gives up on.
func WithDeadLetter(sink syncer.DeadLetterSink) Option {
	return func(o *options) { o.deadLetter = sink }
}

// WithStore uses s instead of opening the configured store. The caller keeps
// ownership of s.
func WithStore(s queue.Store) Option {
	return func(o *options) { o.store = s }
}

// WithSubmitter uses s instead of the configured submitter.
func WithSubmitter(s submit.Submitter) Option {
	return func(o *options) { o.submitter = s }
}

// Open builds every component described by cfg. Nothing runs until Start.
// A nil log selects the backend named in cfg.Log.
func Open(ctx context.Context, cfg *config.Config, log logger.Logger, opts ...Option) (*Runtime, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	r := &Runtime{Config: cfg, Registry: prometheus.NewRegistry()}
	r.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if log == nil {
		l, closeLog, err := NewLogger(cfg.Log)
		if err != nil {
			return nil, err
		}
		log = l
		r.closers = append(r.closers, closeLog)
	}
	r.Logger = log

	fail := func(err error) (*Runtime, error) {
		_ = r.close()
		return nil, err
	}

	if cfg.Auth.JWTSecret != "" {
		signer, err := auth.NewSigner(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
		if err != nil {
			return fail(err)
		}
		signer.Audience = cfg.Auth.Audience
		if cfg.Auth.TokenTTL > 0 {
			signer.TTL = cfg.Auth.TokenTTL
		}
		r.signer = signer
	}

	r.Store = o.store
	if r.Store == nil {
		store, closeStore, err := OpenStore(ctx, cfg.Store, log)
		if err != nil {
			return fail(err)
		}
		r.Store = store
		r.closers = append(r.closers, closeStore)
	}

	r.Submitter = o.submitter
	if r.Submitter == nil {
		sub, closeSub, err := OpenSubmitter(cfg.Submit, r.userToken(cfg.Submit.Token), log)
		if err != nil {
			return fail(err)
		}
		r.Submitter = sub
		r.closers = append(r.closers, closeSub)
	}

	if cfg.Network.ProbeURL != "" {
		r.probe = network.NewProbe(cfg.Network.ProbeURL, log)
		if cfg.Network.ProbeInterval > 0 {
			r.probe.Interval = cfg.Network.ProbeInterval
		}
		r.Network = r.probe
	} else {
		r.Network = network.AlwaysOnline{}
	}

	sm, err := syncer.New(syncer.Config{
		Store:       r.Store,
		Submitter:   r.Submitter,
		Bus:         events.NewBus(log),
		Network:     r.Network,
		Interval:    cfg.Sync.Interval,
		MaxAttempts: cfg.Sync.MaxAttempts,
		DeadLetter:  o.deadLetter,
		Logger:      log,
		Metrics:     syncer.NewMetrics(r.Registry),
	})
	if err != nil {
		return fail(err)
	}
	r.Sync = sm
	if cfg.Sync.UserID != "" {
		sm.SetCurrentUser(cfg.Sync.UserID)
	}

	if cfg.Realtime.URL != "" {
		rm, err := realtime.New(realtime.Config{
			NewChannel: NewChannelFunc(cfg.Realtime, r.userToken(cfg.Realtime.Token), log),
			Retryer: &realtime.ExponentialBackoffRetryer{
				InitialDelay: cfg.Realtime.RetryDelay,
				MaxDelay:     cfg.Realtime.RetryMax,
				Multiplier:   2.0,
				Jitter:       true,
				JitterFactor: 0.3,
			},
			OnMessage: o.onMessage,
			Logger:    log,
			Metrics:   realtime.NewMetrics(r.Registry),
		})
		if err != nil {
			return fail(err)
		}
		r.Realtime = rm
	}

	return r, nil
}

// userToken prefers a static token, then a token signed for the user bound to
// the request ctx, falling back to the current user. It returns nil when
// neither is configured.
func (r *Runtime) userToken(static string) TokenFunc {
	switch {
	case static != "":
		return staticToken(static)
	case r.signer != nil:
		return r.signer.TokenFunc(func() string { return r.Sync.CurrentUser() })
	default:
		return nil
	}
}

// Start begins probing the network, drains whatever is pending, keeps draining
// on the timer and, once a user is set, keeps the realtime subscription open.
// Background work is bound to ctx.
func (r *Runtime) Start(ctx context.Context) error {
	if r.probe != nil {
		r.probe.Start(ctx)
	}
	if err := r.Sync.Init(ctx); err != nil {
		return err
	}
	r.updateGate()
	r.Sync.Trigger()
	return nil
}

// SetUser switches the signed-in user. An empty id signs out, which stops
// draining and tears the realtime subscription down; another id replaces the
// subscription with one opened for that user.
func (r *Runtime) SetUser(userID string) {
	r.Sync.SetCurrentUser(userID)
	r.updateGate()
	if userID != "" {
		r.Sync.Trigger()
	}
}

func (r *Runtime) updateGate() {
	if r.Realtime == nil {
		return
	}
	userID := r.Sync.CurrentUser()
	r.Realtime.SetGate(realtime.Gate{
		Authenticated: userID != "",
		Hydrated:      true,
		UserID:        userID,
	})
}

// Close stops every component and releases the store, the submitter and the
// logger, in reverse order of creation.
func (r *Runtime) Close(ctx context.Context) error {
	var errs []error
	if r.Realtime != nil {
		if err := r.Realtime.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("realtime: %w", err))
		}
	}
	if r.Sync != nil {
		if err := r.Sync.Close(); err != nil {
			errs = append(errs, fmt.Errorf("sync: %w", err))
		}
	}
	if r.probe != nil {
		r.probe.Stop()
	}
	errs = append(errs, r.close())
	return errors.Join(errs...)
}

func (r *Runtime) close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

func nopClose() error { return nil }

// NewLogger builds the logger named by cfg.Backend. The returned function
// flushes and releases it.
func NewLogger(cfg config.LogConfig) (logger.Logger, func() error, error) {
	switch cfg.Backend {
	case "", "slog":
		h := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logger.ParseLevel(cfg.Level)})
		return logger.New(h), nopClose, nil
	case "zerolog":
		l, err := zerolog.New().FromBuffer(os.Stderr).Level(cfg.Level).Make()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create zerolog logger: %w", err)
		}
		return l, nopClose, nil
	case "zap":
		l, err := zaplog.NewProduction(cfg.Level)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create zap logger: %w", err)
		}
		return l, func() error {
			// syncing stderr fails on most terminals
			_ = l.Sync()
			return nil
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown log backend %q", cfg.Backend)
	}
}

// OpenStore opens the queue backend named by cfg.Backend.
func OpenStore(ctx context.Context, cfg config.StoreConfig, log logger.Logger) (queue.Store, func() error, error) {
	switch cfg.Backend {
	case "memory":
		return memory.New(), nopClose, nil
	case "file":
		s, err := file.Open(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, nopClose, nil
	case "sqlite":
		s, err := sqlite.Open(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "postgres":
		s, err := postgres.Open(ctx, cfg.URL, log)
		if err != nil {
			return nil, nil, err
		}
		return s, func() error { s.Close(); return nil }, nil
	case "redis":
		s, err := redis.Open(ctx, cfg.URL, cfg.RedisPrefix)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// OpenSubmitter builds the submitter named by cfg.Backend. token, when not
// nil, authenticates HTTP requests.
func OpenSubmitter(cfg config.SubmitConfig, token TokenFunc, log logger.Logger) (submit.Submitter, func() error, error) {
	switch cfg.Backend {
	case "http":
		c := httpsubmit.New(cfg.URL)
		if cfg.Timeout > 0 {
			c.HTTP.Timeout = cfg.Timeout
		}
		if token != nil {
			c.Token = httpsubmit.TokenFunc(token)
		}
		return c, nopClose, nil
	case "kafka":
		s, err := kafka.New(cfg.Brokers, cfg.Topic, log)
		if err != nil {
			return nil, nil, err
		}
		if cfg.KeyField != "" {
			s.KeyPath = strings.Split(cfg.KeyField, ".")
		}
		return s, func() error { s.Close(); return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown submit backend %q", cfg.Backend)
	}
}

// NewChannelFunc returns the realtime channel constructor for cfg.Transport.
// token, when not nil, is sent in the subscribe frame.
func NewChannelFunc(cfg config.RealtimeConfig, token TokenFunc, log logger.Logger) realtime.NewFunc {
	if cfg.Transport == "gws" {
		return func(context.Context) (realtime.Channel, error) {
			c := gws.New(cfg.URL, cfg.Topic, log)
			if token != nil {
				c.Token = gws.TokenFunc(token)
			}
			c.AckTimeout = cfg.AckTimeout
			return c, nil
		}
	}
	return func(context.Context) (realtime.Channel, error) {
		c := gorillaws.New(cfg.URL, cfg.Topic, log)
		if token != nil {
			c.Token = gorillaws.TokenFunc(token)
		}
		c.AckTimeout = cfg.AckTimeout
		return c, nil
	}
}

func staticToken(token string) TokenFunc {
	return func(context.Context) (string, error) { return token, nil }
}
