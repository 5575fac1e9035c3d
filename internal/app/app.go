// Package app wires configuration into a running dispatcher, log matcher
// and escalation forwarder.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xnotify"
	"github.com/trickstertwo/xnotify/adapter/memory"
	natstransport "github.com/trickstertwo/xnotify/adapter/nats"
	"github.com/trickstertwo/xnotify/adapter/redisstream"
	snstransport "github.com/trickstertwo/xnotify/adapter/sns"
	"github.com/trickstertwo/xnotify/config"
	"github.com/trickstertwo/xnotify/dispatch"
	"github.com/trickstertwo/xnotify/escalate"
	"github.com/trickstertwo/xnotify/httpapi"
	"github.com/trickstertwo/xnotify/logstream"
	"github.com/trickstertwo/xnotify/metrics"
	"github.com/trickstertwo/xnotify/policy"
)

// App holds the wired components. Build one with New and release it with
// Close.
type App struct {
	Config     config.Config
	Logger     *xlog.Logger
	Bus        *xnotify.Bus
	Lines      logstream.Store
	Guard      xnotify.Authorizer
	Dispatcher *dispatch.Dispatcher
	Forwarder  *escalate.Forwarder
	Matcher    *logstream.Matcher
	Metrics    *metrics.Observer
	Registry   *prometheus.Registry

	redis redis.UniversalClient
}

type options struct {
	transport xnotify.Transport
	invoker   escalate.Invoker
	store     logstream.Store
}

type Option func(*options)

// WithTransport replaces the configured transport.
func WithTransport(t xnotify.Transport) Option { return func(o *options) { o.transport = t } }

// WithInvoker replaces the configured remediation invoker.
func WithInvoker(inv escalate.Invoker) Option { return func(o *options) { o.invoker = inv } }

// WithStore replaces the configured log store.
func WithStore(s logstream.Store) Option { return func(o *options) { o.store = s } }

// New validates cfg and builds every component. Nothing is started.
func New(ctx context.Context, cfg config.Config, logger *xlog.Logger, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = xlog.Default()
	}
	var o options
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}

	a := &App{Config: cfg, Logger: logger, Registry: prometheus.NewRegistry()}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close(context.Background())
		}
	}()

	var err error
	if a.Guard, err = newGuard(ctx, cfg); err != nil {
		return nil, err
	}
	if a.Metrics, err = metrics.New(a.Registry); err != nil {
		return nil, err
	}
	if cfg.Redis.Addr != "" && (cfg.Transport == config.TransportRedisStreams || cfg.Log.Store == config.StoreRedis) {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	tr := o.transport
	if tr == nil {
		if tr, err = a.newTransport(ctx); err != nil {
			return nil, fmt.Errorf("app: transport %q: %w", cfg.Transport, err)
		}
	}
	a.Bus, err = xnotify.NewBusBuilder().
		WithTransportInstance(tr).
		WithLogger(logger).
		WithGuard(a.Guard, cfg.Principal).
		WithObserver(a.Metrics).
		WithObserverPool(4, 1024).
		Build()
	if err != nil {
		return nil, err
	}

	a.Lines = o.store
	if a.Lines == nil {
		a.Lines = a.newStore()
	}

	a.Dispatcher, err = dispatch.New(dispatch.Config{
		Topic:   cfg.Topic,
		Source:  cfg.Log.Source,
		Timeout: cfg.Timeouts.Publish,
	}, a.Bus, a.Lines, dispatch.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	inv := o.invoker
	if inv == nil {
		if inv, err = newInvoker(ctx, cfg); err != nil {
			return nil, err
		}
	}
	a.Forwarder, err = escalate.New(escalate.Config{
		Target:  cfg.Remediation.Target,
		Invoker: inv,
		Guard:   a.Guard,
		Timeout: cfg.Timeouts.Forward,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}

	pattern, err := cfg.Filter.Pattern()
	if err != nil {
		return nil, err
	}
	a.Matcher, err = logstream.NewMatcher(logstream.MatcherConfig{
		Source:      cfg.Log.Source,
		Checkpoint:  cfg.Log.Checkpoint,
		Pattern:     pattern,
		Store:       a.Lines,
		Escalator:   a.Forwarder,
		Failures:    a.Lines,
		FailureLine: escalate.FailureLine(cfg.Log.FailureSource),
		Logger:      logger,
		Observers:   []xnotify.Observer{a.Metrics},
	})
	if err != nil {
		return nil, err
	}

	ok = true
	return a, nil
}

func newGuard(ctx context.Context, cfg config.Config) (xnotify.Authorizer, error) {
	if cfg.Policy.Engine != config.EngineRego {
		return policy.NewGuard(cfg.Grants...)
	}
	var module string
	if cfg.Policy.Module != "" {
		b, err := os.ReadFile(cfg.Policy.Module)
		if err != nil {
			return nil, fmt.Errorf("app: rego module: %w", err)
		}
		module = string(b)
	}
	return policy.NewRegoGuard(ctx, module, cfg.Grants...)
}

func (a *App) newTransport(ctx context.Context) (xnotify.Transport, error) {
	cfg := a.Config
	switch cfg.Transport {
	case config.TransportRedisStreams:
		rc := redisstream.Defaults()
		rc.Addr = cfg.Redis.Addr
		return redisstream.NewTransportWithClient(a.redis, rc)
	case config.TransportSNS:
		return snstransport.NewTransport(ctx, snstransport.Config{Region: cfg.AWS.Region, Endpoint: cfg.AWS.Endpoint})
	case config.TransportNATS:
		nc := natstransport.Defaults()
		nc.URL = cfg.NATS.URL
		nc.AutoCreateStream = true
		return natstransport.NewTransport(nc)
	default:
		return memory.NewTransport(memory.Config{}), nil
	}
}

func (a *App) newStore() logstream.Store {
	if a.Config.Log.Store == config.StoreRedis {
		return logstream.NewRedisStore(a.redis, logstream.RedisConfig{MaxLenApprox: a.Config.Log.MaxLines})
	}
	return logstream.NewMemoryStore(logstream.WithMaxLines(int(a.Config.Log.MaxLines)))
}

func newInvoker(ctx context.Context, cfg config.Config) (escalate.Invoker, error) {
	if cfg.Remediation.Kind == config.RemediationWebhook {
		return escalate.WebhookInvoker{Client: &http.Client{Timeout: cfg.Timeouts.Forward}}, nil
	}
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.AWS.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.AWS.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("app: load aws config: %w", err)
	}
	if cfg.AWS.Endpoint != "" {
		awsCfg.BaseEndpoint = aws.String(cfg.AWS.Endpoint)
	}
	return escalate.NewLambdaInvoker(awsCfg), nil
}

// Router returns the HTTP API bound to the dispatcher, bus health and the
// app's metrics registry.
func (a *App) Router() *gin.Engine {
	return httpapi.NewRouter(a.Dispatcher, a.Bus,
		httpapi.WithLogger(a.Logger),
		httpapi.WithMetrics(a.Metrics, a.Registry),
	)
}

// Close releases the bus, the log store and the shared Redis client.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Bus != nil {
		errs = append(errs, a.Bus.Close(ctx))
	}
	if a.Lines != nil {
		errs = append(errs, a.Lines.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	return errors.Join(errs...)
}
