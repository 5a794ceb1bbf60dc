package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/toolink/exthost/config"
	"github.com/toolink/exthost/extension"
	"github.com/toolink/exthost/hostconn"
	"github.com/toolink/exthost/limiter"
	"github.com/toolink/exthost/logging"
	"github.com/toolink/exthost/metrics"
	"github.com/toolink/exthost/pubsub"
	"github.com/toolink/exthost/redlb"
)

const shutdownTimeout = 15 * time.Second

// process holds everything serve starts, in start order.
type process struct {
	cfg      *config.Config
	rdb      *redis.Client
	registry *redlb.RedisRegistry
	broker   *pubsub.Broker
	reg      *prometheus.Registry
	host     *hostconn.Client
	runtime  *extension.Runtime
	server   *hostconn.Server
	grpc     *grpc.Server
	metrics  *http.Server
}

// serve runs the extension name until the host shuts it down or the process
// receives SIGINT or SIGTERM.
func serve(ctx context.Context, cfg *config.Config, name string) error {
	logging.Configure(cfg.Log, nil)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p, err := bootstrap(ctx, cfg, name)
	if err != nil {
		log.Error().Err(err).Str("extension", name).Msg("bootstrap failed")
		return err
	}
	defer p.close()

	lis, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Listen, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("extension", name).Str("listen", lis.Addr().String()).Msg("serving extension")
		if err := p.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	if p.metrics != nil {
		g.Go(func() error {
			log.Info().Str("addr", cfg.MetricsAddr).Msg("serving metrics")
			if err := p.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		select {
		case <-p.server.Done():
			log.Info().Str("extension", name).Msg("host shut the extension down")
		case <-gctx.Done():
			log.Info().Str("extension", name).Msg("stopping extension")
		}
		return p.stop()
	})
	return g.Wait()
}

func bootstrap(ctx context.Context, cfg *config.Config, name string) (*process, error) {
	p := &process{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			p.close()
		}
	}()

	var err error

	if cfg.Redis.Enabled() {
		p.rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if cfg.Registry.Enabled || strings.HasPrefix(cfg.Host.Address, redlb.Scheme+":") {
			p.registry, err = redlb.NewRedisRegistry(ctx, p.rdb,
				redlb.WithKeyPrefix(cfg.Registry.KeyPrefix),
				redlb.WithTTL(cfg.Registry.TTL),
			)
			if err != nil {
				return nil, err
			}
		}
		p.broker = pubsub.New(pubsub.WithRedisClient(p.rdb))
	} else {
		p.broker = pubsub.New()
	}
	if _, err := p.broker.Subscribe(ctx, extension.TopicRefresh, logRefreshOutcome); err != nil {
		return nil, fmt.Errorf("subscribe to refresh events: %w", err)
	}

	p.reg = prometheus.NewRegistry()
	p.reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(p.reg, name)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(p.reg, promhttp.HandlerOpts{Registry: p.reg}))
		p.metrics = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	}

	var rl *limiter.RateLimiter
	if cfg.Limiter != nil {
		var client redis.Cmdable
		if p.rdb != nil {
			client = p.rdb
		}
		store, err := limiter.NewStore(cfg.Limiter, client)
		if err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
		rl = limiter.NewRateLimiter(cfg.Limiter, store)
	}

	var dialOpts []grpc.DialOption
	if p.registry != nil && strings.HasPrefix(cfg.Host.Address, redlb.Scheme+":") {
		dialOpts = append(dialOpts,
			grpc.WithResolvers(redlb.NewResolverBuilder(p.registry)),
			grpc.WithDefaultServiceConfig(`{"loadBalancingConfig":[{"round_robin":{}}]}`),
		)
	}
	p.host, err = hostconn.Dial(cfg.Host.Address, dialOpts...)
	if err != nil {
		return nil, err
	}

	d := deps{cfg: cfg}
	if p.rdb != nil {
		d.shared = p.rdb
	}
	res, err := catalog(d).New(name)
	if err != nil {
		return nil, err
	}

	p.runtime = extension.New(res, p.host,
		extension.WithBroker(p.broker),
		extension.WithLimiter(rl),
		extension.WithMetrics(m),
		extension.WithInitTimeout(cfg.Host.InitTimeout),
		extension.WithExecuteTimeout(cfg.Host.ExecuteTimeout),
		extension.WithRefreshRetry(cfg.Refresh.Tries, cfg.Refresh.InitialDelay, cfg.Refresh.MaxDelay),
	)

	var serverOpts []hostconn.ServerOption
	if p.registry != nil && cfg.Registry.Enabled {
		var announced atomic.Pointer[redlb.Instance]
		serverOpts = append(serverOpts,
			hostconn.WithInitHook(func(ctx context.Context, domain string) {
				instance := &redlb.Instance{Service: domain, Address: cfg.AdvertiseAddr(), Extension: name}
				if err := p.registry.Register(ctx, instance); err != nil {
					log.Error().Err(err).Str("domain", domain).Msg("failed to announce extension")
					return
				}
				announced.Store(instance)
			}),
			hostconn.WithShutdownHook(func(ctx context.Context, _ string) {
				instance := announced.Swap(nil)
				if instance == nil {
					return
				}
				if err := p.registry.Deregister(ctx, instance); err != nil {
					log.Warn().Err(err).Msg("failed to withdraw extension announcement")
				}
			}),
		)
	}
	p.server = hostconn.NewServer(p.runtime, serverOpts...)
	p.grpc = hostconn.NewGRPCServer()
	p.server.Register(p.grpc)
	ok = true
	return p, nil
}

// stop shuts the runtime down if the host has not done so, then stops the
// servers. In-flight calls get shutdownTimeout to finish.
func (p *process) stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := p.server.Stop(ctx); err != nil && !errors.Is(err, extension.ErrNotInitialized) {
		errs = append(errs, fmt.Errorf("shutdown runtime: %w", err))
	}

	stopped := make(chan struct{})
	go func() {
		p.grpc.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		p.grpc.Stop()
	}

	if p.metrics != nil {
		if err := p.metrics.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics server: %w", err))
		}
	}
	return errors.Join(errs...)
}

// close releases the clients. Safe on a partially bootstrapped process.
func (p *process) close() {
	if p.host != nil {
		_ = p.host.Close()
	}
	if p.registry != nil {
		_ = p.registry.Close()
	}
	if p.broker != nil {
		_ = p.broker.Close()
	}
	if p.rdb != nil {
		_ = p.rdb.Close()
	}
}

func logRefreshOutcome(_ context.Context, msg *pubsub.Message) {
	var outcome extension.RefreshOutcome
	if err := msg.DecodePayload(&outcome); err != nil {
		log.Warn().Err(err).Str("kind", msg.Kind).Msg("undecodable refresh event")
		return
	}
	ev := log.Debug()
	if outcome.Error != "" {
		ev = log.Warn().Str("error", outcome.Error)
	}
	ev.Str("kind", msg.Kind).
		Str("source", msg.Source).
		Str("domain", outcome.Domain).
		Dur("duration", outcome.Duration).
		Msg("refresh cycle finished")
}
