package redlb

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/resolver"
)

// Scheme is the URI scheme of the resolver: "redlb:///<service>".
const Scheme = "redlb"

// Target returns the dial target of service.
func Target(service string) string {
	return Scheme + ":///" + service
}

// ResolverBuilder implements resolver.Builder on top of a Registry. Pass it
// to grpc.NewClient with grpc.WithResolvers.
type ResolverBuilder struct {
	registry Registry
}

// NewResolverBuilder creates a builder resolving through registry.
func NewResolverBuilder(registry Registry) *ResolverBuilder {
	return &ResolverBuilder{registry: registry}
}

// Build starts watching the service named by the target path.
func (b *ResolverBuilder) Build(target resolver.Target, cc resolver.ClientConn, _ resolver.BuildOptions) (resolver.Resolver, error) {
	if b.registry == nil {
		return nil, errors.New("redlb: resolver builder without registry")
	}
	service := strings.TrimPrefix(target.URL.Path, "/")
	if service == "" {
		service = target.Endpoint()
	}
	if service == "" {
		return nil, fmt.Errorf("redlb: target %q has no service name, want %s", target.URL.String(), Target("<service>"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	watch, err := b.registry.Watch(ctx, service)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("redlb: watch %s: %w", service, err)
	}

	r := &serviceResolver{
		registry: b.registry,
		service:  service,
		cc:       cc,
		ctx:      ctx,
		cancel:   cancel,
		now:      make(chan struct{}, 1),
	}
	r.wg.Add(1)
	go r.run(watch)

	log.Info().Str("service", service).Str("target", target.URL.String()).Msg("grpc resolver built")
	return r, nil
}

func (b *ResolverBuilder) Scheme() string {
	return Scheme
}

type serviceResolver struct {
	registry Registry
	service  string
	cc       resolver.ClientConn
	ctx      context.Context
	cancel   context.CancelFunc
	now      chan struct{}
	wg       sync.WaitGroup
}

func (r *serviceResolver) run(watch <-chan []*Instance) {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case instances, ok := <-watch:
			if !ok {
				if r.ctx.Err() == nil {
					r.cc.ReportError(fmt.Errorf("redlb: watch of %s ended", r.service))
				}
				return
			}
			r.update(instances)
		case <-r.now:
			instances, err := r.registry.Discover(r.ctx, r.service)
			if err != nil {
				if r.ctx.Err() == nil {
					r.cc.ReportError(err)
				}
				continue
			}
			r.update(instances)
		}
	}
}

func (r *serviceResolver) update(instances []*Instance) {
	addrs := make([]resolver.Address, 0, len(instances))
	for _, in := range instances {
		addrs = append(addrs, resolver.Address{
			Addr:       in.Address,
			ServerName: in.Service,
			Attributes: withInstance(nil, in),
		})
	}
	if len(addrs) == 0 {
		r.cc.ReportError(fmt.Errorf("redlb: no live instance of %s", r.service))
		return
	}
	if err := r.cc.UpdateState(resolver.State{Addresses: addrs}); err != nil {
		log.Warn().Err(err).Str("service", r.service).Msg("failed to update grpc client connection state")
		return
	}
	log.Debug().Str("service", r.service).Int("count", len(addrs)).Msg("grpc client connection state updated")
}

// ResolveNow triggers an immediate Discover.
func (r *serviceResolver) ResolveNow(resolver.ResolveNowOptions) {
	select {
	case r.now <- struct{}{}:
	default:
	}
}

func (r *serviceResolver) Close() {
	r.cancel()
	r.wg.Wait()
	log.Debug().Str("service", r.service).Msg("grpc resolver closed")
}

var _ resolver.Builder = (*ResolverBuilder)(nil)
