package weather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/toolink/exthost/extension"
	"github.com/toolink/exthost/redlock"
)

// SharedFetcher lets replicas serving the same domain share one provider
// connection. The holder of the refresh lease fetches through the wrapped
// fetcher and stores the report in Redis; the other replicas read it from
// there.
type SharedFetcher struct {
	next      Fetcher
	client    redis.Cmdable
	lease     *redlock.Locker
	reportKey string
	reportTTL time.Duration
}

// LeaseKey returns the Redis key of the refresh lease of domain.
func LeaseKey(domain string) string {
	return fmt.Sprintf("exthost:%s:refresh", domain)
}

// ReportKey returns the Redis key holding the shared report of domain.
func ReportKey(domain string) string {
	return fmt.Sprintf("exthost:%s:report", domain)
}

// NewSharedFetcher wraps next for domain. interval is the refresh interval;
// the lease outlives one interval so the leader keeps it between cycles.
func NewSharedFetcher(client redis.Cmdable, domain string, interval time.Duration, next Fetcher) *SharedFetcher {
	return &SharedFetcher{
		next:      next,
		client:    client,
		lease:     redlock.NewLocker(client, LeaseKey(domain), redlock.WithTTL(2*interval)),
		reportKey: ReportKey(domain),
		reportTTL: 3 * interval,
	}
}

// Leader reports whether this replica held the lease at its last cycle.
func (s *SharedFetcher) Leader() bool {
	return s.lease.Held()
}

// Fetch fetches from the provider when this replica holds the lease and
// loads the shared report otherwise.
func (s *SharedFetcher) Fetch(ctx context.Context, loc Location) (Report, error) {
	leader, err := s.acquire(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("%w: refresh lease: %w", extension.ErrCommunication, err)
	}
	if !leader {
		return s.load(ctx)
	}

	report, err := s.next.Fetch(ctx, loc)
	if err != nil {
		return Report{}, err
	}
	raw, err := json.Marshal(report)
	if err != nil {
		return Report{}, fmt.Errorf("encode shared report: %w", err)
	}
	if err := s.client.Set(ctx, s.reportKey, raw, s.reportTTL).Err(); err != nil {
		// readers fall back to their previous snapshot, ours is fresh
		log.Warn().Err(err).Str("key", s.reportKey).Msg("failed to store shared weather report")
	}
	return report, nil
}

// acquire keeps or takes the lease.
func (s *SharedFetcher) acquire(ctx context.Context) (bool, error) {
	if s.lease.Held() {
		err := s.lease.Extend(ctx)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, redlock.ErrNotHeld) {
			return false, err
		}
	}
	err := s.lease.TryLock(ctx)
	switch {
	case err == nil:
		log.Info().Str("key", s.lease.Key()).Msg("refresh lease acquired, fetching from provider")
		return true, nil
	case errors.Is(err, redlock.ErrLockNotAcquired):
		return false, nil
	default:
		return false, err
	}
}

func (s *SharedFetcher) load(ctx context.Context) (Report, error) {
	raw, err := s.client.Get(ctx, s.reportKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return Report{}, fmt.Errorf("%w: no shared report published yet", extension.ErrCommunication)
	}
	if err != nil {
		return Report{}, fmt.Errorf("%w: load shared report: %w", extension.ErrCommunication, err)
	}
	var report Report
	if err := json.Unmarshal(raw, &report); err != nil {
		return Report{}, fmt.Errorf("%w: decode shared report: %w", extension.ErrCommunication, err)
	}
	return report, nil
}

// Close gives the lease up so another replica can take over immediately.
func (s *SharedFetcher) Close(ctx context.Context) error {
	if !s.lease.Held() {
		return nil
	}
	if err := s.lease.Unlock(ctx); err != nil && !errors.Is(err, redlock.ErrNotHeld) {
		return err
	}
	return nil
}
