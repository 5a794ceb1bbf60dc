// Package weather is a cache-backed resolver. A background refresh fetches
// the current weather and the daily temperature forecast for one location
// every interval; symbol reads are answered from the last snapshot.
package weather

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/toolink/exthost/extension"
)

// Name is the resolver name.
const Name = "weather-data"

// Symbols answered by the resolver.
const (
	SymbolDailyTemperatureForecast = "DailyTemperatureForecast"
	SymbolCurrentWindSpeed         = "CurrentWindSpeed"
	SymbolCurrentTemperature       = "CurrentTemperature"
	SymbolCurrentRainfall          = "CurrentRainfall"
	SymbolLastRefresh              = "LastRefresh"
)

// Defaults used when a setting is omitted.
const (
	DefaultLatitude  = 51.87895
	DefaultLongitude = 8.4727
	DefaultTimezone  = "Europe/Berlin"
	DefaultInterval  = 300 * time.Second
)

type settings struct {
	Latitude  float64       `mapstructure:"latitude"`
	Longitude float64       `mapstructure:"longitude"`
	Timezone  string        `mapstructure:"timezone"`
	BaseURL   string        `mapstructure:"baseUrl"`
	Interval  time.Duration `mapstructure:"interval"`
}

func defaultSettings() settings {
	return settings{
		Latitude:  DefaultLatitude,
		Longitude: DefaultLongitude,
		Timezone:  DefaultTimezone,
		BaseURL:   DefaultBaseURL,
		Interval:  DefaultInterval,
	}
}

func (s settings) validate() error {
	switch {
	case s.Latitude < -90 || s.Latitude > 90:
		return fmt.Errorf("%w: latitude %v out of range", extension.ErrConfiguration, s.Latitude)
	case s.Longitude < -180 || s.Longitude > 180:
		return fmt.Errorf("%w: longitude %v out of range", extension.ErrConfiguration, s.Longitude)
	case s.Interval <= 0:
		return fmt.Errorf("%w: interval must be positive, got %s", extension.ErrConfiguration, s.Interval)
	case s.Timezone == "":
		return fmt.Errorf("%w: timezone must not be empty", extension.ErrConfiguration)
	}
	return nil
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithFetcher replaces the HTTP fetcher. Settings that only concern the
// HTTP fetcher (baseUrl) are ignored then.
func WithFetcher(f Fetcher) Option {
	return func(r *Resolver) {
		r.fetcher = f
	}
}

// WithHTTPClient sets the client used by the default HTTP fetcher.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Resolver) {
		r.httpClient = c
	}
}

// WithSharedStore makes replicas of the same domain share one fetch per
// interval through Redis.
func WithSharedStore(client redis.UniversalClient) Option {
	return func(r *Resolver) {
		r.shared = client
	}
}

// Resolver implements extension.Resolver and extension.Refresher.
type Resolver struct {
	fetcher    Fetcher
	httpClient *http.Client
	shared     redis.UniversalClient

	location Location
	interval time.Duration
	source   Fetcher
	closer   *SharedFetcher

	report extension.Cached[Report]
}

// New creates an uninitialized resolver.
func New(opts ...Option) *Resolver {
	r := &Resolver{}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Resolver) Name() string { return Name }

// Init decodes the location and interval settings and prepares the
// fetcher. The first fetch happens in the first refresh cycle.
func (r *Resolver) Init(_ context.Context, env extension.Env, raw extension.Settings) error {
	s := defaultSettings()
	if err := raw.Decode(&s); err != nil {
		return err
	}
	if err := s.validate(); err != nil {
		return err
	}

	r.location = Location{Latitude: s.Latitude, Longitude: s.Longitude, Timezone: s.Timezone}
	r.interval = s.Interval

	r.source = r.fetcher
	if r.source == nil {
		r.source = NewHTTPFetcher(s.BaseURL, r.httpClient)
	}
	if r.shared != nil {
		r.closer = NewSharedFetcher(r.shared, env.Domain(), s.Interval, r.source)
		r.source = r.closer
	}

	log.Info().
		Str("domain", env.Domain()).
		Float64("latitude", s.Latitude).
		Float64("longitude", s.Longitude).
		Dur("interval", s.Interval).
		Bool("shared", r.closer != nil).
		Msg("weather resolver initialized")
	return nil
}

func (r *Resolver) Symbols() extension.Symbols {
	return extension.Symbols{
		SymbolDailyTemperatureForecast: r.read(func(rep Report) any {
			if rep.Forecast == nil {
				return []float64{}
			}
			// the snapshot is shared, callers get their own copy
			return slices.Clone(rep.Forecast)
		}),
		SymbolCurrentWindSpeed:   r.read(func(rep Report) any { return rep.WindSpeed }),
		SymbolCurrentTemperature: r.read(func(rep Report) any { return rep.Temperature }),
		SymbolCurrentRainfall:    r.read(func(rep Report) any { return rep.Rainfall }),
		SymbolLastRefresh: r.read(func(rep Report) any {
			if rep.FetchedAt.IsZero() {
				return ""
			}
			return rep.FetchedAt.Format(time.RFC3339)
		}),
	}
}

// read returns a handler projecting one field of the current snapshot.
func (r *Resolver) read(field func(Report) any) extension.SymbolFunc {
	return func(context.Context, extension.Context, *extension.Command) (any, error) {
		return field(r.report.Load()), nil
	}
}

// Refresh fetches a new report and publishes it in one step.
func (r *Resolver) Refresh(ctx context.Context) error {
	rep, err := r.source.Fetch(ctx, r.location)
	if err != nil {
		return err
	}
	if rep.FetchedAt.IsZero() {
		rep.FetchedAt = time.Now().UTC()
	}
	r.report.Store(rep)
	return nil
}

func (r *Resolver) RefreshInterval() time.Duration {
	return r.interval
}

// Current returns the last published report and whether one exists.
func (r *Resolver) Current() (Report, bool) {
	return r.report.Load(), r.report.Loaded()
}

// Close gives up the shared refresh lease.
func (r *Resolver) Close(ctx context.Context) error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close(ctx)
}

var (
	_ extension.Resolver  = (*Resolver)(nil)
	_ extension.Refresher = (*Resolver)(nil)
	_ extension.Closer    = (*Resolver)(nil)
)
