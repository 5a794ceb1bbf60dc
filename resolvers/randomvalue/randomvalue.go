// Package randomvalue is an on-demand resolver: every RandomValue command
// asks the host for the domain's maxRandom setting and answers with a
// uniformly distributed integer in [0, maxRandom].
package randomvalue

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/toolink/exthost/extension"
)

// Name is the resolver name.
const Name = "random-value"

// Symbols answered by the resolver.
const (
	SymbolRandomValue         = "RandomValue"
	SymbolMaxRandomFromConfig = "MaxRandomFromConfig"
)

// ConfigMaxRandom is the configuration value bounding RandomValue.
const ConfigMaxRandom = "maxRandom"

type settings struct {
	Seed *int64 `mapstructure:"seed"`
}

// Resolver implements extension.Resolver.
type Resolver struct {
	env extension.Env

	mu  sync.Mutex // rand.Rand is not safe for concurrent use
	rnd *rand.Rand
}

// New creates an uninitialized resolver.
func New() *Resolver {
	return &Resolver{}
}

func (r *Resolver) Name() string { return Name }

// Init accepts an optional "seed" setting for a reproducible sequence.
func (r *Resolver) Init(ctx context.Context, env extension.Env, raw extension.Settings) error {
	var s settings
	if err := raw.Decode(&s); err != nil {
		return err
	}
	seed := time.Now().UnixNano()
	if s.Seed != nil {
		seed = *s.Seed
		log.Debug().Int64("seed", seed).Msg("random value generator seeded from settings")
	}
	r.env = env
	r.rnd = rand.New(rand.NewSource(seed))
	return nil
}

func (r *Resolver) Symbols() extension.Symbols {
	return extension.Symbols{
		SymbolRandomValue:         r.randomValue,
		SymbolMaxRandomFromConfig: r.maxRandomFromConfig,
	}
}

func (r *Resolver) randomValue(ctx context.Context, _ extension.Context, _ *extension.Command) (any, error) {
	max, err := r.maxRandom(ctx)
	if err != nil {
		return nil, err
	}
	return r.intn(max), nil
}

func (r *Resolver) maxRandomFromConfig(ctx context.Context, _ extension.Context, _ *extension.Command) (any, error) {
	return r.maxRandom(ctx)
}

// maxRandom reads the current bound from the host. It is not cached so a
// configuration change applies to the next request.
func (r *Resolver) maxRandom(ctx context.Context) (int64, error) {
	raw, err := r.env.ConfigValue(ctx, ConfigMaxRandom)
	if err != nil {
		return 0, err
	}
	return toInt64(raw)
}

// intn returns a uniform integer in [0, max].
func (r *Resolver) intn(max int64) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if max == math.MaxInt64 {
		return r.rnd.Int63()
	}
	return r.rnd.Int63n(max + 1)
}

// ValidateConfig rejects negative or non-integral maxRandom values before
// the host applies them.
func (r *Resolver) ValidateConfig(path string, value any) error {
	if path != ConfigMaxRandom {
		return nil
	}
	_, err := toInt64(value)
	return err
}

// toInt64 converts a configuration value to a non-negative integer. Values
// that crossed a JSON boundary arrive as float64.
func toInt64(v any) (int64, error) {
	var n int64
	switch x := v.(type) {
	case int:
		n = int64(x)
	case int32:
		n = int64(x)
	case int64:
		n = x
	case uint32:
		n = int64(x)
	case float64:
		if math.IsInf(x, 0) || x != math.Trunc(x) || x > math.MaxInt64 {
			return 0, fmt.Errorf("%w: %s must be an integer, got %v", extension.ErrInvalidValue, ConfigMaxRandom, x)
		}
		n = int64(x)
	case nil:
		return 0, fmt.Errorf("%w: %s is not set", extension.ErrInvalidValue, ConfigMaxRandom)
	default:
		return 0, fmt.Errorf("%w: %s has unsupported type %T", extension.ErrInvalidValue, ConfigMaxRandom, v)
	}
	if n < 0 {
		return 0, fmt.Errorf("%w: %s must not be negative, got %d", extension.ErrInvalidValue, ConfigMaxRandom, n)
	}
	return n, nil
}

var (
	_ extension.Resolver        = (*Resolver)(nil)
	_ extension.ConfigValidator = (*Resolver)(nil)
)
