// Package limiter rate limits commands per symbol with token buckets kept in
// memory or in Redis. Buckets are keyed by the request metadata of the batch
// a command arrived in.
package limiter

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/toolink/exthost/meta"
)

// Extractor returns the identifier a bucket is keyed by for limitType, or ""
// when the request does not carry one.
type Extractor func(ctx context.Context, limitType string) string

// MetadataExtractor reads identifiers from the request metadata in ctx.
func MetadataExtractor(ctx context.Context, limitType string) string {
	return meta.FromContext(ctx).String(limitType)
}

// RateLimiter contains the configuration and store for rate limiting.
type RateLimiter struct {
	config       *Config
	store        Store
	extractValue Extractor // function to extract identifier value from context
}

// NewRateLimiter creates a new RateLimiter instance. cfg must have passed
// ValidateAndPrepare.
func NewRateLimiter(cfg *Config, store Store) *RateLimiter {
	return &RateLimiter{
		config:       cfg,
		store:        store,
		extractValue: MetadataExtractor,
	}
}

// SetExtractor replaces the function extracting identifier values from the context.
func (rl *RateLimiter) SetExtractor(extractor Extractor) {
	rl.extractValue = extractor
}

// Limit reports whether a command for symbol must be rejected. Store
// failures are logged and let the command through.
func (rl *RateLimiter) Limit(ctx context.Context, symbol string) bool {
	if rl == nil || rl.config == nil {
		return false
	}
	if rl.extractValue == nil {
		log.Error().Msg("extractor function not set, cannot limit commands")
		return false
	}

	for i := range rl.config.Rules {
		rule := &rl.config.Rules[i]
		if !symbolMatches(symbol, rule) {
			continue
		}
		log.Debug().Str("symbol", symbol).Str("rule_symbol", rule.Symbol).Msg("matched rule")

		limited, err := rl.applyRuleLimits(ctx, rule)
		if err != nil {
			log.Error().Err(err).Str("symbol", symbol).Str("rule_symbol", rule.Symbol).Msg("rate limit check failed")
			return false
		}
		if limited {
			log.Warn().Str("symbol", symbol).Str("rule_symbol", rule.Symbol).Msg("rate limit triggered for rule")
			return true
		}
	}
	return false
}

// symbolMatches checks if the command symbol matches the rule (exact or regex).
func symbolMatches(symbol string, rule *Rule) bool {
	if rule.IsRegex {
		return rule.compiledRegex != nil && rule.compiledRegex.MatchString(symbol)
	}
	return rule.Symbol == symbol
}

// applyRuleLimits checks limits for all LimitBy types specified in the rule.
// Returns true if rate limited, false otherwise. Error if store fails.
func (rl *RateLimiter) applyRuleLimits(ctx context.Context, rule *Rule) (bool, error) {
	if len(rule.LimitBy) == 0 {
		return rl.take(ctx, rule, "global", "*")
	}
	for _, limitType := range rule.LimitBy {
		value := rl.extractValue(ctx, limitType)
		if value == "" {
			// identifier missing from the request, skip limiting by this type
			log.Debug().Str("rule_symbol", rule.Symbol).Str("limit_by", limitType).Msg("identifier value missing, skipping this limit type")
			continue
		}
		limited, err := rl.take(ctx, rule, limitType, value)
		if err != nil || limited {
			return limited, err
		}
	}
	return false, nil
}

func (rl *RateLimiter) take(ctx context.Context, rule *Rule, limitType, value string) (bool, error) {
	key := generateStoreKey(rule, limitType, value)
	allowed, err := rl.store.Allow(ctx, key, rule.Rate, rule.Period)
	if err != nil {
		return false, fmt.Errorf("store error for key %s: %w", key, err)
	}
	if !allowed {
		log.Warn().Str("key", key).Str("limit_type", limitType).Str("value", value).Str("rule_symbol", rule.Symbol).Float64("rate", rule.Rate).Float64("period", rule.Period).Msg("rate limit exceeded for identifier")
		return true, nil
	}
	return false, nil
}

// generateStoreKey creates a unique string key for the store.
// Format: rule:<Rule.Symbol>|by:<LimitType>|val:<Value>
func generateStoreKey(rule *Rule, limitType string, value string) string {
	return fmt.Sprintf("rule:%s|by:%s|val:%s", rule.Symbol, limitType, value)
}
