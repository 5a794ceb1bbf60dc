package limiter

import (
	"fmt"
	"regexp"

	"github.com/rs/zerolog/log"
)

// Valid LimitBy types
var validLimitBy = map[string]bool{
	LimitByDomain:   true,
	LimitByUser:     true,
	LimitBySession:  true,
	LimitByClientIP: true,
}

// Rule defines a single rate limiting rule.
type Rule struct {
	Symbol  string   `yaml:"symbol" mapstructure:"symbol"`     // symbol name (can be regex if IsRegex is true)
	IsRegex bool     `yaml:"is_regex" mapstructure:"is_regex"` // indicates if Symbol is a regex
	Rate    float64  `yaml:"rate" mapstructure:"rate"`         // number of allowed commands (tokens)
	Period  float64  `yaml:"period" mapstructure:"period"`     // time window in seconds
	LimitBy []string `yaml:"limit_by" mapstructure:"limit_by"` // metadata keys to limit by ("domain", "user", "session", "client_ip")

	// internal fields
	compiledRegex *regexp.Regexp // compiled regex for performance
}

// Config holds the overall rate limiter configuration.
type Config struct {
	StorageType string `yaml:"storage_type" mapstructure:"storage_type"` // "memory" or "redis"
	KeyPrefix   string `yaml:"key_prefix" mapstructure:"key_prefix"`     // redis key prefix
	Rules       []Rule `yaml:"rules" mapstructure:"rules"`
}

// ValidateAndPrepare processes the raw config, validates it, and prepares internal fields.
func (c *Config) ValidateAndPrepare() error {
	if c.StorageType == "" {
		c.StorageType = StorageMemory
	}
	if c.StorageType != StorageMemory && c.StorageType != StorageRedis {
		return fmt.Errorf("invalid storage_type: %s, must be '%s' or '%s'", c.StorageType, StorageMemory, StorageRedis)
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = defaultKeyPrefix
	}

	if len(c.Rules) == 0 {
		log.Warn().Msg("no rate limit rules defined in config")
	}

	seenSymbols := make(map[string]bool)
	for i := range c.Rules {
		rule := &c.Rules[i] // operate on pointer to modify original slice element

		if rule.Symbol == "" {
			return fmt.Errorf("rule %d has no symbol", i)
		}
		if seenSymbols[rule.Symbol] {
			return fmt.Errorf("duplicate symbol definition found: %s", rule.Symbol)
		}
		seenSymbols[rule.Symbol] = true

		if rule.Rate <= 0 {
			return fmt.Errorf("rule for symbol '%s' has invalid rate: %f, must be positive", rule.Symbol, rule.Rate)
		}
		if rule.Period <= 0 {
			return fmt.Errorf("rule for symbol '%s' has invalid period: %f, must be positive", rule.Symbol, rule.Period)
		}

		if rule.IsRegex {
			// a regex rule has to match the whole symbol
			re, err := regexp.Compile("^(?:" + rule.Symbol + ")$")
			if err != nil {
				return fmt.Errorf("failed to compile regex for symbol '%s': %w", rule.Symbol, err)
			}
			rule.compiledRegex = re
		}

		// an empty limit_by means one bucket for the whole symbol
		for _, lb := range rule.LimitBy {
			if !validLimitBy[lb] {
				return fmt.Errorf("rule for symbol '%s' has invalid limit_by type: '%s'", rule.Symbol, lb)
			}
		}
	}
	return nil
}
