package extension

import (
	"fmt"
	"reflect"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/toolink/exthost/meta"
)

// Command is one symbol plus its value slots, exchanged with the host. The
// runtime fills ReadValue, ExtensionResult and ResultString in place.
type Command struct {
	Symbol          string `json:"symbol"`
	WriteValue      any    `json:"writeValue,omitempty"`
	ReadValue       any    `json:"readValue,omitempty"`
	ExtensionResult uint32 `json:"extensionResult,omitempty"`
	ResultString    string `json:"resultString,omitempty"`
}

// NewCommand creates a read command for symbol.
func NewCommand(symbol string) *Command {
	return &Command{Symbol: symbol}
}

// Answered reports whether a value was written to the command.
func (c *Command) Answered() bool {
	return c != nil && c.ReadValue != nil
}

// ConfigSymbol returns the symbol addressing a configuration value of domain.
func ConfigSymbol(domain, name string) string {
	return fmt.Sprintf("%s.Config::%s", domain, name)
}

// Context is the request-scope metadata that accompanies a batch of
// commands. The runtime does not interpret it beyond handing its fields to
// the metadata of the handler context.
type Context struct {
	Domain   string         `json:"domain,omitempty"`
	User     string         `json:"user,omitempty"`
	Session  string         `json:"session,omitempty"`
	ClientIP string         `json:"clientIp,omitempty"`
	Values   map[string]any `json:"values,omitempty"`
}

// Metadata converts the request context to request metadata. fallbackDomain
// is used when the host left the domain empty.
func (c Context) Metadata(fallbackDomain string) *meta.Metadata {
	values := make(map[string]any, len(c.Values)+4)
	for k, v := range c.Values {
		values[k] = v
	}
	domain := c.Domain
	if domain == "" {
		domain = fallbackDomain
	}
	values[meta.KeyDomain] = domain
	values[meta.KeyUser] = c.User
	values[meta.KeySession] = c.Session
	values[meta.KeyClientIP] = c.ClientIP
	return meta.FromMap(values)
}

// Settings is the configuration bag handed to Init. Recognised keys are
// defined by each resolver.
type Settings map[string]any

// Decode copies the settings into out, a pointer to a struct with
// mapstructure tags. Unknown keys are rejected. Durations accept Go
// duration strings ("5m") or plain numbers of seconds.
func (s Settings) Decode(out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			secondsToDurationHook,
		),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           out,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	if err := dec.Decode(map[string]any(s)); err != nil {
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	return nil
}

var durationType = reflect.TypeOf(time.Duration(0))

func secondsToDurationHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to != durationType {
		return data, nil
	}
	switch v := data.(type) {
	case int:
		return time.Duration(v) * time.Second, nil
	case int64:
		return time.Duration(v) * time.Second, nil
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	default:
		return data, nil
	}
}
