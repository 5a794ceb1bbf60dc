// Package redlb announces running extensions in Redis and resolves them
// (or the host they talk to) by service name. Instances live under
// "<prefix>:<service>:<id>" with a TTL that a heartbeat keeps renewing, so a
// crashed process disappears on its own.
package redlb

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Instance is one registered process.
type Instance struct {
	ID        string            `json:"id"`
	Service   string            `json:"service"`   // service name, the domain for extensions
	Address   string            `json:"address"`   // host:port clients dial
	Extension string            `json:"extension"` // resolver name, empty for hosts
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func (in *Instance) String() string {
	return fmt.Sprintf("%s/%s@%s", in.Service, in.ID, in.Address)
}

// Registry registers and discovers instances.
type Registry interface {
	// Register stores the instance and keeps it alive until Deregister or
	// Close. An empty ID is replaced by a generated one.
	Register(ctx context.Context, instance *Instance) error

	// Deregister stops the heartbeat and removes the instance.
	Deregister(ctx context.Context, instance *Instance) error

	// Discover returns the live instances of service, ordered by ID.
	Discover(ctx context.Context, service string) ([]*Instance, error)

	// Watch emits the instance list of service once immediately and again
	// whenever it changes, until ctx is done.
	Watch(ctx context.Context, service string) (<-chan []*Instance, error)

	// Close stops all heartbeats. The Redis client stays open.
	Close() error
}

// fingerprint identifies an instance list for change detection. It sorts
// instances in place.
func fingerprint(instances []*Instance) string {
	if len(instances) == 0 {
		return "empty"
	}
	sortInstances(instances)

	var sb strings.Builder
	for i, in := range instances {
		if i > 0 {
			sb.WriteByte(';')
		}
		sb.WriteString(in.ID)
		sb.WriteByte('@')
		sb.WriteString(in.Address)
	}
	return sb.String()
}

func sortInstances(instances []*Instance) {
	sort.SliceStable(instances, func(i, j int) bool {
		return instances[i].ID < instances[j].ID
	})
}
