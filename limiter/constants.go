package limiter

import "github.com/toolink/exthost/meta"

// LimitBy types. Each names the request metadata entry a bucket is keyed by.
const (
	LimitByDomain   = meta.KeyDomain
	LimitByUser     = meta.KeyUser
	LimitBySession  = meta.KeySession
	LimitByClientIP = meta.KeyClientIP
)

// Storage types
const (
	StorageMemory = "memory"
	StorageRedis  = "redis"
)

const defaultKeyPrefix = "exthost:ratelimit:"
