// Package lock provides the non-blocking, fleet-wide mutex used to give
// periodic jobs single-runner semantics across replicas.
package lock

import (
	"context"
	"time"
)

// Locker is a named, non-reentrant, zero-wait mutex. TryAcquire returning
// false is the normal outcome when another replica holds the name. Release of a
// name this Locker does not hold is a no-op.
type Locker interface {
	TryAcquire(ctx context.Context, name string) (bool, error)
	Release(ctx context.Context, name string) error
}

// Extender is implemented by lockers whose locks expire after TTL. A holder
// running longer than TTL must call Extend before it lapses; false means the
// lock was lost.
type Extender interface {
	Extend(ctx context.Context, name string) (bool, error)
	TTL() time.Duration
}
