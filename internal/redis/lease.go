package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// releaseScript deletes the lease only if this holder still owns it, so a
// slow tick that outlives its TTL cannot release a lease someone else has
// since acquired.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lease is a coarse distributed lock. The dispatcher takes one per tick so
// that at most one instance scans the due set at a time; without it two
// instances could both select the same pending reminder.
type Lease struct {
	client *Client
	logger *zap.Logger
	token  string
}

// NewLease creates a lease helper with a unique holder token.
func NewLease(client *Client, logger *zap.Logger) *Lease {
	return &Lease{
		client: client,
		logger: logger,
		token:  uuid.NewString(),
	}
}

// Acquire attempts to take the named lease for ttl. Returns false when
// another holder has it.
func (l *Lease) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	ok, err := l.client.rdb.SetNX(ctx, "lease:"+name, l.token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	return ok, nil
}

// Release gives the lease back if this holder still owns it.
func (l *Lease) Release(ctx context.Context, name string) error {
	released, err := releaseScript.Run(ctx, l.client.rdb, []string{"lease:" + name}, l.token).Int()
	if err != nil {
		return fmt.Errorf("release lease %s: %w", name, err)
	}
	if released == 0 {
		l.logger.Warn("lease expired before release", zap.String("lease", name))
	}
	return nil
}
