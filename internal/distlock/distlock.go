package distlock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// releaseScript deletes the lock only when the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker is a best-effort distributed lock over Redis SET NX. With no
// Redis configured every TryLock succeeds, which degrades single-node
// deployments to the database-level uniqueness guards.
type Locker struct {
	client *redis.Client
	log    *zap.Logger
	ttl    time.Duration
}

type Lock struct {
	locker *Locker
	key    string
	token  string
}

func New(client *redis.Client, log *zap.Logger) *Locker {
	return &Locker{
		client: client,
		log:    log.Named("distlock"),
		ttl:    30 * time.Second,
	}
}

// TryLock acquires key for the locker's TTL. The second return is false
// when another holder owns the key.
func (l *Locker) TryLock(ctx context.Context, key string) (*Lock, bool, error) {
	if l == nil || l.client == nil {
		return &Lock{}, true, nil
	}
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		l.log.Warn("lock acquire failed, proceeding without lock",
			zap.String("key", key),
			zap.Error(err),
		)
		return &Lock{}, true, nil
	}
	if !ok {
		return nil, false, nil
	}
	return &Lock{locker: l, key: key, token: token}, true, nil
}

// Release frees the lock if this holder still owns it.
func (lk *Lock) Release(ctx context.Context) {
	if lk == nil || lk.locker == nil || lk.locker.client == nil {
		return
	}
	if err := releaseScript.Run(ctx, lk.locker.client, []string{lk.key}, lk.token).Err(); err != nil && err != redis.Nil {
		lk.locker.log.Warn("lock release failed",
			zap.String("key", lk.key),
			zap.Error(err),
		)
	}
}
