package distlock

import (
	"github.com/redis/go-redis/v9"
	"github.com/smallbiznis/keymint/internal/config"
	"go.uber.org/fx"
)

func newRedisClient(cfg config.Config) *redis.Client {
	if cfg.RedisAddr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
	})
}

var Module = fx.Module("distlock",
	fx.Provide(
		newRedisClient,
		New,
	),
)
