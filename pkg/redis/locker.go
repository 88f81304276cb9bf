package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"referral-engine/pkg/rediskey"
	"referral-engine/pkg/util"

	"github.com/go-co-op/gocron/v2"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned when another process owns the lock.
var ErrLockHeld = errors.New("lock held by another process")

var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker is a gocron.Locker backed by SET NX with a TTL.
type Locker struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

var _ gocron.Locker = (*Locker)(nil)

func NewLocker(rdb redis.UniversalClient, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Locker{rdb: rdb, ttl: ttl}
}

func (l *Locker) Lock(ctx context.Context, key string) (gocron.Lock, error) {
	token, err := util.RandomString(16, util.AlphabetUpperNumeric)
	if err != nil {
		return nil, err
	}

	redisKey := rediskey.BuildLockKey(key)
	ok, err := l.rdb.SetNX(ctx, redisKey, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", redisKey, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}

	return &lock{rdb: l.rdb, key: redisKey, token: token}, nil
}

type lock struct {
	rdb   redis.UniversalClient
	key   string
	token string
}

// Unlock only releases the key if it still carries our token.
func (l *lock) Unlock(ctx context.Context) error {
	return unlockScript.Run(ctx, l.rdb, []string{l.key}, l.token).Err()
}
