package sequence

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"referral-engine/pkg/rediskey"
	"referral-engine/pkg/util"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

var Module = fx.Module("sequence",
	fx.Provide(NewRedisGenerator),
)

type Generator interface {
	NextPayoutCode(ctx context.Context) (string, error)
}

type RedisGenerator struct {
	rdb   redis.UniversalClient
	clock clockwork.Clock
}

type Params struct {
	fx.In

	Redis *redis.Client
	Clock clockwork.Clock `optional:"true"`
}

func NewRedisGenerator(p Params) Generator {
	return New(p.Redis, p.Clock)
}

func New(rdb redis.UniversalClient, clock clockwork.Clock) *RedisGenerator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RedisGenerator{rdb: rdb, clock: clock}
}

// NextPayoutCode returns "PAY-yymmdd-<seq36><rand>".
func (g *RedisGenerator) NextPayoutCode(ctx context.Context) (string, error) {
	return g.nextDailyCode(ctx, "PAY")
}

func (g *RedisGenerator) nextDailyCode(ctx context.Context, prefix string) (string, error) {
	now := g.clock.Now().UTC()
	today := now.Format("060102")
	key := rediskey.BuildDailySequenceKey(prefix, today)

	seq, err := g.rdb.Incr(ctx, key).Result()
	if err != nil {
		return "", err
	}

	if seq == 1 {
		endOfDay := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
		_ = g.rdb.ExpireAt(ctx, key, endOfDay).Err()
	}

	encodedSeq := strings.ToUpper(fmt.Sprintf("%03s", strconv.FormatInt(seq, 36)))
	randSuffix, err := util.RandomString(2, util.AlphabetUnambiguous)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%s-%s-%s%s", prefix, today, encodedSeq, randSuffix), nil
}
