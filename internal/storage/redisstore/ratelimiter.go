package redisstore

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// ReportLimiter counts reports per client in fixed windows shared by every
// process that talks to the same Redis.
type ReportLimiter struct {
	c      *redis.Client
	prefix string
	limit  int64
	window time.Duration
	now    func() time.Time
}

func NewReportLimiter(s *Store, limit int64, window time.Duration) *ReportLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &ReportLimiter{
		c:      s.c,
		prefix: s.prefix + ":rl:report:",
		limit:  limit,
		window: window,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Allow increments the client's counter for the current window.
// It returns whether the call is within the limit and the current count.
func (rl *ReportLimiter) Allow(ctx context.Context, client string) (bool, int64, error) {
	bucket := rl.now().Truncate(rl.window).Unix()
	key := rl.prefix + client + ":" + strconv.FormatInt(bucket, 10)

	pipe := rl.c.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, rl.window+10*time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, errors.Wrap(err, "redis ratelimit")
	}
	n := incr.Val()
	return n <= rl.limit, n, nil
}
