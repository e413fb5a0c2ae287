// Package presence tracks which users were recently active, backed by
// expiring Redis keys.
package presence

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"study-match/internal/common/logger"
)

type Tracker struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger logger.Logger
	now    func() time.Time
}

// NewTracker stores presence keys as <prefix>presence:<user> living for ttl.
func NewTracker(rdb redis.UniversalClient, prefix string, ttl time.Duration, log logger.Logger) *Tracker {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Tracker{
		rdb:    rdb,
		prefix: prefix + "presence:",
		ttl:    ttl,
		logger: logger.ForComponent(log, "presence"),
		now:    time.Now,
	}
}

// Touch marks userID online for the next ttl.
func (t *Tracker) Touch(ctx context.Context, userID string) {
	if userID == "" {
		return
	}
	if err := t.rdb.Set(ctx, t.prefix+userID, strconv.FormatInt(t.now().Unix(), 10), t.ttl).Err(); err != nil {
		t.logger.Warn("presence touch failed", map[string]interface{}{"userId": userID, "error": err})
	}
}

// Online reports which of userIDs are online. On store errors everyone is
// reported offline.
func (t *Tracker) Online(ctx context.Context, userIDs []string) map[string]bool {
	out := make(map[string]bool, len(userIDs))
	if len(userIDs) == 0 {
		return out
	}

	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = t.prefix + id
	}
	values, err := t.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		t.logger.Warn("presence lookup failed", map[string]interface{}{"count": len(userIDs), "error": err})
		return out
	}
	for i, v := range values {
		out[userIDs[i]] = v != nil
	}
	return out
}
