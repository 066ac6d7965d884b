package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/LeventeLantos/medication-reminders/internal/model"
)

type RedisCache struct {
	rdb      *redis.Client
	owner    string
	claimTTL time.Duration
	sentTTL  time.Duration
}

func NewRedisCache(rdb *redis.Client, owner string, claimTTL, sentTTL time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, owner: owner, claimTTL: claimTTL, sentTTL: sentTTL}
}

type sentValue struct {
	RemoteMessageID string    `json:"remoteMessageId"`
	Date            string    `json:"date"`
	SentAt          time.Time `json:"sentAt"`
}

func claimKey(itemID string, date model.Date) string {
	return fmt.Sprintf("claim:%s:%s", itemID, date)
}

func sentKey(itemID string) string {
	return fmt.Sprintf("sent:%s", itemID)
}

func (c *RedisCache) Claim(ctx context.Context, itemID string, date model.Date) (bool, error) {
	return c.rdb.SetNX(ctx, claimKey(itemID, date), c.owner, c.claimTTL).Result()
}

// releaseScript deletes the claim only if it still belongs to the caller.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (c *RedisCache) Release(ctx context.Context, itemID string, date model.Date) error {
	return releaseScript.Run(ctx, c.rdb, []string{claimKey(itemID, date)}, c.owner).Err()
}

func (c *RedisCache) StoreSent(ctx context.Context, itemID, remoteID string, date model.Date, sentAt time.Time) error {
	val := sentValue{
		RemoteMessageID: remoteID,
		Date:            date.String(),
		SentAt:          sentAt.UTC(),
	}

	b, err := json.Marshal(val)
	if err != nil {
		return err
	}

	return c.rdb.Set(ctx, sentKey(itemID), b, c.sentTTL).Err()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
