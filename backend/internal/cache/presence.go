package cache

import (
	"context"
	"errors"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// PresenceCache 记录每个房间当前在线的会话，供多个实例共享在线状态
type PresenceCache interface {
	AddMember(ctx context.Context, roomID, clientID string, ttl time.Duration) error
	RemoveMember(ctx context.Context, roomID, clientID string) error
	AliveMembers(ctx context.Context, roomID string) ([]string, error)
}

// 具体实现：基于 redis 的 PresenceCache。单机和集群都用 UniversalClient
type redisPresence struct {
	rdb redis.UniversalClient
}

func NewRedisPresence(rdb redis.UniversalClient) PresenceCache {
	return &redisPresence{rdb: rdb}
}

// 清理过期成员，返回清理掉的人数
var sweepScript = redis.NewScript(`
-- KEYS[1] = roomKey(roomID)
-- ARGV[1] = now (unix seconds)
return redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
`)

func (p *redisPresence) AddMember(ctx context.Context, roomID, clientID string, ttl time.Duration) error {
	// 刷新 TTL 也直接调用 AddMember
	// score 使用 expireAt（Unix 秒），表达“逻辑 TTL”
	expireAt := time.Now().Add(ttl).Unix()
	return p.rdb.ZAdd(ctx, roomKey(roomID), redis.Z{Score: float64(expireAt), Member: clientID}).Err()
}

func (p *redisPresence) RemoveMember(ctx context.Context, roomID, clientID string) error {
	if err := p.rdb.ZRem(ctx, roomKey(roomID), clientID).Err(); err != nil {
		return err
	}
	return p.sweep(ctx, roomID, time.Now().Unix())
}

func (p *redisPresence) AliveMembers(ctx context.Context, roomID string) ([]string, error) {
	now := time.Now().Unix()
	if err := p.sweep(ctx, roomID, now); err != nil {
		return nil, err
	}
	members, err := p.rdb.ZRangeByScore(ctx, roomKey(roomID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10), // > now
		Max: "+inf",
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	return members, nil
}

func (p *redisPresence) sweep(ctx context.Context, roomID string, now int64) error {
	err := sweepScript.Run(ctx, p.rdb, []string{roomKey(roomID)}, now).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return nil
}
