package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"draft-collab-server/internal/domain"

	redis "github.com/redis/go-redis/v9"
)

// RedisPresenceCache keeps, per session, a set of members, a heartbeat key per
// member that expires after ttl, a hash of display names and a cursor key per
// member.
type RedisPresenceCache struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

type PresenceMember struct {
	UserID      string         `json:"user_id"`
	DisplayName string         `json:"display_name"`
	Cursor      *domain.Cursor `json:"cursor"`
}

func NewRedisPresenceCache(rdb *redis.Client, prefix string, ttl time.Duration) *RedisPresenceCache {
	return &RedisPresenceCache{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (c *RedisPresenceCache) roomKey(sessionID string) string {
	return c.prefix + "presence:room:" + sessionID
}

func (c *RedisPresenceCache) namesKey(sessionID string) string {
	return c.prefix + "presence:names:" + sessionID
}

func (c *RedisPresenceCache) memberKey(sessionID, userID string) string {
	return c.prefix + "presence:member:" + sessionID + ":" + userID
}

func (c *RedisPresenceCache) cursorKey(sessionID, userID string) string {
	return c.prefix + "presence:cursor:" + sessionID + ":" + userID
}

func (c *RedisPresenceCache) AddMember(ctx context.Context, sessionID string, p domain.Participant) error {
	pipe := c.rdb.Pipeline()
	pipe.SAdd(ctx, c.roomKey(sessionID), p.UserID)
	pipe.Set(ctx, c.memberKey(sessionID, p.UserID), p.Color, c.ttl)
	pipe.HSet(ctx, c.namesKey(sessionID), p.UserID, p.DisplayName)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to add presence member: %w", err)
	}
	return nil
}

func (c *RedisPresenceCache) Touch(ctx context.Context, sessionID, userID string) error {
	pipe := c.rdb.Pipeline()
	pipe.Expire(ctx, c.memberKey(sessionID, userID), c.ttl)
	pipe.Expire(ctx, c.cursorKey(sessionID, userID), c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to refresh presence: %w", err)
	}
	return nil
}

func (c *RedisPresenceCache) SetCursor(ctx context.Context, sessionID, userID string, cursor domain.Cursor) error {
	data, err := json.Marshal(cursor)
	if err != nil {
		return err
	}

	pipe := c.rdb.Pipeline()
	pipe.Set(ctx, c.cursorKey(sessionID, userID), data, c.ttl)
	pipe.Expire(ctx, c.memberKey(sessionID, userID), c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set cursor: %w", err)
	}
	return nil
}

func (c *RedisPresenceCache) RemoveMember(ctx context.Context, sessionID, userID string) error {
	pipe := c.rdb.Pipeline()
	pipe.SRem(ctx, c.roomKey(sessionID), userID)
	pipe.HDel(ctx, c.namesKey(sessionID), userID)
	pipe.Del(ctx, c.memberKey(sessionID, userID), c.cursorKey(sessionID, userID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remove presence member: %w", err)
	}
	return nil
}

// AliveMembers lists members whose heartbeat key has not expired, with their
// last mirrored cursor.
func (c *RedisPresenceCache) AliveMembers(ctx context.Context, sessionID string) ([]PresenceMember, error) {
	userIDs, err := c.rdb.SMembers(ctx, c.roomKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list presence members: %w", err)
	}
	if len(userIDs) == 0 {
		return nil, nil
	}

	pipe := c.rdb.Pipeline()
	exists := make([]*redis.IntCmd, len(userIDs))
	cursors := make([]*redis.StringCmd, len(userIDs))
	for i, userID := range userIDs {
		exists[i] = pipe.Exists(ctx, c.memberKey(sessionID, userID))
		cursors[i] = pipe.Get(ctx, c.cursorKey(sessionID, userID))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to read presence: %w", err)
	}

	alive := make([]string, 0, len(userIDs))
	members := make([]PresenceMember, 0, len(userIDs))
	for i, userID := range userIDs {
		if exists[i].Val() != 1 {
			continue
		}
		m := PresenceMember{UserID: userID}
		if raw, err := cursors[i].Bytes(); err == nil {
			var cursor domain.Cursor
			if json.Unmarshal(raw, &cursor) == nil {
				m.Cursor = &cursor
			}
		}
		alive = append(alive, userID)
		members = append(members, m)
	}
	if len(alive) == 0 {
		return nil, nil
	}

	names, err := c.rdb.HMGet(ctx, c.namesKey(sessionID), alive...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read display names: %w", err)
	}
	for i, v := range names {
		if name, ok := v.(string); ok {
			members[i].DisplayName = name
		}
	}

	return members, nil
}
