package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"commune/global"
	"commune/logger"
	"commune/service/proto"
)

const (
	keyPrefix = "commune:presence:"
	ttl       = 60 * time.Second
)

// Tracker mirrors who is online into redis so ops tooling and future
// nodes can see it. It is advisory: the in-process registry stays the
// authority, and a nil Tracker is a valid no-op.
type Tracker struct {
	rdb *redis.Client
}

// New connects to the configured redis. An empty address disables the
// tracker; a failed ping is reported but also degrades to disabled
// rather than blocking startup.
func New(ctx context.Context) *Tracker {
	cfg := global.Config.Redis
	if cfg.Addr == "" {
		return nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warnf("presence disabled, redis ping failed: %v", err)
		return nil
	}
	logger.Infof("presence tracking on redis %s", cfg.Addr)
	return &Tracker{rdb: rdb}
}

func key(user proto.UserID) string { return keyPrefix + user.String() }

// Online records a device coming online for a user. The value is the
// device count; the key expires unless refreshed.
func (t *Tracker) Online(ctx context.Context, user proto.UserID, device proto.DeviceID) {
	if t == nil {
		return
	}
	pipe := t.rdb.Pipeline()
	pipe.HSet(ctx, key(user), device.String(), time.Now().Unix())
	pipe.Expire(ctx, key(user), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		logger.Warnf("presence online %s: %v", user, err)
	}
}

// Offline removes one device; the key disappears with the last device.
func (t *Tracker) Offline(ctx context.Context, user proto.UserID, device proto.DeviceID) {
	if t == nil {
		return
	}
	if err := t.rdb.HDel(ctx, key(user), device.String()).Err(); err != nil {
		logger.Warnf("presence offline %s: %v", user, err)
	}
}

// Heartbeat refreshes the expiry and the device timestamp.
func (t *Tracker) Heartbeat(ctx context.Context, user proto.UserID, device proto.DeviceID) {
	if t == nil {
		return
	}
	pipe := t.rdb.Pipeline()
	pipe.HSet(ctx, key(user), device.String(), time.Now().Unix())
	pipe.Expire(ctx, key(user), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		logger.Warnf("presence heartbeat %s: %v", user, err)
	}
}

// IsOnline reports whether any device of the user is present.
func (t *Tracker) IsOnline(ctx context.Context, user proto.UserID) (bool, error) {
	if t == nil {
		return false, nil
	}
	n, err := t.rdb.HLen(ctx, key(user)).Result()
	if err != nil {
		return false, fmt.Errorf("presence lookup: %w", err)
	}
	return n > 0, nil
}
