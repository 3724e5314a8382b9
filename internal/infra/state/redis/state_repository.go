package redisstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/isaacncz/Eat-Spin-sub000/internal/infra/state"
	"github.com/isaacncz/Eat-Spin-sub000/internal/repository"
)

const (
	// 乐观事务因 WATCH 冲突失败时的最大重试次数
	maxTxRetries = 16
	// 默认会话租约时长
	defaultLeaseTTL = 30 * time.Second
)

// ErrTxContention 表示事务重试次数耗尽
var ErrTxContention = errors.New("redis: transaction aborted after repeated contention")

// RedisStateBackend 是实时存储的 Redis 实现。
// 数据树使用叶子键 + 子节点集合表示，变化通过 PUBLISH 通知订阅者。
type RedisStateBackend struct {
	client    *redis.Client
	keyPrefix string
	leaseTTL  time.Duration
	log       *logrus.Entry
}

// NewRedisStateBackend 创建 RedisStateBackend 实例
func NewRedisStateBackend(client *redis.Client, keyPrefix string, leaseTTL time.Duration) *RedisStateBackend {
	if client == nil {
		panic("redis client cannot be nil for RedisStateBackend")
	}
	if keyPrefix == "" {
		keyPrefix = "es:" // 默认前缀 "es:" (eat spin)
	}
	if leaseTTL <= 0 {
		leaseTTL = defaultLeaseTTL
	}
	return &RedisStateBackend{
		client:    client,
		keyPrefix: keyPrefix,
		leaseTTL:  leaseTTL,
		log:       logrus.WithField("component", "redis_state"),
	}
}

// --- Key Generation Helpers ---
func (b *RedisStateBackend) nodeKey(path string) string {
	return b.keyPrefix + "n:" + path
}

func (b *RedisStateBackend) childrenKey(path string) string {
	return b.keyPrefix + "c:" + path
}

// pathKeys 是脚本在 KEYS 中声明的 path 自身的两个键
func (b *RedisStateBackend) pathKeys(path string) []string {
	return []string{b.nodeKey(path), b.childrenKey(path)}
}

func (b *RedisStateBackend) eventChannel(path string) string {
	return b.keyPrefix + "ev:" + path
}

func (b *RedisStateBackend) sessionsKey() string {
	return b.keyPrefix + "sessions"
}

func (b *RedisStateBackend) leaseKey(sessionID string) string {
	return fmt.Sprintf("%ssession:%s", b.keyPrefix, sessionID)
}

func (b *RedisStateBackend) hooksKey(sessionID string) string {
	return fmt.Sprintf("%ssession:%s:hooks", b.keyPrefix, sessionID)
}

// --- 数据树操作 ---

func (b *RedisStateBackend) get(ctx context.Context, path string) (json.RawMessage, bool, error) {
	val, err := b.client.Get(ctx, b.nodeKey(path)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("redis: failed to get %s: %w", path, err)
	}
	return json.RawMessage(val), true, nil
}

func (b *RedisStateBackend) set(ctx context.Context, path string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("redis: failed to marshal value for %s: %w", path, err)
	}
	if err := setScript.Run(ctx, b.client, []string{b.nodeKey(path)}, b.keyPrefix, path, string(raw)).Err(); err != nil {
		return fmt.Errorf("redis: failed to set %s: %w", path, err)
	}
	b.publish(ctx, path)
	return nil
}

func (b *RedisStateBackend) remove(ctx context.Context, path string) error {
	removed, err := removeScript.Run(ctx, b.client, b.pathKeys(path), b.keyPrefix, path).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis: failed to remove %s: %w", path, err)
	}
	if len(removed) > 0 {
		b.publish(ctx, removed...)
	}
	return nil
}

func (b *RedisStateBackend) childKeys(ctx context.Context, path string) ([]string, error) {
	keys, err := b.client.SMembers(ctx, b.childrenKey(path)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: failed to list children of %s: %w", path, err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *RedisStateBackend) snapshot(ctx context.Context, path string) (repository.Snapshot, error) {
	snap := repository.Snapshot{Path: path, Children: make(map[string]json.RawMessage)}

	pipe := b.client.Pipeline()
	leafCmd := pipe.Get(ctx, b.nodeKey(path))
	membersCmd := pipe.SMembers(ctx, b.childrenKey(path))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return snap, fmt.Errorf("redis: failed to read snapshot of %s: %w", path, err)
	}
	if leaf, err := leafCmd.Bytes(); err == nil {
		snap.Exists = true
		snap.Value = json.RawMessage(leaf)
	}
	members := membersCmd.Val()
	if len(members) == 0 {
		return snap, nil
	}
	snap.Exists = true

	keys := make([]string, len(members))
	for i, m := range members {
		keys[i] = b.nodeKey(path + "/" + m)
	}
	values, err := b.client.MGet(ctx, keys...).Result()
	if err != nil {
		return snap, fmt.Errorf("redis: failed to read children of %s: %w", path, err)
	}
	for i, v := range values {
		if s, ok := v.(string); ok {
			snap.Children[members[i]] = json.RawMessage(s)
		}
	}
	return snap, nil
}

func (b *RedisStateBackend) replaceChildren(ctx context.Context, path string, children map[string]interface{}) error {
	args := []interface{}{b.keyPrefix, path}
	for k, v := range children {
		if k == "" || strings.Contains(k, "/") {
			return fmt.Errorf("redis: invalid child key %q", k)
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("redis: failed to marshal child %s/%s: %w", path, k, err)
		}
		args = append(args, k, string(raw))
	}
	changed, err := replaceChildrenScript.Run(ctx, b.client, b.pathKeys(path), args...).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis: failed to replace children of %s: %w", path, err)
	}
	b.publish(ctx, append(changed, path)...)
	return nil
}

// transaction 使用 WATCH/MULTI 实现单键比较并交换
func (b *RedisStateBackend) transaction(ctx context.Context, path string, fn repository.TxFunc) (bool, error) {
	key := b.nodeKey(path)
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		committed := false
		err := b.client.Watch(ctx, func(tx *redis.Tx) error {
			cur, err := tx.Get(ctx, key).Bytes()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			next, ok := fn(cur)
			if !ok {
				return nil
			}
			raw, err := json.Marshal(next)
			if err != nil {
				return fmt.Errorf("marshal transaction result: %w", err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, string(raw), 0)
				b.linkAncestors(ctx, pipe, path)
				return nil
			})
			if err == nil {
				committed = true
			}
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			b.log.WithFields(logrus.Fields{"path": path, "attempt": attempt + 1}).Debug("Transaction conflict, retrying")
			continue
		}
		if err != nil {
			return false, fmt.Errorf("redis: transaction on %s failed: %w", path, err)
		}
		if committed {
			b.publish(ctx, path)
		}
		return committed, nil
	}
	return false, ErrTxContention
}

// linkAncestors 在流水线中把 path 登记到各祖先的子节点集合，与 luaLink 等价
func (b *RedisStateBackend) linkAncestors(ctx context.Context, pipe redis.Pipeliner, path string) {
	child := path
	for _, parent := range state.Ancestors(path) {
		pipe.SAdd(ctx, b.childrenKey(parent), child[len(parent)+1:])
		child = parent
	}
}

// publish 向变化路径及其所有祖先的频道发送通知，payload 为变化的路径
func (b *RedisStateBackend) publish(ctx context.Context, paths ...string) {
	seen := make(map[string]string)
	for _, p := range paths {
		if _, ok := seen[p]; !ok {
			seen[p] = p
		}
		for _, a := range state.Ancestors(p) {
			if _, ok := seen[a]; !ok {
				seen[a] = p
			}
		}
	}
	pipe := b.client.Pipeline()
	for channelPath, changed := range seen {
		pipe.Publish(ctx, b.eventChannel(channelPath), changed)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		b.log.WithFields(logrus.Fields{
			"paths":         paths,
			"channel_count": len(seen),
		}).WithError(err).Error("Redis Publish failed")
	}
}

// runHooks 执行某个会话登记的全部断线清理
func (b *RedisStateBackend) runHooks(ctx context.Context, sessionID string) (int, error) {
	hooks, err := b.client.HGetAll(ctx, b.hooksKey(sessionID)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: failed to load hooks of session %s: %w", sessionID, err)
	}
	for _, path := range hooks {
		if err := b.remove(ctx, path); err != nil {
			return 0, err
		}
	}
	pipe := b.client.TxPipeline()
	pipe.Del(ctx, b.hooksKey(sessionID), b.leaseKey(sessionID))
	pipe.SRem(ctx, b.sessionsKey(), sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return len(hooks), fmt.Errorf("redis: failed to drop session %s: %w", sessionID, err)
	}
	return len(hooks), nil
}

// ReapExpiredSessions 实现 repository.SessionReaper。
// 租约已过期的会话视为异常断线，执行其断线清理。
func (b *RedisStateBackend) ReapExpiredSessions(ctx context.Context, dryRun bool) (int, error) {
	ids, err := b.client.SMembers(ctx, b.sessionsKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: failed to list sessions: %w", err)
	}
	reaped := 0
	for _, id := range ids {
		alive, err := b.client.Exists(ctx, b.leaseKey(id)).Result()
		if err != nil {
			return reaped, fmt.Errorf("redis: failed to check lease of session %s: %w", id, err)
		}
		if alive > 0 {
			continue
		}
		reaped++
		logCtx := b.log.WithFields(logrus.Fields{"session_id": id, "dry_run": dryRun})
		if dryRun {
			logCtx.Info("Expired session would be reaped")
			continue
		}
		n, err := b.runHooks(ctx, id)
		if err != nil {
			return reaped, err
		}
		logCtx.WithField("hooks", n).Info("Expired session reaped")
	}
	return reaped, nil
}

func errInvalidPath(path string) error {
	return fmt.Errorf("redis: invalid path %q", path)
}
