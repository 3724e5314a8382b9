package redisstate

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/isaacncz/Eat-Spin-sub000/internal/infra/state"
	"github.com/isaacncz/Eat-Spin-sub000/internal/repository"
)

// RedisStateSession 是一个客户端连接。
// 会话持有一个带 TTL 的租约键，由 keepalive 续期；断线清理钩子存放在会话的 hash 中，
// 主动 Close 时立即执行，进程异常退出时由清理任务在租约过期后执行。
type RedisStateSession struct {
	b   *RedisStateBackend
	id  string
	log *logrus.Entry

	mu       sync.Mutex
	closed   bool
	pubsub   *redis.PubSub
	watchers map[string]map[*state.Watcher]struct{} // channel -> watchers
	nextHook uint64

	stopKeepalive context.CancelFunc
	keepaliveDone chan struct{}
}

// Connect 实现 repository.StateBackend，创建会话并开始续租
func (b *RedisStateBackend) Connect(ctx context.Context) (repository.StateStore, error) {
	return b.NewSession(ctx)
}

// NewSession 创建会话
func (b *RedisStateBackend) NewSession(ctx context.Context) (*RedisStateSession, error) {
	id := uuid.NewString()
	pipe := b.client.TxPipeline()
	pipe.Set(ctx, b.leaseKey(id), "1", b.leaseTTL)
	pipe.SAdd(ctx, b.sessionsKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	kaCtx, cancel := context.WithCancel(context.Background())
	s := &RedisStateSession{
		b:             b,
		id:            id,
		log:           b.log.WithField("session_id", id),
		watchers:      make(map[string]map[*state.Watcher]struct{}),
		stopKeepalive: cancel,
		keepaliveDone: make(chan struct{}),
	}
	go s.keepalive(kaCtx)
	s.log.Debug("State session opened")
	return s, nil
}

// ID 返回会话 ID
func (s *RedisStateSession) ID() string { return s.id }

func (s *RedisStateSession) keepalive(ctx context.Context) {
	defer close(s.keepaliveDone)
	ticker := time.NewTicker(s.b.leaseTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.b.client.Expire(ctx, s.b.leaseKey(s.id), s.b.leaseTTL).Err(); err != nil && ctx.Err() == nil {
				s.log.WithError(err).Warn("Failed to refresh session lease")
			}
		}
	}
}

func (s *RedisStateSession) checkOpen(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return repository.ErrStoreClosed
	}
	if !state.ValidPath(path) {
		return errInvalidPath(path)
	}
	return nil
}

// Get 实现 repository.StateStore
func (s *RedisStateSession) Get(ctx context.Context, path string) (json.RawMessage, bool, error) {
	if err := s.checkOpen(path); err != nil {
		return nil, false, err
	}
	return s.b.get(ctx, path)
}

// Set 实现 repository.StateStore
func (s *RedisStateSession) Set(ctx context.Context, path string, value interface{}) error {
	if err := s.checkOpen(path); err != nil {
		return err
	}
	return s.b.set(ctx, path, value)
}

// Remove 实现 repository.StateStore
func (s *RedisStateSession) Remove(ctx context.Context, path string) error {
	if err := s.checkOpen(path); err != nil {
		return err
	}
	return s.b.remove(ctx, path)
}

// Children 实现 repository.StateStore
func (s *RedisStateSession) Children(ctx context.Context, path string) (map[string]json.RawMessage, error) {
	if err := s.checkOpen(path); err != nil {
		return nil, err
	}
	snap, err := s.b.snapshot(ctx, path)
	if err != nil {
		return nil, err
	}
	return snap.Children, nil
}

// ChildKeys 实现 repository.StateStore
func (s *RedisStateSession) ChildKeys(ctx context.Context, path string) ([]string, error) {
	if err := s.checkOpen(path); err != nil {
		return nil, err
	}
	return s.b.childKeys(ctx, path)
}

// ReplaceChildren 实现 repository.StateStore
func (s *RedisStateSession) ReplaceChildren(ctx context.Context, path string, children map[string]interface{}) error {
	if err := s.checkOpen(path); err != nil {
		return err
	}
	return s.b.replaceChildren(ctx, path, children)
}

// Transaction 实现 repository.StateStore
func (s *RedisStateSession) Transaction(ctx context.Context, path string, fn repository.TxFunc) (bool, error) {
	if err := s.checkOpen(path); err != nil {
		return false, err
	}
	return s.b.transaction(ctx, path, fn)
}

// Subscribe 实现 repository.StateStore。先订阅频道再读取初始快照。
func (s *RedisStateSession) Subscribe(ctx context.Context, path string, handler func(repository.Snapshot)) (func(), error) {
	if err := s.checkOpen(path); err != nil {
		return nil, err
	}
	channel := s.b.eventChannel(path)

	s.mu.Lock()
	if s.pubsub == nil {
		s.pubsub = s.b.client.Subscribe(ctx, channel)
		go s.dispatch(s.pubsub)
	} else if len(s.watchers[channel]) == 0 {
		if err := s.pubsub.Subscribe(ctx, channel); err != nil {
			s.mu.Unlock()
			return nil, err
		}
	}
	read := func(rctx context.Context) (repository.Snapshot, error) {
		return s.b.snapshot(rctx, path)
	}
	w := state.NewWatcher(path, read, handler, s.log)
	if s.watchers[channel] == nil {
		s.watchers[channel] = make(map[*state.Watcher]struct{})
	}
	s.watchers[channel][w] = struct{}{}
	s.mu.Unlock()

	return func() { s.unwatch(channel, w) }, nil
}

func (s *RedisStateSession) unwatch(channel string, w *state.Watcher) {
	w.Stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.watchers[channel]
	if !ok {
		return
	}
	delete(set, w)
	if len(set) == 0 {
		delete(s.watchers, channel)
		if s.pubsub != nil && !s.closed {
			ps := s.pubsub
			go func() {
				if err := ps.Unsubscribe(context.Background(), channel); err != nil {
					s.log.WithError(err).WithField("channel", channel).Debug("Failed to unsubscribe channel")
				}
			}()
		}
	}
}

// dispatch 把频道消息转成对应订阅的脏标记
func (s *RedisStateSession) dispatch(ps *redis.PubSub) {
	for msg := range ps.Channel() {
		s.mu.Lock()
		for w := range s.watchers[msg.Channel] {
			w.Signal()
		}
		s.mu.Unlock()
	}
}

type sessionHook struct {
	s     *RedisStateSession
	field string
}

// Cancel 实现 repository.DisconnectHook
func (h sessionHook) Cancel(ctx context.Context) error {
	return h.s.b.client.HDel(ctx, h.s.b.hooksKey(h.s.id), h.field).Err()
}

// OnDisconnectRemove 实现 repository.StateStore
func (s *RedisStateSession) OnDisconnectRemove(ctx context.Context, path string) (repository.DisconnectHook, error) {
	if err := s.checkOpen(path); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.nextHook++
	field := strconv.FormatUint(s.nextHook, 10)
	s.mu.Unlock()

	if err := s.b.client.HSet(ctx, s.b.hooksKey(s.id), field, path).Err(); err != nil {
		return nil, err
	}
	return sessionHook{s: s, field: field}, nil
}

// Close 实现 repository.StateStore：停止续租与订阅，执行断线清理并注销会话
func (s *RedisStateSession) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ps := s.pubsub
	var all []*state.Watcher
	for _, set := range s.watchers {
		for w := range set {
			all = append(all, w)
		}
	}
	s.watchers = make(map[string]map[*state.Watcher]struct{})
	s.mu.Unlock()

	s.stopKeepalive()
	<-s.keepaliveDone
	for _, w := range all {
		w.Stop()
	}
	if ps != nil {
		if err := ps.Close(); err != nil {
			s.log.WithError(err).Debug("Failed to close pubsub")
		}
	}

	n, err := s.b.runHooks(ctx, s.id)
	if err != nil {
		s.log.WithError(err).Error("Failed to run on-disconnect hooks")
		return err
	}
	s.log.WithField("hooks", n).Debug("State session closed")
	return nil
}
