// Package memstate 是单进程内的实时存储实现，用于本地开发 (STORE_BACKEND=memory) 与测试。
package memstate

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/isaacncz/Eat-Spin-sub000/internal/infra/state"
	"github.com/isaacncz/Eat-Spin-sub000/internal/repository"
)

// Backend 保存整棵数据树，多个 Conn 共享同一个 Backend
type Backend struct {
	mu       sync.Mutex
	leaves   map[string]json.RawMessage
	watchers map[*state.Watcher]struct{}
	log      *logrus.Entry
}

// NewBackend 创建空的内存后端
func NewBackend() *Backend {
	return &Backend{
		leaves:   make(map[string]json.RawMessage),
		watchers: make(map[*state.Watcher]struct{}),
		log:      logrus.WithField("component", "memstate"),
	}
}

// Connect 实现 repository.StateBackend
func (b *Backend) Connect(ctx context.Context) (repository.StateStore, error) {
	return b.NewConn(), nil
}

// NewConn 创建一个新的客户端连接
func (b *Backend) NewConn() *Conn {
	return &Conn{
		b:        b,
		hooks:    make(map[uint64]string),
		watchers: make(map[*state.Watcher]struct{}),
	}
}

// --- 以下方法要求调用方持有 b.mu ---

func (b *Backend) snapshotLocked(path string) repository.Snapshot {
	snap := repository.Snapshot{Path: path, Children: make(map[string]json.RawMessage)}
	if v, ok := b.leaves[path]; ok {
		snap.Exists = true
		snap.Value = v
	}
	prefix := path + "/"
	for p, v := range b.leaves {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		snap.Exists = true
		rest := p[len(prefix):]
		if !strings.Contains(rest, "/") {
			snap.Children[rest] = v
		}
	}
	return snap
}

func (b *Backend) removeLocked(path string) []string {
	var changed []string
	prefix := path + "/"
	for p := range b.leaves {
		if p == path || strings.HasPrefix(p, prefix) {
			delete(b.leaves, p)
			changed = append(changed, p)
		}
	}
	return changed
}

func (b *Backend) notifyLocked(paths ...string) {
	for w := range b.watchers {
		for _, p := range paths {
			if state.Related(w.Path(), p) {
				w.Signal()
				break
			}
		}
	}
}

// Conn 是 Backend 上的一个客户端连接，持有自己的订阅与断线清理钩子
type Conn struct {
	b *Backend

	mu       sync.Mutex
	closed   bool
	hooks    map[uint64]string
	nextHook uint64
	watchers map[*state.Watcher]struct{}
}

func (c *Conn) checkOpen(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return repository.ErrStoreClosed
	}
	if !state.ValidPath(path) {
		return fmt.Errorf("memstate: invalid path %q", path)
	}
	return nil
}

// Get 实现 repository.StateStore
func (c *Conn) Get(ctx context.Context, path string) (json.RawMessage, bool, error) {
	if err := c.checkOpen(path); err != nil {
		return nil, false, err
	}
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	v, ok := c.b.leaves[path]
	return v, ok, nil
}

// Set 实现 repository.StateStore
func (c *Conn) Set(ctx context.Context, path string, value interface{}) error {
	if err := c.checkOpen(path); err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("memstate: marshal value for %s: %w", path, err)
	}
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	c.b.leaves[path] = raw
	c.b.notifyLocked(path)
	return nil
}

// Remove 实现 repository.StateStore
func (c *Conn) Remove(ctx context.Context, path string) error {
	if err := c.checkOpen(path); err != nil {
		return err
	}
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if changed := c.b.removeLocked(path); len(changed) > 0 {
		c.b.notifyLocked(changed...)
	}
	return nil
}

// Children 实现 repository.StateStore
func (c *Conn) Children(ctx context.Context, path string) (map[string]json.RawMessage, error) {
	if err := c.checkOpen(path); err != nil {
		return nil, err
	}
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	return c.b.snapshotLocked(path).Children, nil
}

// ChildKeys 实现 repository.StateStore
func (c *Conn) ChildKeys(ctx context.Context, path string) ([]string, error) {
	if err := c.checkOpen(path); err != nil {
		return nil, err
	}
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	seen := make(map[string]struct{})
	prefix := path + "/"
	for p := range c.b.leaves {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		name := p[len(prefix):]
		if idx := strings.Index(name, "/"); idx >= 0 {
			name = name[:idx]
		}
		seen[name] = struct{}{}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// ReplaceChildren 实现 repository.StateStore
func (c *Conn) ReplaceChildren(ctx context.Context, path string, children map[string]interface{}) error {
	if err := c.checkOpen(path); err != nil {
		return err
	}
	encoded := make(map[string]json.RawMessage, len(children))
	for k, v := range children {
		if !state.ValidPath(k) || strings.Contains(k, "/") {
			return fmt.Errorf("memstate: invalid child key %q", k)
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("memstate: marshal child %s/%s: %w", path, k, err)
		}
		encoded[k] = raw
	}
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	leaf, hasLeaf := c.b.leaves[path]
	changed := c.b.removeLocked(path)
	if hasLeaf {
		c.b.leaves[path] = leaf
	}
	for k, raw := range encoded {
		p := path + "/" + k
		c.b.leaves[p] = raw
		changed = append(changed, p)
	}
	changed = append(changed, path)
	c.b.notifyLocked(changed...)
	return nil
}

// Transaction 实现 repository.StateStore。fn 在后端锁内执行，天然串行。
func (c *Conn) Transaction(ctx context.Context, path string, fn repository.TxFunc) (bool, error) {
	if err := c.checkOpen(path); err != nil {
		return false, err
	}
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	next, ok := fn(c.b.leaves[path])
	if !ok {
		return false, nil
	}
	raw, err := json.Marshal(next)
	if err != nil {
		return false, fmt.Errorf("memstate: marshal transaction result for %s: %w", path, err)
	}
	c.b.leaves[path] = raw
	c.b.notifyLocked(path)
	return true, nil
}

// Subscribe 实现 repository.StateStore
func (c *Conn) Subscribe(ctx context.Context, path string, handler func(repository.Snapshot)) (func(), error) {
	if err := c.checkOpen(path); err != nil {
		return nil, err
	}
	read := func(context.Context) (repository.Snapshot, error) {
		c.b.mu.Lock()
		defer c.b.mu.Unlock()
		return c.b.snapshotLocked(path), nil
	}
	// 在后端锁内创建并登记，初始读取一定发生在登记之后
	c.b.mu.Lock()
	w := state.NewWatcher(path, read, handler, c.b.log)
	c.b.watchers[w] = struct{}{}
	c.b.mu.Unlock()

	c.mu.Lock()
	c.watchers[w] = struct{}{}
	c.mu.Unlock()

	return func() { c.unwatch(w) }, nil
}

func (c *Conn) unwatch(w *state.Watcher) {
	w.Stop()
	c.mu.Lock()
	delete(c.watchers, w)
	c.mu.Unlock()
	c.b.mu.Lock()
	delete(c.b.watchers, w)
	c.b.mu.Unlock()
}

type hook struct {
	c  *Conn
	id uint64
}

// Cancel 实现 repository.DisconnectHook
func (h hook) Cancel(ctx context.Context) error {
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	delete(h.c.hooks, h.id)
	return nil
}

// OnDisconnectRemove 实现 repository.StateStore
func (c *Conn) OnDisconnectRemove(ctx context.Context, path string) (repository.DisconnectHook, error) {
	if err := c.checkOpen(path); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextHook++
	c.hooks[c.nextHook] = path
	return hook{c: c, id: c.nextHook}, nil
}

// Close 模拟连接断开：执行断线清理并停止所有订阅。重复调用无副作用。
func (c *Conn) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	paths := make([]string, 0, len(c.hooks))
	for _, p := range c.hooks {
		paths = append(paths, p)
	}
	c.hooks = make(map[uint64]string)
	watchers := make([]*state.Watcher, 0, len(c.watchers))
	for w := range c.watchers {
		watchers = append(watchers, w)
	}
	c.mu.Unlock()

	for _, w := range watchers {
		c.unwatch(w)
	}
	c.b.mu.Lock()
	for _, p := range paths {
		if changed := c.b.removeLocked(p); len(changed) > 0 {
			c.b.notifyLocked(changed...)
		}
	}
	c.b.mu.Unlock()
	if len(paths) > 0 {
		c.b.log.WithField("hooks", len(paths)).Debug("Ran on-disconnect hooks")
	}
	return nil
}
