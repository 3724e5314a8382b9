// Package state 放置各实时存储后端共用的订阅驱动与路径工具。
package state

import (
	"context"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/isaacncz/Eat-Spin-sub000/internal/repository"
)

// ReadFunc 读取订阅路径的最新快照
type ReadFunc func(ctx context.Context) (repository.Snapshot, error)

// Watcher 驱动单个订阅：收到变更信号后重新读取快照并串行回调。
// 多个信号在回调执行期间会被合并成一次读取。
type Watcher struct {
	path    string
	read    ReadFunc
	handler func(repository.Snapshot)
	dirty   chan struct{}
	done    chan struct{}
	cancel  context.CancelFunc
	once    sync.Once
	log     *logrus.Entry
}

// NewWatcher 创建并启动订阅，创建后会立即推送一次初始快照
func NewWatcher(path string, read ReadFunc, handler func(repository.Snapshot), log *logrus.Entry) *Watcher {
	if log == nil {
		log = logrus.WithField("component", "state_watcher")
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		path:    path,
		read:    read,
		handler: handler,
		dirty:   make(chan struct{}, 1),
		done:    make(chan struct{}),
		cancel:  cancel,
		log:     log.WithField("path", path),
	}
	w.Signal()
	go w.run(ctx)
	return w
}

// Path 返回订阅路径
func (w *Watcher) Path() string { return w.path }

// Signal 标记为脏，不阻塞
func (w *Watcher) Signal() {
	select {
	case w.dirty <- struct{}{}:
	default:
	}
}

// Stop 停止订阅，不等待正在执行的回调
func (w *Watcher) Stop() {
	w.once.Do(func() {
		close(w.done)
		w.cancel()
	})
}

func (w *Watcher) stopped() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

func (w *Watcher) run(ctx context.Context) {
	for {
		select {
		case <-w.done:
			return
		case <-w.dirty:
		}
		if w.stopped() {
			return
		}
		snap, err := w.read(ctx)
		if err != nil {
			if !w.stopped() {
				w.log.WithError(err).Warn("Failed to read snapshot for subscription")
			}
			continue
		}
		if w.stopped() {
			return
		}
		w.handler(snap)
	}
}

// Related 判断两个路径是否相同或互为祖先
func Related(a, b string) bool {
	return a == b || strings.HasPrefix(a, b+"/") || strings.HasPrefix(b, a+"/")
}

// Ancestors 返回 path 的全部祖先路径，由近及远
func Ancestors(path string) []string {
	var out []string
	for {
		idx := strings.LastIndex(path, "/")
		if idx <= 0 {
			return out
		}
		path = path[:idx]
		out = append(out, path)
	}
}

// ValidPath 拒绝空路径与空段
func ValidPath(path string) bool {
	if path == "" {
		return false
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == "" {
			return false
		}
	}
	return true
}
