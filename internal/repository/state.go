package repository

import (
	"context"
	"encoding/json"
)

// Snapshot 是某个路径在一次读取时的完整视图。
// Value 为该路径自身的叶子值，Children 为直接子节点中带叶子值的部分。
type Snapshot struct {
	Path     string
	Exists   bool
	Value    json.RawMessage
	Children map[string]json.RawMessage
}

// TxFunc 接收路径当前的值 (不存在时为 nil)，返回新值；ok 为 false 表示放弃提交。
// 可能因并发修改被重复调用，必须是纯函数且不能访问存储。
type TxFunc func(current json.RawMessage) (next interface{}, ok bool)

// DisconnectHook 表示一个已登记的断线清理动作
type DisconnectHook interface {
	// Cancel 撤销清理动作，主动离开时调用以避免重复删除
	Cancel(ctx context.Context) error
}

// StateStore 是实时同步存储的一个客户端连接，数据按斜杠分隔的路径组织成树。
// 只提供单键乐观事务，不支持跨键原子性。
type StateStore interface {
	// Get 读取叶子值
	Get(ctx context.Context, path string) (json.RawMessage, bool, error)
	// Set 写入叶子值，祖先路径自动成为父节点
	Set(ctx context.Context, path string, value interface{}) error
	// Remove 删除路径及其整个子树
	Remove(ctx context.Context, path string) error
	// Children 读取直接子节点中带叶子值的部分
	Children(ctx context.Context, path string) (map[string]json.RawMessage, error)
	// ChildKeys 列出全部直接子节点名 (包括纯父节点)
	ChildKeys(ctx context.Context, path string) ([]string, error)
	// ReplaceChildren 整体覆盖 path 下的所有子节点
	ReplaceChildren(ctx context.Context, path string, children map[string]interface{}) error
	// Transaction 对单个叶子做比较并交换，返回是否提交
	Transaction(ctx context.Context, path string, fn TxFunc) (bool, error)
	// Subscribe 立即推送一次快照，之后 path 或其子树每次变化后再推送。
	// 同一订阅的回调串行执行并合并为最新状态；返回的取消函数不会阻塞。
	Subscribe(ctx context.Context, path string, handler func(Snapshot)) (func(), error)
	// OnDisconnectRemove 登记 "连接断开时删除 path"
	OnDisconnectRemove(ctx context.Context, path string) (DisconnectHook, error)
	// Close 断开连接，执行所有已登记的断线清理并停止订阅
	Close(ctx context.Context) error
}

// StateBackend 为每个浏览器会话创建独立的 StateStore 连接
type StateBackend interface {
	Connect(ctx context.Context) (StateStore, error)
}

// SessionReaper 由需要服务端回收过期会话的后端实现 (如 Redis)。
// 返回执行 (或 dryRun 时将要执行) 断线清理的会话数量。
type SessionReaper interface {
	ReapExpiredSessions(ctx context.Context, dryRun bool) (int, error)
}
