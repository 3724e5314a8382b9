package coordinator

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/isaacncz/Eat-Spin-sub000/internal/domain"
)

// SetCohost 授予或撤销某个参与者的 cohost 身份，仅房主可用，不能作用于房主自己
func (c *Coordinator) SetCohost(ctx context.Context, uid string, granted bool) error {
	rs, isHost, _ := c.authority()
	if rs == nil {
		return ErrNotInRoom
	}
	if !isHost {
		return ErrNotHost
	}
	uid = strings.TrimSpace(uid)
	if uid == "" || uid == c.uid || strings.Contains(uid, "/") {
		return ErrInvalidTarget
	}

	path := domain.CohostPath(rs.code, uid)
	var err error
	if granted {
		err = c.store.Set(ctx, path, true)
	} else {
		err = c.store.Remove(ctx, path)
	}
	if err != nil {
		return transient("update cohost", err)
	}
	c.log.WithFields(logrus.Fields{"room_code": rs.code, "target": uid, "granted": granted}).Info("Cohost updated")
	return nil
}

// CleanList 去掉首尾空白与空项，按不区分大小写去重并截断到 max 项，保持原有顺序
func CleanList(names []string, max int) []string {
	out := make([]string, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		key := strings.ToLower(n)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, n)
		if len(out) >= max {
			break
		}
	}
	return out
}

// PushList 用本地候选列表整体覆盖共享列表，仅房主或 cohost 可用。
// 与上一次自己推送的内容相同时不写入。
func (c *Coordinator) PushList(ctx context.Context, names []string) error {
	rs, isHost, isCohost := c.authority()
	if rs == nil {
		return ErrNotInRoom
	}
	if !isHost && !isCohost {
		return ErrNotAuthorized
	}

	clean := CleanList(names, c.cfg.MaxListItems)
	c.mu.Lock()
	unchanged := rs.pushed && equalNames(rs.lastPushed, clean)
	c.mu.Unlock()
	if unchanged {
		return nil
	}

	now := c.nowMs()
	items := make([]domain.ListItem, len(clean))
	children := make(map[string]interface{}, len(clean))
	for i, name := range clean {
		items[i] = domain.ListItem{
			Name:      name,
			Order:     i,
			CreatedAt: now,
			CreatedBy: c.uid,
		}
		children[itemKey(i)] = items[i]
	}
	if err := c.store.ReplaceChildren(ctx, domain.ListPath(rs.code), children); err != nil {
		return transient("write list", err)
	}

	// 写入成功后立即更新本地视图，订阅回调随后会送达同样的内容
	c.mu.Lock()
	installed := c.room == rs
	if installed {
		rs.lastPushed = clean
		rs.pushed = true
		rs.list = items
	}
	c.mu.Unlock()
	if installed {
		c.notify()
	}
	c.log.WithField("room_code", rs.code).WithField("items", len(clean)).Debug("Shared list pushed")
	return nil
}

// itemKey 按位置生成列表项的键，顺序仍以 Order 字段为准
func itemKey(i int) string {
	return fmt.Sprintf("i%03d", i)
}

func equalNames(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
