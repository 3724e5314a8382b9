package coordinator

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/isaacncz/Eat-Spin-sub000/internal/domain"
	"github.com/isaacncz/Eat-Spin-sub000/internal/repository"
)

// 五个订阅的回调。每个回调只覆盖自己负责的字段，过期房间的回调直接丢弃，
// 因此任意交错顺序下重算结果都一致。

func (c *Coordinator) onMeta(rs *roomSession, snap repository.Snapshot) {
	meta, ok := domain.ParseRoomMeta(snap.Value)
	if !ok {
		c.autoLeave(rs, ErrRoomClosed)
		return
	}
	if !meta.Live(c.nowMs()) {
		c.autoLeave(rs, ErrRoomExpired)
		return
	}
	c.mu.Lock()
	if c.room != rs {
		c.mu.Unlock()
		return
	}
	rs.meta = &meta
	c.mu.Unlock()
	c.notify()
}

func (c *Coordinator) onParticipants(rs *roomSession, snap repository.Snapshot) {
	participants := make(map[string]domain.Participant, len(snap.Children))
	for key, raw := range snap.Children {
		if p, ok := domain.ParseParticipant(key, raw); ok {
			participants[key] = p
		}
	}

	c.mu.Lock()
	if c.room != rs {
		c.mu.Unlock()
		return
	}
	rs.participants = participants
	var stale []string
	now := c.cfg.Now()
	if rs.isHost(c.uid) && now.Sub(rs.lastSweep) >= c.cfg.SweepCooldown {
		staleMs := c.cfg.StaleAfter.Milliseconds()
		for uid, p := range participants {
			if uid != c.uid && !p.Active(now.UnixMilli(), staleMs) {
				stale = append(stale, uid)
			}
		}
		rs.lastSweep = now
	}
	c.mu.Unlock()

	if len(stale) > 0 {
		c.sweep(rs.code, stale)
	}
	c.notify()
}

// sweep 由房主删除离线参与者，失败只记录日志
func (c *Coordinator) sweep(code string, uids []string) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	removed := 0
	for _, uid := range uids {
		if err := c.store.Remove(ctx, domain.ParticipantPath(code, uid)); err != nil {
			c.log.WithError(err).WithField("room_code", code).WithField("stale_uid", uid).Warn("Failed to remove stale participant")
			continue
		}
		removed++
	}
	c.log.WithField("room_code", code).WithField("removed", removed).Info("Swept stale participants")
}

func (c *Coordinator) onCohosts(rs *roomSession, snap repository.Snapshot) {
	cohosts := make(map[string]bool, len(snap.Children))
	for uid, raw := range snap.Children {
		if domain.ParseCohostFlag(raw) {
			cohosts[uid] = true
		}
	}
	c.mu.Lock()
	if c.room != rs {
		c.mu.Unlock()
		return
	}
	rs.cohosts = cohosts
	c.mu.Unlock()
	c.notify()
}

func (c *Coordinator) onList(rs *roomSession, snap repository.Snapshot) {
	list := parseList(snap.Children)

	c.mu.Lock()
	if c.room != rs {
		c.mu.Unlock()
		return
	}
	rs.list = list
	c.mu.Unlock()
	c.notify()
}

func (c *Coordinator) onSpin(rs *roomSession, snap repository.Snapshot) {
	var spin *domain.SpinRecord
	if rec, ok := domain.ParseSpinRecord(snap.Value); ok {
		spin = &rec
	}
	c.mu.Lock()
	if c.room != rs {
		c.mu.Unlock()
		return
	}
	rs.spin = spin
	c.mu.Unlock()
	c.notify()
}

// parseList 解析列表子节点并按 Order 排序，Order 相同时按键排序。格式错误的项被忽略。
func parseList(children map[string]json.RawMessage) []domain.ListItem {
	type keyed struct {
		key  string
		item domain.ListItem
	}
	parsed := make([]keyed, 0, len(children))
	for key, raw := range children {
		if it, ok := domain.ParseListItem(raw); ok {
			parsed = append(parsed, keyed{key, it})
		}
	}
	sort.Slice(parsed, func(i, j int) bool {
		if parsed[i].item.Order != parsed[j].item.Order {
			return parsed[i].item.Order < parsed[j].item.Order
		}
		return parsed[i].key < parsed[j].key
	})
	list := make([]domain.ListItem, len(parsed))
	for i, k := range parsed {
		list[i] = k.item
	}
	return list
}
