package coordinator

import (
	"context"
	"encoding/json"

	"github.com/sirupsen/logrus"

	"github.com/isaacncz/Eat-Spin-sub000/internal/domain"
	"github.com/isaacncz/Eat-Spin-sub000/internal/roomcode"
)

// Spin 发起一次转盘。冷却门是 meta 上的单键事务：并发请求中只有一个能提交，
// 其余返回 ErrSpinCooldown。提交成功后由本客户端读取存储中的列表，计算并持久化赢家。
func (c *Coordinator) Spin(ctx context.Context) (domain.SpinRecord, error) {
	rs, isHost, isCohost := c.authority()
	if rs == nil {
		return domain.SpinRecord{}, ErrNotInRoom
	}
	if !isHost && !isCohost {
		return domain.SpinRecord{}, ErrNotAuthorized
	}
	code := rs.code

	// 本地列表缓存可能落后于刚推送的内容，以存储为准
	list, err := c.readList(ctx, code)
	if err != nil {
		return domain.SpinRecord{}, err
	}
	if len(list) == 0 {
		return domain.SpinRecord{}, ErrEmptyList
	}

	logCtx := c.log.WithField("room_code", code)
	startedAt := c.cfg.Now()
	nowMs := startedAt.UnixMilli()
	cooldownMs := c.cfg.SpinCooldown.Milliseconds()

	var rejected error
	var prev domain.RoomMeta
	committed, err := c.store.Transaction(ctx, domain.MetaPath(code), func(cur json.RawMessage) (interface{}, bool) {
		rejected = nil
		meta, ok := domain.ParseRoomMeta(cur)
		switch {
		case !ok:
			rejected = ErrRoomClosed
		case meta.HostUID != c.uid && !isCohost:
			rejected = ErrNotAuthorized
		case !meta.Live(nowMs):
			rejected = ErrRoomExpired
		case meta.LastSpinAt > 0 && nowMs-meta.LastSpinAt < cooldownMs:
			rejected = ErrSpinCooldown
		}
		if rejected != nil {
			return nil, false
		}
		prev = meta
		meta.Status = domain.StatusSpinning
		meta.LastSpinAt = nowMs
		return meta, true
	})
	if err != nil {
		return domain.SpinRecord{}, transient("spin transaction", err)
	}
	if !committed {
		if rejected == nil {
			rejected = ErrSpinCooldown
		}
		logCtx.WithField("reason", rejected.Error()).Info("Spin not committed")
		return domain.SpinRecord{}, rejected
	}

	// 赢家取自提交之后的列表快照
	list, err = c.readList(ctx, code)
	if err != nil || len(list) == 0 {
		c.rollbackSpin(ctx, code, nowMs, prev)
		if err != nil {
			return domain.SpinRecord{}, err
		}
		return domain.SpinRecord{}, ErrEmptyList
	}

	// 持久化的是赢家下标与名字而不是种子，其他客户端只按记录渲染
	seed := c.cfg.NewSeed()
	idx := roomcode.SeededPick(seed, len(list))
	rec := domain.SpinRecord{
		SpinID:      c.cfg.NewSpinID(startedAt),
		WinnerIndex: idx,
		WinnerName:  list[idx].Name,
		Seed:        seed,
		StartedAt:   nowMs,
		CompletedAt: nowMs + c.cfg.RevealDelay.Milliseconds(),
		StartedBy:   c.uid,
	}
	if err := c.store.Set(ctx, domain.SpinPath(code), rec); err != nil {
		c.rollbackSpin(ctx, code, nowMs, prev)
		return domain.SpinRecord{}, transient("write spin record", err)
	}
	c.setStatus(ctx, code, nowMs, domain.StatusCompleted)

	logCtx.WithFields(logrus.Fields{
		"spin_id":      rec.SpinID,
		"winner_index": rec.WinnerIndex,
		"list_size":    len(list),
	}).Info("Spin committed")
	if c.cfg.OnSpinCommitted != nil {
		c.cfg.OnSpinCommitted(code, rec)
	}
	return rec, nil
}

// setStatus 只在 lastSpinAt 仍等于本次转盘时间时更新状态，避免覆盖后续转盘
func (c *Coordinator) setStatus(ctx context.Context, code string, spinAt int64, status domain.RoomStatus) {
	_, err := c.store.Transaction(ctx, domain.MetaPath(code), func(cur json.RawMessage) (interface{}, bool) {
		meta, ok := domain.ParseRoomMeta(cur)
		if !ok || meta.LastSpinAt != spinAt {
			return nil, false
		}
		meta.Status = status
		return meta, true
	})
	if err != nil {
		c.log.WithError(err).WithField("room_code", code).WithField("status", status).Warn("Failed to update room status")
	}
}

// rollbackSpin 撤销一次未能写出结果的转盘，恢复提交前的状态与 lastSpinAt
func (c *Coordinator) rollbackSpin(ctx context.Context, code string, spinAt int64, prev domain.RoomMeta) {
	_, err := c.store.Transaction(ctx, domain.MetaPath(code), func(cur json.RawMessage) (interface{}, bool) {
		meta, ok := domain.ParseRoomMeta(cur)
		if !ok || meta.LastSpinAt != spinAt {
			return nil, false
		}
		meta.Status = prev.Status
		meta.LastSpinAt = prev.LastSpinAt
		return meta, true
	})
	if err != nil {
		c.log.WithError(err).WithField("room_code", code).Warn("Failed to roll back spin")
	}
}

// readList 从存储读取当前共享列表
func (c *Coordinator) readList(ctx context.Context, code string) ([]domain.ListItem, error) {
	children, err := c.store.Children(ctx, domain.ListPath(code))
	if err != nil {
		return nil, transient("read list", err)
	}
	return parseList(children), nil
}

// ResetSpin 清除转盘结果并让房间回到 waiting，仅房主或 cohost 可用
func (c *Coordinator) ResetSpin(ctx context.Context) error {
	rs, isHost, isCohost := c.authority()
	if rs == nil {
		return ErrNotInRoom
	}
	if !isHost && !isCohost {
		return ErrNotAuthorized
	}
	if err := c.store.Remove(ctx, domain.SpinPath(rs.code)); err != nil {
		return transient("remove spin record", err)
	}
	nowMs := c.nowMs()
	_, err := c.store.Transaction(ctx, domain.MetaPath(rs.code), func(cur json.RawMessage) (interface{}, bool) {
		meta, ok := domain.ParseRoomMeta(cur)
		if !ok || !meta.Live(nowMs) || meta.Status == domain.StatusWaiting {
			return nil, false
		}
		meta.Status = domain.StatusWaiting
		return meta, true
	})
	if err != nil {
		return transient("reset room status", err)
	}
	c.log.WithField("room_code", rs.code).Info("Spin reset")
	return nil
}
