package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/isaacncz/Eat-Spin-sub000/internal/domain"
)

// heartbeat 定期刷新自身的 lastSeenAt，并在缓存的 meta 过期时自动离开
func (c *Coordinator) heartbeat(ctx context.Context, rs *roomSession) {
	defer close(rs.heartbeatDone)
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		expired := rs.meta != nil && !rs.meta.Live(c.nowMs())
		c.mu.Unlock()
		if expired {
			// autoLeave 会等待本 goroutine 退出
			go c.autoLeave(rs, ErrRoomExpired)
			return
		}

		if err := c.writePresence(ctx, rs); err != nil && !errors.Is(err, ErrSuperseded) && ctx.Err() == nil {
			c.log.WithError(err).WithField("room_code", rs.code).Warn("Heartbeat failed")
		}
	}
}

// writePresence 写入自身的参与者记录，房间已离开时返回 ErrSuperseded
func (c *Coordinator) writePresence(ctx context.Context, rs *roomSession) error {
	rs.presenceMu.Lock()
	defer rs.presenceMu.Unlock()

	c.mu.Lock()
	if c.room != rs {
		c.mu.Unlock()
		return ErrSuperseded
	}
	record := domain.Participant{
		UID:        c.uid,
		Name:       rs.name,
		JoinedAt:   rs.joinedAt,
		LastSeenAt: c.nowMs(),
		Ready:      rs.ready,
	}
	c.mu.Unlock()

	if err := c.store.Set(ctx, domain.ParticipantPath(rs.code, c.uid), record); err != nil {
		return transient("write participant", err)
	}
	return nil
}

// SetReady 切换自身的准备状态
func (c *Coordinator) SetReady(ctx context.Context, ready bool) error {
	c.mu.Lock()
	rs := c.room
	if rs == nil {
		c.mu.Unlock()
		return ErrNotInRoom
	}
	rs.ready = ready
	c.mu.Unlock()
	return c.writePresence(ctx, rs)
}
