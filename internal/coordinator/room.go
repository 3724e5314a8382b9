package coordinator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/isaacncz/Eat-Spin-sub000/internal/domain"
	"github.com/isaacncz/Eat-Spin-sub000/internal/repository"
	"github.com/isaacncz/Eat-Spin-sub000/internal/roomcode"
)

// 自动离开等后台清理使用的超时
const releaseTimeout = 5 * time.Second

// CreateRoom 以当前身份创建房间并作为房主加入，返回房间码。
// 房间码冲突时最多尝试 CreateAttempts 次。
func (c *Coordinator) CreateRoom(ctx context.Context, name string) (string, error) {
	name = roomcode.NormalizeDisplayName(name)
	if name == "" {
		return "", ErrInvalidName
	}
	if err := c.LeaveRoom(ctx); err != nil {
		return "", err
	}

	for attempt := 1; attempt <= c.cfg.CreateAttempts; attempt++ {
		code, err := c.cfg.NewRoomCode()
		if err != nil {
			return "", transient("generate room code", err)
		}
		created, err := c.claimRoom(ctx, code)
		if err != nil {
			return "", err
		}
		if !created {
			c.log.WithFields(logrus.Fields{"room_code": code, "attempt": attempt}).Info("Room code collision, retrying")
			continue
		}
		c.log.WithField("room_code", code).Info("Room created")
		if err := c.join(ctx, code, name); err != nil {
			return "", err
		}
		return code, nil
	}
	c.log.WithField("attempts", c.cfg.CreateAttempts).Warn("Failed to create room: all codes collided")
	return "", ErrRoomExists
}

// claimRoom 用单键事务写入新的 meta，已有有效 meta 时放弃。
// 返回 false 表示房间码已被占用。
func (c *Coordinator) claimRoom(ctx context.Context, code string) (bool, error) {
	now := c.nowMs()
	raw, ok, err := c.store.Get(ctx, domain.MetaPath(code))
	if err != nil {
		return false, transient("read meta", err)
	}
	if ok {
		if existing, valid := domain.ParseRoomMeta(raw); valid && existing.Live(now) {
			return false, nil
		}
	}

	meta := domain.RoomMeta{
		HostUID:   c.uid,
		Status:    domain.StatusWaiting,
		CreatedAt: now,
		ExpiresAt: now + c.cfg.RoomTTL.Milliseconds(),
	}
	committed, err := c.store.Transaction(ctx, domain.MetaPath(code), func(cur json.RawMessage) (interface{}, bool) {
		if existing, valid := domain.ParseRoomMeta(cur); valid && existing.Live(now) {
			return nil, false
		}
		return meta, true
	})
	if err != nil {
		return false, transient("write meta", err)
	}
	if !committed {
		return false, nil
	}

	// 回收过期房间码时清掉遗留数据
	for _, p := range []string{
		domain.ParticipantsPath(code),
		domain.CohostsPath(code),
		domain.ListPath(code),
		domain.SpinPath(code),
	} {
		if err := c.store.Remove(ctx, p); err != nil {
			return false, transient("clear stale room data", err)
		}
	}
	return true, nil
}

// JoinRoom 通过房间码或分享链接加入房间
func (c *Coordinator) JoinRoom(ctx context.Context, input, name string) error {
	code := roomcode.ExtractRoomCode(input)
	if !roomcode.ValidRoomCode(code) {
		return ErrInvalidRoomCode
	}
	name = roomcode.NormalizeDisplayName(name)
	if name == "" {
		return ErrInvalidName
	}

	// 已在该房间时只更新显示名
	if rs := c.current(); rs != nil && rs.code == code {
		c.mu.Lock()
		rs.name = name
		c.mu.Unlock()
		if err := c.writePresence(ctx, rs); err != nil {
			return err
		}
		c.notify()
		return nil
	}

	if err := c.LeaveRoom(ctx); err != nil {
		return err
	}
	return c.join(ctx, code, name)
}

func (c *Coordinator) join(ctx context.Context, code, name string) error {
	logCtx := c.log.WithField("room_code", code)

	c.mu.Lock()
	c.gen++
	token := c.gen
	c.pending = code
	c.mu.Unlock()
	c.notify()

	fail := func(err error) error {
		c.mu.Lock()
		if c.gen == token {
			c.pending = ""
		}
		c.mu.Unlock()
		c.notify()
		return err
	}

	raw, ok, err := c.store.Get(ctx, domain.MetaPath(code))
	if err != nil {
		return fail(transient("read meta", err))
	}
	meta, valid := domain.ParseRoomMeta(raw)
	if !ok || !valid {
		return fail(ErrRoomNotFound)
	}
	now := c.nowMs()
	if !meta.Live(now) {
		if err := c.store.Remove(ctx, domain.RoomPath(code)); err != nil {
			logCtx.WithError(err).Warn("Failed to remove expired room")
		}
		return fail(ErrRoomExpired)
	}

	children, err := c.store.Children(ctx, domain.ParticipantsPath(code))
	if err != nil {
		return fail(transient("read participants", err))
	}
	var existing *domain.Participant
	active := 0
	staleMs := c.cfg.StaleAfter.Milliseconds()
	for key, v := range children {
		p, ok := domain.ParseParticipant(key, v)
		if !ok {
			continue
		}
		if p.UID == c.uid {
			existing = &p
			continue
		}
		if p.Active(now, staleMs) {
			active++
		}
	}
	if existing == nil && active >= c.cfg.MaxParticipants {
		return fail(ErrRoomFull)
	}

	joinedAt := now
	if existing != nil && existing.JoinedAt > 0 {
		joinedAt = existing.JoinedAt
	}
	rs := &roomSession{
		gen:          token,
		code:         code,
		name:         name,
		joinedAt:     joinedAt,
		meta:         &meta, // 订阅的首个快照到达前先用加入时读到的 meta 判断权限
		participants: make(map[string]domain.Participant),
		cohosts:      make(map[string]bool),
	}
	if existing != nil {
		rs.ready = existing.Ready
	}

	if !c.isCurrent(token) {
		return ErrSuperseded
	}
	record := domain.Participant{UID: c.uid, Name: name, JoinedAt: joinedAt, LastSeenAt: now, Ready: rs.ready}
	if err := c.store.Set(ctx, domain.ParticipantPath(code, c.uid), record); err != nil {
		return fail(transient("write participant", err))
	}
	hook, err := c.store.OnDisconnectRemove(ctx, domain.ParticipantPath(code, c.uid))
	if err != nil {
		c.discardRecord(ctx, code)
		return fail(transient("register disconnect cleanup", err))
	}
	rs.hook = hook

	// 令牌失效说明加入期间发生了离开或切换房间
	c.mu.Lock()
	if c.gen != token {
		c.mu.Unlock()
		c.release(ctx, rs)
		logCtx.Debug("Join superseded, released")
		return ErrSuperseded
	}
	c.room = rs
	c.pending = ""
	c.mu.Unlock()

	subs := []struct {
		path    string
		handler func(*roomSession, repository.Snapshot)
	}{
		{domain.MetaPath(code), c.onMeta},
		{domain.ParticipantsPath(code), c.onParticipants},
		{domain.CohostsPath(code), c.onCohosts},
		{domain.ListPath(code), c.onList},
		{domain.SpinPath(code), c.onSpin},
	}
	for _, sub := range subs {
		handler := sub.handler
		unsub, err := c.store.Subscribe(ctx, sub.path, func(snap repository.Snapshot) { handler(rs, snap) })
		if err != nil {
			// 部分成功时整体回滚，不留下无人维护的在线记录
			logCtx.WithError(err).WithField("path", sub.path).Error("Failed to subscribe, unwinding join")
			c.detach(rs)
			c.release(ctx, rs)
			c.notify()
			return transient("subscribe "+sub.path, err)
		}
		if !c.track(rs, unsub) {
			return ErrSuperseded
		}
	}

	hbCtx, stop := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.room != rs {
		c.mu.Unlock()
		stop()
		return ErrSuperseded
	}
	rs.stopHeartbeat = stop
	rs.heartbeatDone = make(chan struct{})
	go c.heartbeat(hbCtx, rs)
	c.mu.Unlock()

	logCtx.WithField("host", meta.HostUID == c.uid).Info("Joined room")
	c.notify()
	return nil
}

// track 记录订阅的取消函数；房间已不是当前房间时立即取消
func (c *Coordinator) track(rs *roomSession, unsub func()) bool {
	c.mu.Lock()
	if c.room == rs {
		rs.unsubs = append(rs.unsubs, unsub)
		c.mu.Unlock()
		return true
	}
	c.mu.Unlock()
	unsub()
	return false
}

func (c *Coordinator) isCurrent(token uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == token
}

// discardRecord 删除加入过程中写入的参与者记录，当前已重新进入同一房间时保留
func (c *Coordinator) discardRecord(ctx context.Context, code string) {
	c.mu.Lock()
	same := (c.room != nil && c.room.code == code) || c.pending == code
	c.mu.Unlock()
	if same {
		return
	}
	if err := c.store.Remove(ctx, domain.ParticipantPath(code, c.uid)); err != nil {
		c.log.WithError(err).WithField("room_code", code).Warn("Failed to remove participant record")
	}
}

// detach 把 rs 从当前房间摘下并使令牌失效，返回是否确实摘下
func (c *Coordinator) detach(rs *roomSession) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.room != rs {
		return false
	}
	c.room = nil
	c.gen++
	return true
}

// release 释放房间资源：停止心跳 (等待正在进行的一次完成)、取消订阅、撤销断线钩子并删除自身记录。
// 调用前 rs 必须已不是当前房间。
func (c *Coordinator) release(ctx context.Context, rs *roomSession) {
	logCtx := c.log.WithField("room_code", rs.code)

	c.mu.Lock()
	stop, done := rs.stopHeartbeat, rs.heartbeatDone
	unsubs := rs.unsubs
	rs.unsubs = nil
	rs.stopHeartbeat = nil
	c.mu.Unlock()

	if stop != nil {
		stop()
		<-done
	}
	for _, unsub := range unsubs {
		unsub()
	}
	if rs.hook != nil {
		if err := rs.hook.Cancel(ctx); err != nil {
			logCtx.WithError(err).Warn("Failed to cancel disconnect cleanup")
		}
	}

	rs.presenceMu.Lock()
	defer rs.presenceMu.Unlock()
	c.discardRecord(ctx, rs.code)
}

// LeaveRoom 离开当前房间。未在房间中时直接返回。
func (c *Coordinator) LeaveRoom(ctx context.Context) error {
	c.mu.Lock()
	rs := c.room
	wasPending := c.pending != ""
	c.gen++
	c.room = nil
	c.pending = ""
	c.mu.Unlock()

	if rs == nil {
		if wasPending {
			c.notify()
		}
		return nil
	}
	c.release(ctx, rs)
	c.log.WithField("room_code", rs.code).Info("Left room")
	c.notify()
	return nil
}

// CloseRoom 房主主动解散房间，删除整个房间子树
func (c *Coordinator) CloseRoom(ctx context.Context) error {
	rs, isHost, _ := c.authority()
	if rs == nil {
		return ErrNotInRoom
	}
	if !isHost {
		return ErrNotHost
	}
	if !c.detach(rs) {
		return ErrSuperseded
	}
	c.release(ctx, rs)
	err := c.store.Remove(ctx, domain.RoomPath(rs.code))
	c.notify()
	if err != nil {
		return transient("remove room", err)
	}
	c.log.WithField("room_code", rs.code).Info("Room closed by host")
	return nil
}

// autoLeave 在房间消失或过期时自动离开，并留下一次性提示
func (c *Coordinator) autoLeave(rs *roomSession, reason error) {
	c.mu.Lock()
	if c.room != rs {
		c.mu.Unlock()
		return
	}
	c.room = nil
	c.gen++
	c.notice = Reason(reason)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	c.release(ctx, rs)
	c.log.WithField("room_code", rs.code).WithField("reason", reason.Error()).Info("Left room automatically")
	c.notify()
}

// Close 离开当前房间，用于会话结束
func (c *Coordinator) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	return c.LeaveRoom(ctx)
}
