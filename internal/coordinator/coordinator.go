// Package coordinator 实现群组转盘房间的同步协议。
//
// 每个浏览器会话对应一个 Coordinator 与一个独立的存储连接。Coordinator 不持有权威状态，
// 本地字段都是由五个订阅 (meta、participants、cohosts、list、spin) 维护的缓存；
// 五个订阅之间没有顺序保证，派生状态在每次读取时重新计算。
package coordinator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/isaacncz/Eat-Spin-sub000/internal/domain"
	"github.com/isaacncz/Eat-Spin-sub000/internal/repository"
)

// Phase 是客户端视角下的房间阶段
type Phase string

const (
	PhaseDisconnected Phase = "disconnected"
	PhaseJoining      Phase = "joining"
	PhaseWaiting      Phase = "waiting"
	PhaseSpinning     Phase = "spinning"
	PhaseCompleted    Phase = "completed"
)

// State 是提供给展示层的派生视图
type State struct {
	Phase        Phase                `json:"phase"`
	UID          string               `json:"uid"`
	RoomCode     string               `json:"roomCode,omitempty"`
	Meta         *domain.RoomMeta     `json:"meta,omitempty"`
	Participants []domain.Participant `json:"participants"` // 仅包含活跃参与者，按加入时间排序
	Cohosts      []string             `json:"cohosts"`
	List         []domain.ListItem    `json:"list"`
	Spin         *domain.SpinRecord   `json:"spin,omitempty"`
	IsHost       bool                 `json:"isHost"`
	IsCohost     bool                 `json:"isCohost"`
	Notice       string               `json:"notice,omitempty"` // 一次性提示，例如房间过期
}

// roomSession 是当前所在房间的本地缓存与资源
type roomSession struct {
	gen      uint64
	code     string
	name     string
	joinedAt int64
	ready    bool

	meta         *domain.RoomMeta
	participants map[string]domain.Participant
	cohosts      map[string]bool
	list         []domain.ListItem
	spin         *domain.SpinRecord
	lastSweep    time.Time
	lastPushed   []string
	pushed       bool

	unsubs        []func()
	hook          repository.DisconnectHook
	stopHeartbeat context.CancelFunc
	heartbeatDone chan struct{}

	// presenceMu 串行化本身参与者记录的写入与删除，离开后的心跳不会复活记录
	presenceMu sync.Mutex
}

func (rs *roomSession) isHost(uid string) bool {
	return rs.meta != nil && rs.meta.HostUID == uid
}

func (rs *roomSession) isCohost(uid string) bool {
	return !rs.isHost(uid) && rs.cohosts[uid]
}

// Coordinator 是单个客户端会话的房间协议引擎
type Coordinator struct {
	store repository.StateStore
	uid   string
	cfg   Config
	log   *logrus.Entry

	mu      sync.Mutex
	gen     uint64 // 当前房间令牌，每次加入或离开都会递增
	room    *roomSession
	pending string // 正在加入的房间码
	notice  string
}

// New 创建 Coordinator，store 由调用方负责关闭
func New(store repository.StateStore, uid string, cfg Config) *Coordinator {
	if store == nil {
		panic("state store cannot be nil for Coordinator")
	}
	cfg = cfg.withDefaults()
	return &Coordinator{
		store: store,
		uid:   uid,
		cfg:   cfg,
		log:   cfg.Logger.WithField("uid", uid),
	}
}

// UID 返回当前身份
func (c *Coordinator) UID() string { return c.uid }

// State 返回当前派生视图，不消费一次性提示
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked(false)
}

// TakeNotice 取出并清除一次性提示
func (c *Coordinator) TakeNotice() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.notice
	c.notice = ""
	return n
}

func (c *Coordinator) nowMs() int64 {
	return c.cfg.Now().UnixMilli()
}

func (c *Coordinator) stateLocked(takeNotice bool) State {
	st := State{
		Phase:        PhaseDisconnected,
		UID:          c.uid,
		Participants: []domain.Participant{},
		Cohosts:      []string{},
		List:         []domain.ListItem{},
		Notice:       c.notice,
	}
	if takeNotice {
		c.notice = ""
	}

	rs := c.room
	if rs == nil {
		if c.pending != "" {
			st.Phase = PhaseJoining
			st.RoomCode = c.pending
		}
		return st
	}

	st.RoomCode = rs.code
	st.IsHost = rs.isHost(c.uid)
	st.IsCohost = rs.isCohost(c.uid)
	st.Phase = PhaseJoining
	if rs.meta != nil {
		meta := *rs.meta
		st.Meta = &meta
		switch meta.Status {
		case domain.StatusSpinning:
			st.Phase = PhaseSpinning
		case domain.StatusCompleted:
			st.Phase = PhaseCompleted
		default:
			st.Phase = PhaseWaiting
		}
	}

	// 离线参与者在读取时过滤，不依赖房主是否已经清理
	now := c.nowMs()
	staleMs := c.cfg.StaleAfter.Milliseconds()
	for _, p := range rs.participants {
		if p.Active(now, staleMs) {
			st.Participants = append(st.Participants, p)
		}
	}
	sort.Slice(st.Participants, func(i, j int) bool {
		a, b := st.Participants[i], st.Participants[j]
		if a.JoinedAt != b.JoinedAt {
			return a.JoinedAt < b.JoinedAt
		}
		return a.UID < b.UID
	})

	for uid, granted := range rs.cohosts {
		if granted && (rs.meta == nil || uid != rs.meta.HostUID) {
			st.Cohosts = append(st.Cohosts, uid)
		}
	}
	sort.Strings(st.Cohosts)

	st.List = append(st.List, rs.list...)
	if rs.spin != nil {
		spin := *rs.spin
		st.Spin = &spin
	}
	return st
}

// notify 在锁外调用 OnChange
func (c *Coordinator) notify() {
	if c.cfg.OnChange == nil {
		return
	}
	c.mu.Lock()
	st := c.stateLocked(true)
	c.mu.Unlock()
	c.cfg.OnChange(st)
}

// current 返回当前房间，未加入时为 nil
func (c *Coordinator) current() *roomSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// authority 返回当前房间及本地缓存的权限标记
func (c *Coordinator) authority() (rs *roomSession, isHost, isCohost bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.room == nil {
		return nil, false, false
	}
	return c.room, c.room.isHost(c.uid), c.room.isCohost(c.uid)
}
