package coordinator

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/isaacncz/Eat-Spin-sub000/internal/domain"
	"github.com/isaacncz/Eat-Spin-sub000/internal/idgen"
	"github.com/isaacncz/Eat-Spin-sub000/internal/roomcode"
)

// 默认参数
const (
	DefaultRoomTTL           = 2 * time.Hour
	DefaultStaleAfter        = 45 * time.Second
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultSweepCooldown     = 30 * time.Second
	DefaultSpinCooldown      = 5 * time.Second
	DefaultRevealDelay       = 4 * time.Second
	DefaultMaxParticipants   = 12
	DefaultMaxListItems      = 40
	DefaultCreateAttempts    = 5
)

// Config 是 Coordinator 的可调参数，零值字段使用默认值
type Config struct {
	RoomTTL           time.Duration
	StaleAfter        time.Duration // 超过该时长未心跳的参与者视为离线
	HeartbeatInterval time.Duration // 必须明显小于 StaleAfter
	SweepCooldown     time.Duration // 房主清理离线参与者的最小间隔
	SpinCooldown      time.Duration // 两次转盘之间的最小间隔，以 meta.lastSpinAt 计
	RevealDelay       time.Duration // completedAt = startedAt + RevealDelay
	MaxParticipants   int
	MaxListItems      int
	CreateAttempts    int // 房间码冲突时的最大尝试次数

	Now         func() time.Time
	NewRoomCode func() (string, error)
	NewSeed     func() int64
	NewSpinID   func(at time.Time) string

	// OnChange 在派生状态变化后调用，可能来自不同 goroutine
	OnChange func(State)
	// OnSpinCommitted 在本客户端赢得转盘并写入结果后调用
	OnSpinCommitted func(roomCode string, rec domain.SpinRecord)

	Logger *logrus.Entry
}

func (c Config) withDefaults() Config {
	if c.RoomTTL <= 0 {
		c.RoomTTL = DefaultRoomTTL
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.SweepCooldown <= 0 {
		c.SweepCooldown = DefaultSweepCooldown
	}
	if c.SpinCooldown <= 0 {
		c.SpinCooldown = DefaultSpinCooldown
	}
	if c.RevealDelay <= 0 {
		c.RevealDelay = DefaultRevealDelay
	}
	if c.MaxParticipants <= 0 {
		c.MaxParticipants = DefaultMaxParticipants
	}
	if c.MaxListItems <= 0 {
		c.MaxListItems = DefaultMaxListItems
	}
	if c.CreateAttempts <= 0 {
		c.CreateAttempts = DefaultCreateAttempts
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.NewRoomCode == nil {
		c.NewRoomCode = roomcode.GenerateRoomCode
	}
	if c.NewSeed == nil {
		c.NewSeed = roomcode.GenerateSeed
	}
	if c.NewSpinID == nil {
		c.NewSpinID = idgen.NewULIDAt
	}
	if c.Logger == nil {
		c.Logger = logrus.WithField("component", "coordinator")
	}
	return c
}
