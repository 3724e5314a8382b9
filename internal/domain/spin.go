package domain

import "time"

// SpinHistory 是已提交转盘结果的持久化记录，仅用于诊断与历史查询。
// 实时结果始终以存储中的 SpinRecord 为准。
type SpinHistory struct {
	ID          uint      `gorm:"primaryKey" json:"-"`
	SpinID      string    `gorm:"type:varchar(32);uniqueIndex:idx_spin_id;not null" json:"spinId"` // ULID，重复投递时用于去重
	RoomCode    string    `gorm:"type:varchar(16);index:idx_room_code;not null" json:"roomCode"`
	WinnerIndex int       `gorm:"not null" json:"winnerIndex"`
	WinnerName  string    `gorm:"type:varchar(191);not null" json:"winnerName"`
	StartedBy   string    `gorm:"type:varchar(64);not null" json:"startedBy"`
	Seed        int64     `gorm:"not null" json:"seed"`
	StartedAt   time.Time `gorm:"type:datetime(3)" json:"startedAt"`
	CompletedAt time.Time `gorm:"type:datetime(3)" json:"completedAt"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

// TableName 固定表名
func (SpinHistory) TableName() string { return "spin_histories" }

// NewSpinHistory 将存储中的 SpinRecord 转换为持久化模型
func NewSpinHistory(roomCode string, rec SpinRecord) *SpinHistory {
	return &SpinHistory{
		SpinID:      rec.SpinID,
		RoomCode:    roomCode,
		WinnerIndex: rec.WinnerIndex,
		WinnerName:  rec.WinnerName,
		StartedBy:   rec.StartedBy,
		Seed:        rec.Seed,
		StartedAt:   time.UnixMilli(rec.StartedAt).UTC(),
		CompletedAt: time.UnixMilli(rec.CompletedAt).UTC(),
	}
}
