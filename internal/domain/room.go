package domain

import (
	"encoding/json"
	"strings"
)

// RoomStatus 表示房间当前所处的转盘阶段
type RoomStatus string

const (
	StatusWaiting   RoomStatus = "waiting"   // 等待发起转盘
	StatusSpinning  RoomStatus = "spinning"  // 已赢得冷却门，正在写入结果
	StatusCompleted RoomStatus = "completed" // 结果已写入
)

// Valid 判断状态是否为已知值
func (s RoomStatus) Valid() bool {
	switch s {
	case StatusWaiting, StatusSpinning, StatusCompleted:
		return true
	}
	return false
}

// RoomMeta 是每个房间唯一的元数据节点 (rooms/{code}/meta)。
// 所有时间字段均为毫秒级 Unix 时间戳。
type RoomMeta struct {
	HostUID    string     `json:"hostUid"`
	Status     RoomStatus `json:"status"`
	CreatedAt  int64      `json:"createdAt"`
	ExpiresAt  int64      `json:"expiresAt"`
	LastSpinAt int64      `json:"lastSpinAt"`
}

// Live 判断房间在 nowMs 时刻是否仍然有效
func (m RoomMeta) Live(nowMs int64) bool {
	return m.ExpiresAt > nowMs
}

// Participant 是房间内一个身份的在线记录 (rooms/{code}/participants/{uid})
type Participant struct {
	UID        string `json:"uid"`
	Name       string `json:"name"`
	JoinedAt   int64  `json:"joinedAt"`
	LastSeenAt int64  `json:"lastSeenAt"`
	Ready      bool   `json:"ready"`
}

// Active 判断参与者是否在 staleMs 阈值内有心跳
func (p Participant) Active(nowMs, staleMs int64) bool {
	return nowMs-p.LastSeenAt <= staleMs
}

// ListItem 是共享候选列表中的一项 (rooms/{code}/list/{itemKey})。
// Order 决定展示顺序，存储的键枚举顺序不可靠。
type ListItem struct {
	Name      string `json:"name"`
	Order     int    `json:"order"`
	CreatedAt int64  `json:"createdAt"`
	CreatedBy string `json:"createdBy"`
}

// SpinRecord 是一次已提交的转盘结果 (rooms/{code}/spin)
type SpinRecord struct {
	SpinID      string `json:"spinId"`
	WinnerIndex int    `json:"winnerIndex"`
	WinnerName  string `json:"winnerName"`
	Seed        int64  `json:"seed"`
	StartedAt   int64  `json:"startedAt"`
	CompletedAt int64  `json:"completedAt"`
	StartedBy   string `json:"startedBy"`
}

// --- 防御性解析 ---
// 存储中的值都是无类型 JSON，解析失败一律视为不存在。

// ParseRoomMeta 解析 meta 节点
func ParseRoomMeta(raw json.RawMessage) (RoomMeta, bool) {
	var m RoomMeta
	if !decode(raw, &m) {
		return RoomMeta{}, false
	}
	if m.HostUID == "" || m.ExpiresAt <= 0 {
		return RoomMeta{}, false
	}
	if !m.Status.Valid() {
		m.Status = StatusWaiting
	}
	return m, true
}

// ParseParticipant 解析参与者节点，uid 缺失时以节点键补齐
func ParseParticipant(key string, raw json.RawMessage) (Participant, bool) {
	var p Participant
	if !decode(raw, &p) {
		return Participant{}, false
	}
	if p.UID == "" {
		p.UID = key
	}
	if p.UID != key || p.LastSeenAt <= 0 {
		return Participant{}, false
	}
	return p, true
}

// ParseListItem 解析共享列表中的一项
func ParseListItem(raw json.RawMessage) (ListItem, bool) {
	var it ListItem
	if !decode(raw, &it) {
		return ListItem{}, false
	}
	it.Name = strings.TrimSpace(it.Name)
	if it.Name == "" || it.Order < 0 {
		return ListItem{}, false
	}
	return it, true
}

// ParseSpinRecord 解析转盘结果节点
func ParseSpinRecord(raw json.RawMessage) (SpinRecord, bool) {
	var s SpinRecord
	if !decode(raw, &s) {
		return SpinRecord{}, false
	}
	if s.SpinID == "" || s.WinnerIndex < 0 || s.WinnerName == "" {
		return SpinRecord{}, false
	}
	return s, true
}

// ParseCohostFlag 解析 cohost 标记，只有 true 才代表授权
func ParseCohostFlag(raw json.RawMessage) bool {
	var granted bool
	return decode(raw, &granted) && granted
}

func decode(raw json.RawMessage, v interface{}) bool {
	if len(raw) == 0 {
		return false
	}
	return json.Unmarshal(raw, v) == nil
}
